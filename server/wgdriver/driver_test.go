package wgdriver

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/wgfleet/wgfleet/server/model"
)

// The registry must hand the same panel client back for repeated operations
// on one server, so the wg-easy session cookie is reused instead of paying a
// login per call. Rotating the password invalidates the cached client.
func TestRegistryReusesPanelClient(t *testing.T) {
	r := NewRegistry(logs.NewTestingLog(t))
	srv := &model.Server{
		BaseModel:     model.BaseModel{ID: 7},
		PanelURL:      "http://panel.local",
		PanelPassword: "pw",
	}

	d1, ok := r.ForServer(srv).(*PanelDriver)
	require.True(t, ok)
	d2 := r.ForServer(srv).(*PanelDriver)
	require.Same(t, d1.client, d2.client)

	srv.PanelPassword = "rotated"
	d3 := r.ForServer(srv).(*PanelDriver)
	require.NotSame(t, d1.client, d3.client)

	local := &model.Server{BaseModel: model.BaseModel{ID: 8}, Interface: "wg1"}
	ld, ok := r.ForServer(local).(*LocalDriver)
	require.True(t, ok)
	require.Equal(t, "wg1", ld.iface)
}
