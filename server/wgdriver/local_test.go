package wgdriver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDump(t *testing.T) {
	out := "privA=\tpubA=\t51820\toff\n" +
		"peer1=\tpsk1=\t203.0.113.5:31234\t10.8.0.2/32\t1756200000\t12345\t67890\t25\n" +
		"peer2=\t(none)\t(none)\t10.8.0.3/32\t0\t0\t0\toff\n"
	peers, err := parseDump(out)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	require.Equal(t, "peer1=", peers[0].PublicKey)
	require.Equal(t, "peer1=", peers[0].Handle)
	require.Equal(t, "203.0.113.5:31234", peers[0].Endpoint)
	require.Equal(t, time.Unix(1756200000, 0), peers[0].LastHandshake)
	require.Equal(t, int64(12345), peers[0].BytesReceived)
	require.Equal(t, int64(67890), peers[0].BytesSent)

	require.Equal(t, "peer2=", peers[1].PublicKey)
	require.Empty(t, peers[1].Endpoint)
	require.True(t, peers[1].LastHandshake.IsZero())
}

func TestParseDumpNoPeers(t *testing.T) {
	peers, err := parseDump("privA=\tpubA=\t51820\toff\n")
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestParseDumpMalformed(t *testing.T) {
	_, err := parseDump("privA=\tpubA=\t51820\toff\npeer1=\tonly\tfour\tfields\n")
	require.Error(t, err)

	_, err = parseDump("privA=\tpubA=\t51820\toff\npeer1=\tpsk=\tep\tips\tnotanumber\t0\t0\toff\n")
	require.Error(t, err)
}
