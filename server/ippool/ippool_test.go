package ippool_test

import (
	"os"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/wgfleet/wgfleet/server/ippool"
	"github.com/wgfleet/wgfleet/server/model"
	"gorm.io/gorm"
)

func createTestDB(t *testing.T) *gorm.DB {
	os.Remove("test-ippool.sqlite")
	log := logs.NewTestingLog(t)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig("test-ippool.sqlite"), model.Migrations(log), 0)
	require.NoError(t, err)
	return db
}

func createTestServer(t *testing.T, db *gorm.DB, subnet string) *model.Server {
	srv := &model.Server{
		Name:      "test",
		Endpoint:  "vpn.example.com",
		Port:      51820,
		PublicKey: "k",
		Subnet:    subnet,
		IsActive:  true,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	require.NoError(t, db.Create(srv).Error)
	return srv
}

func TestPopulate(t *testing.T) {
	db := createTestDB(t)
	pool := ippool.NewPool(logs.NewTestingLog(t), db)
	srv := createTestServer(t, db, "10.8.0.0/24")

	n, err := pool.Populate(srv)
	require.NoError(t, err)
	// 256 minus network, broadcast, and gateway
	require.Equal(t, 253, n)

	// Gateway (10.8.0.1), network and broadcast addresses must not be in the pool
	for _, excluded := range []string{"10.8.0.0", "10.8.0.1", "10.8.0.255"} {
		count := int64(0)
		require.NoError(t, db.Model(&model.IPAllocation{}).Where("server_id = ? AND ip_address = ?", srv.ID, excluded).Count(&count).Error)
		require.Zero(t, count, "address %v must be excluded", excluded)
	}

	// Populating twice is an error
	_, err = pool.Populate(srv)
	require.Error(t, err)
}

func TestPopulateBadSubnet(t *testing.T) {
	db := createTestDB(t)
	pool := ippool.NewPool(logs.NewTestingLog(t), db)
	srv := createTestServer(t, db, "not-a-subnet")
	_, err := pool.Populate(srv)
	require.Error(t, err)
}

func TestReserveRelease(t *testing.T) {
	db := createTestDB(t)
	pool := ippool.NewPool(logs.NewTestingLog(t), db)
	srv := createTestServer(t, db, "10.8.0.0/29")

	n, err := pool.Populate(srv)
	require.NoError(t, err)
	// 8 minus network, broadcast, gateway
	require.Equal(t, 5, n)

	seen := map[string]bool{}
	allocs := []*model.IPAllocation{}
	for i := 0; i < n; i++ {
		alloc, err := pool.Reserve(srv.ID)
		require.NoError(t, err)
		require.True(t, alloc.IsAllocated)
		require.False(t, seen[alloc.IPAddress], "address %v reserved twice", alloc.IPAddress)
		seen[alloc.IPAddress] = true
		allocs = append(allocs, alloc)
	}

	_, err = pool.Reserve(srv.ID)
	require.ErrorIs(t, err, ippool.ErrNoCapacity)

	require.NoError(t, pool.Release(allocs[0].ID))
	// Releasing twice is fine
	require.NoError(t, pool.Release(allocs[0].ID))

	again, err := pool.Reserve(srv.ID)
	require.NoError(t, err)
	require.Equal(t, allocs[0].IPAddress, again.IPAddress)

	allocated, total, err := pool.Stats(srv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), allocated)
	require.Equal(t, int64(5), total)
}

func TestReleaseByConfig(t *testing.T) {
	db := createTestDB(t)
	pool := ippool.NewPool(logs.NewTestingLog(t), db)
	srv := createTestServer(t, db, "10.8.0.0/29")
	_, err := pool.Populate(srv)
	require.NoError(t, err)

	alloc, err := pool.Reserve(srv.ID)
	require.NoError(t, err)
	require.NoError(t, pool.Bind(alloc.ID, 77))

	require.NoError(t, pool.ReleaseByConfig(db, 77))
	fresh := model.IPAllocation{}
	require.NoError(t, db.First(&fresh, alloc.ID).Error)
	require.False(t, fresh.IsAllocated)
	require.Zero(t, fresh.VPNConfigID)

	// No allocation held by that config anymore, still not an error
	require.NoError(t, pool.ReleaseByConfig(db, 77))
}

// Reserve must skip addresses that were claimed behind its back,
// which is what the conditional UPDATE protects against.
func TestReserveSkipsClaimed(t *testing.T) {
	db := createTestDB(t)
	pool := ippool.NewPool(logs.NewTestingLog(t), db)
	srv := createTestServer(t, db, "10.8.0.0/29")
	_, err := pool.Populate(srv)
	require.NoError(t, err)

	// Claim the lowest two addresses directly, as a racing reservation would
	lowest := []model.IPAllocation{}
	require.NoError(t, db.Where("server_id = ?", srv.ID).Order("id").Limit(2).Find(&lowest).Error)
	for _, a := range lowest {
		require.NoError(t, db.Model(&model.IPAllocation{}).Where("id = ?", a.ID).Update("is_allocated", true).Error)
	}

	alloc, err := pool.Reserve(srv.ID)
	require.NoError(t, err)
	require.NotEqual(t, lowest[0].IPAddress, alloc.IPAddress)
	require.NotEqual(t, lowest[1].IPAddress, alloc.IPAddress)
}
