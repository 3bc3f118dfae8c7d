// Package ippool manages the pool of client addresses for each server.
//
// Every address in a server's subnet gets its own ip_allocation row when the
// pool is populated. Reserving an address flips a free row to allocated with
// a conditional UPDATE, so two concurrent reservations can never win the
// same address.
package ippool

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/server/model"
	"gorm.io/gorm"
)

// ErrNoCapacity means every address in the server's subnet is allocated.
var ErrNoCapacity = errors.New("no free IP addresses in server subnet")

// reserveAttempts bounds the retry loop in Reserve. Each retry means another
// reservation raced us to the candidate address, so in practice one or two
// attempts is all we ever need.
const reserveAttempts = 5

type Pool struct {
	log logs.Log
	db  *gorm.DB
}

func NewPool(log logs.Log, db *gorm.DB) *Pool {
	return &Pool{
		log: log,
		db:  db,
	}
}

// Populate creates the ip_allocation rows for a server's subnet.
// The network address, the broadcast address, and the gateway (the first
// usable address, which the server itself owns) are excluded, so a /24
// yields 253 client addresses. Populate is idempotent in the sense that
// it refuses to run twice for the same server.
func (p *Pool) Populate(server *model.Server) (int, error) {
	prefix, err := netip.ParsePrefix(server.Subnet)
	if err != nil {
		return 0, fmt.Errorf("invalid subnet '%v' on server %v: %w", server.Subnet, server.ID, err)
	}
	prefix = prefix.Masked()

	existing := int64(0)
	if err := p.db.Model(&model.IPAllocation{}).Where("server_id = ?", server.ID).Count(&existing).Error; err != nil {
		return 0, err
	}
	if existing != 0 {
		return 0, fmt.Errorf("IP pool for server %v is already populated (%v addresses)", server.ID, existing)
	}

	gateway := prefix.Addr().Next()
	allocs := []model.IPAllocation{}
	for addr := prefix.Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		if addr == gateway {
			continue
		}
		allocs = append(allocs, model.IPAllocation{
			ServerID:  server.ID,
			IPAddress: addr.String(),
		})
	}
	if prefix.Addr().Is4() && len(allocs) > 0 {
		// Drop the broadcast address
		allocs = allocs[:len(allocs)-1]
	}
	if len(allocs) == 0 {
		return 0, fmt.Errorf("subnet '%v' on server %v has no usable client addresses", server.Subnet, server.ID)
	}

	if err := p.db.CreateInBatches(allocs, 200).Error; err != nil {
		return 0, err
	}
	p.log.Infof("Populated IP pool for server %v: %v addresses from %v", server.ID, len(allocs), prefix)
	return len(allocs), nil
}

// Reserve claims a free address from the server's pool.
// We pick a candidate with a SELECT, then claim it with a conditional UPDATE.
// If another reservation claimed the candidate between our SELECT and UPDATE,
// RowsAffected is zero and we pick again.
func (p *Pool) Reserve(serverID int64) (*model.IPAllocation, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		alloc := model.IPAllocation{}
		err := p.db.Where("server_id = ? AND NOT is_allocated", serverID).Order("id").First(&alloc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoCapacity
		} else if err != nil {
			return nil, err
		}
		claim := p.db.Model(&model.IPAllocation{}).
			Where("id = ? AND NOT is_allocated", alloc.ID).
			Update("is_allocated", true)
		if claim.Error != nil {
			return nil, claim.Error
		}
		if claim.RowsAffected == 1 {
			alloc.IsAllocated = true
			return &alloc, nil
		}
		p.log.Debugf("IP reservation lost race on %v (server %v), retrying", alloc.IPAddress, serverID)
	}
	return nil, fmt.Errorf("failed to reserve an IP on server %v after %v attempts", serverID, reserveAttempts)
}

// Bind records which config holds the allocation.
func (p *Pool) Bind(allocID, configID int64) error {
	return p.db.Model(&model.IPAllocation{}).Where("id = ?", allocID).Update("vpn_config_id", configID).Error
}

// Release frees an allocation. Releasing an already-free allocation is a no-op.
func (p *Pool) Release(allocID int64) error {
	return p.db.Model(&model.IPAllocation{}).Where("id = ?", allocID).
		Updates(map[string]any{"is_allocated": false, "vpn_config_id": nil}).Error
}

// ReleaseByConfig frees whatever allocation the config holds, if any.
func (p *Pool) ReleaseByConfig(tx *gorm.DB, configID int64) error {
	return tx.Model(&model.IPAllocation{}).Where("vpn_config_id = ?", configID).
		Updates(map[string]any{"is_allocated": false, "vpn_config_id": nil}).Error
}

// Stats returns (allocated, total) for a server's pool.
func (p *Pool) Stats(serverID int64) (int64, int64, error) {
	total := int64(0)
	if err := p.db.Model(&model.IPAllocation{}).Where("server_id = ?", serverID).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	allocated := int64(0)
	if err := p.db.Model(&model.IPAllocation{}).Where("server_id = ? AND is_allocated", serverID).Count(&allocated).Error; err != nil {
		return 0, 0, err
	}
	return allocated, total, nil
}
