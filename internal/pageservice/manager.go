// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package pageservice

import (
	"sync"

	"github.com/swaingotnochill/pageserver/internal/pserrors"
	"github.com/swaingotnochill/pageserver/internal/tenant"
)

// TenantMap is the simplest Manager: a fixed set of tenant shards this
// pageserver process has attached, keyed by tenant_shard_id. The
// attach/detach/create lifecycle itself lives in internal/tenant; this
// is only the lookup table pageservice needs to route connections.
type TenantMap struct {
	mu      sync.RWMutex
	tenants map[string]*tenant.Tenant
}

// NewTenantMap returns an empty TenantMap.
func NewTenantMap() *TenantMap {
	return &TenantMap{tenants: make(map[string]*tenant.Tenant)}
}

// Put registers or replaces a tenant shard.
func (m *TenantMap) Put(t *tenant.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.TenantShardID] = t
}

// Remove drops a tenant shard from the map.
func (m *TenantMap) Remove(tenantShardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantShardID)
}

// Tenant implements Manager.
func (m *TenantMap) Tenant(tenantShardID string) (*tenant.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantShardID]
	if !ok {
		return nil, pserrors.ErrNotFound
	}
	return t, nil
}
