// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package policy decides which identities, events, kinds, and source
// addresses the relay is willing to serve. The validator and the websocket
// surface consult a Store; deployments choose between the built-in memory
// store and an external provider wrapped in the TTL cache.
package policy

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/hashicorp/go-set/v3"
)

// Store is the decision contract the pipeline consults. Implementations
// must be safe for concurrent use. Lookup errors indicate the provider is
// unreachable, not a decision.
type Store interface {
	// PubkeyBanned reports whether the author is explicitly banned.
	PubkeyBanned(pubkey string) (bool, error)

	// PubkeyAllowed reports whether the author passes the allowlist. With
	// no allowlist configured every pubkey is allowed.
	PubkeyAllowed(pubkey string) (bool, error)

	// EventBanned reports whether the specific event id is banned.
	EventBanned(id string) (bool, error)

	// KindAllowed reports whether the relay accepts events of this kind.
	KindAllowed(kind int) (bool, error)

	// IPBlocked reports whether connections from the address are refused.
	IPBlocked(ip string) (bool, error)
}

// MemoryConfig seeds the built-in store from the relay configuration.
type MemoryConfig struct {
	BannedPubkeys  []string
	AllowedPubkeys []string
	BannedEvents   []string
	AllowedKinds   []int
	DeniedKinds    []int

	// BlockedIPs holds single addresses or CIDR prefixes.
	BlockedIPs []string
}

// Memory is the built-in policy store. Decisions are plain set lookups;
// it never returns an error.
type Memory struct {
	mu sync.RWMutex

	bannedPubkeys  *set.Set[string]
	allowedPubkeys *set.Set[string]
	bannedEvents   *set.Set[string]
	allowedKinds   *set.Set[int]
	deniedKinds    *set.Set[int]

	blockedAddrs    *set.Set[netip.Addr]
	blockedPrefixes []netip.Prefix
}

// NewMemory builds a Memory store from the config, validating every
// blocked address entry up front.
func NewMemory(cfg MemoryConfig) (*Memory, error) {
	m := &Memory{
		bannedPubkeys:  set.From(cfg.BannedPubkeys),
		allowedPubkeys: set.From(cfg.AllowedPubkeys),
		bannedEvents:   set.From(cfg.BannedEvents),
		allowedKinds:   set.From(cfg.AllowedKinds),
		deniedKinds:    set.From(cfg.DeniedKinds),
		blockedAddrs:   set.New[netip.Addr](len(cfg.BlockedIPs)),
	}
	for _, entry := range cfg.BlockedIPs {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			m.blockedPrefixes = append(m.blockedPrefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked address %q: %w", entry, err)
		}
		m.blockedAddrs.Insert(addr.Unmap())
	}
	return m, nil
}

func (m *Memory) PubkeyBanned(pubkey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bannedPubkeys.Contains(pubkey), nil
}

func (m *Memory) PubkeyAllowed(pubkey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.allowedPubkeys.Empty() {
		return true, nil
	}
	return m.allowedPubkeys.Contains(pubkey), nil
}

func (m *Memory) EventBanned(id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bannedEvents.Contains(id), nil
}

func (m *Memory) KindAllowed(kind int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.deniedKinds.Contains(kind) {
		return false, nil
	}
	if m.allowedKinds.Empty() {
		return true, nil
	}
	return m.allowedKinds.Contains(kind), nil
}

func (m *Memory) IPBlocked(ip string) (bool, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, nil
	}
	addr = addr.Unmap()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.blockedAddrs.Contains(addr) {
		return true, nil
	}
	for _, prefix := range m.blockedPrefixes {
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// BanPubkey adds the pubkey to the ban set at runtime.
func (m *Memory) BanPubkey(pubkey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedPubkeys.Insert(pubkey)
}

// BanEvent adds the event id to the ban set at runtime.
func (m *Memory) BanEvent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedEvents.Insert(id)
}

// UnbanPubkey removes the pubkey from the ban set.
func (m *Memory) UnbanPubkey(pubkey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedPubkeys.Remove(pubkey)
}
