// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheSize bounds the number of cached decisions per Cached store.
const DefaultCacheSize = 4096

// Cached wraps a Store with a TTL'd LRU so hot-path validation does not hit
// a remote provider on every event. Both positive and negative decisions
// are cached; lookup errors are not, so a recovering provider is retried
// immediately.
type Cached struct {
	next Store
	lru  *expirable.LRU[string, bool]
}

// NewCached wraps next with a decision cache of the given size and TTL. A
// size of zero falls back to DefaultCacheSize.
func NewCached(next Store, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cached{
		next: next,
		lru:  expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func (c *Cached) lookup(key string, miss func() (bool, error)) (bool, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := miss()
	if err != nil {
		return false, err
	}
	c.lru.Add(key, v)
	return v, nil
}

func (c *Cached) PubkeyBanned(pubkey string) (bool, error) {
	return c.lookup("pb:"+pubkey, func() (bool, error) { return c.next.PubkeyBanned(pubkey) })
}

func (c *Cached) PubkeyAllowed(pubkey string) (bool, error) {
	return c.lookup("pa:"+pubkey, func() (bool, error) { return c.next.PubkeyAllowed(pubkey) })
}

func (c *Cached) EventBanned(id string) (bool, error) {
	return c.lookup("eb:"+id, func() (bool, error) { return c.next.EventBanned(id) })
}

func (c *Cached) KindAllowed(kind int) (bool, error) {
	return c.lookup("ka:"+strconv.Itoa(kind), func() (bool, error) { return c.next.KindAllowed(kind) })
}

func (c *Cached) IPBlocked(ip string) (bool, error) {
	return c.lookup("ip:"+ip, func() (bool, error) { return c.next.IPBlocked(ip) })
}

// Purge drops every cached decision, forcing fresh lookups. Used when the
// relay reloads its configuration.
func (c *Cached) Purge() {
	c.lru.Purge()
}
