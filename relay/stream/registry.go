// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream fans validated events out to live subscriptions. The
// registry holds an inverted index from coarse event attributes to
// subscriptions, the broadcaster walks that index for each event, and the
// router owns the per-connection outbound queues.
package stream

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

const (
	// indexShards spreads the inverted index across independently locked
	// shards so fan-out and subscription churn contend rarely.
	indexShards = 64

	// keyAll collects subscriptions whose filters constrain none of the
	// indexed attributes. They are candidates for every event.
	keyAll = "all"

	// maxPendingLive bounds the events buffered for a subscription while
	// its backlog query is still running. Overflow drops the newest
	// events, mirroring the outbound queue policy.
	maxPendingLive = 4096
)

// SubRef identifies a subscription by its connection and its
// client-assigned subscription id.
type SubRef struct {
	ConnID string
	SubID  string
}

// Subscription is a registered REQ. It starts in the backlog phase:
// matching live events are buffered until the historical query finishes,
// then flushed in order after the EOSE marker.
type Subscription struct {
	Ref     SubRef
	Filters []*structs.Filter

	// keys are the index keys this subscription is registered under.
	keys []string

	mu      sync.Mutex
	live    bool
	pending []*structs.Event
}

// Deliver routes a matching event. It reports true when the caller should
// send the event now; false means the event was buffered (or dropped)
// because the subscription is still in its backlog phase.
func (s *Subscription) Deliver(e *structs.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		return true
	}
	if len(s.pending) < maxPendingLive {
		s.pending = append(s.pending, e)
	} else {
		metrics.IncrCounter([]string{"relay", "registry", "pending_dropped"}, 1)
	}
	return false
}

// GoLive transitions the subscription out of its backlog phase and returns
// the buffered events that were not already delivered by the historical
// query, in arrival order.
func (s *Subscription) GoLive(sent map[string]struct{}) []*structs.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = true

	var flush []*structs.Event
	for _, e := range s.pending {
		if _, ok := sent[e.ID]; ok {
			continue
		}
		flush = append(flush, e)
	}
	s.pending = nil
	return flush
}

// Live reports whether the subscription left its backlog phase.
func (s *Subscription) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

type indexShard struct {
	mu   sync.RWMutex
	keys map[string]map[SubRef]*Subscription
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Subscription
}

// Registry is the subscription index. All methods are safe for concurrent
// use; distinct keys and connections contend only within their shard.
type Registry struct {
	logger hclog.Logger

	shards [indexShards]indexShard
	conns  [indexShards]connShard

	subCount  atomic.Int64
	connCount atomic.Int64
}

func NewRegistry(logger hclog.Logger) *Registry {
	r := &Registry{logger: logger.Named("registry")}
	for i := range r.shards {
		r.shards[i].keys = make(map[string]map[SubRef]*Subscription)
	}
	for i := range r.conns {
		r.conns[i].conns = make(map[string]map[string]*Subscription)
	}
	return r
}

// Subscribe registers filters under (connID, subID), replacing any
// existing subscription with the same id as one atomic swap from the
// connection's point of view.
func (r *Registry) Subscribe(connID, subID string, filters []*structs.Filter) *Subscription {
	sub := &Subscription{
		Ref:     SubRef{ConnID: connID, SubID: subID},
		Filters: filters,
		keys:    subscriptionKeys(filters),
	}

	cs := r.connShard(connID)
	cs.mu.Lock()
	subs, ok := cs.conns[connID]
	if !ok {
		subs = make(map[string]*Subscription)
		cs.conns[connID] = subs
		r.connCount.Add(1)
	}
	prev := subs[subID]
	subs[subID] = sub
	cs.mu.Unlock()

	if prev != nil {
		r.removeFromIndex(prev)
		r.subCount.Add(-1)
	}
	r.addToIndex(sub)

	n := r.subCount.Add(1)
	metrics.SetGauge([]string{"relay", "registry", "subscriptions"}, float32(n))
	r.logger.Trace("subscription registered", "conn_id", connID, "sub_id", subID,
		"filters", len(filters), "keys", len(sub.keys))
	return sub
}

// Unsubscribe removes the subscription and reports whether it existed.
func (r *Registry) Unsubscribe(connID, subID string) bool {
	cs := r.connShard(connID)
	cs.mu.Lock()
	subs := cs.conns[connID]
	sub, ok := subs[subID]
	if ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(cs.conns, connID)
			r.connCount.Add(-1)
		}
	}
	cs.mu.Unlock()

	if !ok {
		return false
	}
	r.removeFromIndex(sub)
	n := r.subCount.Add(-1)
	metrics.SetGauge([]string{"relay", "registry", "subscriptions"}, float32(n))
	return true
}

// DetachConn removes every subscription of a closing connection and
// returns how many were removed.
func (r *Registry) DetachConn(connID string) int {
	cs := r.connShard(connID)
	cs.mu.Lock()
	subs := cs.conns[connID]
	delete(cs.conns, connID)
	cs.mu.Unlock()

	if len(subs) == 0 {
		return 0
	}
	r.connCount.Add(-1)
	for _, sub := range subs {
		r.removeFromIndex(sub)
	}
	n := r.subCount.Add(int64(-len(subs)))
	metrics.SetGauge([]string{"relay", "registry", "subscriptions"}, float32(n))
	r.logger.Trace("connection detached", "conn_id", connID, "subscriptions", len(subs))
	return len(subs)
}

// Get returns the subscription registered under (connID, subID), or nil.
func (r *Registry) Get(connID, subID string) *Subscription {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.conns[connID][subID]
}

// ConnSubscriptions returns how many subscriptions a connection holds.
func (r *Registry) ConnSubscriptions(connID string) int {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns[connID])
}

// Candidates returns every subscription whose filters could match the
// event. The result is a superset; callers still run the full match.
func (r *Registry) Candidates(e *structs.Event) []*Subscription {
	seen := make(map[SubRef]*Subscription)
	for _, key := range eventKeys(e) {
		shard := r.keyShard(key)
		shard.mu.RLock()
		for ref, sub := range shard.keys[key] {
			seen[ref] = sub
		}
		shard.mu.RUnlock()
	}

	out := make([]*Subscription, 0, len(seen))
	for _, sub := range seen {
		out = append(out, sub)
	}
	return out
}

// NumSubscriptions returns the number of live subscriptions.
func (r *Registry) NumSubscriptions() int {
	return int(r.subCount.Load())
}

// NumConnections returns the number of connections holding at least one
// subscription.
func (r *Registry) NumConnections() int {
	return int(r.connCount.Load())
}

func (r *Registry) addToIndex(sub *Subscription) {
	for _, key := range sub.keys {
		shard := r.keyShard(key)
		shard.mu.Lock()
		refs, ok := shard.keys[key]
		if !ok {
			refs = make(map[SubRef]*Subscription)
			shard.keys[key] = refs
		}
		refs[sub.Ref] = sub
		shard.mu.Unlock()
	}
}

func (r *Registry) removeFromIndex(sub *Subscription) {
	for _, key := range sub.keys {
		shard := r.keyShard(key)
		shard.mu.Lock()
		refs := shard.keys[key]
		delete(refs, sub.Ref)
		if len(refs) == 0 {
			delete(shard.keys, key)
		}
		shard.mu.Unlock()
	}
}

func (r *Registry) keyShard(key string) *indexShard {
	return &r.shards[fnv1a(key)%indexShards]
}

func (r *Registry) connShard(connID string) *connShard {
	return &r.conns[fnv1a(connID)%indexShards]
}

// fnv1a avoids the hash.Hash allocation of the stdlib implementation on
// the fan-out path.
func fnv1a(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// subscriptionKeys returns the deduplicated union of the index keys of all
// filters in a subscription.
func subscriptionKeys(filters []*structs.Filter) []string {
	if len(filters) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, f := range filters {
		for _, key := range filterKeys(f) {
			seen[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// filterKeys derives the index keys for one filter. Exactly one attribute
// dimension is chosen, the most selective populated one; prefix values
// fall back to the dimension's wildcard bucket so candidate sets stay
// supersets of true matches.
func filterKeys(f *structs.Filter) []string {
	switch {
	case f == nil:
		return []string{keyAll}

	case len(f.IDs) > 0:
		return prefixedKeys("id:", f.IDs)

	case len(f.Authors) > 0:
		return prefixedKeys("author:", f.Authors)

	case len(f.Tags) > 0:
		name := mostSelectiveTag(f.Tags)
		values := f.Tags[name]
		keys := make([]string, 0, len(values))
		for _, v := range values {
			keys = append(keys, "tag:"+name+":"+v)
		}
		return keys

	case len(f.Kinds) > 0:
		keys := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			keys = append(keys, "kind:"+strconv.Itoa(k))
		}
		return keys

	default:
		return []string{keyAll}
	}
}

// prefixedKeys indexes full-length hex values exactly; any shorter prefix
// forces the wildcard bucket for the dimension.
func prefixedKeys(prefix string, values []string) []string {
	keys := make([]string, 0, len(values))
	wildcard := false
	for _, v := range values {
		if len(v) == 64 {
			keys = append(keys, prefix+v)
		} else {
			wildcard = true
		}
	}
	if wildcard {
		keys = append(keys, prefix+"*")
	}
	return keys
}

// mostSelectiveTag picks the constraint with the fewest accepted values,
// breaking ties toward the lexicographically smaller name so key
// derivation is deterministic.
func mostSelectiveTag(tags map[string][]string) string {
	var best string
	bestLen := -1
	for name, values := range tags {
		if bestLen == -1 || len(values) < bestLen || (len(values) == bestLen && name < best) {
			best = name
			bestLen = len(values)
		}
	}
	return best
}

// eventKeys returns the index keys an event must be checked against: the
// wildcard buckets, its own id, author and kind keys, and one key per tag.
func eventKeys(e *structs.Event) []string {
	keys := make([]string, 0, 6+len(e.Tags))
	keys = append(keys,
		keyAll,
		"id:*",
		"author:*",
		"id:"+e.ID,
		"author:"+e.PubKey,
		"kind:"+strconv.Itoa(e.Kind),
	)
	for _, t := range e.Tags {
		if name := t.Name(); name != "" {
			keys = append(keys, "tag:"+name+":"+t.Value())
		}
	}
	return keys
}
