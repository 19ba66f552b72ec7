// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

// MemoryStore keeps events in go-memdb. Reads run against an immutable
// snapshot and never block the single writer, which is what lets query
// traffic coexist with batch ingest. Contents do not survive a restart.
type MemoryStore struct {
	db    *memdb.MemDB
	count atomic.Int64
}

// NewMemoryStore constructs an empty in-memory event store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) TotalEvents() (int64, error) {
	return s.count.Load(), nil
}

func (s *MemoryStore) PutBatch(ctx context.Context, events []*structs.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	var inserted, deleted int64
	for _, e := range events {
		if e == nil || e.Class() == structs.EventEphemeral {
			continue
		}

		raw, err := txn.First(TableEvents, "id", e.ID)
		if err != nil {
			return err
		}
		if raw != nil {
			continue
		}

		if key := e.ReplaceKey(); key != "" {
			raw, err := txn.First(TableEvents, "replace", key)
			if err != nil {
				return err
			}
			if raw != nil {
				prev := raw.(*eventRecord)
				if !e.Supersedes(prev.Event) {
					continue
				}
				if err := txn.Delete(TableEvents, prev); err != nil {
					return err
				}
				deleted++
			}
		}

		if err := txn.Insert(TableEvents, newEventRecord(e)); err != nil {
			return err
		}
		inserted++
	}

	txn.Commit()
	s.count.Add(inserted - deleted)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*structs.Event, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(TableEvents, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*eventRecord).Event, nil
}

func (s *MemoryStore) Query(ctx context.Context, f *structs.Filter, limit int) (EventIterator, error) {
	txn := s.db.Txn(false)

	if ids, ok := exactIDs(f); ok {
		return s.queryByIDs(txn, f, ids, limit)
	}

	iter, err := s.createIndexReverse(txn, f)
	if err != nil {
		return nil, err
	}

	out := &memdbIterator{iter: iter, filter: f, limit: limit}
	if f != nil {
		out.since = f.Since
	}
	return out, nil
}

// queryByIDs runs point lookups when the filter names full-length ids.
func (s *MemoryStore) queryByIDs(txn *memdb.Txn, f *structs.Filter, ids []string, limit int) (EventIterator, error) {
	out := make([]*structs.Event, 0, len(ids))
	for _, id := range ids {
		raw, err := txn.First(TableEvents, "id", id)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		rec := raw.(*eventRecord)
		if f.Matches(rec.Event) {
			out = append(out, rec.Event)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return &sliceIterator{events: out}, nil
}

// createIndexReverse returns a newest-first iterator over the create index,
// seeking to the until bound when the filter has one.
func (s *MemoryStore) createIndexReverse(txn *memdb.Txn, f *structs.Filter) (memdb.ResultIterator, error) {
	if f != nil && f.Until != nil && *f.Until < math.MaxInt64 {
		// Seek to just above the until bound; the empty id sorts below
		// every real id so iteration starts at the newest row in range.
		return txn.ReverseLowerBound(TableEvents, "create", *f.Until+1, "")
	}
	return txn.GetReverse(TableEvents, "create")
}

func (s *MemoryStore) Count(ctx context.Context, f *structs.Filter) (int64, error) {
	txn := s.db.Txn(false)

	if ids, ok := exactIDs(f); ok {
		var n int64
		for _, id := range ids {
			raw, err := txn.First(TableEvents, "id", id)
			if err != nil {
				return 0, err
			}
			if raw != nil && f.Matches(raw.(*eventRecord).Event) {
				n++
			}
		}
		return n, nil
	}

	iter, err := s.createIndexReverse(txn, f)
	if err != nil {
		return 0, err
	}

	var n, seen int64
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if seen++; seen%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		rec := raw.(*eventRecord)
		if f != nil && f.Since != nil && rec.CreatedAt < *f.Since {
			break
		}
		if f == nil || f.Matches(rec.Event) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableEvents, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(TableEvents, raw); err != nil {
		return err
	}
	txn.Commit()
	s.count.Add(-1)
	return nil
}

// memdbIterator adapts a memdb result iterator to the store contract,
// applying the full filter and stopping early once rows age past the since
// bound.
type memdbIterator struct {
	iter    memdb.ResultIterator
	filter  *structs.Filter
	since   *int64
	limit   int
	matched int
	done    bool
}

func (it *memdbIterator) Next() *structs.Event {
	if it.done || (it.limit > 0 && it.matched >= it.limit) {
		return nil
	}
	for raw := it.iter.Next(); raw != nil; raw = it.iter.Next() {
		rec := raw.(*eventRecord)
		if it.since != nil && rec.CreatedAt < *it.since {
			break
		}
		if it.filter != nil && !it.filter.Matches(rec.Event) {
			continue
		}
		it.matched++
		return rec.Event
	}
	it.done = true
	return nil
}
