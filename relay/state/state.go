// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state implements the relay's durable event stores. Both backends
// honor the same contract: retention classes are enforced at write time
// inside a single-writer transaction, so concurrent batches can never leave
// two live versions of a replaceable record.
package state

import (
	"context"
	"errors"
	"sort"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

var (
	// ErrUnavailable marks failures where the store cannot currently serve
	// requests but may recover. Batch writers retry these.
	ErrUnavailable = errors.New("event store unavailable")

	// ErrBadEvent marks per-event failures that will never succeed on
	// retry. Batch writers isolate and drop the offending event.
	ErrBadEvent = errors.New("event cannot be stored")
)

// IsTransient reports whether the write that produced err is worth
// retrying. Anything not explicitly permanent is assumed transient so a
// flaky backend does not silently lose events.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBadEvent) {
		return false
	}
	return true
}

// EventIterator walks query results newest-first. Next returns nil once
// the results are exhausted. Iterators do not outlive the snapshot they
// were created from, so callers drain them promptly.
type EventIterator interface {
	Next() *structs.Event
}

// EventStore is the persistence contract for the relay pipeline.
// Implementations must be safe for concurrent use and must serialize
// writes internally.
type EventStore interface {
	// PutBatch applies a batch of validated events in one write
	// transaction. Duplicate ids are ignored, ephemeral events are
	// ignored, and replaceable events only land if they supersede the
	// stored version.
	PutBatch(ctx context.Context, events []*structs.Event) error

	// Get returns the stored event with the given id, or nil.
	Get(ctx context.Context, id string) (*structs.Event, error)

	// Query returns stored events matching the filter, newest-first,
	// stopping after limit matches. A non-positive limit means unbounded.
	Query(ctx context.Context, f *structs.Filter, limit int) (EventIterator, error)

	// Count returns the number of stored events matching the filter.
	Count(ctx context.Context, f *structs.Filter) (int64, error)

	// Remove deletes a stored event by id. Removing an absent id is not
	// an error.
	Remove(ctx context.Context, id string) error

	// TotalEvents returns the number of events currently stored.
	TotalEvents() (int64, error)

	// Name identifies the backend in logs and status output.
	Name() string

	// Close releases the backend. The store must not be used afterwards.
	Close() error
}

// sliceIterator serves pre-materialized results.
type sliceIterator struct {
	events []*structs.Event
	next   int
}

func (it *sliceIterator) Next() *structs.Event {
	if it.next >= len(it.events) {
		return nil
	}
	ev := it.events[it.next]
	it.next++
	return ev
}

// exactIDs returns the filter's id list when every entry is a full-length
// id, making a point-lookup plan possible. Any prefix entry disables it.
func exactIDs(f *structs.Filter) ([]string, bool) {
	if f == nil || len(f.IDs) == 0 {
		return nil, false
	}
	for _, id := range f.IDs {
		if len(id) != 64 {
			return nil, false
		}
	}
	return f.IDs, true
}

// sortNewestFirst orders events by descending created_at, breaking ties
// toward the lower id. This is the order every query path returns.
func sortNewestFirst(events []*structs.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
