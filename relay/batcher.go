// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/state"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

const (
	// batcherRetryBase and batcherRetryMax bound the backoff between
	// attempts to write a batch that failed transiently.
	batcherRetryBase = 100 * time.Millisecond
	batcherRetryMax  = 5 * time.Second

	// batcherMaxAttempts is how often one batch is retried before its
	// events are abandoned. The events were already acked and broadcast;
	// losing them here is a counted, logged degradation.
	batcherMaxAttempts = 8

	// batcherWriteTimeout bounds a single store call.
	batcherWriteTimeout = 30 * time.Second
)

// Batcher coalesces accepted non-ephemeral events into store writes. The
// intake is non-blocking so a stalled store can never back up into the
// broadcast path; when the buffer fills, events are dropped with a warning
// instead.
type Batcher struct {
	logger hclog.Logger
	store  state.EventStore

	batchSize int
	flushWait time.Duration

	intake  chan *structs.Event
	batches chan []*structs.Event

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping chan struct{}
}

// NewBatcher starts the collector and workers flush goroutines against the
// store.
func NewBatcher(logger hclog.Logger, store state.EventStore, workers, batchSize int, flushWait time.Duration) *Batcher {
	if workers < 1 {
		workers = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if flushWait <= 0 {
		flushWait = time.Second
	}
	b := &Batcher{
		logger:    logger.Named("batcher"),
		store:     store,
		batchSize: batchSize,
		flushWait: flushWait,
		intake:    make(chan *structs.Event, 8*batchSize),
		batches:   make(chan []*structs.Event, workers),
		stopping:  make(chan struct{}),
	}

	b.wg.Add(1 + workers)
	go b.collect()
	for i := 0; i < workers; i++ {
		go b.flusher()
	}
	return b
}

// Enqueue hands an event to the storage path. It never blocks; false means
// the intake buffer was full and the event will not be persisted.
func (b *Batcher) Enqueue(e *structs.Event) bool {
	select {
	case b.intake <- e:
		metrics.SetGauge([]string{"relay", "batcher", "intake_depth"}, float32(len(b.intake)))
		return true
	default:
		metrics.IncrCounter([]string{"relay", "batcher", "intake_dropped"}, 1)
		b.logger.Warn("storage intake full, dropping event", "event_id", e.ID)
		return false
	}
}

// Shutdown stops intake, flushes everything buffered, and waits for the
// workers to finish their final writes.
func (b *Batcher) Shutdown() {
	b.stopOnce.Do(func() { close(b.stopping) })
	b.wg.Wait()
}

// collect drains the intake into batches, cutting one whenever it reaches
// the target size or the oldest buffered event has waited flushWait.
func (b *Batcher) collect() {
	defer b.wg.Done()
	defer close(b.batches)

	ticker := time.NewTicker(b.flushWait)
	defer ticker.Stop()

	var pending []*structs.Event
	cut := func() {
		if len(pending) == 0 {
			return
		}
		b.batches <- pending
		pending = nil
	}

	for {
		select {
		case e := <-b.intake:
			pending = append(pending, e)
			if len(pending) >= b.batchSize {
				cut()
			}
		case <-ticker.C:
			cut()
		case <-b.stopping:
			// Final drain: take whatever is still buffered, then cut.
			for {
				select {
				case e := <-b.intake:
					pending = append(pending, e)
				default:
					cut()
					return
				}
			}
		}
	}
}

// flusher writes batches until the collector closes the channel.
func (b *Batcher) flusher() {
	defer b.wg.Done()
	for batch := range b.batches {
		b.writeBatch(batch)
	}
}

// writeBatch pushes one batch into the store, retrying transient failures
// with exponential backoff and splitting the batch on permanent ones.
func (b *Batcher) writeBatch(batch []*structs.Event) {
	backoff := batcherRetryBase
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := b.put(batch)
		if err == nil {
			metrics.MeasureSince([]string{"relay", "batcher", "flush"}, start)
			metrics.IncrCounter([]string{"relay", "batcher", "stored"}, float32(len(batch)))
			return
		}

		if !state.IsTransient(err) {
			b.splitBatch(batch)
			return
		}

		metrics.IncrCounter([]string{"relay", "batcher", "retry"}, 1)
		if attempt >= batcherMaxAttempts {
			metrics.IncrCounter([]string{"relay", "batcher", "lost"}, float32(len(batch)))
			b.logger.Error("abandoning batch after repeated store failures",
				"events", len(batch), "attempts", attempt, "error", err)
			return
		}
		b.logger.Warn("store write failed, retrying batch",
			"events", len(batch), "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-b.stopping:
			// One more immediate attempt during shutdown, then give up.
			if b.put(batch) == nil {
				return
			}
			metrics.IncrCounter([]string{"relay", "batcher", "lost"}, float32(len(batch)))
			b.logger.Error("abandoning batch at shutdown", "events", len(batch))
			return
		}
		if backoff *= 2; backoff > batcherRetryMax {
			backoff = batcherRetryMax
		}
	}
}

// splitBatch retries a permanently failed batch one event at a time so a
// single poisoned document cannot sink its neighbors.
func (b *Batcher) splitBatch(batch []*structs.Event) {
	var mErr *multierror.Error
	failed := 0
	for _, e := range batch {
		if err := b.put([]*structs.Event{e}); err != nil {
			failed++
			mErr = multierror.Append(mErr, err)
			b.logger.Error("store rejected event", "event_id", e.ID, "error", err)
		}
	}
	metrics.IncrCounter([]string{"relay", "batcher", "rejected"}, float32(failed))
	if failed > 0 {
		b.logger.Error("batch split finished with failures",
			"events", len(batch), "failed", failed, "error", mErr.ErrorOrNil())
	}
}

func (b *Batcher) put(batch []*structs.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), batcherWriteTimeout)
	defer cancel()
	return b.store.PutBatch(ctx, batch)
}
