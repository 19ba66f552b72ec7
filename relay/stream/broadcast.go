// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

// Broadcaster fans accepted events out to matching subscriptions. Events
// enter through Publish into a bounded channel; a worker pool resolves
// candidates from the registry, verifies the full filter match, and hands
// frames to the router. A stalled consumer never stalls the pool: the
// router drops and the worker moves on.
type Broadcaster struct {
	logger   hclog.Logger
	registry *Registry
	router   *Router

	events chan *structs.Event
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewBroadcaster starts workers goroutines fanning out events. buffer is
// the depth of the intake channel; overflow falls back on the publishing
// validator worker blocking briefly, which surfaces as ingress
// backpressure rather than unbounded memory growth.
func NewBroadcaster(logger hclog.Logger, registry *Registry, router *Router, workers, buffer int) *Broadcaster {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1024
	}
	b := &Broadcaster{
		logger:   logger.Named("broadcast"),
		registry: registry,
		router:   router,
		events:   make(chan *structs.Event, buffer),
		stopped:  make(chan struct{}),
	}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.run()
	}
	return b
}

// Publish submits an accepted event for fan-out. It blocks only while the
// intake buffer is full and returns false after Shutdown.
func (b *Broadcaster) Publish(e *structs.Event) bool {
	select {
	case <-b.stopped:
		return false
	default:
	}
	select {
	case b.events <- e:
		return true
	case <-b.stopped:
		return false
	}
}

// Shutdown stops intake, drains in-flight events, and waits for the
// workers to exit.
func (b *Broadcaster) Shutdown() {
	b.stopOnce.Do(func() { close(b.stopped) })
	b.wg.Wait()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.events:
			b.dispatch(e)
		case <-b.stopped:
			// Drain whatever made it into the buffer before stop.
			for {
				select {
				case e := <-b.events:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers one event to every matching subscription.
func (b *Broadcaster) dispatch(e *structs.Event) {
	start := time.Now()
	candidates := b.registry.Candidates(e)

	var matched, delivered int
	for _, sub := range candidates {
		if !structs.MatchAny(sub.Filters, e) {
			continue
		}
		matched++

		// Subscriptions still backfilling buffer the event themselves and
		// flush it after EOSE.
		if !sub.Deliver(e) {
			continue
		}
		if b.send(sub, e) {
			delivered++
		}
	}

	metrics.MeasureSince([]string{"relay", "broadcast", "dispatch"}, start)
	metrics.IncrCounter([]string{"relay", "broadcast", "events"}, 1)
	if matched > 0 {
		metrics.IncrCounter([]string{"relay", "broadcast", "matched"}, float32(matched))
	}
	b.logger.Trace("dispatched event", "event_id", e.ID, "kind", e.Kind,
		"candidates", len(candidates), "matched", matched, "delivered", delivered)
}

// send writes one delivery frame, treating router refusal as a routine
// drop.
func (b *Broadcaster) send(sub *Subscription, e *structs.Event) bool {
	res := b.router.Send(sub.Ref.ConnID, structs.EventFrame(sub.Ref.SubID, e))
	if res != SendQueued {
		metrics.IncrCounter([]string{"relay", "broadcast", "undeliverable"}, 1)
		return false
	}
	return true
}

// Flush hands a subscription's buffered backlog-phase events to the
// router, skipping ids the historical query already sent. Called by the
// query engine right after it emits EOSE.
func (b *Broadcaster) Flush(sub *Subscription, sent map[string]struct{}) {
	for _, e := range sub.GoLive(sent) {
		b.send(sub, e)
	}
}
