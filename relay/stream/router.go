// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// Transport is the connection surface the router writes to. WriteFrames
// delivers a coalesced batch of frames in order; Close tears down the
// connection with a reason the client may see.
type Transport interface {
	WriteFrames(frames [][]byte) error
	Close(reason string) error
}

// SendResult describes the fate of one frame handed to the router.
type SendResult int

const (
	// SendQueued means the frame was accepted for delivery.
	SendQueued SendResult = iota

	// SendDropped means the connection's queue was full and the frame was
	// discarded.
	SendDropped

	// SendGone means the connection is not attached; frames for closed
	// connections are dropped silently.
	SendGone
)

// RouterConfig tunes the per-connection outbound queues.
type RouterConfig struct {
	// MaxQueue is the hard cap on frames queued per connection.
	MaxQueue int

	// SoftQueue is the depth past which the dispatcher stops waiting out
	// the coalescing window and writes as fast as the transport allows.
	// Zero disables the early flush.
	SoftQueue int

	// CoalesceWindow is how long the dispatcher waits after the first
	// queued frame to batch followers into one write.
	CoalesceWindow time.Duration

	// DropLimit is the number of consecutive dropped frames after which
	// the connection is closed as too slow.
	DropLimit int
}

// Router owns one outbound queue per connection and the goroutines that
// drain them. Frames for one connection are written in the order they
// were queued.
type Router struct {
	logger hclog.Logger
	cfg    RouterConfig

	// onEvict is called when the router closes a connection on its own,
	// either from queue overflow or a failed write. It runs outside the
	// router locks.
	onEvict func(connID string, reason string)

	mu    sync.RWMutex
	conns map[string]*outbound
	wg    sync.WaitGroup
}

func NewRouter(logger hclog.Logger, cfg RouterConfig, onEvict func(connID, reason string)) *Router {
	if onEvict == nil {
		onEvict = func(string, string) {}
	}
	return &Router{
		logger:  logger.Named("router"),
		cfg:     cfg,
		onEvict: onEvict,
		conns:   make(map[string]*outbound),
	}
}

// Attach registers a connection and starts its dispatch goroutine.
func (r *Router) Attach(connID string, t Transport) error {
	o := &outbound{
		id:        connID,
		router:    r,
		transport: t,
		wake:      make(chan struct{}, 1),
		urgent:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("connection %s already attached", connID)
	}
	r.conns[connID] = o
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SetGauge([]string{"relay", "router", "connections"}, float32(n))
	r.wg.Add(1)
	go o.run()
	return nil
}

// Detach removes a connection and stops its dispatcher. Queued frames are
// dropped; the transport itself is closed by the caller.
func (r *Router) Detach(connID string) {
	r.mu.Lock()
	o := r.conns[connID]
	delete(r.conns, connID)
	n := len(r.conns)
	r.mu.Unlock()

	if o == nil {
		return
	}
	metrics.SetGauge([]string{"relay", "router", "connections"}, float32(n))
	o.stop()
}

// Send queues one frame for a connection.
func (r *Router) Send(connID string, frame []byte) SendResult {
	r.mu.RLock()
	o := r.conns[connID]
	r.mu.RUnlock()

	if o == nil {
		return SendGone
	}
	return o.enqueue(frame)
}

// NumConnections returns the number of attached connections.
func (r *Router) NumConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Shutdown stops every dispatcher and waits for them to exit. Undelivered
// frames are dropped.
func (r *Router) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*outbound)
	r.mu.Unlock()

	for _, o := range conns {
		o.stop()
	}
	r.wg.Wait()
}

// evict removes a connection after the router decided to close it.
func (r *Router) evict(o *outbound, reason string) {
	r.mu.Lock()
	if r.conns[o.id] == o {
		delete(r.conns, o.id)
	}
	r.mu.Unlock()

	r.logger.Debug("closed connection", "conn_id", o.id, "reason", reason)
	_ = o.transport.Close(reason)
	r.onEvict(o.id, reason)
}

var errQueueClosed = errors.New("outbound queue closed")

// outbound is the state for one connection's delivery path.
type outbound struct {
	id        string
	router    *Router
	transport Transport

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	drops  int

	wake     chan struct{}
	urgent   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (o *outbound) enqueue(frame []byte) SendResult {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return SendGone
	}

	if max := o.router.cfg.MaxQueue; max > 0 && len(o.queue) >= max {
		o.drops++
		drops := o.drops
		limit := o.router.cfg.DropLimit
		kill := limit > 0 && drops >= limit
		if kill {
			o.closed = true
		}
		o.mu.Unlock()

		metrics.IncrCounter([]string{"relay", "router", "dropped"}, 1)
		if kill {
			metrics.IncrCounter([]string{"relay", "router", "overflow_closed"}, 1)
			o.stopOnce.Do(func() { close(o.done) })
			go o.router.evict(o, fmt.Sprintf("output queue overflowed %d times", drops))
		}
		return SendDropped
	}

	o.queue = append(o.queue, frame)
	o.drops = 0
	depth := len(o.queue)
	o.mu.Unlock()

	if soft := o.router.cfg.SoftQueue; soft > 0 && depth >= soft {
		metrics.IncrCounter([]string{"relay", "router", "soft_limit"}, 1)
		select {
		case o.urgent <- struct{}{}:
		default:
		}
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return SendQueued
}

// stop ends the dispatcher without an evict callback.
func (o *outbound) stop() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(o.done) })
}

// run drains the queue. After the first frame arrives it waits out the
// coalescing window so bursts become a single transport write.
func (o *outbound) run() {
	defer o.router.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		if w := o.router.cfg.CoalesceWindow; w > 0 {
			timer := time.NewTimer(w)
			select {
			case <-timer.C:
			case <-o.urgent:
				// Past the soft watermark; flush without waiting.
				timer.Stop()
			case <-o.done:
				timer.Stop()
				return
			}
		}

		o.mu.Lock()
		frames := o.queue
		o.queue = nil
		o.mu.Unlock()

		// A soft-limit signal raised for frames just taken must not force
		// an early flush of the next batch.
		select {
		case <-o.urgent:
		default:
		}

		if len(frames) == 0 {
			continue
		}

		start := time.Now()
		if err := o.transport.WriteFrames(frames); err != nil {
			o.mu.Lock()
			o.closed = true
			o.mu.Unlock()
			o.stopOnce.Do(func() { close(o.done) })
			o.router.evict(o, fmt.Sprintf("write failed: %v", err))
			return
		}
		metrics.MeasureSince([]string{"relay", "router", "write"}, start)
		metrics.IncrCounter([]string{"relay", "router", "sent"}, float32(len(frames)))
	}
}
