// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// PushResult describes how the ingress queue absorbed a frame.
type PushResult int

const (
	// PushOK means the queue is below its soft watermark.
	PushOK PushResult = iota

	// PushBackpressure means the frame was accepted but the queue is past
	// its soft watermark; the transport should slow the producer down.
	PushBackpressure

	// PushDropped means the queue hit its hard watermark and the frame was
	// discarded. The transport owes the client a notice.
	PushDropped
)

// Frame is one raw inbound payload tagged with its source connection.
type Frame struct {
	ConnID string
	Data   []byte
}

// Ingress is the bounded FIFO between the transport readers and the
// validator pool. Push never blocks; Pop blocks until frames arrive, the
// deadline passes, or the queue closes. Safe for any number of producers
// and consumers.
type Ingress struct {
	mu     sync.Mutex
	items  []Frame
	wake   chan struct{}
	closed bool

	soft int
	hard int
}

// NewIngress builds a queue with the given watermarks. soft must be
// positive and hard at least soft; Config.Validate enforces this upstream.
func NewIngress(soft, hard int) *Ingress {
	return &Ingress{
		wake: make(chan struct{}),
		soft: soft,
		hard: hard,
	}
}

// Push appends a frame. It never blocks: past the hard watermark the frame
// is dropped and the caller is told so.
func (q *Ingress) Push(connID string, data []byte) PushResult {
	q.mu.Lock()
	if q.closed || len(q.items) >= q.hard {
		q.mu.Unlock()
		metrics.IncrCounter([]string{"relay", "ingress", "dropped"}, 1)
		return PushDropped
	}

	q.items = append(q.items, Frame{ConnID: connID, Data: data})
	depth := len(q.items)

	// Wake one waiting consumer by retiring the current wake channel.
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	metrics.SetGauge([]string{"relay", "ingress", "depth"}, float32(depth))
	if depth >= q.soft {
		metrics.IncrCounter([]string{"relay", "ingress", "backpressure"}, 1)
		return PushBackpressure
	}
	return PushOK
}

// Pop removes up to n frames, waiting until at least one is available, the
// deadline passes, or the queue closes. A nil result with no frames means
// timeout or closure; Closed distinguishes the two.
func (q *Ingress) Pop(n int, deadline time.Time) []Frame {
	if n <= 0 {
		return nil
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			take := n
			if take > len(q.items) {
				take = len(q.items)
			}
			out := make([]Frame, take)
			copy(out, q.items[:take])

			// Slide the tail down rather than re-slicing so dropped
			// frames do not pin the backing array.
			remaining := copy(q.items, q.items[take:])
			for i := remaining; i < len(q.items); i++ {
				q.items[i] = Frame{}
			}
			q.items = q.items[:remaining]
			q.mu.Unlock()

			metrics.SetGauge([]string{"relay", "ingress", "depth"}, float32(remaining))
			return out
		}
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			return nil
		}
	}
}

// Len returns the current queue depth.
func (q *Ingress) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close was called.
func (q *Ingress) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further pushes and wakes every waiting consumer with an
// empty batch. Frames already queued are still drained by Pop.
func (q *Ingress) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
	q.wake = make(chan struct{})
}
