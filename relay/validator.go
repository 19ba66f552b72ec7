// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

const (
	// validatorBatch is how many frames one worker takes per ingress pop.
	validatorBatch = 64

	// validatorPopWait bounds how long an idle worker parks before
	// rechecking for shutdown.
	validatorPopWait = 250 * time.Millisecond
)

// validatorWorker drains the ingress queue until it closes and empties.
// Workers share no state beyond the queue; no ordering is guaranteed
// across them.
func (s *Server) validatorWorker() {
	defer s.validators.Done()
	for {
		frames := s.ingress.Pop(validatorBatch, time.Now().Add(validatorPopWait))
		if len(frames) == 0 {
			if s.ingress.Closed() {
				return
			}
			continue
		}
		for _, f := range frames {
			s.dispatchFrame(f)
		}
	}
}

// dispatchFrame routes one raw frame by its operation. Frames from
// connections that vanished while queued are discarded.
func (s *Server) dispatchFrame(f Frame) {
	c := s.conn(f.ConnID)
	if c == nil || c.ctx.Err() != nil {
		return
	}

	frame, err := structs.DecodeClientFrame(f.Data)
	if err != nil {
		metrics.IncrCounter([]string{"relay", "validator", "malformed"}, 1)
		s.logger.Debug("malformed frame", "conn_id", f.ConnID, "error", err)
		s.router.Send(f.ConnID, structs.NoticeFrame("could not parse frame: "+err.Error()))
		return
	}

	switch frame.Op {
	case structs.OpEvent:
		s.handleEvent(c, frame.Event, frame.EventLen)
	case structs.OpReq:
		s.handleReq(c, frame.SubID, frame.Filters)
	case structs.OpCount:
		s.handleCount(c, frame.SubID, frame.Filters)
	case structs.OpClose:
		s.registry.Unsubscribe(c.id, frame.SubID)
	}
}

// handleEvent runs the validation ladder in its fixed order: structure,
// size, policy, signature, age. Every submission is answered with exactly one
// OK frame, and the ack is queued before the event can reach any
// subscriber so a delivery is never observable ahead of its ack.
func (s *Server) handleEvent(c *connState, e *structs.Event, eventLen int) {
	start := time.Now()
	defer metrics.MeasureSince([]string{"relay", "validator", "event"}, start)

	if err := e.Validate(); err != nil {
		s.reject(c, e.ID, structs.AckInvalid, "malformed event")
		return
	}

	// The cap applies to the serialized event itself, not the frame
	// envelope around it.
	if eventLen > s.config.MaxEventBytes {
		s.reject(c, e.ID, structs.AckRejected, "event too large")
		return
	}

	if ok := s.checkPolicy(c, e); !ok {
		return
	}

	// Signature verification is the expensive step; skip it when the
	// connection went away while the frame sat in the queue.
	if c.ctx.Err() != nil {
		return
	}
	if err := e.Verify(); err != nil {
		metrics.IncrCounterWithLabels([]string{"relay", "validator", "rejected"}, 1,
			[]metrics.Label{{Name: "reason", Value: "signature"}})
		s.ack(c, e.ID, false, structs.Reason(structs.AckInvalid, "signature verification failed"))
		return
	}

	if dup, err := s.store.Get(c.ctx, e.ID); err == nil && dup != nil {
		metrics.IncrCounter([]string{"relay", "validator", "duplicate"}, 1)
		s.ack(c, e.ID, true, structs.Reason(structs.AckDuplicate, "already have this event"))
		return
	}

	tooOld := false
	if max := s.config.BroadcastMaxAge; max > 0 {
		age := time.Since(time.Unix(e.CreatedAt, 0))
		tooOld = age > max
	}
	ephemeral := e.Class() == structs.EventEphemeral

	if tooOld && ephemeral {
		s.reject(c, e.ID, structs.AckRejected, "event too old")
		return
	}

	metrics.IncrCounter([]string{"relay", "validator", "accepted"}, 1)
	s.ack(c, e.ID, true, "")

	if !tooOld {
		s.broadcaster.Publish(e)
	}
	if !ephemeral {
		s.batcher.Enqueue(e)
	}
	s.logger.Trace("event accepted", "conn_id", c.id, "event_id", e.ID,
		"kind", e.Kind, "class", e.Class(), "too_old", tooOld)
}

// checkPolicy runs the ban and allowlist gates in order. A failed lookup
// is never an acceptance: the event is rejected with a generic error ack
// and the cause logged.
func (s *Server) checkPolicy(c *connState, e *structs.Event) bool {
	type gate struct {
		check  func() (bool, error)
		wantOK bool
		reason string
	}
	gates := []gate{
		{func() (bool, error) { return s.policy.PubkeyBanned(e.PubKey) }, false, "pubkey is banned"},
		{func() (bool, error) { return s.policy.PubkeyAllowed(e.PubKey) }, true, "pubkey not on allowlist"},
		{func() (bool, error) { return s.policy.EventBanned(e.ID) }, false, "event is banned"},
		{func() (bool, error) { return s.policy.KindAllowed(e.Kind) }, true, "event kind not accepted"},
	}
	for _, g := range gates {
		got, err := g.check()
		if err != nil {
			metrics.IncrCounterWithLabels([]string{"relay", "validator", "rejected"}, 1,
				[]metrics.Label{{Name: "reason", Value: "policy_error"}})
			s.logger.Error("policy lookup failed", "conn_id", c.id, "event_id", e.ID, "error", err)
			s.ack(c, e.ID, false, structs.Reason(structs.AckError, "could not verify event policy"))
			return false
		}
		if got != g.wantOK {
			s.reject(c, e.ID, structs.AckBlocked, g.reason)
			return false
		}
	}
	return true
}

func (s *Server) ack(c *connState, eventID string, accepted bool, message string) {
	s.router.Send(c.id, structs.OKFrame(eventID, accepted, message))
}

func (s *Server) reject(c *connState, eventID, prefix, reason string) {
	metrics.IncrCounterWithLabels([]string{"relay", "validator", "rejected"}, 1,
		[]metrics.Label{{Name: "reason", Value: prefix}})
	s.logger.Debug("event rejected", "conn_id", c.id, "event_id", eventID, "reason", reason)
	s.ack(c, eventID, false, structs.Reason(prefix, "%s", reason))
}
