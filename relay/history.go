// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/stream"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

// handleReq installs the subscription and backfills it from the store.
// Exactly one EOSE follows the backfill; a REQ refused outright gets one
// CLOSED frame instead.
func (s *Server) handleReq(c *connState, subID string, filters []*structs.Filter) {
	if s.registry.ConnSubscriptions(c.id) >= maxSubsPerConn {
		if existing := s.registry.Get(c.id, subID); existing == nil {
			s.router.Send(c.id, structs.ClosedFrame(subID,
				structs.Reason(structs.AckRejected, "too many subscriptions")))
			return
		}
	}

	filters = s.capFilters(c, filters)
	sub := s.registry.Subscribe(c.id, subID, filters)

	// A disconnect that completed between the dispatch liveness check and
	// the install above has already swept the registry and cannot see this
	// entry. Re-check after the install so the losing side removes it.
	if c.ctx.Err() != nil {
		s.registry.Unsubscribe(c.id, subID)
		return
	}

	s.queries.Add(1)
	go s.runHistorical(c, sub)
}

// capFilters enforces the per-request filter cap, telling the client when
// surplus filters were dropped.
func (s *Server) capFilters(c *connState, filters []*structs.Filter) []*structs.Filter {
	if max := s.config.MaxFiltersPerReq; len(filters) > max {
		s.router.Send(c.id, structs.NoticeFrame(fmt.Sprintf(
			"request carried %d filters; only the first %d are honored", len(filters), max)))
		filters = filters[:max]
	}
	return filters
}

// runHistorical streams stored matches for a fresh subscription,
// newest-first per filter, then emits EOSE and flips the subscription
// live. The whole pass runs under the connection context plus the query
// deadline; expiry cuts the backfill short but EOSE is still sent so the
// client knows the stored phase is over.
func (s *Server) runHistorical(c *connState, sub *stream.Subscription) {
	defer s.queries.Done()
	start := time.Now()
	defer metrics.MeasureSince([]string{"relay", "history", "query"}, start)

	ctx, cancel := context.WithTimeout(c.ctx, s.config.QueryDeadline)
	defer cancel()

	// sent collects delivered ids so overlapping filters and the backlog
	// flush do not duplicate frames within the stored phase.
	sent := make(map[string]struct{})

	for _, f := range sub.Filters {
		limit := s.clampLimit(f)
		if limit == 0 {
			continue
		}
		if err := s.streamFilter(ctx, c, sub, f, limit, sent); err != nil {
			if ctx.Err() != nil {
				break
			}
			metrics.IncrCounter([]string{"relay", "history", "errors"}, 1)
			s.logger.Error("historical query failed", "conn_id", c.id,
				"sub_id", sub.Ref.SubID, "error", err)
			break
		}
	}

	// The connection may be gone; Send degrades to a no-op then.
	if c.ctx.Err() == nil {
		s.router.Send(c.id, structs.EOSEFrame(sub.Ref.SubID))
	}
	s.broadcaster.Flush(sub, sent)
}

// streamFilter sends one filter's stored matches in descending created_at
// order.
func (s *Server) streamFilter(ctx context.Context, c *connState, sub *stream.Subscription, f *structs.Filter, limit int, sent map[string]struct{}) error {
	iter, err := s.store.Query(ctx, f, limit)
	if err != nil {
		return err
	}

	n := 0
	for e := iter.Next(); e != nil; e = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, dup := sent[e.ID]; dup {
			continue
		}
		sent[e.ID] = struct{}{}
		s.router.Send(c.id, structs.EventFrame(sub.Ref.SubID, e))
		n++
	}

	metrics.IncrCounter([]string{"relay", "history", "events"}, float32(n))
	return nil
}

// clampLimit resolves a filter's limit against the server bounds. Zero is
// the client's way of asking for real-time only.
func (s *Server) clampLimit(f *structs.Filter) int {
	if f == nil || f.Limit == nil {
		return s.config.DefaultQueryLimit
	}
	limit := *f.Limit
	switch {
	case limit <= 0:
		return 0
	case limit > s.config.MaxQueryLimit:
		return s.config.MaxQueryLimit
	default:
		return limit
	}
}

// handleCount answers a COUNT request with the total stored matches
// across its filters. Overlapping filters may count an event twice; the
// store is not asked to de-duplicate across filters.
func (s *Server) handleCount(c *connState, subID string, filters []*structs.Filter) {
	filters = s.capFilters(c, filters)

	ctx, cancel := context.WithTimeout(c.ctx, s.config.QueryDeadline)
	defer cancel()

	var total int64
	for _, f := range filters {
		n, err := s.store.Count(ctx, f)
		if err != nil {
			metrics.IncrCounter([]string{"relay", "history", "errors"}, 1)
			s.logger.Error("count query failed", "conn_id", c.id, "sub_id", subID, "error", err)
			s.router.Send(c.id, structs.ClosedFrame(subID,
				structs.Reason(structs.AckError, "could not count events")))
			return
		}
		total += n
	}
	s.router.Send(c.id, structs.CountFrame(subID, total))
}
