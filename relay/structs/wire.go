// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// wireJSON is the codec for all wire frames. The jsoniter compatible config
// keeps encoding/json semantics while staying cheap on the hot path.
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Client frame operations.
const (
	OpEvent = "EVENT"
	OpReq   = "REQ"
	OpClose = "CLOSE"
	OpCount = "COUNT"
)

// Relay frame operations.
const (
	OpOK     = "OK"
	OpEOSE   = "EOSE"
	OpClosed = "CLOSED"
	OpNotice = "NOTICE"
)

// Machine-readable acknowledgment prefixes. Every OK reason and every
// CLOSED message begins with one of these followed by ": ".
const (
	AckInvalid   = "invalid"
	AckRejected  = "rejected"
	AckBlocked   = "blocked"
	AckError     = "error"
	AckDuplicate = "duplicate"
	AckRateLimit = "rate-limited"
	AckPoW       = "pow"
)

// Reason composes a machine-readable acknowledgment message from a prefix
// and a human-readable tail.
func Reason(prefix, format string, args ...any) string {
	return prefix + ": " + fmt.Sprintf(format, args...)
}

// ErrEmptyFrame is returned for frames that decode to an empty array.
var ErrEmptyFrame = errors.New("empty frame")

// ClientFrame is the decoded form of one inbound wire frame. Exactly the
// fields relevant to Op are populated.
type ClientFrame struct {
	Op string

	// Event is set for EVENT frames. EventLen is the byte length of the
	// serialized event element as submitted, excluding the frame envelope.
	Event    *Event
	EventLen int

	// SubID is set for REQ, CLOSE, and COUNT frames.
	SubID string

	// Filters is set for REQ and COUNT frames.
	Filters []*Filter
}

// DecodeClientFrame parses a raw websocket text payload into a ClientFrame.
// Unknown operations and structurally broken frames return an error; the
// caller decides whether that costs a NOTICE or the connection.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var parts []jsoniter.RawMessage
	if err := wireJSON.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) == 0 {
		return nil, ErrEmptyFrame
	}

	var op string
	if err := wireJSON.Unmarshal(parts[0], &op); err != nil {
		return nil, fmt.Errorf("frame operation is not a string: %w", err)
	}

	switch op {
	case OpEvent:
		if len(parts) != 2 {
			return nil, fmt.Errorf("EVENT frame has %d elements, want 2", len(parts))
		}
		var ev Event
		if err := wireJSON.Unmarshal(parts[1], &ev); err != nil {
			return nil, fmt.Errorf("malformed event: %w", err)
		}
		return &ClientFrame{Op: op, Event: &ev, EventLen: len(parts[1])}, nil

	case OpReq, OpCount:
		if len(parts) < 3 {
			return nil, fmt.Errorf("%s frame has %d elements, want at least 3", op, len(parts))
		}
		var subID string
		if err := wireJSON.Unmarshal(parts[1], &subID); err != nil {
			return nil, fmt.Errorf("subscription id is not a string: %w", err)
		}
		if subID == "" {
			return nil, errors.New("subscription id is empty")
		}
		filters := make([]*Filter, 0, len(parts)-2)
		for i, raw := range parts[2:] {
			var f Filter
			if err := wireJSON.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("filter %d: %w", i, err)
			}
			filters = append(filters, &f)
		}
		return &ClientFrame{Op: op, SubID: subID, Filters: filters}, nil

	case OpClose:
		if len(parts) != 2 {
			return nil, fmt.Errorf("CLOSE frame has %d elements, want 2", len(parts))
		}
		var subID string
		if err := wireJSON.Unmarshal(parts[1], &subID); err != nil {
			return nil, fmt.Errorf("subscription id is not a string: %w", err)
		}
		if subID == "" {
			return nil, errors.New("subscription id is empty")
		}
		return &ClientFrame{Op: op, SubID: subID}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// OKFrame acknowledges an EVENT submission. message must be empty or carry
// a machine-readable prefix from the Ack vocabulary.
func OKFrame(eventID string, accepted bool, message string) []byte {
	b, _ := wireJSON.Marshal([]any{OpOK, eventID, accepted, message})
	return b
}

// EventFrame delivers an event to a subscription. The event is re-encoded
// from the decoded struct so the relay never relays bytes it did not parse.
func EventFrame(subID string, e *Event) []byte {
	b, _ := wireJSON.Marshal([]any{OpEvent, subID, e})
	return b
}

// EOSEFrame marks the end of stored events for a subscription.
func EOSEFrame(subID string) []byte {
	b, _ := wireJSON.Marshal([]any{OpEOSE, subID})
	return b
}

// ClosedFrame tells the client the relay ended a subscription. message
// carries a machine-readable prefix.
func ClosedFrame(subID, message string) []byte {
	b, _ := wireJSON.Marshal([]any{OpClosed, subID, message})
	return b
}

// NoticeFrame carries a human-readable diagnostic not tied to any
// subscription.
func NoticeFrame(message string) []byte {
	b, _ := wireJSON.Marshal([]any{OpNotice, message})
	return b
}

// CountFrame answers a COUNT request with the number of stored matches.
func CountFrame(subID string, count int64) []byte {
	b, _ := wireJSON.Marshal([]any{OpCount, subID, map[string]int64{"count": count}})
	return b
}
