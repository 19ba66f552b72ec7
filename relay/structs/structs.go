// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	// KindProfileMetadata and KindFollowList are the two legacy kinds below
	// 10000 that carry replaceable semantics.
	KindProfileMetadata = 0
	KindFollowList      = 3

	// KindTextNote is the plain note kind used throughout tests and docs.
	KindTextNote = 1
)

// EventClass partitions kinds into the retention classes that drive storage
// and broadcast behavior.
type EventClass int

const (
	// EventRegular events are retained independently by id.
	EventRegular EventClass = iota

	// EventReplaceable events are retained at most once per (pubkey, kind).
	EventReplaceable

	// EventEphemeral events are broadcast but never stored.
	EventEphemeral

	// EventAddressable events are retained at most once per
	// (pubkey, kind, d-value).
	EventAddressable
)

func (c EventClass) String() string {
	switch c {
	case EventReplaceable:
		return "replaceable"
	case EventEphemeral:
		return "ephemeral"
	case EventAddressable:
		return "addressable"
	default:
		return "regular"
	}
}

// KindClass returns the retention class for a kind.
func KindClass(kind int) EventClass {
	switch {
	case kind == KindProfileMetadata || kind == KindFollowList:
		return EventReplaceable
	case kind >= 10000 && kind < 20000:
		return EventReplaceable
	case kind >= 20000 && kind < 30000:
		return EventEphemeral
	case kind >= 30000 && kind < 40000:
		return EventAddressable
	default:
		return EventRegular
	}
}

// Tag is one ordered entry of an event's tag list. The first element is the
// tag name, the second its primary value, and any further elements are marker
// data that the relay carries but does not interpret.
type Tag []string

// Name returns the tag name, or the empty string for a malformed tag.
func (t Tag) Name() string {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Value returns the tag's primary value, defaulting to the empty string.
func (t Tag) Value() string {
	if len(t) > 1 {
		return t[1]
	}
	return ""
}

// Event is the immutable signed record clients submit and the relay fans
// out. Field names follow the wire form. Events are shared by reference
// across the pipeline once validated and must not be mutated afterwards.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Class returns the retention class derived from the event's kind.
func (e *Event) Class() EventClass {
	return KindClass(e.Kind)
}

// TagValue returns the primary value of the first tag with the given name,
// or the empty string if the event carries no such tag.
func (e *Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if t.Name() == name {
			return t.Value()
		}
	}
	return ""
}

// ReplaceKey returns the retention key for replaceable and addressable
// events: "<pubkey>:<kind>:" for replaceable kinds and
// "<pubkey>:<kind>:<d-value>" for addressable kinds. It returns the empty
// string for kinds without replace semantics.
func (e *Event) ReplaceKey() string {
	switch e.Class() {
	case EventReplaceable:
		return fmt.Sprintf("%s:%d:", e.PubKey, e.Kind)
	case EventAddressable:
		return fmt.Sprintf("%s:%d:%s", e.PubKey, e.Kind, e.TagValue("d"))
	default:
		return ""
	}
}

// Supersedes reports whether e wins the replaceable tie-break against prev:
// higher created_at wins, and on equal timestamps the lexicographically
// lower id wins.
func (e *Event) Supersedes(prev *Event) bool {
	if prev == nil {
		return true
	}
	if e.CreatedAt != prev.CreatedAt {
		return e.CreatedAt > prev.CreatedAt
	}
	return e.ID < prev.ID
}

// Validate performs the structural checks on a decoded event: field
// presence, hex lengths, and tag well-formedness. It does not touch the
// signature; see Verify.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("missing event")
	}
	if !validHex(e.ID, 64) {
		return errors.New("id is not 32 bytes of hex")
	}
	if !validHex(e.PubKey, 64) {
		return errors.New("pubkey is not 32 bytes of hex")
	}
	if !validHex(e.Sig, 128) {
		return errors.New("sig is not 64 bytes of hex")
	}
	if e.Kind < 0 {
		return errors.New("kind is negative")
	}
	if e.CreatedAt < 0 {
		return errors.New("created_at is negative")
	}
	for i, t := range e.Tags {
		if len(t) == 0 {
			return fmt.Errorf("tag %d is empty", i)
		}
	}
	return nil
}

// Serialize returns the canonical byte form the event id is hashed over:
// the JSON array [0, pubkey, created_at, kind, tags, content] with the
// network's escaping rules. Encoders that HTML-escape or re-order fields
// produce a different hash, so this is built by hand.
func (e *Event) Serialize() []byte {
	b := make([]byte, 0, 128+len(e.Content))
	b = append(b, `[0,"`...)
	b = append(b, e.PubKey...)
	b = append(b, `",`...)
	b = appendInt(b, e.CreatedAt)
	b = append(b, ',')
	b = appendInt(b, int64(e.Kind))
	b = append(b, ',')
	b = appendTags(b, e.Tags)
	b = append(b, ',')
	b = appendEscaped(b, e.Content)
	b = append(b, ']')
	return b
}

// ComputeID returns the hex id derived from the event's canonical form.
func (e *Event) ComputeID() string {
	h := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(h[:])
}

// Verify checks that the id matches the canonical hash and that the
// signature verifies against the pubkey for that id. Callers should run
// Validate first; Verify assumes well-formed hex fields.
func (e *Event) Verify() error {
	if e.ComputeID() != e.ID {
		return errors.New("event id does not match serialized form")
	}
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("decoding pubkey: %w", err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("parsing pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decoding sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parsing sig: %w", err)
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}
	if !sig.Verify(idBytes, pk) {
		return errors.New("signature does not verify")
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func validHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func appendInt(b []byte, n int64) []byte {
	return fmt.Appendf(b, "%d", n)
}

func appendTags(b []byte, tags []Tag) []byte {
	b = append(b, '[')
	for i, t := range tags {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, v := range t {
			if j > 0 {
				b = append(b, ',')
			}
			b = appendEscaped(b, v)
		}
		b = append(b, ']')
	}
	return append(b, ']')
}

// appendEscaped writes s as a JSON string using the network's canonical
// escaping: only the characters below require escapes, everything else is
// copied verbatim (no HTML escaping).
func appendEscaped(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			b = append(b, '\\', '"')
		case c == '\\':
			b = append(b, '\\', '\\')
		case c == '\n':
			b = append(b, '\\', 'n')
		case c == '\r':
			b = append(b, '\\', 'r')
		case c == '\t':
			b = append(b, '\\', 't')
		case c == 0x08:
			b = append(b, '\\', 'b')
		case c == 0x0c:
			b = append(b, '\\', 'f')
		case c < 0x20:
			b = append(b, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0x0f])
		default:
			b = append(b, c)
		}
	}
	return append(b, '"')
}
