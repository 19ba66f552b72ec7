// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides deterministic, correctly signed event fixtures for
// tests across the relay packages.
package mock

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

// baseTime anchors fixture timestamps well away from both zero and the
// current clock so age-window checks do not trip on them accidentally.
const baseTime int64 = 1700000000

var seq atomic.Int64

// Keypair is a deterministic signing identity.
type Keypair struct {
	priv *btcec.PrivateKey

	// PubKey is the x-only hex form carried in events.
	PubKey string
}

// KeypairFromSeed derives a keypair from a single seed byte. The same seed
// always yields the same identity.
func KeypairFromSeed(seed byte) *Keypair {
	var raw [32]byte
	raw[31] = seed
	if seed == 0 {
		raw[31] = 0xff
		raw[30] = 0x01
	}
	priv, _ := btcec.PrivKeyFromBytes(raw[:])
	return &Keypair{
		priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// Sign stamps the event with the keypair's pubkey, recomputes the id, and
// signs it. It returns the same event for chaining.
func (k *Keypair) Sign(e *structs.Event) *structs.Event {
	e.PubKey = k.PubKey
	e.ID = e.ComputeID()
	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		panic(fmt.Sprintf("mock: decoding event id: %v", err))
	}
	sig, err := schnorr.Sign(k.priv, digest)
	if err != nil {
		panic(fmt.Sprintf("mock: signing event: %v", err))
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return e
}

// Event returns a signed text note with unique content and a unique,
// monotonically increasing created_at.
func Event() *structs.Event {
	return EventOfKind(structs.KindTextNote)
}

// EventOfKind returns a signed event of the given kind from the default
// identity.
func EventOfKind(kind int) *structs.Event {
	n := seq.Add(1)
	return KeypairFromSeed(1).Sign(&structs.Event{
		CreatedAt: baseTime + n,
		Kind:      kind,
		Content:   fmt.Sprintf("mock event %d", n),
	})
}

// EventFrom builds and signs an event with full control over the fields
// that participate in matching and retention.
func EventFrom(k *Keypair, kind int, createdAt int64, tags []structs.Tag, content string) *structs.Event {
	return k.Sign(&structs.Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	})
}

// Addressable returns a signed addressable event with the given d value.
func Addressable(k *Keypair, kind int, createdAt int64, d string) *structs.Event {
	return EventFrom(k, kind, createdAt, []structs.Tag{{"d", d}}, fmt.Sprintf("addressable %s", d))
}
