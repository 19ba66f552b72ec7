// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/andotherstuff/otherstuff-relay-sub000/ci"
	"github.com/andotherstuff/otherstuff-relay-sub000/helper/testlog"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/mock"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/policy"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/state"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
	"github.com/andotherstuff/otherstuff-relay-sub000/testutil"
)

// captureTransport records outbound frames in place of a real websocket.
type captureTransport struct {
	mu     sync.Mutex
	frames []string
	closed bool
	reason string
}

func (c *captureTransport) WriteFrames(frames [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("transport closed")
	}
	for _, f := range frames {
		c.frames = append(c.frames, string(f))
	}
	return nil
}

func (c *captureTransport) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *captureTransport) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *captureTransport) countContaining(substr string) int {
	n := 0
	for _, f := range c.all() {
		if strings.Contains(f, substr) {
			n++
		}
	}
	return n
}

// waitFor blocks until a frame containing substr arrives and returns it.
func (c *captureTransport) waitFor(t *testing.T, substr string) string {
	t.Helper()
	var found string
	testutil.WaitForResult(func() (bool, error) {
		for _, f := range c.all() {
			if strings.Contains(f, substr) {
				found = f
				return true, nil
			}
		}
		return false, fmt.Errorf("no frame containing %q among %d frames", substr, len(c.all()))
	}, func(err error) {
		t.Fatal(err)
	})
	return found
}

type serverHarness struct {
	t     *testing.T
	srv   *Server
	store state.EventStore
}

// testConfig shrinks the pipeline so tests settle quickly.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ValidationWorkers = 2
	cfg.BroadcastWorkers = 2
	cfg.StorageWorkers = 1
	cfg.StorageBatchSize = 4
	cfg.StorageFlush = 10 * time.Millisecond
	cfg.QueryDeadline = 5 * time.Second
	return cfg
}

func newTestServer(t *testing.T, mutate func(*Config)) *serverHarness {
	return newTestServerPolicy(t, mutate, policy.MemoryConfig{})
}

func newTestServerPolicy(t *testing.T, mutate func(*Config), polCfg policy.MemoryConfig) *serverHarness {
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store, err := state.NewMemoryStore()
	must.NoError(t, err)

	pol, err := policy.NewMemory(polCfg)
	must.NoError(t, err)

	srv, err := NewServer(cfg, testlog.HCLogger(t), store, pol)
	must.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		store.Close()
	})

	return &serverHarness{t: t, srv: srv, store: store}
}

func (h *serverHarness) connect(id string) *captureTransport {
	tr := &captureTransport{}
	must.NoError(h.t, h.srv.Connect(id, tr))
	return tr
}

func (h *serverHarness) submit(connID string, frame []byte) {
	must.Eq(h.t, PushOK, h.srv.Submit(connID, frame))
}

// waitStored blocks until the event made it through the batcher.
func (h *serverHarness) waitStored(id string) {
	h.t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		e, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false, err
		}
		if e == nil {
			return false, fmt.Errorf("event %s not stored yet", id)
		}
		return true, nil
	}, func(err error) {
		h.t.Fatal(err)
	})
}

func eventWire(e *structs.Event) []byte {
	b, err := json.Marshal([]any{"EVENT", e})
	if err != nil {
		panic(err)
	}
	return b
}

func reqWire(subID string, filters ...*structs.Filter) []byte {
	parts := []any{"REQ", subID}
	for _, f := range filters {
		parts = append(parts, f)
	}
	b, err := json.Marshal(parts)
	if err != nil {
		panic(err)
	}
	return b
}

func countWire(subID string, filters ...*structs.Filter) []byte {
	parts := []any{"COUNT", subID}
	for _, f := range filters {
		parts = append(parts, f)
	}
	b, err := json.Marshal(parts)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWire(subID string) []byte {
	b, err := json.Marshal([]any{"CLOSE", subID})
	if err != nil {
		panic(err)
	}
	return b
}

func TestServer_SubmitAckAndPersist(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	tr := h.connect("c1")

	e := mock.Event()
	h.submit("c1", eventWire(e))

	ack := tr.waitFor(t, e.ID)
	must.StrContains(t, ack, `"OK"`)
	must.StrContains(t, ack, `true`)

	h.waitStored(e.ID)
	stored, err := h.store.Get(context.Background(), e.ID)
	must.NoError(t, err)
	must.Eq(t, e.Content, stored.Content)
}

func TestServer_AckPrecedesDelivery(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	tr := h.connect("c1")

	// The submitter also subscribes to its own kind, so both the OK and
	// the EVENT land on the same transport, in that order.
	h.submit("c1", reqWire("s1", &structs.Filter{Kinds: []int{1}}))
	tr.waitFor(t, `"EOSE"`)

	e := mock.EventOfKind(1)
	h.submit("c1", eventWire(e))

	testutil.WaitForResult(func() (bool, error) {
		if n := tr.countContaining(e.ID); n != 2 {
			return false, fmt.Errorf("want OK and EVENT frames, got %d", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatal(err)
	})

	okIdx, eventIdx := -1, -1
	for i, f := range tr.all() {
		if !strings.Contains(f, e.ID) {
			continue
		}
		if strings.Contains(f, `"OK"`) {
			okIdx = i
		} else if strings.Contains(f, `"EVENT"`) {
			eventIdx = i
		}
	}
	must.Less(t, eventIdx, okIdx, must.Sprint("OK must be queued before the delivery"))
}

func TestServer_RejectsBadSignature(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	tr := h.connect("c1")

	// Valid id, someone else's signature.
	e := mock.Event()
	e.Sig = mock.EventOfKind(1).Sig

	h.submit("c1", eventWire(e))
	ack := tr.waitFor(t, e.ID)
	must.StrContains(t, ack, `false`)
	must.StrContains(t, ack, "invalid: signature verification failed")

	// Rejected events are never persisted.
	time.Sleep(50 * time.Millisecond)
	stored, err := h.store.Get(context.Background(), e.ID)
	must.NoError(t, err)
	must.Nil(t, stored)
}

func TestServer_RejectsTamperedID(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	tr := h.connect("c1")

	e := mock.Event()
	e.Content = "tampered after signing"

	h.submit("c1", eventWire(e))
	ack := tr.waitFor(t, e.ID)
	must.StrContains(t, ack, `false`)
	must.StrContains(t, ack, "invalid:")
}

func TestServer_RejectsOversizedEvent(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, func(cfg *Config) {
		cfg.MaxEventBytes = 128
	})
	tr := h.connect("c1")

	k := mock.KeypairFromSeed(2)
	e := mock.EventFrom(k, 1, 1700000500, nil, strings.Repeat("x", 512))

	h.submit("c1", eventWire(e))
	ack := tr.waitFor(t, e.ID)
	must.StrContains(t, ack, "rejected: event too large")
}

func TestServer_SizeCapIgnoresFrameEnvelope(t *testing.T) {
	ci.Parallel(t)

	k := mock.KeypairFromSeed(2)
	e := mock.EventFrom(k, 1, 1700000500, nil, strings.Repeat("x", 200))
	raw, err := json.Marshal(e)
	must.NoError(t, err)

	// The cap admits the event element exactly; the surrounding frame is
	// larger but must not count against it.
	h := newTestServer(t, func(cfg *Config) {
		cfg.MaxEventBytes = len(raw)
	})
	tr := h.connect("c1")

	h.submit("c1", eventWire(e))
	ack := tr.waitFor(t, e.ID)
	must.StrContains(t, ack, "true")
}

func TestServer_PolicyBannedPubkey(t *testing.T) {
	ci.Parallel(t)
	banned := mock.KeypairFromSeed(9)
	h := newTestServerPolicy(t, nil, policy.MemoryConfig{
		BannedPubkeys: []string{banned.PubKey},
	})
	tr := h.connect("c1")

	e := mock.EventFrom(banned, 1, 1700000600, nil, "should not pass")
	h.submit("c1", eventWire(e))

	ack := tr.waitFor(t, e.ID)
	must.StrContains(t, ack, "blocked: pubkey is banned")

	// A different author sails through.
	ok := mock.Event()
	h.submit("c1", eventWire(ok))
	must.StrContains(t, tr.waitFor(t, ok.ID), `true`)
}

func TestServer_PolicyDeniedKind(t *testing.T) {
	ci.Parallel(t)
	h := newTestServerPolicy(t, nil, policy.MemoryConfig{
		DeniedKinds: []int{4},
	})
	tr := h.connect("c1")

	e := mock.EventOfKind(4)
	h.submit("c1", eventWire(e))
	must.StrContains(t, tr.waitFor(t, e.ID), "blocked: event kind not accepted")
}

func TestServer_DuplicateSubmission(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	tr := h.connect("c1")

	e := mock.Event()
	h.submit("c1", eventWire(e))
	tr.waitFor(t, e.ID)
	h.waitStored(e.ID)

	h.submit("c1", eventWire(e))
	testutil.WaitForResult(func() (bool, error) {
		for _, f := range tr.all() {
			if strings.Contains(f, "duplicate: already have this event") {
				return true, nil
			}
		}
		return false, fmt.Errorf("no duplicate ack yet")
	}, func(err error) {
		t.Fatal(err)
	})

	// Duplicates are still positive acks.
	for _, f := range tr.all() {
		if strings.Contains(f, "duplicate:") {
			must.StrContains(t, f, `true`)
		}
	}
}

func TestServer_SubscribeLiveDelivery(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	sub := h.connect("c1")
	pub := h.connect("c2")

	h.submit("c1", reqWire("notes", &structs.Filter{Kinds: []int{1}}))
	sub.waitFor(t, `"EOSE"`)

	matching := mock.EventOfKind(1)
	other := mock.EventOfKind(7)
	h.submit("c2", eventWire(matching))
	h.submit("c2", eventWire(other))
	pub.waitFor(t, other.ID)

	delivery := sub.waitFor(t, matching.ID)
	must.StrContains(t, delivery, `"EVENT"`)
	must.StrContains(t, delivery, `"notes"`)

	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 0, sub.countContaining(other.ID))
}

func TestServer_TagFilterDelivery(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	sub := h.connect("c1")
	pub := h.connect("c2")

	target := mock.Event()
	h.submit("c1", reqWire("replies", &structs.Filter{
		Tags: map[string][]string{"e": {target.ID}},
	}))
	sub.waitFor(t, `"EOSE"`)

	k := mock.KeypairFromSeed(3)
	reply := mock.EventFrom(k, 1, 1700000700, []structs.Tag{{"e", target.ID}}, "a reply")
	unrelated := mock.EventFrom(k, 1, 1700000701, nil, "not a reply")
	h.submit("c2", eventWire(reply))
	h.submit("c2", eventWire(unrelated))
	pub.waitFor(t, unrelated.ID)

	sub.waitFor(t, reply.ID)
	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 0, sub.countContaining(unrelated.ID))
}

func TestServer_HistoricalBackfill(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	h.connect("c1")

	events := make([]*structs.Event, 3)
	for i := range events {
		events[i] = mock.EventOfKind(1)
		h.submit("c1", eventWire(events[i]))
	}
	for _, e := range events {
		h.waitStored(e.ID)
	}

	sub := h.connect("c2")
	h.submit("c2", reqWire("history", &structs.Filter{Kinds: []int{1}}))
	sub.waitFor(t, `"EOSE"`)

	// All three arrive before EOSE, newest first.
	frames := sub.all()
	var seen []string
	eoseIdx := -1
	for i, f := range frames {
		if strings.Contains(f, `"EOSE"`) {
			eoseIdx = i
			break
		}
		for _, e := range events {
			if strings.Contains(f, e.ID) {
				seen = append(seen, e.ID)
			}
		}
	}
	must.Len(t, 3, seen)
	must.Eq(t, events[2].ID, seen[0])
	must.Eq(t, events[0].ID, seen[2])
	must.Positive(t, eoseIdx)
}

func TestServer_BackfillRespectsLimit(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	h.connect("c1")

	for i := 0; i < 5; i++ {
		e := mock.EventOfKind(1)
		h.submit("c1", eventWire(e))
		h.waitStored(e.ID)
	}

	limit := 2
	sub := h.connect("c2")
	h.submit("c2", reqWire("capped", &structs.Filter{Kinds: []int{1}, Limit: &limit}))
	sub.waitFor(t, `"EOSE"`)

	must.Eq(t, 2, sub.countContaining(`"EVENT"`))
}

func TestServer_ReplaceableSupersedes(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	h.connect("c1")

	k := mock.KeypairFromSeed(7)
	older := mock.EventFrom(k, structs.KindProfileMetadata, 1700001000, nil, `{"name":"old"}`)
	newer := mock.EventFrom(k, structs.KindProfileMetadata, 1700002000, nil, `{"name":"new"}`)

	h.submit("c1", eventWire(older))
	h.waitStored(older.ID)
	h.submit("c1", eventWire(newer))
	h.waitStored(newer.ID)

	// The older version is gone from query results.
	sub := h.connect("c2")
	h.submit("c2", reqWire("profile", &structs.Filter{
		Kinds:   []int{structs.KindProfileMetadata},
		Authors: []string{k.PubKey},
	}))
	sub.waitFor(t, `"EOSE"`)

	must.Eq(t, 1, sub.countContaining(newer.ID))
	must.Eq(t, 0, sub.countContaining(older.ID))
}

func TestServer_EphemeralNotStored(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	sub := h.connect("c1")
	pub := h.connect("c2")

	h.submit("c1", reqWire("live", &structs.Filter{Kinds: []int{20001}}))
	sub.waitFor(t, `"EOSE"`)

	e := mock.EventOfKind(20001)
	h.submit("c2", eventWire(e))

	// Accepted and delivered in real time.
	must.StrContains(t, pub.waitFor(t, e.ID), `true`)
	sub.waitFor(t, e.ID)

	// But never persisted.
	time.Sleep(100 * time.Millisecond)
	stored, err := h.store.Get(context.Background(), e.ID)
	must.NoError(t, err)
	must.Nil(t, stored)
}

func TestServer_StaleEventStoredNotBroadcast(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, func(cfg *Config) {
		cfg.BroadcastMaxAge = time.Hour
	})
	sub := h.connect("c1")
	pub := h.connect("c2")

	h.submit("c1", reqWire("s", &structs.Filter{Kinds: []int{1}}))
	sub.waitFor(t, `"EOSE"`)

	// Fixture timestamps are years behind the clock, so this is stale.
	e := mock.EventOfKind(1)
	h.submit("c2", eventWire(e))

	must.StrContains(t, pub.waitFor(t, e.ID), `true`)
	h.waitStored(e.ID)

	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 0, sub.countContaining(e.ID))
}

func TestServer_StaleEphemeralRejected(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, func(cfg *Config) {
		cfg.BroadcastMaxAge = time.Hour
	})
	tr := h.connect("c1")

	e := mock.EventOfKind(20001)
	h.submit("c1", eventWire(e))
	must.StrContains(t, tr.waitFor(t, e.ID), "rejected: event too old")
}

func TestServer_CloseStopsDelivery(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	sub := h.connect("c1")
	pub := h.connect("c2")

	h.submit("c1", reqWire("s", &structs.Filter{Kinds: []int{1}}))
	sub.waitFor(t, `"EOSE"`)

	h.submit("c1", closeWire("s"))
	testutil.WaitForResult(func() (bool, error) {
		if n := h.srv.Stats().Subscriptions; n != 0 {
			return false, fmt.Errorf("want 0 subscriptions, got %d", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatal(err)
	})

	e := mock.EventOfKind(1)
	h.submit("c2", eventWire(e))
	pub.waitFor(t, e.ID)

	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 0, sub.countContaining(e.ID))
}

func TestServer_DisconnectCleansUp(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	sub := h.connect("c1")
	pub := h.connect("c2")

	h.submit("c1", reqWire("s", &structs.Filter{Kinds: []int{1}}))
	sub.waitFor(t, `"EOSE"`)

	h.srv.Disconnect("c1")
	must.Eq(t, 0, h.srv.Stats().Subscriptions)
	must.Eq(t, 1, h.srv.Stats().Connections)

	e := mock.EventOfKind(1)
	h.submit("c2", eventWire(e))
	pub.waitFor(t, e.ID)

	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 0, sub.countContaining(e.ID))
}

func TestServer_ReqAfterDisconnectLeavesNoSubscription(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	h.connect("c1")

	// A validator worker can hold the connection state while a disconnect
	// runs to completion. A REQ processed through that stale handle must
	// not leave an entry behind, or the index leaks forever.
	c := h.srv.conn("c1")
	must.NotNil(t, c)

	h.srv.Disconnect("c1")
	h.srv.handleReq(c, "s1", []*structs.Filter{{Kinds: []int{1}}})

	must.Eq(t, 0, h.srv.Stats().Subscriptions)
	must.Nil(t, h.srv.registry.Get("c1", "s1"))
}

func TestServer_FilterCapNotice(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, func(cfg *Config) {
		cfg.MaxFiltersPerReq = 2
	})
	sub := h.connect("c1")

	h.submit("c1", reqWire("wide",
		&structs.Filter{Kinds: []int{1}},
		&structs.Filter{Kinds: []int{2}},
		&structs.Filter{Kinds: []int{3}},
	))

	notice := sub.waitFor(t, `"NOTICE"`)
	must.StrContains(t, notice, "only the first 2 are honored")
	sub.waitFor(t, `"EOSE"`)
	must.Eq(t, 1, h.srv.Stats().Subscriptions)
}

func TestServer_Count(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	h.connect("c1")

	for i := 0; i < 3; i++ {
		e := mock.EventOfKind(1)
		h.submit("c1", eventWire(e))
		h.waitStored(e.ID)
	}

	sub := h.connect("c2")
	h.submit("c2", countWire("tally", &structs.Filter{Kinds: []int{1}}))

	resp := sub.waitFor(t, `"COUNT"`)
	must.StrContains(t, resp, `"tally"`)
	must.StrContains(t, resp, `"count":3`)
}

func TestServer_MalformedFrameNotice(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	tr := h.connect("c1")

	h.submit("c1", []byte(`{"not":"an array"}`))
	must.StrContains(t, tr.waitFor(t, `"NOTICE"`), "could not parse frame")

	h.submit("c1", []byte(`["WHATEVER","x"]`))
	testutil.WaitForResult(func() (bool, error) {
		if n := tr.countContaining("unknown operation"); n != 1 {
			return false, fmt.Errorf("no unknown-operation notice yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatal(err)
	})
}

func TestServer_DuplicateConnID(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	h.connect("c1")
	must.Error(t, h.srv.Connect("c1", &captureTransport{}))
}

func TestServer_Stats(t *testing.T) {
	ci.Parallel(t)
	h := newTestServer(t, nil)
	sub := h.connect("c1")
	h.connect("c2")

	h.submit("c1", reqWire("s", &structs.Filter{Kinds: []int{1}}))
	sub.waitFor(t, `"EOSE"`)

	e := mock.Event()
	h.submit("c2", eventWire(e))
	h.waitStored(e.ID)

	stats := h.srv.Stats()
	must.Eq(t, 2, stats.Connections)
	must.Eq(t, 1, stats.Subscriptions)
	must.Eq(t, int64(1), stats.StoredEvents)
	must.Eq(t, "memory", stats.Store)
}

func TestServer_ShutdownRefusesWork(t *testing.T) {
	ci.Parallel(t)

	cfg := testConfig()
	store, err := state.NewMemoryStore()
	must.NoError(t, err)
	defer store.Close()
	pol, err := policy.NewMemory(policy.MemoryConfig{})
	must.NoError(t, err)

	srv, err := NewServer(cfg, testlog.HCLogger(t), store, pol)
	must.NoError(t, err)

	tr := &captureTransport{}
	must.NoError(t, srv.Connect("c1", tr))

	// Acked work submitted before shutdown still lands in the store.
	e := mock.Event()
	must.Eq(t, PushOK, srv.Submit("c1", eventWire(e)))

	srv.Shutdown()

	stored, getErr := store.Get(context.Background(), e.ID)
	must.NoError(t, getErr)
	must.NotNil(t, stored)

	must.Error(t, srv.Connect("c2", &captureTransport{}))
	must.Eq(t, PushDropped, srv.Submit("c1", eventWire(mock.Event())))
}
