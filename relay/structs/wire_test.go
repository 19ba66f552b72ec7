// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strings"
	"testing"

	"github.com/andotherstuff/otherstuff-relay-sub000/ci"
	"github.com/shoenig/test/must"
)

func TestDecodeClientFrame_Event(t *testing.T) {
	ci.Parallel(t)

	raw := `["EVENT",{"id":"` + strings.Repeat("0", 64) + `","pubkey":"` + strings.Repeat("a", 64) + `",` +
		`"created_at":1700000000,"kind":1,"tags":[["e","x"]],"content":"hi","sig":"` + strings.Repeat("b", 128) + `"}]`

	frame, err := DecodeClientFrame([]byte(raw))
	must.NoError(t, err)
	must.Eq(t, OpEvent, frame.Op)
	must.NotNil(t, frame.Event)
	must.Eq(t, 1, frame.Event.Kind)
	must.Eq(t, "hi", frame.Event.Content)
	must.Eq(t, Tag{"e", "x"}, frame.Event.Tags[0])
	// Length of the event element only, not the envelope.
	must.Eq(t, len(raw)-len(`["EVENT",`)-len(`]`), frame.EventLen)
}

func TestDecodeClientFrame_Req(t *testing.T) {
	ci.Parallel(t)

	frame, err := DecodeClientFrame([]byte(`["REQ","sub-1",{"kinds":[1]},{"authors":["ab"],"#t":["go"]}]`))
	must.NoError(t, err)
	must.Eq(t, OpReq, frame.Op)
	must.Eq(t, "sub-1", frame.SubID)
	must.Len(t, 2, frame.Filters)
	must.Eq(t, []int{1}, frame.Filters[0].Kinds)
	must.Eq(t, []string{"go"}, frame.Filters[1].Tags["t"])
}

func TestDecodeClientFrame_Close(t *testing.T) {
	ci.Parallel(t)

	frame, err := DecodeClientFrame([]byte(`["CLOSE","sub-1"]`))
	must.NoError(t, err)
	must.Eq(t, OpClose, frame.Op)
	must.Eq(t, "sub-1", frame.SubID)
}

func TestDecodeClientFrame_Count(t *testing.T) {
	ci.Parallel(t)

	frame, err := DecodeClientFrame([]byte(`["COUNT","c1",{"kinds":[0]}]`))
	must.NoError(t, err)
	must.Eq(t, OpCount, frame.Op)
	must.Eq(t, "c1", frame.SubID)
	must.Len(t, 1, frame.Filters)
}

func TestDecodeClientFrame_Errors(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{]`},
		{"not an array", `{"op":"EVENT"}`},
		{"empty array", `[]`},
		{"numeric op", `[1,2]`},
		{"unknown op", `["AUTH","challenge"]`},
		{"event arity", `["EVENT"]`},
		{"event extra element", `["EVENT",{},{}]`},
		{"event not object", `["EVENT","nope"]`},
		{"req missing filter", `["REQ","sub-1"]`},
		{"req empty subid", `["REQ","",{}]`},
		{"req numeric subid", `["REQ",7,{}]`},
		{"req bad filter", `["REQ","s",["not","an","object"]]`},
		{"close arity", `["CLOSE"]`},
		{"close empty subid", `["CLOSE",""]`},
		{"count missing filter", `["COUNT","c1"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientFrame([]byte(tc.raw))
			must.Error(t, err)
		})
	}
}

func TestRelayFrames(t *testing.T) {
	ci.Parallel(t)

	id := strings.Repeat("0", 64)

	must.Eq(t, `["OK","`+id+`",true,""]`, string(OKFrame(id, true, "")))
	must.Eq(t, `["OK","`+id+`",false,"invalid: bad signature"]`,
		string(OKFrame(id, false, Reason(AckInvalid, "bad signature"))))
	must.Eq(t, `["EOSE","sub-1"]`, string(EOSEFrame("sub-1")))
	must.Eq(t, `["CLOSED","sub-1","rate-limited: slow down"]`,
		string(ClosedFrame("sub-1", Reason(AckRateLimit, "slow down"))))
	must.Eq(t, `["NOTICE","restarting"]`, string(NoticeFrame("restarting")))
	must.Eq(t, `["COUNT","c1",{"count":42}]`, string(CountFrame("c1", 42)))
}

func TestEventFrame(t *testing.T) {
	ci.Parallel(t)

	ev := &Event{
		ID:        strings.Repeat("0", 64),
		PubKey:    strings.Repeat("a", 64),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      []Tag{{"e", "x"}},
		Content:   "hi",
		Sig:       strings.Repeat("b", 128),
	}
	raw := EventFrame("sub-1", ev)

	// The frame must decode back to the same event under the wire codec.
	var parts []any
	must.NoError(t, wireJSON.Unmarshal(raw, &parts))
	must.Len(t, 3, parts)
	must.Eq(t, "EVENT", parts[0].(string))
	must.Eq(t, "sub-1", parts[1].(string))

	obj := parts[2].(map[string]any)
	must.Eq(t, ev.ID, obj["id"].(string))
	must.Eq(t, "hi", obj["content"].(string))
}

func TestReason(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "blocked: pubkey is banned", Reason(AckBlocked, "pubkey is banned"))
	must.Eq(t, "error: queue depth 512", Reason(AckError, "queue depth %d", 512))
	must.Eq(t, "duplicate: already have this event", Reason(AckDuplicate, "already have this event"))
}
