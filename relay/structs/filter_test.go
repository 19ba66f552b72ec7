// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strings"
	"testing"

	"github.com/andotherstuff/otherstuff-relay-sub000/ci"
	"github.com/shoenig/test/must"
)

func int64p(n int64) *int64 { return &n }
func intp(n int) *int       { return &n }

func TestFilter_UnmarshalJSON(t *testing.T) {
	ci.Parallel(t)

	t.Run("full", func(t *testing.T) {
		raw := `{
			"ids": ["ab", "cd"],
			"authors": ["` + strings.Repeat("a", 64) + `"],
			"kinds": [0, 1, 30023],
			"since": 100,
			"until": 200,
			"limit": 25,
			"search": "hello",
			"#e": ["ref1", "ref2"],
			"#t": ["topic"]
		}`
		var f Filter
		must.NoError(t, wireJSON.Unmarshal([]byte(raw), &f))
		must.Eq(t, []string{"ab", "cd"}, f.IDs)
		must.Len(t, 1, f.Authors)
		must.Eq(t, []int{0, 1, 30023}, f.Kinds)
		must.Eq(t, int64(100), *f.Since)
		must.Eq(t, int64(200), *f.Until)
		must.Eq(t, 25, *f.Limit)
		must.Eq(t, "hello", f.Search)
		must.Eq(t, []string{"ref1", "ref2"}, f.Tags["e"])
		must.Eq(t, []string{"topic"}, f.Tags["t"])
	})

	t.Run("empty object", func(t *testing.T) {
		var f Filter
		must.NoError(t, wireJSON.Unmarshal([]byte(`{}`), &f))
		must.Nil(t, f.Limit)
		must.Nil(t, f.Since)
		must.Nil(t, f.Tags)
		must.False(t, f.HasConstraints())
	})

	t.Run("explicit zero limit survives", func(t *testing.T) {
		var f Filter
		must.NoError(t, wireJSON.Unmarshal([]byte(`{"limit": 0}`), &f))
		must.NotNil(t, f.Limit)
		must.Eq(t, 0, *f.Limit)
	})

	t.Run("unknown keys ignored", func(t *testing.T) {
		var f Filter
		must.NoError(t, wireJSON.Unmarshal([]byte(`{"kinds":[1],"future_field":true}`), &f))
		must.Eq(t, []int{1}, f.Kinds)
	})

	t.Run("bad tag values", func(t *testing.T) {
		var f Filter
		must.Error(t, wireJSON.Unmarshal([]byte(`{"#e": "not-an-array"}`), &f))
	})

	t.Run("not an object", func(t *testing.T) {
		var f Filter
		must.Error(t, wireJSON.Unmarshal([]byte(`[1,2]`), &f))
	})
}

func TestFilter_MarshalRoundTrip(t *testing.T) {
	ci.Parallel(t)

	f := &Filter{
		Kinds:  []int{1},
		Since:  int64p(10),
		Limit:  intp(5),
		Tags:   map[string][]string{"e": {"abc"}},
		Search: "x",
	}
	raw, err := wireJSON.Marshal(f)
	must.NoError(t, err)

	var back Filter
	must.NoError(t, wireJSON.Unmarshal(raw, &back))
	must.Eq(t, f.Kinds, back.Kinds)
	must.Eq(t, *f.Since, *back.Since)
	must.Eq(t, *f.Limit, *back.Limit)
	must.Eq(t, f.Tags, back.Tags)
	must.Eq(t, f.Search, back.Search)
}

func TestFilter_Matches(t *testing.T) {
	ci.Parallel(t)

	author := strings.Repeat("a", 64)
	id := strings.Repeat("1", 64)
	ev := &Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: 150,
		Kind:      1,
		Tags:      []Tag{{"e", "ref1"}, {"p", "pk1"}, {"t", "go"}},
		Content:   "Hello World",
	}

	cases := []struct {
		name string
		f    *Filter
		exp  bool
	}{
		{"empty matches all", &Filter{}, true},
		{"id exact", &Filter{IDs: []string{id}}, true},
		{"id prefix", &Filter{IDs: []string{"11"}}, true},
		{"id miss", &Filter{IDs: []string{"22"}}, false},
		{"author prefix", &Filter{Authors: []string{"aa"}}, true},
		{"author miss", &Filter{Authors: []string{"bb"}}, false},
		{"kind hit", &Filter{Kinds: []int{5, 1}}, true},
		{"kind miss", &Filter{Kinds: []int{5, 6}}, false},
		{"since inclusive", &Filter{Since: int64p(150)}, true},
		{"since excludes older", &Filter{Since: int64p(151)}, false},
		{"until inclusive", &Filter{Until: int64p(150)}, true},
		{"until excludes newer", &Filter{Until: int64p(149)}, false},
		{"window", &Filter{Since: int64p(100), Until: int64p(200)}, true},
		{"tag hit", &Filter{Tags: map[string][]string{"e": {"ref1", "other"}}}, true},
		{"tag value miss", &Filter{Tags: map[string][]string{"e": {"other"}}}, false},
		{"tag name miss", &Filter{Tags: map[string][]string{"x": {"ref1"}}}, false},
		{"two tag names conjunctive", &Filter{Tags: map[string][]string{"e": {"ref1"}, "t": {"go"}}}, true},
		{"conjunctive fail", &Filter{Kinds: []int{1}, Authors: []string{"bb"}}, false},
		{"search substring", &Filter{Search: "world"}, true},
		{"search miss", &Filter{Search: "absent"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.exp, tc.f.Matches(ev))
		})
	}

	must.False(t, (&Filter{}).Matches(nil))
}

func TestFilter_Matches_TagOnValueOnly(t *testing.T) {
	ci.Parallel(t)

	// Tag constraints match the primary value, never the extra elements.
	ev := &Event{Tags: []Tag{{"p", "pk1", "wss://r.example"}}}
	must.True(t, (&Filter{Tags: map[string][]string{"p": {"pk1"}}}).Matches(ev))
	must.False(t, (&Filter{Tags: map[string][]string{"p": {"wss://r.example"}}}).Matches(ev))
}

func TestMatchesSearch(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name    string
		query   string
		content string
		exp     bool
	}{
		{"case insensitive", "HELLO", "say hello there", true},
		{"substring", "lo th", "say hello there", true},
		{"miss", "goodbye", "say hello there", false},
		{"sort directive stripped", "sort:recent hello", "say hello", true},
		{"sort directive only", "sort:recent", "anything", true},
		{"two directives match nothing", "sort:recent sort:old hello", "hello", false},
		{"empty query matches", "", "anything", true},
		{"whitespace query matches", "   ", "anything", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.exp, MatchesSearch(tc.query, tc.content))
		})
	}
}

func TestMatchAny(t *testing.T) {
	ci.Parallel(t)

	ev := &Event{Kind: 1, CreatedAt: 10}
	miss := &Filter{Kinds: []int{2}}
	hit := &Filter{Kinds: []int{1}}

	must.True(t, MatchAny([]*Filter{miss, hit}, ev))
	must.False(t, MatchAny([]*Filter{miss}, ev))
	must.False(t, MatchAny(nil, ev))
	must.False(t, MatchAny([]*Filter{nil}, ev))
}

func TestFilter_HasConstraints(t *testing.T) {
	ci.Parallel(t)

	must.False(t, (&Filter{Since: int64p(1), Limit: intp(3), Search: "x"}).HasConstraints())
	must.True(t, (&Filter{IDs: []string{"ab"}}).HasConstraints())
	must.True(t, (&Filter{Authors: []string{"ab"}}).HasConstraints())
	must.True(t, (&Filter{Kinds: []int{1}}).HasConstraints())
	must.True(t, (&Filter{Tags: map[string][]string{"e": {"x"}}}).HasConstraints())
}
