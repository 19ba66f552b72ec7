// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Filter selects events for a subscription or historical query. All
// populated fields are conjunctive; values within a field are disjunctive.
// A filter with no populated fields matches every event.
type Filter struct {
	// IDs and Authors hold hex prefixes; a full 64-character value is an
	// exact match.
	IDs     []string
	Authors []string

	Kinds []int

	// Since and Until bound created_at inclusively on both ends.
	Since *int64
	Until *int64

	// Tags maps a tag name (without the wire form's '#' prefix) to the
	// accepted primary values.
	Tags map[string][]string

	// Limit caps historical results. nil means the server default; an
	// explicit zero means "real-time only, return nothing".
	Limit *int

	// Search is a free-text query over content; see MatchesSearch for the
	// directive handling discipline.
	Search string
}

// filterWire is the fixed-key part of the wire form. Tag constraints arrive
// as dynamic "#<name>" keys and are handled separately.
type filterWire struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
	Search  string   `json:"search,omitempty"`
}

// UnmarshalJSON decodes the wire form, collecting "#<name>" keys into Tags.
// Unrecognised keys are ignored so newer clients do not break older relays.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var fixed filterWire
	if err := wireJSON.Unmarshal(data, &fixed); err != nil {
		return fmt.Errorf("malformed filter: %w", err)
	}

	var raw map[string]jsoniter.RawMessage
	if err := wireJSON.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("malformed filter: %w", err)
	}

	*f = Filter{
		IDs:     fixed.IDs,
		Authors: fixed.Authors,
		Kinds:   fixed.Kinds,
		Since:   fixed.Since,
		Until:   fixed.Until,
		Limit:   fixed.Limit,
		Search:  fixed.Search,
	}

	for key, val := range raw {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := wireJSON.Unmarshal(val, &values); err != nil {
			return fmt.Errorf("malformed filter tag %q: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}

// MarshalJSON produces the wire form, emitting Tags as "#<name>" keys.
func (f *Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 7+len(f.Tags))
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	if f.Search != "" {
		out["search"] = f.Search
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	return wireJSON.Marshal(out)
}

// HasConstraints reports whether the filter populates any of the fields
// that participate in indexing (ids, authors, kinds, tags). Time bounds,
// limit, and search are verified only at full-match time.
func (f *Filter) HasConstraints() bool {
	return len(f.IDs) > 0 || len(f.Authors) > 0 || len(f.Kinds) > 0 || len(f.Tags) > 0
}

// Matches reports whether the event satisfies every populated field of the
// filter.
func (f *Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if len(f.IDs) > 0 && !prefixMatch(e.ID, f.IDs) {
		return false
	}
	if len(f.Authors) > 0 && !prefixMatch(e.PubKey, f.Authors) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !tagMatch(e, name, values) {
			return false
		}
	}
	if f.Search != "" && !MatchesSearch(f.Search, e.Content) {
		return false
	}
	return true
}

// MatchAny reports whether any filter in the list matches the event. An
// empty list matches nothing.
func MatchAny(filters []*Filter, e *Event) bool {
	for _, f := range filters {
		if f != nil && f.Matches(e) {
			return true
		}
	}
	return false
}

// MatchesSearch implements the baseline search discipline: strip one
// leading "sort:<token>" directive, then case-insensitive substring match
// over the content. A query carrying more than one directive is an
// unsupported directive set and deterministically matches nothing.
func MatchesSearch(query, content string) bool {
	q := strings.TrimSpace(query)
	directives := 0
	for strings.HasPrefix(q, "sort:") {
		directives++
		if sp := strings.IndexByte(q, ' '); sp >= 0 {
			q = strings.TrimSpace(q[sp+1:])
		} else {
			q = ""
		}
	}
	if directives > 1 {
		return false
	}
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(q))
}

func prefixMatch(value string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func containsKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func tagMatch(e *Event, name string, values []string) bool {
	for _, t := range e.Tags {
		if t.Name() != name {
			continue
		}
		v := t.Value()
		for _, want := range values {
			if v == want {
				return true
			}
		}
	}
	return false
}
