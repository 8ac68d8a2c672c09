package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter is a conjunction of optional constraints over id, author, kind,
// time range, and tag values. A nil set places no constraint; a
// present-but-empty set matches nothing. A filter with no populated
// field matches nothing either, guarding against accidental fleet
// queries.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int

	// Tags maps a single-letter tag name (filter key "#x") to the set of
	// accepted values.
	Tags map[string][]string
}

// filterJSON mirrors the fixed wire fields; tag keys are extracted
// separately because their names are dynamic.
type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// UnmarshalJSON parses the fixed fields and every "#x" tag key.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var fixed filterJSON
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.IDs = fixed.IDs
	f.Authors = fixed.Authors
	f.Kinds = fixed.Kinds
	f.Since = fixed.Since
	f.Until = fixed.Until
	f.Limit = fixed.Limit
	f.Tags = nil

	for key, value := range raw {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return fmt.Errorf("tag filter %s: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}

	return nil
}

// MarshalJSON emits the wire form including "#x" tag keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if f.IDs != nil {
		out["ids"] = f.IDs
	}
	if f.Authors != nil {
		out["authors"] = f.Authors
	}
	if f.Kinds != nil {
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
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	return json.Marshal(out)
}

// IsEmpty reports whether no field is populated. Empty filters match
// nothing.
func (f *Filter) IsEmpty() bool {
	return f.IDs == nil && f.Authors == nil && f.Kinds == nil &&
		f.Since == nil && f.Until == nil && f.Limit == nil && len(f.Tags) == 0
}

// Matches reports whether the event satisfies every populated constraint.
// An empty filter matches nothing.
func (f *Filter) Matches(e *Event) bool {
	if f.IsEmpty() {
		return false
	}
	if f.IDs != nil && !containsString(f.IDs, e.ID) {
		return false
	}
	if f.Authors != nil && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if f.Kinds != nil && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !eventHasTagValue(e, name, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether any filter in the set matches the event.
func MatchesAny(filters []Filter, e *Event) bool {
	for i := range filters {
		if filters[i].Matches(e) {
			return true
		}
	}
	return false
}

func eventHasTagValue(e *Event, name string, accepted []string) bool {
	for _, tag := range e.Tags {
		if tag.Name() != name {
			continue
		}
		if containsString(accepted, tag.Value()) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
