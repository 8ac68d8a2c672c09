package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKindDefaults(t *testing.T) {
	tests := []struct {
		kind int
		want PrivacyLevel
	}{
		{KindWorkoutRecord, Limited},
		{KindExerciseTemplate, Public},
		{KindWorkoutTemplate, Public},
		{32018, Private},
		{32025, Private},
		{32029, Private},
		{32030, Limited},
		{32039, Limited},
		{32040, Public},
		{32048, Public},
		// Outside the health ranges: public by default.
		{KindReference, Public},
	}

	for _, tt := range tests {
		e := &Event{Kind: tt.kind}
		assert.Equal(t, tt.want, Classify(e), "kind %d", tt.kind)
	}
}

func TestClassifyPrivacyTagWins(t *testing.T) {
	tests := []struct {
		value string
		want  PrivacyLevel
	}{
		{"public", Public},
		{"limited", Limited},
		{"friends", Limited},
		{"private", Private},
	}

	for _, tt := range tests {
		// Kind 32018 defaults to Private; the tag overrides.
		e := &Event{Kind: 32018, Tags: []Tag{{TagPrivacy, tt.value}}}
		assert.Equal(t, tt.want, Classify(e), "privacy=%s", tt.value)
	}
}

func TestClassifyLegacyAlias(t *testing.T) {
	e := &Event{Kind: KindExerciseTemplate, Tags: []Tag{{TagPrivacyLegacy, "private"}}}
	assert.Equal(t, Private, Classify(e))
}

func TestClassifyConflictingTagsFirstWins(t *testing.T) {
	e := &Event{Kind: 32018, Tags: []Tag{
		{TagPrivacy, "public"},
		{TagPrivacy, "private"},
	}}
	assert.Equal(t, Public, Classify(e))

	e = &Event{Kind: 32018, Tags: []Tag{
		{TagPrivacyLegacy, "limited"},
		{TagPrivacy, "public"},
	}}
	assert.Equal(t, Limited, Classify(e))
}

func TestClassifyUnrecognizedValueFallsThrough(t *testing.T) {
	// An unrecognized value is skipped; a later recognized tag decides.
	e := &Event{Kind: 32040, Tags: []Tag{
		{TagPrivacy, "secret"},
		{TagPrivacy, "private"},
	}}
	assert.Equal(t, Private, Classify(e))

	// Only unrecognized values: kind default applies.
	e = &Event{Kind: 32040, Tags: []Tag{{TagPrivacy, "secret"}}}
	assert.Equal(t, Public, Classify(e))
}

func TestClassifyIsPure(t *testing.T) {
	e := &Event{Kind: 1301, Tags: []Tag{{TagPrivacy, "private"}}}
	first := Classify(e)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(e))
	}
}

func TestPrivacyLevelString(t *testing.T) {
	assert.Equal(t, "public", Public.String())
	assert.Equal(t, "limited", Limited.String())
	assert.Equal(t, "private", Private.String())
	assert.Equal(t, "unknown", PrivacyLevel(9).String())
}
