package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700005000, 0)

func TestValidateAcceptsValidEvent(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(15 * time.Minute)

	e := signedEvent(t, id, KindExerciseTemplate, 1700000000,
		[]Tag{{"d", "abc"}, {"title", "Push-up"}, {"privacy", "public"}}, "")
	assert.NoError(t, v.Validate(e, testNow))
}

func TestValidateIDMismatch(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(15 * time.Minute)

	e := signedEvent(t, id, KindWorkoutRecord, 1700000000, nil, "original")
	e.Content = "tampered"

	err := v.Validate(e, testNow)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestValidateBadSignature(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(15 * time.Minute)

	e := signedEvent(t, id, KindWorkoutRecord, 1700000000, nil, "content")
	// Flip a signature nibble; the id still matches so the failure is
	// specifically the signature.
	if e.Sig[0] == '0' {
		e.Sig = "1" + e.Sig[1:]
	} else {
		e.Sig = "0" + e.Sig[1:]
	}

	err := v.Validate(e, testNow)
	assert.ErrorIs(t, err, ErrInvalidSig)
}

func TestValidateSignatureFromWrongKey(t *testing.T) {
	author := testIdentity(t)
	imposter := testIdentity(t)
	v := NewValidator(15 * time.Minute)

	e := signedEvent(t, author, KindWorkoutRecord, 1700000000, nil, "content")
	// Re-sign under a different key but keep the original author pubkey:
	// recompute id for the original pubkey, sign with the imposter.
	forged := *e
	require.NoError(t, imposter.Sign(&forged))
	forged.PubKey = e.PubKey
	forged.ID = e.ID

	err := v.Validate(&forged, testNow)
	assert.ErrorIs(t, err, ErrInvalidSig)
}

func TestValidateUnsupportedKind(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(15 * time.Minute)

	e := signedEvent(t, id, 1, 1700000000, nil, "kind 1 note")
	err := v.Validate(e, testNow)
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	e = signedEvent(t, id, KindHealthMax+1, 1700000000, nil, "")
	err = v.Validate(e, testNow)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestValidateClockSkew(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(15 * time.Minute)

	farFuture := testNow.Add(16 * time.Minute).Unix()
	e := signedEvent(t, id, KindWorkoutRecord, farFuture, nil, "")
	err := v.Validate(e, testNow)
	assert.ErrorIs(t, err, ErrClockSkew)

	// Inside the window is fine.
	nearFuture := testNow.Add(14 * time.Minute).Unix()
	e = signedEvent(t, id, KindWorkoutRecord, nearFuture, nil, "")
	assert.NoError(t, v.Validate(e, testNow))

	// Far past is always accepted.
	e = signedEvent(t, id, KindWorkoutRecord, 1, nil, "")
	assert.NoError(t, v.Validate(e, testNow))
}

func TestValidateMalformed(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(15 * time.Minute)
	valid := signedEvent(t, id, KindWorkoutRecord, 1700000000, nil, "")

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"nil event", nil},
		{"short id", func(e *Event) { e.ID = "abcd" }},
		{"uppercase id", func(e *Event) { e.ID = strings.ToUpper(e.ID) }},
		{"non-hex pubkey", func(e *Event) { e.PubKey = strings.Repeat("z", 64) }},
		{"short sig", func(e *Event) { e.Sig = "00" }},
		{"negative kind", func(e *Event) { e.Kind = -1 }},
		{"empty tag", func(e *Event) { e.Tags = []Tag{{}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.mutate == nil {
				assert.ErrorIs(t, v.Validate(nil, testNow), ErrInvalidFormat)
				return
			}
			e := *valid
			e.Tags = append([]Tag(nil), valid.Tags...)
			tt.mutate(&e)
			assert.ErrorIs(t, v.Validate(&e, testNow), ErrInvalidFormat)
		})
	}
}

func TestValidateErrorMessagesArePrefixes(t *testing.T) {
	// OK frame messages must start with the machine-readable prefix.
	assert.True(t, strings.HasPrefix(ErrInvalidID.Error(), "invalid:"))
	assert.True(t, strings.HasPrefix(ErrInvalidSig.Error(), "invalid:"))
	assert.True(t, strings.HasPrefix(ErrInvalidFormat.Error(), "invalid:"))
	assert.True(t, strings.HasPrefix(ErrClockSkew.Error(), "invalid:"))
	assert.True(t, strings.HasPrefix(ErrUnsupportedKind.Error(), "unsupported:"))
}
