package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReferenceCarriesPointers(t *testing.T) {
	author := testIdentity(t)
	relay := testIdentity(t)

	original := signedEvent(t, author, 32020, 1700000000, []Tag{
		{"d", "bp-morning"},
		{"t", "blood-pressure"},
		{"subject", "daily reading"},
		{"unit", "mmHg"},
	}, "120/80")

	ref, err := NewReference(original, "nodepk", "https://sat.example.com", relay, 1700000100)
	require.NoError(t, err)

	assert.Equal(t, KindReference, ref.Kind)
	assert.Equal(t, relay.PubKey(), ref.PubKey)
	assert.EqualValues(t, 1700000100, ref.CreatedAt)
	assert.Empty(t, ref.Content)

	wantFixed := []Tag{
		{"e", original.ID},
		{"p", original.PubKey},
		{"kind", "32020"},
		{TagSatellite, "nodepk"},
		{"url", "https://sat.example.com"},
	}
	assert.Equal(t, wantFixed, ref.Tags[:5])
}

func TestNewReferenceEchoesOnlySafeTags(t *testing.T) {
	author := testIdentity(t)
	relay := testIdentity(t)

	original := signedEvent(t, author, 32018, 1700000000, []Tag{
		{"d", "hr-resting"},
		{"t", "heart-rate"},
		{"subject", "resting"},
		{"privacy", "private"},
		{"unit", "bpm"},
		{"p", "someone"},
	}, "52")

	ref, err := NewReference(original, "nodepk", "https://sat.example.com", relay, 1700000100)
	require.NoError(t, err)

	echoed := ref.Tags[5:]
	assert.Equal(t, []Tag{
		{"d", "hr-resting"},
		{"t", "heart-rate"},
		{"subject", "resting"},
	}, echoed, "privacy, unit, and p tags must not leak")
}

func TestNewReferenceIsValidAndPublic(t *testing.T) {
	author := testIdentity(t)
	relay := testIdentity(t)

	original := signedEvent(t, author, 32018, 1700000000, nil, "secret")
	ref, err := NewReference(original, "nodepk", "https://sat.example.com", relay, 1700000100)
	require.NoError(t, err)

	// Signed by the relay identity and hash-consistent.
	recomputed, err := ComputeID(ref)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, recomputed)
	require.NoError(t, verifySignature(ref))

	// Public by construction.
	assert.Equal(t, Public, Classify(ref))
}

func TestIdentitySignVerifyRoundTrip(t *testing.T) {
	id := testIdentity(t)
	v := NewValidator(time.Hour)

	e := &Event{CreatedAt: 1700000000, Kind: KindWorkoutRecord, Content: "x"}
	require.NoError(t, id.Sign(e))
	assert.Equal(t, id.PubKey(), e.PubKey)
	assert.NoError(t, v.Validate(e, time.Unix(1700000001, 0)))
}

func TestNewIdentityFromHex(t *testing.T) {
	seed := "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
	id, err := NewIdentity(seed)
	require.NoError(t, err)
	assert.Len(t, id.PubKey(), 64)

	// Deterministic: same seed, same pubkey.
	again, err := NewIdentity(seed)
	require.NoError(t, err)
	assert.Equal(t, id.PubKey(), again.PubKey())

	_, err = NewIdentity("abcd")
	require.Error(t, err)
	_, err = NewIdentity("zz")
	require.Error(t, err)
}

func TestEventTagHelpers(t *testing.T) {
	e := &Event{Tags: []Tag{
		{"expires_at", "1700000000"},
		{"d", "x"},
	}}

	ts, ok := e.ExpiresAt()
	require.True(t, ok)
	assert.EqualValues(t, 1700000000, ts)

	v, ok := e.TagValue("d")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = e.TagValue("missing")
	assert.False(t, ok)

	bad := &Event{Tags: []Tag{{"expires_at", "soon"}}}
	_, ok = bad.ExpiresAt()
	assert.False(t, ok)

	none := &Event{}
	_, ok = none.ExpiresAt()
	assert.False(t, ok)
}
