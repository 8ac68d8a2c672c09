package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// signedEvent builds a fully valid signed event for tests.
func signedEvent(t *testing.T, id *Identity, kind int, createdAt int64, tags []Tag, content string) *Event {
	t.Helper()
	e := &Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, id.Sign(e))
	return e
}

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	return id
}
