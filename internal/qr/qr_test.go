package qr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions_Lifecycle(t *testing.T) {
	s := NewSessions()
	defer s.Stop()

	id := s.Start("tenant-1")
	require.NotEmpty(t, id)

	done, _, err := s.Status("tenant-1", id)
	require.NoError(t, err)
	assert.False(t, done, "nothing scanned yet")

	require.NoError(t, s.Scan(id, json.RawMessage(`{"ip":"192.168.88.1"}`)))

	done, payload, err := s.Status("tenant-1", id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.JSONEq(t, `{"ip":"192.168.88.1"}`, string(payload))

	// consumed on read
	_, _, err = s.Status("tenant-1", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_OwnerScoped(t *testing.T) {
	s := NewSessions()
	defer s.Stop()

	id := s.Start("tenant-1")
	require.NoError(t, s.Scan(id, json.RawMessage(`{}`)))

	_, _, err := s.Status("tenant-2", id)
	assert.ErrorIs(t, err, ErrForbidden)

	// still available to the right tenant
	done, _, err := s.Status("tenant-1", id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSessions_UnknownID(t *testing.T) {
	s := NewSessions()
	defer s.Stop()

	assert.ErrorIs(t, s.Scan("nope", nil), ErrNotFound)
	_, _, err := s.Status("tenant-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
