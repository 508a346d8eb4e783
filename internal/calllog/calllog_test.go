package calllog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, store.CallStarted(ctx, CallRecord{ID: id, RemoteAddr: "10.1.1.1:443"}))
	require.NoError(t, store.StreamAttached(ctx, id, "MZ1", "CA1"))
	require.NoError(t, store.ToolInvoked(ctx, ToolRecord{
		SessionID: id,
		CallID:    "c1",
		Tool:      "getMetallicaAlbums",
		Arguments: `{"limit":2}`,
		Outcome:   "ok",
		LatencyMS: 3,
	}))
	require.NoError(t, store.CallEnded(ctx, id, "telephony", time.Now()))

	calls, err := store.RecentCalls(ctx, 10)
	require.NoError(t, err)
	var found *CallRecord
	for i := range calls {
		if calls[i].ID == id {
			found = &calls[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "MZ1", found.StreamSID)
	assert.Equal(t, "CA1", found.CallSID)
	assert.Equal(t, "telephony", found.EndReason)
	assert.NotNil(t, found.EndedAt)

	history, err := store.ToolHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "c1", history[0].CallID)
	assert.NotEmpty(t, history[0].ID)

	assert.ErrorIs(t, store.CallEnded(ctx, "missing", "x", time.Now()), ErrNotFound)
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestInMemoryRecentCallsNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CallStarted(ctx, CallRecord{ID: id, StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	calls, err := s.RecentCalls(ctx, 2)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "c", calls[0].ID)
	assert.Equal(t, "b", calls[1].ID)
}

func TestNewStoreWithoutURLIsInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*InMemoryStore)
	assert.True(t, ok)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CALLBRIDGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CALLBRIDGE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}
