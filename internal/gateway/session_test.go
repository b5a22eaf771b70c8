package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	st := NewSessionStore(time.Minute)

	s := st.Create()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, st.Count())

	got, ok := st.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	st.Remove(s.ID)
	assert.Equal(t, 0, st.Count())
	_, ok = st.Get(s.ID)
	assert.False(t, ok)

	// Removing twice is harmless.
	st.Remove(s.ID)
}

func TestSessionIDsAreUnique(t *testing.T) {
	st := NewSessionStore(time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := st.Create()
		assert.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestPublishToUnknownSessionIsNoOp(t *testing.T) {
	st := NewSessionStore(time.Minute)
	st.Publish("nope", []byte("x")) // must not panic

	s := st.Create()
	st.Remove(s.ID)
	st.Publish(s.ID, []byte("x"))
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	st := NewSessionStore(time.Minute)
	s := st.Create()

	for i := 0; i < sessionEventBuffer+10; i++ {
		st.Publish(s.ID, []byte("m"))
	}
	assert.Len(t, s.events, sessionEventBuffer)
}

func TestSweeperEvictsIdleSessions(t *testing.T) {
	st := NewSessionStore(150 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.StartSweeper(ctx)

	s := st.Create()

	// Well before the timeout the session must survive a sweep.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, st.Count())

	// Touching extends the lifetime.
	s.Touch()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, st.Count())

	// Idle past the timeout plus a sweep interval, it must be gone.
	require.Eventually(t, func() bool {
		return st.Count() == 0
	}, time.Second, 20*time.Millisecond)

	// The stream side observes the eviction.
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("evicted session's done channel never closed")
	}
}
