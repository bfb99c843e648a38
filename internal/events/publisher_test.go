package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/store"
)

func newTestPublisher(t *testing.T, sessionID string) (*Publisher, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateSession(&models.AuditSession{
		ID:        sessionID,
		ProjectID: "proj-1",
		Mode:      models.AuditModeFull,
		Status:    models.SessionPending,
		CreatedAt: time.Now(),
	}))
	return NewPublisher(st), st
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(got), n)
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestPublishAssignsStrictlyIncreasingSequences(t *testing.T) {
	pub, _ := newTestPublisher(t, "sess-1")

	for i := 1; i <= 3; i++ {
		ev, err := pub.Publish(New("sess-1", "analysis", TypeAgentThinking, "thinking", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Sequence)
	}
}

func TestSubscribeReplaysFullHistory(t *testing.T) {
	pub, _ := newTestPublisher(t, "sess-1")

	for i := 0; i < 4; i++ {
		_, err := pub.Publish(New("sess-1", "analysis", TypeAgentThinking, "thinking", nil))
		require.NoError(t, err)
	}

	// Subscribing after the fact still sees everything, in order.
	sub := pub.Subscribe("sess-1", 0)
	defer sub.Close()

	got := collect(t, sub, 4)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestSubscribeResumesFromSequence(t *testing.T) {
	pub, _ := newTestPublisher(t, "sess-1")

	for i := 0; i < 5; i++ {
		_, err := pub.Publish(New("sess-1", "analysis", TypeAgentThinking, "thinking", nil))
		require.NoError(t, err)
	}

	sub := pub.Subscribe("sess-1", 3)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(5), got[1].Sequence)
}

func TestLiveDeliveryIsGapFree(t *testing.T) {
	pub, _ := newTestPublisher(t, "sess-1")

	sub := pub.Subscribe("sess-1", 0)
	defer sub.Close()

	const total = 50
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/5; i++ {
				_, err := pub.Publish(New("sess-1", "analysis", TypeAgentThinking, "thinking", nil))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got := collect(t, sub, total)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Sequence, "gap or reorder at position %d", i)
	}
}

func TestTerminalEventClosesStream(t *testing.T) {
	pub, _ := newTestPublisher(t, "sess-1")

	sub := pub.Subscribe("sess-1", 0)
	defer sub.Close()

	_, err := pub.Publish(New("sess-1", "", TypeStatus, "running", nil))
	require.NoError(t, err)
	_, err = pub.Publish(New("sess-1", "", TypeComplete, "done", nil))
	require.NoError(t, err)

	got := collect(t, sub, 2)
	assert.Equal(t, TypeComplete, got[1].Type)

	select {
	case _, open := <-sub.Events():
		assert.False(t, open, "stream should close after terminal event")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after terminal event")
	}
}

func TestPublishAfterTerminalIsDropped(t *testing.T) {
	pub, st := newTestPublisher(t, "sess-1")

	_, err := pub.Publish(New("sess-1", "", TypeComplete, "done", nil))
	require.NoError(t, err)

	_, err = pub.Publish(New("sess-1", "", TypeAgentThinking, "late", nil))
	require.NoError(t, err)

	records, err := st.ListEvents("sess-1", 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1, "post-terminal event must not reach the log")
}

func TestTerminalEventReleasesSessionState(t *testing.T) {
	pub, st := newTestPublisher(t, "sess-1")

	_, err := pub.Publish(New("sess-1", "", TypeStatus, "running", nil))
	require.NoError(t, err)
	_, err = pub.Publish(New("sess-1", "", TypeComplete, "done", nil))
	require.NoError(t, err)

	pub.mu.Lock()
	_, tracked := pub.seqs["sess-1"]
	pub.mu.Unlock()
	assert.False(t, tracked, "settled session must not stay in the sequence map")

	// A late publish re-seeds from the log, sees the terminal tail, and is
	// still dropped.
	_, err = pub.Publish(New("sess-1", "", TypeAgentThinking, "late", nil))
	require.NoError(t, err)
	records, err := st.ListEvents("sess-1", 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSequenceNumberingSurvivesRestart(t *testing.T) {
	pub, st := newTestPublisher(t, "sess-1")

	_, err := pub.Publish(New("sess-1", "", TypeStatus, "running", nil))
	require.NoError(t, err)
	_, err = pub.Publish(New("sess-1", "", TypeAgentThinking, "thinking", nil))
	require.NoError(t, err)

	// A fresh publisher over the same store must continue, not restart.
	pub2 := NewPublisher(st)
	ev, err := pub2.Publish(New("sess-1", "", TypeAgentThinking, "thinking", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Sequence)
}

func TestSessionsAreIsolated(t *testing.T) {
	pub, st := newTestPublisher(t, "sess-1")
	require.NoError(t, st.CreateSession(&models.AuditSession{
		ID:        "sess-2",
		ProjectID: "proj-1",
		Mode:      models.AuditModeFull,
		Status:    models.SessionPending,
		CreatedAt: time.Now(),
	}))

	_, err := pub.Publish(New("sess-1", "", TypeAgentThinking, "one", nil))
	require.NoError(t, err)
	ev, err := pub.Publish(New("sess-2", "", TypeAgentThinking, "two", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence, "sessions number independently")

	sub := pub.Subscribe("sess-2", 0)
	defer sub.Close()
	got := collect(t, sub, 1)
	assert.Equal(t, "sess-2", got[0].SessionID)
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) BroadcastEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestSinksReceiveEveryEvent(t *testing.T) {
	pub, _ := newTestPublisher(t, "sess-1")
	sink := &captureSink{}
	pub.AddSink(sink)

	for i := 0; i < 3; i++ {
		_, err := pub.Publish(New("sess-1", "", TypeAgentThinking, "thinking", nil))
		require.NoError(t, err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 3)
}
