package stream

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	s, err := New(Options{Dir: t.TempDir(), BaseName: "orchestration_stream.jsonl"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAssignsStrictlyIncreasingOffsets(t *testing.T) {
	s := newTestStream(t)

	var last uint64
	for i := 0; i < 50; i++ {
		ev, err := s.Append(Input{Type: EventAgentSpawned, StreamID: "sess-1", CorrelationID: "corr-1"})
		require.NoError(t, err)
		assert.Greater(t, ev.Offset, last)
		last = ev.Offset
	}
}

func TestAppendAssignsUniqueIDs(t *testing.T) {
	s := newTestStream(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		ev, err := s.Append(Input{Type: EventAgentSpawned, CorrelationID: "corr-1"})
		require.NoError(t, err)
		assert.False(t, seen[ev.ID], "duplicate event id")
		seen[ev.ID] = true
	}
}

func TestSubscribersReceiveEventsInOffsetOrder(t *testing.T) {
	s := newTestStream(t)

	var mu sync.Mutex
	var received []uint64
	unsub := s.Subscribe(AnyType, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Offset)
	})
	defer unsub()

	for i := 0; i < 30; i++ {
		_, err := s.Append(Input{Type: EventAgentSpawned})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 30)
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1])
	}
}

func TestSubscriberFilteredByType(t *testing.T) {
	s := newTestStream(t)

	var completedCount int
	unsub := s.Subscribe(EventAgentCompleted, func(e Event) { completedCount++ })
	defer unsub()

	_, _ = s.Append(Input{Type: EventAgentSpawned})
	_, _ = s.Append(Input{Type: EventAgentCompleted})
	_, _ = s.Append(Input{Type: EventAgentFailed})
	_, _ = s.Append(Input{Type: EventAgentCompleted})

	assert.Equal(t, 2, completedCount)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	s := newTestStream(t)

	var secondCalled bool
	unsub1 := s.Subscribe(AnyType, func(e Event) { panic("boom") })
	defer unsub1()
	unsub2 := s.Subscribe(AnyType, func(e Event) { secondCalled = true })
	defer unsub2()

	_, err := s.Append(Input{Type: EventAgentSpawned})
	require.NoError(t, err)
	assert.True(t, secondCalled, "second subscriber should still run after first panics")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := newTestStream(t)

	var count int
	unsub := s.Subscribe(AnyType, func(e Event) { count++ })
	_, _ = s.Append(Input{Type: EventAgentSpawned})
	unsub()
	_, _ = s.Append(Input{Type: EventAgentSpawned})

	assert.Equal(t, 1, count)
}

func TestHistoryReturnsAscendingOrder(t *testing.T) {
	s := newTestStream(t)
	for i := 0; i < 10; i++ {
		_, err := s.Append(Input{Type: EventAgentSpawned})
		require.NoError(t, err)
	}

	events := s.History(0, Filter{})
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Offset, events[i-1].Offset)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	s, err := New(Options{Dir: t.TempDir(), BaseName: "orchestration_stream.jsonl", HistoryCapacity: 5})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 12; i++ {
		_, err := s.Append(Input{Type: EventAgentSpawned})
		require.NoError(t, err)
	}

	events := s.History(0, Filter{})
	require.Len(t, events, 5)
	assert.Equal(t, uint64(8), events[0].Offset)
	assert.Equal(t, uint64(12), events[len(events)-1].Offset)
}

func TestResumeReplaysPersistedEvents(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, BaseName: "orchestration_stream.jsonl"})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := s.Append(Input{Type: EventAgentSpawned, CorrelationID: "corr-1"})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s2, err := New(Options{Dir: dir, BaseName: "orchestration_stream.jsonl"})
	require.NoError(t, err)
	defer s2.Close()

	events, stats, err := s2.Resume()
	require.NoError(t, err)
	assert.Equal(t, 7, stats.EventsReplayed)
	assert.Equal(t, uint64(7), stats.LastOffset)
	require.Len(t, events, 7)

	// A subsequent append continues the offset sequence rather than restarting it.
	ev, err := s2.Append(Input{Type: EventAgentCompleted})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), ev.Offset)
}

func TestResumeDiscardsPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, BaseName: "orchestration_stream.jsonl"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Append(Input{Type: EventAgentSpawned})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, "orchestration_stream.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"offset":4,"id":"broken`) // no closing brace/newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := New(Options{Dir: dir, BaseName: "orchestration_stream.jsonl"})
	require.NoError(t, err)
	defer s2.Close()

	events, stats, err := s2.Resume()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EventsReplayed)
	assert.Len(t, events, 3)

	ev, err := s2.Append(Input{Type: EventAgentCompleted})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Offset, "append overwrites the discarded partial record's slot")
}

func TestRotateSealsSegmentAndContinuesOffsets(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Dir: dir, BaseName: "orchestration_stream.jsonl", MaxSegmentBytes: 1})
	require.NoError(t, err)
	defer s.Close()

	var lastOffset uint64
	for i := 0; i < 5; i++ {
		ev, err := s.Append(Input{Type: EventAgentSpawned})
		require.NoError(t, err)
		lastOffset = ev.Offset
	}
	assert.Equal(t, uint64(5), lastOffset)

	all, err := s.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestQueryFiltersByCorrelationID(t *testing.T) {
	s := newTestStream(t)
	_, _ = s.Append(Input{Type: EventAgentSpawned, CorrelationID: "a"})
	_, _ = s.Append(Input{Type: EventAgentSpawned, CorrelationID: "b"})
	_, _ = s.Append(Input{Type: EventAgentSpawned, CorrelationID: "a"})

	events, err := s.Query(Filter{CorrelationID: "a"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
