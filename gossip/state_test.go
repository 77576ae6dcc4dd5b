package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLocalWritesAreMonotone(t *testing.T) {
	s := newStore("a")
	first := s.set("heartbeat", []byte("1"))
	second := s.set("heartbeat", []byte("2"))

	assert.Greater(t, second.Sequence, first.Sequence)
	entry, ok := s.get("a", "heartbeat")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), entry.Value)
	assert.Equal(t, second.Sequence, s.clock["a"])
}

func TestStoreMergeLastWriterWinsBySequence(t *testing.T) {
	s := newStore("a")
	changed := s.merge([]Entry{
		{MemberID: "b", Key: "heartbeat", Value: []byte("new"), Sequence: 5},
	})
	require.Len(t, changed, 1)

	// A stale delta must never regress the observed value.
	changed = s.merge([]Entry{
		{MemberID: "b", Key: "heartbeat", Value: []byte("old"), Sequence: 3},
	})
	assert.Empty(t, changed)

	entry, ok := s.get("b", "heartbeat")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), entry.Value)
	assert.EqualValues(t, 5, s.clock["b"])
}

func TestStoreMergeIgnoresOwnEntries(t *testing.T) {
	s := newStore("a")
	s.set("heartbeat", []byte("mine"))
	changed := s.merge([]Entry{
		{MemberID: "a", Key: "heartbeat", Value: []byte("forged"), Sequence: 99},
	})
	assert.Empty(t, changed)
	entry, _ := s.get("a", "heartbeat")
	assert.Equal(t, []byte("mine"), entry.Value)
}

func TestStoreEntriesAfterClock(t *testing.T) {
	s := newStore("a")
	s.set("k1", []byte("v1"))
	s.set("k2", []byte("v2"))
	s.merge([]Entry{
		{MemberID: "b", Key: "k1", Value: []byte("bv"), Sequence: 7},
	})

	// A peer that has seen everything from a gets only b's entry.
	entries, more := s.entriesAfter(map[string]uint64{"a": 2}, 64)
	assert.False(t, more)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].MemberID)

	// A blank clock gets everything.
	entries, _ = s.entriesAfter(map[string]uint64{}, 64)
	assert.Len(t, entries, 3)
}

func TestStoreEntriesAfterPages(t *testing.T) {
	s := newStore("a")
	for i := 0; i < 10; i++ {
		s.set(string(rune('a'+i)), []byte("v"))
	}
	entries, more := s.entriesAfter(map[string]uint64{}, 4)
	assert.Len(t, entries, 4)
	assert.True(t, more)
}
