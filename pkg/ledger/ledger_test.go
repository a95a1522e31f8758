package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitDeleteClear(t *testing.T) {
	l := New()

	l.Commit(5, SourceAuto)
	l.Commit(3, SourceManual)
	require.Equal(t, []int{3, 5}, l.Values())

	require.True(t, l.Delete(0))
	require.Equal(t, []int{3}, l.Values())

	l.Commit(7, SourceAuto)
	l.Commit(9, SourceAuto)
	require.Equal(t, 3, l.Len())

	l.Clear()
	assert.Empty(t, l.Values())
	assert.Empty(t, l.Entries())
	assert.Zero(t, l.Len())
}

func TestDeleteByIndex(t *testing.T) {
	l := New()
	l.Commit(5, SourceAuto)
	l.Commit(3, SourceAuto)
	l.Commit(8, SourceAuto)

	// Indices refer to the commit order, the oldest entry being first
	require.True(t, l.Delete(1))
	assert.Equal(t, []int{8, 5}, l.Values())
	require.True(t, l.Delete(1))
	assert.Equal(t, []int{5}, l.Values())

	l.Clear()
	assert.Empty(t, l.Values())
}

func TestRemove(t *testing.T) {
	l := New()
	first := l.Commit(5, SourceAuto)
	second := l.Commit(3, SourceManual)

	require.True(t, l.Remove(second.ID))
	assert.False(t, l.Remove(second.ID))
	assert.Equal(t, []Entry{first}, l.Entries())
}

func TestDeleteOutOfRange(t *testing.T) {
	l := New()
	l.Commit(1, SourceAuto)
	l.Commit(2, SourceAuto)

	assert.False(t, l.Delete(-1))
	assert.False(t, l.Delete(2))
	assert.Equal(t, []int{2, 1}, l.Values())

	assert.True(t, l.Delete(1))
	assert.Equal(t, []int{1}, l.Values())
}

func TestEntries(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return ts }))

	first := l.Commit(120, SourceAuto)
	second := l.Commit(-4, SourceManual)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0])
	assert.Equal(t, first, entries[1])

	assert.Equal(t, ts, first.At)
	assert.Equal(t, SourceAuto, first.Source)
	assert.Equal(t, SourceManual, second.Source)
	assert.Equal(t, ts.UnixMilli(), int64(first.ID.Time()))
	assert.True(t, first.ID.Compare(second.ID) < 0)

	// Returned entries are copies
	entries[0].Grams = 1000
	assert.Equal(t, -4, l.Entries()[0].Grams)
}

func TestExport(t *testing.T) {
	l := New()
	assert.Equal(t, "", l.Export())

	l.Commit(250, SourceAuto)
	l.Commit(-3, SourceManual)
	l.Commit(12, SourceAuto)
	assert.Equal(t, "12g\n-3g\n250g\n", l.Export())
}
