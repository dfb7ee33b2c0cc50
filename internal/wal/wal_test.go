package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestWAL_AppendAssignsContiguousIndices(t *testing.T) {
	l := openTestLog(t, t.TempDir())

	for i := 1; i <= 5; i++ {
		idx, err := l.Append(1, []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), idx)
	}
	require.Equal(t, uint64(5), l.LastIndex())
	require.Equal(t, uint64(1), l.LastGeneration())

	e, ok := l.Get(3)
	require.True(t, ok)
	require.Equal(t, []byte("e3"), e.Payload)

	_, ok = l.Get(6)
	require.False(t, ok)
	_, ok = l.Get(0)
	require.False(t, ok)
}

func TestWAL_RecoversEntriesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	_, err := l.Append(1, []byte("a"))
	require.NoError(t, err)
	_, err = l.Append(2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2 := openTestLog(t, dir)
	require.Equal(t, uint64(2), l2.LastIndex())
	require.Equal(t, uint64(2), l2.LastGeneration())
	e, ok := l2.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Generation)
	require.Equal(t, []byte("a"), e.Payload)
}

func TestWAL_DiscardsTornTailFrame(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	_, err := l.Append(1, []byte("good"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a crash mid-write: append half a header.
	path := filepath.Join(dir, "wal_1.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openTestLog(t, dir)
	require.Equal(t, uint64(1), l2.LastIndex())

	// The log must be appendable after recovery.
	idx, err := l2.Append(2, []byte("next"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
}

func TestWAL_RollsSegmentsAndRecoversAcrossThem(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, MaxSegmentSize: 64})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		_, err := l.Append(1, []byte(fmt.Sprintf("entry-%02d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "wal_*.log"))
	require.NoError(t, err)
	require.Greater(t, len(matches), 1, "expected the log to roll into multiple segments")

	l2 := openTestLog(t, dir)
	require.Equal(t, uint64(10), l2.LastIndex())
	entries, err := l2.ReadRange(1, 10)
	require.NoError(t, err)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Index)
		require.Equal(t, []byte(fmt.Sprintf("entry-%02d", i+1)), e.Payload)
	}
}

func TestWAL_TruncateFromDropsSuffix(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	for i := 1; i <= 5; i++ {
		_, err := l.Append(1, []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, l.TruncateFrom(3))
	require.Equal(t, uint64(2), l.LastIndex())
	_, ok := l.Get(3)
	require.False(t, ok)

	// New entries reuse the truncated indices.
	idx, err := l.Append(2, []byte("e3'"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), idx)
	require.Equal(t, uint64(2), l.LastGeneration())
	require.NoError(t, l.Close())

	// Truncation must survive a restart.
	l2 := openTestLog(t, dir)
	require.Equal(t, uint64(3), l2.LastIndex())
	e, ok := l2.Get(3)
	require.True(t, ok)
	require.Equal(t, []byte("e3'"), e.Payload)
}

func TestWAL_TruncateFromAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, MaxSegmentSize: 64})
	require.NoError(t, err)
	defer l.Close()

	for i := 1; i <= 10; i++ {
		_, err := l.Append(1, []byte(fmt.Sprintf("entry-%02d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateFrom(4))
	require.Equal(t, uint64(3), l.LastIndex())

	for i := 4; i <= 8; i++ {
		idx, err := l.Append(2, []byte(fmt.Sprintf("redo-%02d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), idx)
	}
	e, ok := l.Get(4)
	require.True(t, ok)
	require.Equal(t, uint64(2), e.Generation)
}

func TestWAL_TruncateFromRejectsInvalidIndex(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	_, err := l.Append(1, []byte("a"))
	require.NoError(t, err)

	require.ErrorIs(t, l.TruncateFrom(0), ErrInvalidIndex)
	require.ErrorIs(t, l.TruncateFrom(3), ErrInvalidIndex)
	// index == last+1 is a no-op, not an error.
	require.NoError(t, l.TruncateFrom(2))
	require.Equal(t, uint64(1), l.LastIndex())
}

func TestWAL_AppendAtRejectsGaps(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	require.NoError(t, l.AppendAt(Entry{Index: 1, Generation: 1, Payload: []byte("a")}))
	err := l.AppendAt(Entry{Index: 3, Generation: 1, Payload: []byte("c")})
	require.ErrorIs(t, err, ErrInvalidIndex)
	err = l.AppendAt(Entry{Index: 1, Generation: 1, Payload: []byte("dup")})
	require.ErrorIs(t, err, ErrInvalidIndex)
}
