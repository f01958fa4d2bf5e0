package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func fill(r *replayRing, n int) {
	for i := 1; i <= n; i++ {
		r.append(Chunk{Sequence: uint64(i), Content: fmt.Sprintf("c%d", i)})
	}
}

func TestRingRetainsLastN(t *testing.T) {
	r := newReplayRing(3)
	fill(r, 5)

	require.Equal(t, uint64(3), r.oldestSeq())
	require.Equal(t, uint64(5), r.lastSeq())

	chunks, ok := r.after(2)
	require.True(t, ok)
	require.Len(t, chunks, 3)
	require.Equal(t, uint64(3), chunks[0].Sequence)
	require.Equal(t, "c5", chunks[2].Content)
}

func TestRingAfterExactBoundary(t *testing.T) {
	r := newReplayRing(3)
	fill(r, 5)

	// last_seen 1 would need chunk 2, which is gone.
	_, ok := r.after(1)
	require.False(t, ok)

	// last_seen 2 needs chunks from 3 on, all retained.
	chunks, ok := r.after(2)
	require.True(t, ok)
	require.Len(t, chunks, 3)
}

func TestRingAfterCaughtUp(t *testing.T) {
	r := newReplayRing(4)
	fill(r, 2)

	chunks, ok := r.after(2)
	require.True(t, ok)
	require.Empty(t, chunks)

	chunks, ok = r.after(7)
	require.True(t, ok)
	require.Empty(t, chunks)
}

func TestRingEmpty(t *testing.T) {
	r := newReplayRing(4)
	require.Zero(t, r.oldestSeq())
	chunks, ok := r.after(0)
	require.True(t, ok)
	require.Empty(t, chunks)
}
