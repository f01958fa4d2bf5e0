package stream

// Chunk is one emitted piece of a stream session. Immutable once emitted;
// only the replay ring retains a bounded history.
type Chunk struct {
	SessionID string
	Sequence  uint64
	Content   string
	IsFinal   bool
	IsError   bool
}

// replayRing is a fixed-capacity ring indexed by sequence modulo capacity.
// Sequences are contiguous, so position follows from the sequence alone and
// no chunk is ever retained outside the ring.
type replayRing struct {
	buf  []Chunk
	last uint64 // highest appended sequence, 0 when empty
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &replayRing{buf: make([]Chunk, capacity)}
}

// append stores a chunk; the caller guarantees c.Sequence == last+1.
func (r *replayRing) append(c Chunk) {
	r.buf[(c.Sequence-1)%uint64(len(r.buf))] = c
	r.last = c.Sequence
}

// oldestSeq is the lowest sequence still retained, 0 when empty.
func (r *replayRing) oldestSeq() uint64 {
	if r.last == 0 {
		return 0
	}
	capacity := uint64(len(r.buf))
	if r.last <= capacity {
		return 1
	}
	return r.last - capacity + 1
}

func (r *replayRing) lastSeq() uint64 {
	return r.last
}

// after copies out all retained chunks with sequence > seq, in order. ok is
// false when seq predates the oldest retained sequence minus one, i.e. the
// gap cannot be bridged from the ring.
func (r *replayRing) after(seq uint64) (chunks []Chunk, ok bool) {
	if r.last == 0 {
		return nil, true
	}
	oldest := r.oldestSeq()
	if seq+1 < oldest {
		return nil, false
	}
	if seq >= r.last {
		return nil, true
	}
	out := make([]Chunk, 0, r.last-seq)
	for s := seq + 1; s <= r.last; s++ {
		out = append(out, r.buf[(s-1)%uint64(len(r.buf))])
	}
	return out, true
}
