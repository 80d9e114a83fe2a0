package agent

import (
	"sync"
	"time"
)

// TurnStream tracks the in-flight assistant turn so the runner knows
// whether streaming output is live and when the turn started.
type TurnStream struct {
	Live       bool
	Done       bool
	AwaitFirst bool
	StartedAt  time.Time
}

// Begin marks the start of a new streaming turn.
func (s *TurnStream) Begin() {
	s.Live = true
	s.Done = false
	s.AwaitFirst = true
	s.StartedAt = time.Now()
}

// Finish marks the turn complete.
func (s *TurnStream) Finish() {
	s.Live = false
	s.Done = true
}

// Reset clears all streaming state.
func (s *TurnStream) Reset() {
	*s = TurnStream{}
}

// TurnChannel owns the channel a turn's chunks are delivered on. The
// sync.Once guards against double close when completion and teardown race.
type TurnChannel struct {
	Ch     chan Chunk
	closed bool
	once   *sync.Once
}

// Setup prepares the state for a new turn with the given channel.
func (t *TurnChannel) Setup(ch chan Chunk) {
	t.Ch = ch
	t.closed = false
	t.once = &sync.Once{}
}

// Close closes the channel exactly once. Safe on the zero value.
func (t *TurnChannel) Close() {
	if t.once == nil || t.Ch == nil {
		return
	}
	t.once.Do(func() {
		close(t.Ch)
		t.closed = true
	})
}

// IsOpen reports whether the channel exists and has not been closed.
func (t *TurnChannel) IsOpen() bool {
	return t.Ch != nil && !t.closed
}
