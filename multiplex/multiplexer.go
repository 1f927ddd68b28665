// Package multiplex orders decoded commands per channel group according to
// the delivery guarantee each one carries (spec.md §4.3).
package multiplex

import (
	"container/heap"

	"relay/protocol"
)

// MaxSequenceBuffer bounds how many out-of-order commands a single
// ReliableSequence group will hold before the sender is treated as
// malicious or broken (spec.md §4.3 "Buffering bound").
const MaxSequenceBuffer = 4096

type orderedState struct {
	lastDelivered protocol.ChannelSequence
	seen          bool
}

type sequencedState struct {
	nextExpected protocol.ChannelSequence
	pending      *sequenceHeap
}

// Multiplexer demultiplexes one session's incoming commands across its 256
// channel groups, buffering and reordering as each group's guarantee
// requires. Not safe for concurrent use; owned by one network.Session.
type Multiplexer struct {
	ordered   map[protocol.ChannelGroup]*orderedState
	sequenced map[protocol.ChannelGroup]*sequencedState
	ready     []protocol.Command

	onDrop func(group protocol.ChannelGroup, reason string)
}

// New returns an empty Multiplexer. onDrop, if non-nil, is called whenever a
// command is discarded for sequence buffer overflow; stale and duplicate
// commands are dropped without calling it. It is purely observational.
func New(onDrop func(group protocol.ChannelGroup, reason string)) *Multiplexer {
	return &Multiplexer{
		ordered:   make(map[protocol.ChannelGroup]*orderedState),
		sequenced: make(map[protocol.ChannelGroup]*sequencedState),
		onDrop:    onDrop,
	}
}

// Collect feeds one decoded command through the multiplexer. Commands ready
// for execution accumulate internally until ReadyCommands is called.
func (m *Multiplexer) Collect(cmd protocol.Command) {
	rel := cmd.Meta().Reliability
	switch rel.Kind {
	case protocol.ReliabilityUnreliableUnordered, protocol.ReliabilityReliableUnordered:
		m.ready = append(m.ready, cmd)
	case protocol.ReliabilityUnreliableOrdered, protocol.ReliabilityReliableOrdered:
		m.collectOrdered(rel.Group, rel.Sequence, cmd)
	case protocol.ReliabilityReliableSequence:
		m.collectSequenced(rel.Group, rel.Sequence, cmd)
	}
}

func (m *Multiplexer) collectOrdered(group protocol.ChannelGroup, seq protocol.ChannelSequence, cmd protocol.Command) {
	st, ok := m.ordered[group]
	if !ok {
		st = &orderedState{}
		m.ordered[group] = st
	}
	if st.seen && seq < st.lastDelivered {
		return // stale, drop silently: a strictly newer sequence already passed
	}
	st.seen = true
	st.lastDelivered = seq
	m.ready = append(m.ready, cmd)
}

func (m *Multiplexer) collectSequenced(group protocol.ChannelGroup, seq protocol.ChannelSequence, cmd protocol.Command) {
	st, ok := m.sequenced[group]
	if !ok {
		st = &sequencedState{pending: newSequenceHeap()}
		m.sequenced[group] = st
	}
	if seq < st.nextExpected {
		return // duplicate/stale
	}
	if seq == st.nextExpected {
		m.ready = append(m.ready, cmd)
		st.nextExpected++
		m.drainSequenced(group, st)
		return
	}
	if st.pending.Len() >= MaxSequenceBuffer {
		if m.onDrop != nil {
			m.onDrop(group, "sequence buffer overflow")
		}
		return
	}
	heap.Push(st.pending, sequenceItem{seq: seq, cmd: cmd})
}

func (m *Multiplexer) drainSequenced(group protocol.ChannelGroup, st *sequencedState) {
	for st.pending.Len() > 0 {
		top := st.pending.Peek()
		if top.seq != st.nextExpected {
			return
		}
		heap.Pop(st.pending)
		m.ready = append(m.ready, top.cmd)
		st.nextExpected++
	}
}

// ReadyCommands returns everything accumulated since the last call and
// resets the accumulator; a call without intervening Collect calls returns
// empty (spec.md §4.3 "Output discipline").
func (m *Multiplexer) ReadyCommands() []protocol.Command {
	out := m.ready
	m.ready = nil
	return out
}
