// Package reliability implements the retransmit scheduler, ACK collector,
// and disconnect detector layered over the otherwise unreliable UDP
// transport (spec.md §4.2). One Engine is owned by one network.Session; it
// is not safe for concurrent use, matching the single-threaded loop model
// of spec.md §5.
package reliability

import (
	"container/list"
	"time"

	"golang.org/x/time/rate"

	"relay/protocol"
)

// Tuning parameters fixed by spec.md §4.2.
const (
	TargetReliableFramesPerSecond = 10
	MaxRetransmitDuration         = 10 * time.Second
	DefaultAckTimeout             = 500 * time.Millisecond
	RetransmitLimit               = 20 // ceil(MaxRetransmitDuration / DefaultAckTimeout)
	BufferCapacity                = TargetReliableFramesPerSecond * 10 // R * T_max, in frames
)

// scheduledFrame is one outstanding reliable frame awaiting acknowledgement.
type scheduledFrame struct {
	sentTime        time.Time
	originalFrameID protocol.FrameId
	commands        []protocol.Command
	retransmitCount int
}

// Engine schedules retransmissions of reliable frames and detects dead
// connections. It also tracks which incoming frame ids still need to be
// acknowledged to the peer.
type Engine struct {
	ackTimeout      time.Duration
	retransmitLimit int

	fifo       *list.List // of *scheduledFrame, oldest first
	pendingAck map[protocol.FrameId]struct{}

	// retransmitLimiter paces how fast this engine re-sends unacknowledged
	// frames, so a peer stuck below the target reliable-frame rate doesn't
	// get hit with an unbounded retransmit burst once its deadline passes.
	retransmitLimiter *rate.Limiter

	maxObservedRetransmitCount int

	// ACK generation (receive side).
	receivedRing      []protocol.FrameId
	oldestUnackedSent time.Time
	haveUnacked       bool
}

// NewEngine returns an Engine using the default ACK timeout.
func NewEngine() *Engine { return NewEngineWithTimeout(DefaultAckTimeout) }

// NewEngineWithTimeout allows tests to shrink T_ack for determinism.
func NewEngineWithTimeout(ackTimeout time.Duration) *Engine {
	return &Engine{
		ackTimeout:      ackTimeout,
		retransmitLimit: RetransmitLimit,
		fifo:            list.New(),
		pendingAck:      make(map[protocol.FrameId]struct{}),
		// Burst at BufferCapacity (R * T_max) rather than just R: a peer
		// that's been silent for up to T_max may have that many frames come
		// due for retransmission at once, and re-sending all of them is the
		// expected shape, not something to throttle. The
		// limiter only engages once a connection is unhealthy for longer
		// than that.
		retransmitLimiter: rate.NewLimiter(rate.Limit(TargetReliableFramesPerSecond), BufferCapacity),
	}
}

// SetRetransmitLimit overrides the default retransmit limit (operator
// tunable via RELAY_RETRANSMIT_LIMIT); a non-positive n is ignored.
func (e *Engine) SetRetransmitLimit(n int) {
	if n > 0 {
		e.retransmitLimit = n
	}
}

// Observe records an outgoing frame. If it carries no reliable command it is
// not scheduled at all — unreliable commands are never retransmitted. A
// frame that is itself a retransmission (it carries a RetransmitHeader) is
// also skipped: PollRetransmit already re-armed the existing fifo/pendingAck
// entry for it under its original frame id, and scheduling it again here
// would add a second entry under the fresh id, inflating both queues toward
// BufferCapacity on every retransmit of a perfectly responsive peer.
func (e *Engine) Observe(frame *protocol.Frame, now time.Time) {
	if !frame.HasReliableCommand() {
		return
	}
	if _, ok := frame.HeaderByKind(protocol.HeaderKindRetransmit); ok {
		return
	}
	reliable := frame.ReliableOnly()
	e.fifo.PushBack(&scheduledFrame{
		sentTime:        now,
		originalFrameID: frame.FrameId,
		commands:        reliable.Commands,
	})
	e.pendingAck[frame.FrameId] = struct{}{}
}

// PollRetransmit pops the oldest unacknowledged frame whose ACK deadline has
// passed and rebuilds it as a retransmission carrying freshFrameID, or
// returns false if nothing is due yet or retransmitLimiter has no tokens
// left to pace this send with.
func (e *Engine) PollRetransmit(now time.Time, freshFrameID protocol.FrameId) (*protocol.Frame, bool) {
	for {
		front := e.fifo.Front()
		if front == nil {
			return nil, false
		}
		sf := front.Value.(*scheduledFrame)
		if _, stillPending := e.pendingAck[sf.originalFrameID]; !stillPending {
			e.fifo.Remove(front)
			continue
		}
		if now.Sub(sf.sentTime) < e.ackTimeout {
			return nil, false
		}
		if !e.retransmitLimiter.AllowN(now, 1) {
			return nil, false
		}
		e.fifo.Remove(front)
		sf.retransmitCount++
		sf.sentTime = now
		if sf.retransmitCount > e.maxObservedRetransmitCount {
			e.maxObservedRetransmitCount = sf.retransmitCount
		}
		e.fifo.PushBack(sf)

		rebuilt := &protocol.Frame{
			FrameId:      freshFrameID,
			Commands:     sf.commands,
			Headers: []protocol.Header{
				&protocol.RetransmitHeader{OriginalFrameId: sf.originalFrameID, RetransmitCount: uint16(sf.retransmitCount)},
			},
		}
		return rebuilt, true
	}
}

// OnAck removes every frame id carried by incoming Ack headers from the
// pending set. Idempotent: acking an id that is not pending is a no-op.
func (e *Engine) OnAck(headers []protocol.Header) {
	for _, h := range headers {
		ack, ok := h.(*protocol.AckHeader)
		if !ok {
			continue
		}
		for _, id := range ack.FrameIds() {
			delete(e.pendingAck, id)
		}
	}
}

// Disconnected reports whether this connection should be torn down: the
// retransmit limit was hit, or either queue grew past capacity (spec.md
// §4.2 "Disconnect detection").
func (e *Engine) Disconnected() bool {
	return e.maxObservedRetransmitCount >= e.retransmitLimit ||
		e.fifo.Len() > BufferCapacity ||
		len(e.pendingAck) > BufferCapacity
}

// --- ACK generation (receive side) ---

// ReceiveRingCapacity bounds how many delivered frame ids are remembered for
// building outgoing Ack headers.
const ReceiveRingCapacity = 256

// MarkReceived records that frameID was delivered to the application, so it
// is included in the next outgoing Ack header.
func (e *Engine) MarkReceived(frameID protocol.FrameId, now time.Time) {
	e.receivedRing = append(e.receivedRing, frameID)
	if len(e.receivedRing) > ReceiveRingCapacity {
		e.receivedRing = e.receivedRing[len(e.receivedRing)-ReceiveRingCapacity:]
	}
	if !e.haveUnacked {
		e.haveUnacked = true
		e.oldestUnackedSent = now
	}
}

// BuildAck drains the received-ring into an AckHeader with contiguous runs
// collapsed, or returns ok=false if there is nothing to acknowledge.
func (e *Engine) BuildAck() (protocol.AckHeader, bool) {
	if len(e.receivedRing) == 0 {
		return protocol.AckHeader{}, false
	}
	ids := append([]protocol.FrameId(nil), e.receivedRing...)
	e.receivedRing = e.receivedRing[:0]
	e.haveUnacked = false

	sortFrameIds(ids)
	var ranges []protocol.AckRange
	for _, id := range ids {
		if n := len(ranges); n > 0 && ranges[n-1].Start+protocol.FrameId(ranges[n-1].Count) == id {
			ranges[n-1].Count++
			continue
		}
		ranges = append(ranges, protocol.AckRange{Start: id, Count: 1})
	}
	return protocol.AckHeader{Ranges: ranges}, true
}

// NeedsCarrier reports whether the engine must send an otherwise-empty frame
// purely to flush pending acknowledgements, because some delivered frame has
// gone unacknowledged for more than half the ACK timeout.
func (e *Engine) NeedsCarrier(now time.Time) bool {
	return e.haveUnacked && now.Sub(e.oldestUnackedSent) >= e.ackTimeout/2
}

func sortFrameIds(ids []protocol.FrameId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
