// Package network runs the relay's single-threaded UDP read/execute/send
// loop (spec.md §5): decode, route to a room, execute, drain outbound,
// retransmit, and sweep disconnects, all on one goroutine with no internal
// locking. Grounded on Ancillary-AGI-foundry's networking/server/server.go
// read-loop structure (SetReadDeadline polling, buffer reuse), stripped of
// its worker pool and mutexes since this model owns all state on one
// goroutine instead.
package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/metrics"
	"relay/management"
	"relay/protocol"
	"relay/room"
)

// Config tunes the loop's timing and capacity limits.
type Config struct {
	ListenAddr        string
	AckTimeout        time.Duration
	RetransmitLimit   int
	MaxFrameInterval  time.Duration
	MaxRooms          int
	MaxMembersPerRoom int

	// SuperMemberKey, when non-nil, is installed as a super-member in every
	// room at creation time, keyed by spec.md's SUPER_MEMBER_KEY.
	SuperMemberKey *protocol.PrivateKey
}

// Loop owns every room, session, and the UDP socket. All of its state is
// touched only from the goroutine running Run; external callers reach it
// exclusively through the management.Surface methods, which marshal onto
// that goroutine via cmdCh.
type Loop struct {
	cfg     Config
	conn    *net.UDPConn
	codec   *protocol.FrameCodec
	metrics *metrics.Metrics
	logger  zerolog.Logger

	rooms      map[protocol.RoomId]*room.Room
	sessions   map[sessionKey]*Session
	nextRoomID protocol.RoomId

	cmdCh chan management.Call
	ready bool
}

// NewLoop resolves cfg.ListenAddr and binds the UDP socket.
func NewLoop(cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Loop, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)
	_ = conn.SetWriteBuffer(4 * 1024 * 1024)

	l := &Loop{
		cfg:      cfg,
		conn:     conn,
		codec:    protocol.NewFrameCodec(),
		metrics:  m,
		logger:   logger,
		rooms:    make(map[protocol.RoomId]*room.Room),
		sessions: make(map[sessionKey]*Session),
		cmdCh:    make(chan management.Call, 64),
	}
	return l, nil
}

// LocalAddr returns the UDP address the loop is bound to, so tests that
// bind to port 0 can discover the assigned ephemeral port.
func (l *Loop) LocalAddr() *net.UDPAddr { return l.conn.LocalAddr().(*net.UDPAddr) }

// Run drains incoming packets, management calls, and the periodic tick
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.ready = true
	defer func() { l.ready = false }()

	buf := make([]byte, protocol.MaxFrameSize)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-l.cmdCh:
			call.Resolve()
			continue
		case <-ticker.C:
			l.tick(time.Now())
			continue
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.logger.Warn().Err(err).Msg("udp read error")
			continue
		}
		l.metrics.BytesReceived.Add(float64(n))
		l.handlePacket(addr, buf[:n])
	}
}

// ackFrameID returns the id a received frame should be acknowledged under.
// A retransmitted frame carries a fresh wire FrameId but its sender's
// pendingAck entry is still keyed by the original id, so acking it under
// anything but OriginalFrameId never clears that entry — the sender keeps
// retransmitting a frame its peer already has until it hits the retransmit
// limit and disconnects a perfectly live connection.
func ackFrameID(frame *protocol.Frame) protocol.FrameId {
	if h, ok := frame.HeaderByKind(protocol.HeaderKindRetransmit); ok {
		if rh, ok := h.(*protocol.RetransmitHeader); ok {
			return rh.OriginalFrameId
		}
	}
	return frame.FrameId
}

func (l *Loop) lookupCipher(h protocol.MemberAndRoomIdHeader) (*protocol.Cipher, bool) {
	sess, ok := l.sessions[sessionKey{room: h.RoomId, member: h.MemberId}]
	if !ok {
		return nil, false
	}
	return sess.cipher, true
}

func (l *Loop) handlePacket(addr *net.UDPAddr, data []byte) {
	frame, err := l.codec.Decode(data, l.lookupCipher)
	if err != nil {
		l.metrics.FramesDropped.WithLabelValues(dropReason(err)).Inc()
		return
	}
	l.metrics.FramesReceived.Inc()

	key := sessionKey{room: frame.MemberAndRoomId.RoomId, member: frame.MemberAndRoomId.MemberId}
	sess, ok := l.sessions[key]
	if !ok {
		l.metrics.FramesDropped.WithLabelValues("unknown_session").Inc()
		return
	}
	sess.maybeRebind(addr, frame.ConnectionId, frame.FrameId)
	sess.engine.MarkReceived(ackFrameID(frame), time.Now())
	sess.engine.OnAck(frame.Headers)

	for _, cmd := range frame.Commands {
		sess.multiplexer.Collect(cmd)
	}
	ready := sess.multiplexer.ReadyCommands()
	if len(ready) == 0 {
		return
	}
	rm, ok := l.rooms[key.room]
	if !ok {
		return
	}
	if err := rm.ExecuteCommands(key.member, ready); err != nil {
		l.logger.Debug().Err(err).Uint64("room_id", uint64(key.room)).Uint16("member_id", uint16(key.member)).Msg("execute_commands failed")
	}
	l.drainOutbound()
}

// tick runs the periodic retransmit/ack/disconnect sweep every session
// needs regardless of inbound traffic (spec.md §5 "tick").
func (l *Loop) tick(now time.Time) {
	for key, sess := range l.sessions {
		if sess.addr == nil {
			continue
		}
		if now.Sub(sess.lastActivity) > l.cfg.MaxFrameInterval {
			l.disconnectSession(key, protocol.DisconnectReasonUnknown)
			continue
		}
		if rf, ok := sess.engine.PollRetransmit(now, sess.nextFrameID()); ok {
			l.sendRawFrame(sess, rf)
			l.metrics.Retransmits.Inc()
		}
		if sess.engine.Disconnected() {
			l.disconnectSession(key, protocol.DisconnectReasonRetransmitLimit)
			continue
		}
		if ack, ok := sess.engine.BuildAck(); ok && sess.engine.NeedsCarrier(now) {
			l.sendCarrier(sess, ack)
		}
	}
	l.drainOutbound()
}

func (l *Loop) drainOutbound() {
	for key, sess := range l.sessions {
		if sess.addr == nil {
			continue
		}
		rm, ok := l.rooms[key.room]
		if !ok {
			continue
		}
		m, ok := rm.Member(key.member)
		if !ok {
			continue
		}
		out := m.DrainOutbound()
		if len(out) == 0 {
			continue
		}
		l.sendCommands(sess, out)
	}
}

func anyReliable(commands []protocol.Command) bool {
	for _, c := range commands {
		if c.Meta().Reliability.Kind.Reliable() {
			return true
		}
	}
	return false
}

func (l *Loop) sendCommands(sess *Session, commands []protocol.Command) {
	frame := &protocol.Frame{
		FrameId:         sess.nextFrameID(),
		ConnectionId:    sess.connectionID,
		ReliabilityFlag: anyReliable(commands),
		MemberAndRoomId: protocol.MemberAndRoomIdHeader{RoomId: sess.Key.room, MemberId: sess.Key.member},
		Commands:        commands,
	}
	if ack, ok := sess.engine.BuildAck(); ok {
		frame.Headers = append(frame.Headers, &ack)
	}
	l.sendRawFrame(sess, frame)
}

func (l *Loop) sendCarrier(sess *Session, ack protocol.AckHeader) {
	frame := &protocol.Frame{
		FrameId:         sess.nextFrameID(),
		ConnectionId:    sess.connectionID,
		MemberAndRoomId: protocol.MemberAndRoomIdHeader{RoomId: sess.Key.room, MemberId: sess.Key.member},
		Headers:         []protocol.Header{&ack},
	}
	l.sendRawFrame(sess, frame)
}

func (l *Loop) sendRawFrame(sess *Session, frame *protocol.Frame) {
	data, err := l.codec.Encode(frame, sess.cipher)
	if err != nil {
		l.logger.Warn().Err(err).Msg("encode frame failed")
		return
	}
	sess.engine.Observe(frame, time.Now())
	n, err := l.conn.WriteToUDP(data, sess.addr)
	if err != nil {
		l.logger.Warn().Err(err).Msg("udp write error")
		return
	}
	l.metrics.FramesSent.Inc()
	l.metrics.BytesSent.Add(float64(n))
}

func (l *Loop) disconnectSession(key sessionKey, reason protocol.DisconnectReason) {
	sess, ok := l.sessions[key]
	if ok && sess.addr != nil {
		frame := &protocol.Frame{
			FrameId:         sess.nextFrameID(),
			ConnectionId:    sess.connectionID,
			MemberAndRoomId: protocol.MemberAndRoomIdHeader{RoomId: key.room, MemberId: key.member},
			Headers:         []protocol.Header{&protocol.DisconnectHeader{Reason: reason}},
		}
		l.sendRawFrame(sess, frame)
	}
	delete(l.sessions, key)
	if rm, ok := l.rooms[key.room]; ok {
		_ = rm.DisconnectMember(key.member)
		l.updateMemberGauge()
	}
	l.metrics.MembersDisconnected.WithLabelValues(reasonLabel(reason)).Inc()
}

func reasonLabel(r protocol.DisconnectReason) string {
	switch r {
	case protocol.DisconnectReasonRetransmitLimit:
		return "retransmit_limit"
	case protocol.DisconnectReasonQueueOverflow:
		return "queue_overflow"
	case protocol.DisconnectReasonEvicted:
		return "evicted"
	case protocol.DisconnectReasonClientRequested:
		return "client_requested"
	default:
		return "unknown"
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	default:
		return "decode_error"
	}
}

// generateKey returns a fresh random per-member AEAD key.
func generateKey() (protocol.PrivateKey, error) {
	var key protocol.PrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
