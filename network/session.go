package network

import (
	"net"
	"time"

	"relay/multiplex"
	"relay/protocol"
	"relay/reliability"
)

// sessionKey identifies a session by the (room, member) pair carried in
// every frame's MemberAndRoomIdHeader.
type sessionKey struct {
	room   protocol.RoomId
	member protocol.MemberId
}

// Session is everything the loop tracks per connected member outside of
// the room's own state: its cipher, its current peer address, and its
// reliability/multiplex machinery. Not safe for concurrent use — owned
// entirely by the loop goroutine (spec.md §5).
type Session struct {
	Key sessionKey

	cipher *protocol.Cipher
	addr   *net.UDPAddr

	connectionID      uint64
	maxObservedFrame  protocol.FrameId
	lastActivity      time.Time

	lastSentFrame protocol.FrameId

	engine      *reliability.Engine
	multiplexer *multiplex.Multiplexer
}

// nextFrameID returns the next outgoing frame id for this session, a
// strictly increasing counter independent of the peer's own frame ids
// tracked in maxObservedFrame.
func (s *Session) nextFrameID() protocol.FrameId {
	s.lastSentFrame++
	return s.lastSentFrame
}

func newSession(key sessionKey, cipher *protocol.Cipher, addr *net.UDPAddr, ackTimeout time.Duration, retransmitLimit int, onDrop func(group protocol.ChannelGroup, reason string)) *Session {
	engine := reliability.NewEngineWithTimeout(ackTimeout)
	engine.SetRetransmitLimit(retransmitLimit)
	return &Session{
		Key:          key,
		cipher:       cipher,
		addr:         addr,
		lastActivity: time.Now(),
		engine:       engine,
		multiplexer:  multiplex.New(onDrop),
	}
}

// maybeRebind updates the session's peer address when the incoming frame
// carries a connection id or frame id that supersedes what's on file,
// matching spec.md §5 "NAT rebind": the relay trusts a new source address
// only when the client proves continuity via a monotonically increasing
// connection id or frame id for the session it already authenticated.
func (s *Session) maybeRebind(addr *net.UDPAddr, connectionID uint64, frameID protocol.FrameId) {
	supersedes := connectionID > s.connectionID || frameID > s.maxObservedFrame
	if !supersedes {
		return
	}
	if connectionID > s.connectionID {
		s.connectionID = connectionID
	}
	if frameID > s.maxObservedFrame {
		s.maxObservedFrame = frameID
	}
	if s.addr == nil || addr.String() != s.addr.String() {
		s.addr = addr
	}
	s.lastActivity = time.Now()
}
