// Package testutil provides an in-process UDP client for exercising
// network.Loop end to end, adapted from the teacher's
// networking/client/client.go dial-and-exchange-datagrams shape but
// speaking this relay's own frame codec instead of that client's bespoke
// wire format.
package testutil

import (
	"fmt"
	"net"
	"time"

	"relay/protocol"
)

// Client is a minimal UDP peer for tests: it knows how to encode and send
// frames to a relay and decode whatever comes back, without any of the
// prediction/reconciliation machinery a real game client would have.
type Client struct {
	conn   *net.UDPConn
	codec  *protocol.FrameCodec
	cipher *protocol.Cipher

	RoomId   protocol.RoomId
	MemberId protocol.MemberId

	ConnectionId uint64
	nextFrame    protocol.FrameId
}

// Dial opens a UDP socket to addr and derives the AEAD cipher for the given
// member from its private key, matching how network.Loop derives the same
// cipher server-side in registerMember.
func Dial(addr string, roomID protocol.RoomId, memberID protocol.MemberId, key protocol.PrivateKey) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("testutil: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("testutil: dial %s: %w", addr, err)
	}
	cipher, err := protocol.NewCipher(key)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("testutil: derive cipher: %w", err)
	}
	return &Client{
		conn:         conn,
		codec:        protocol.NewFrameCodec(),
		cipher:       cipher,
		RoomId:       roomID,
		MemberId:     memberID,
		ConnectionId: 1,
		nextFrame:    1,
	}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

// SetConnectionId overrides the connection id subsequent frames carry,
// simulating a client that re-dials after a NAT rebind (spec.md §5 "NAT
// rebind").
func (c *Client) SetConnectionId(id uint64) { c.ConnectionId = id }

// Send encodes and writes one frame carrying commands and any extra
// headers (e.g. an AckHeader), consuming the next frame id.
func (c *Client) Send(commands []protocol.Command, headers ...protocol.Header) (protocol.FrameId, error) {
	id := c.nextFrame
	c.nextFrame++
	frame := &protocol.Frame{
		FrameId:         id,
		ConnectionId:    c.ConnectionId,
		ReliabilityFlag: anyReliable(commands),
		MemberAndRoomId: protocol.MemberAndRoomIdHeader{RoomId: c.RoomId, MemberId: c.MemberId},
		Headers:         headers,
		Commands:        commands,
	}
	data, err := c.codec.Encode(frame, c.cipher)
	if err != nil {
		return 0, fmt.Errorf("testutil: encode: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return 0, fmt.Errorf("testutil: write: %w", err)
	}
	return id, nil
}

// Receive blocks until a frame arrives or timeout elapses.
func (c *Client) Receive(timeout time.Duration) (*protocol.Frame, error) {
	buf := make([]byte, protocol.MaxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(buf[:n], func(protocol.MemberAndRoomIdHeader) (*protocol.Cipher, bool) {
		return c.cipher, true
	})
}

// LocalAddr exposes the ephemeral source address the kernel picked for this
// socket, so a test can dial a second socket bound to the same address to
// simulate a NAT rebind.
func (c *Client) LocalAddr() *net.UDPAddr { return c.conn.LocalAddr().(*net.UDPAddr) }

// AckFor builds the AckHeader a client must send to acknowledge frame. A
// retransmitted frame carries a fresh FrameId but its sender only clears the
// pending retransmit under the original one, so this acks OriginalFrameId
// when a RetransmitHeader is present rather than the frame's own id.
func AckFor(frame *protocol.Frame) protocol.AckHeader {
	id := frame.FrameId
	if h, ok := frame.HeaderByKind(protocol.HeaderKindRetransmit); ok {
		if rh, ok := h.(*protocol.RetransmitHeader); ok {
			id = rh.OriginalFrameId
		}
	}
	return protocol.AckHeader{Ranges: []protocol.AckRange{{Start: id, Count: 1}}}
}

func anyReliable(commands []protocol.Command) bool {
	for _, cmd := range commands {
		if cmd.Meta().Reliability.Kind.Reliable() {
			return true
		}
	}
	return false
}
