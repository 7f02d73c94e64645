// Package wire implements the MoldUDP64 binary wire format: stream names,
// downstream packets, heartbeats, end-of-session markers and recovery
// requests. Every function here is pure and allocation-light; none of them
// touch a socket or a file.
package wire

import (
	"encoding/binary"
	"fmt"

	moldErrors "github.com/alxayo/moldpublisher/internal/errors"
)

const (
	// StreamNameLen is the fixed, space-padded width of a stream name on the wire.
	StreamNameLen = 10

	// HeaderLen is the size of the downstream-packet header: stream name,
	// next-expected sequence, and message count.
	HeaderLen = StreamNameLen + 8 + 2

	// RecoveryRequestLen is the fixed size of a recovery request datagram.
	RecoveryRequestLen = StreamNameLen + 8 + 2

	// messageCountHeartbeat marks a packet carrying no data, sent to keep
	// NextExpected visible to subscribers during silence.
	messageCountHeartbeat = 0xFFFF
	// messageCountEndOfSession marks the final packet of a stream's lifetime.
	messageCountEndOfSession = 0x0000

	// maxMessageLen is the largest payload length the 16-bit length prefix can carry.
	maxMessageLen = 0xFFFF
)

// StreamName is a fixed-width, space-padded stream identifier.
type StreamName [StreamNameLen]byte

// NewStreamName truncates or right-pads s with spaces to StreamNameLen bytes.
func NewStreamName(s string) StreamName {
	var out StreamName
	for i := range out {
		out[i] = ' '
	}
	n := copy(out[:], s)
	_ = n
	return out
}

// String returns the stream name with trailing padding intact, matching the
// on-wire representation (callers that want a trimmed form should call
// strings.TrimRight themselves).
func (n StreamName) String() string { return string(n[:]) }

// EncodedMessage is a length-prefixed payload as it appears both on the wire
// and in the recovery log.
type EncodedMessage struct {
	Payload []byte
}

// EncodeMessage validates and wraps payload for inclusion in a packet or log
// record. It does not allocate a copy; callers must not mutate payload
// afterwards.
func EncodeMessage(payload []byte) (EncodedMessage, error) {
	if len(payload) > maxMessageLen {
		return EncodedMessage{}, moldErrors.NewMessageTooLarge("wire.EncodeMessage", len(payload), maxMessageLen)
	}
	return EncodedMessage{Payload: payload}, nil
}

// wireLen is the number of bytes this message occupies on the wire, including
// its 2-byte length prefix.
func (m EncodedMessage) wireLen() int { return 2 + len(m.Payload) }

// ProjectedPacketSize returns the total packet size that would result from
// appending next to a packet that currently occupies currentSize bytes.
// Pass currentSize == 0 to size a brand-new packet (header included).
func ProjectedPacketSize(currentSize int, next EncodedMessage) int {
	if currentSize <= 0 {
		return HeaderLen + next.wireLen()
	}
	return currentSize + next.wireLen()
}

// PackPacket concatenates the downstream-packet header with the given
// messages. Callers are responsible for ensuring the result does not exceed
// their configured MTU; PackPacket itself only enforces the 16-bit message
// count limit.
func PackPacket(name StreamName, nextExpected uint64, msgs []EncodedMessage) ([]byte, error) {
	if len(msgs) > maxMessageLen {
		return nil, moldErrors.NewMessageTooLarge("wire.PackPacket", len(msgs), maxMessageLen)
	}
	size := HeaderLen
	for _, m := range msgs {
		size += m.wireLen()
	}
	buf := make([]byte, HeaderLen, size)
	writeHeader(buf, name, nextExpected, uint16(len(msgs)))
	for _, m := range msgs {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(m.Payload)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// PackHeartbeat builds a zero-message packet with MessageCount = 0xFFFF.
// Heartbeats never advance the sequence counter; nextExpected is whatever the
// caller's next unassigned sequence number currently is.
func PackHeartbeat(name StreamName, nextExpected uint64) []byte {
	buf := make([]byte, HeaderLen)
	writeHeader(buf, name, nextExpected, messageCountHeartbeat)
	return buf
}

// PackEndOfSession builds a zero-message packet with MessageCount = 0x0000,
// marking the end of a stream's transmitted lifetime.
func PackEndOfSession(name StreamName, nextExpected uint64) []byte {
	buf := make([]byte, HeaderLen)
	writeHeader(buf, name, nextExpected, messageCountEndOfSession)
	return buf
}

func writeHeader(dst []byte, name StreamName, nextExpected uint64, count uint16) {
	copy(dst[0:StreamNameLen], name[:])
	binary.BigEndian.PutUint64(dst[StreamNameLen:StreamNameLen+8], nextExpected)
	binary.BigEndian.PutUint16(dst[StreamNameLen+8:HeaderLen], count)
}

// DownstreamPacket is the parsed form of a downstream packet.
type DownstreamPacket struct {
	Name         StreamName
	NextExpected uint64
	MessageCount uint16
	Messages     []EncodedMessage
}

// IsHeartbeat reports whether this packet is a heartbeat (no data, no seq advance).
func (p *DownstreamPacket) IsHeartbeat() bool { return p.MessageCount == messageCountHeartbeat }

// IsEndOfSession reports whether this packet marks the end of the stream.
func (p *DownstreamPacket) IsEndOfSession() bool { return p.MessageCount == messageCountEndOfSession }

// ParseDownstreamPacket decodes a full downstream packet, the inverse of
// PackPacket/PackHeartbeat/PackEndOfSession.
func ParseDownstreamPacket(b []byte) (*DownstreamPacket, error) {
	if len(b) < HeaderLen {
		return nil, moldErrors.NewMalformedRequest("wire.ParseDownstreamPacket",
			fmt.Errorf("packet too short: %d bytes", len(b)))
	}
	p := &DownstreamPacket{}
	copy(p.Name[:], b[0:StreamNameLen])
	p.NextExpected = binary.BigEndian.Uint64(b[StreamNameLen : StreamNameLen+8])
	p.MessageCount = binary.BigEndian.Uint16(b[StreamNameLen+8 : HeaderLen])

	if p.MessageCount == messageCountHeartbeat || p.MessageCount == messageCountEndOfSession {
		return p, nil
	}

	rest := b[HeaderLen:]
	p.Messages = make([]EncodedMessage, 0, p.MessageCount)
	for i := 0; i < int(p.MessageCount); i++ {
		if len(rest) < 2 {
			return nil, moldErrors.NewMalformedRequest("wire.ParseDownstreamPacket",
				fmt.Errorf("truncated length prefix for message %d", i))
		}
		l := binary.BigEndian.Uint16(rest[0:2])
		rest = rest[2:]
		if len(rest) < int(l) {
			return nil, moldErrors.NewMalformedRequest("wire.ParseDownstreamPacket",
				fmt.Errorf("truncated payload for message %d: want %d have %d", i, l, len(rest)))
		}
		payload := rest[:l]
		rest = rest[l:]
		p.Messages = append(p.Messages, EncodedMessage{Payload: payload})
	}
	return p, nil
}

// RecoveryRequest is the parsed form of a client's retransmission request.
type RecoveryRequest struct {
	Name           StreamName
	SequenceNumber uint64
	Count          uint16
}

// ParseRecoveryRequest decodes a fixed-20-byte recovery request.
func ParseRecoveryRequest(b []byte) (RecoveryRequest, error) {
	if len(b) != RecoveryRequestLen {
		return RecoveryRequest{}, moldErrors.NewMalformedRequest("wire.ParseRecoveryRequest",
			fmt.Errorf("expected %d bytes, got %d", RecoveryRequestLen, len(b)))
	}
	var req RecoveryRequest
	copy(req.Name[:], b[0:StreamNameLen])
	req.SequenceNumber = binary.BigEndian.Uint64(b[StreamNameLen : StreamNameLen+8])
	req.Count = binary.BigEndian.Uint16(b[StreamNameLen+8 : RecoveryRequestLen])
	return req, nil
}

// EncodeRecoveryRequest is the inverse of ParseRecoveryRequest, used by
// subscriber-side tooling and by tests that exercise the recovery server.
func EncodeRecoveryRequest(req RecoveryRequest) []byte {
	buf := make([]byte, RecoveryRequestLen)
	copy(buf[0:StreamNameLen], req.Name[:])
	binary.BigEndian.PutUint64(buf[StreamNameLen:StreamNameLen+8], req.SequenceNumber)
	binary.BigEndian.PutUint16(buf[StreamNameLen+8:RecoveryRequestLen], req.Count)
	return buf
}
