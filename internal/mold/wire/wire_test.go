package wire

import (
	"bytes"
	stdErrors "errors"
	"testing"

	moldErrors "github.com/alxayo/moldpublisher/internal/errors"
)

func TestNewStreamNamePadding(t *testing.T) {
	n := NewStreamName("AAPL")
	if got := n.String(); got != "AAPL      " {
		t.Fatalf("expected padded name, got %q", got)
	}

	trunc := NewStreamName("WAYTOOLONGNAME")
	if len(trunc) != StreamNameLen {
		t.Fatalf("expected fixed width %d, got %d", StreamNameLen, len(trunc))
	}
	if trunc.String() != "WAYTOOLONG" {
		t.Fatalf("expected truncated name, got %q", trunc.String())
	}
}

func TestPackAndParseDownstreamPacketRoundTrip(t *testing.T) {
	name := NewStreamName("MSFT")
	m1, err := EncodeMessage([]byte("hello"))
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	m2, err := EncodeMessage([]byte("world!!"))
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	packet, err := PackPacket(name, 42, []EncodedMessage{m1, m2})
	if err != nil {
		t.Fatalf("PackPacket: %v", err)
	}

	parsed, err := ParseDownstreamPacket(packet)
	if err != nil {
		t.Fatalf("ParseDownstreamPacket: %v", err)
	}
	if parsed.Name != name {
		t.Fatalf("name mismatch: got %q want %q", parsed.Name.String(), name.String())
	}
	if parsed.NextExpected != 42 {
		t.Fatalf("NextExpected mismatch: got %d", parsed.NextExpected)
	}
	if len(parsed.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(parsed.Messages))
	}
	if !bytes.Equal(parsed.Messages[0].Payload, []byte("hello")) {
		t.Fatalf("message 0 mismatch: %q", parsed.Messages[0].Payload)
	}
	if !bytes.Equal(parsed.Messages[1].Payload, []byte("world!!")) {
		t.Fatalf("message 1 mismatch: %q", parsed.Messages[1].Payload)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	name := NewStreamName("IBM")
	hb := PackHeartbeat(name, 7)
	parsed, err := ParseDownstreamPacket(hb)
	if err != nil {
		t.Fatalf("ParseDownstreamPacket: %v", err)
	}
	if !parsed.IsHeartbeat() {
		t.Fatalf("expected heartbeat classification")
	}
	if len(parsed.Messages) != 0 {
		t.Fatalf("expected zero messages in heartbeat, got %d", len(parsed.Messages))
	}
	if parsed.NextExpected != 7 {
		t.Fatalf("expected NextExpected=7, got %d", parsed.NextExpected)
	}
}

func TestEndOfSessionRoundTrip(t *testing.T) {
	name := NewStreamName("IBM")
	eos := PackEndOfSession(name, 99)
	parsed, err := ParseDownstreamPacket(eos)
	if err != nil {
		t.Fatalf("ParseDownstreamPacket: %v", err)
	}
	if !parsed.IsEndOfSession() {
		t.Fatalf("expected end-of-session classification")
	}
}

func TestEncodeMessageTooLarge(t *testing.T) {
	big := make([]byte, maxMessageLen+1)
	_, err := EncodeMessage(big)
	if err == nil {
		t.Fatalf("expected error for oversized payload")
	}
	if !moldErrors.IsMoldError(err) {
		t.Fatalf("expected mold error classification")
	}
	var tl *moldErrors.MessageTooLargeError
	if !stdErrors.As(err, &tl) {
		t.Fatalf("expected *MessageTooLargeError, got %T", err)
	}
}

func TestProjectedPacketSize(t *testing.T) {
	m, err := EncodeMessage([]byte("12345"))
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	fresh := ProjectedPacketSize(0, m)
	if fresh != HeaderLen+2+5 {
		t.Fatalf("expected %d, got %d", HeaderLen+2+5, fresh)
	}
	appended := ProjectedPacketSize(fresh, m)
	if appended != fresh+2+5 {
		t.Fatalf("expected %d, got %d", fresh+2+5, appended)
	}
}

func TestParseRecoveryRequestRoundTrip(t *testing.T) {
	name := NewStreamName("GOOG")
	req := RecoveryRequest{Name: name, SequenceNumber: 123, Count: 50}
	b := EncodeRecoveryRequest(req)
	if len(b) != RecoveryRequestLen {
		t.Fatalf("expected %d bytes, got %d", RecoveryRequestLen, len(b))
	}
	parsed, err := ParseRecoveryRequest(b)
	if err != nil {
		t.Fatalf("ParseRecoveryRequest: %v", err)
	}
	if parsed != req {
		t.Fatalf("round-trip mismatch: got %+v want %+v", parsed, req)
	}
}

func TestParseRecoveryRequestWrongLength(t *testing.T) {
	_, err := ParseRecoveryRequest(make([]byte, 5))
	if err == nil {
		t.Fatalf("expected error for wrong-length request")
	}
	var mr *moldErrors.MalformedRequestError
	if !stdErrors.As(err, &mr) {
		t.Fatalf("expected *MalformedRequestError, got %T", err)
	}
}

func TestParseDownstreamPacketTruncated(t *testing.T) {
	_, err := ParseDownstreamPacket(make([]byte, 3))
	if err == nil {
		t.Fatalf("expected error for truncated packet")
	}
	if !moldErrors.IsMoldError(err) {
		t.Fatalf("expected mold error classification")
	}
}

func TestParseDownstreamPacketTruncatedPayload(t *testing.T) {
	name := NewStreamName("X")
	m, _ := EncodeMessage([]byte("abcdef"))
	packet, err := PackPacket(name, 1, []EncodedMessage{m})
	if err != nil {
		t.Fatalf("PackPacket: %v", err)
	}
	truncated := packet[:len(packet)-2]
	_, err = ParseDownstreamPacket(truncated)
	if err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}
