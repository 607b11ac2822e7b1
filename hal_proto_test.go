// hal_proto_test.go - HAL envelope and execute-loop tests

package main

import (
	"bytes"
	"errors"
	"testing"
)

// mkHalFrame builds one inbound HAL frame with pad and checksum, the
// way the dongle firmware frames replies.
func mkHalFrame(msgType, ref, seq byte, payload []byte) []byte {
	buf := []byte{byte(len(payload) + 3), msgType, ref, seq}
	buf = append(buf, payload...)
	if len(buf)&1 != 0 {
		buf = append(buf, 0)
	}

	sumL := byte(0xff)
	sumH := byte(0xff)
	for i := 0; i < len(buf); i += 2 {
		sumL ^= buf[i]
		sumH ^= buf[i+1]
	}

	return append(buf, sumL, sumH)
}

// parseHalFrame decodes an outbound frame sent with the checksum flag
// enabled.
func parseHalFrame(t *testing.T, frame []byte) (msgType, ref byte, payload []byte) {
	t.Helper()

	if len(frame) < 4 {
		t.Fatalf("short frame: % x", frame)
	}

	length := int(frame[0]) - 3
	if len(frame) < 4+length {
		t.Fatalf("truncated frame: % x", frame)
	}
	return frame[1], frame[2], frame[4 : 4+length]
}

// TestHalSendFraming checks the envelope layout, the even-length pad
// and the XOR checksum of outbound messages.
func TestHalSendFraming(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, HAL_PROTO_CHECKSUM)

	payload := []byte{0xaa, 0xbb, 0xcc}
	if err := p.Send(HAL_PROTO_TYPE_CMD_EXECUTE, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	frame := tr.sent[0]
	if frame[0] != byte(len(payload)+3) {
		t.Fatalf("length byte %d, expected %d", frame[0], len(payload)+3)
	}
	if frame[1] != HAL_PROTO_TYPE_CMD_EXECUTE {
		t.Fatalf("type byte 0x%02x", frame[1])
	}
	if frame[2] != 0 || frame[3] != 0 {
		t.Fatalf("bad ref/seq: %02x %02x", frame[2], frame[3])
	}

	// header(4) + payload(3) + pad(1) + checksum(2)
	if len(frame) != 10 {
		t.Fatalf("frame length %d, expected 10", len(frame))
	}

	sumL := byte(0xff)
	sumH := byte(0xff)
	for i := 0; i < len(frame); i += 2 {
		sumL ^= frame[i]
		sumH ^= frame[i+1]
	}
	if sumL != 0 || sumH != 0 {
		t.Fatalf("checksum does not cancel: %02x %02x", sumL, sumH)
	}
}

// TestHalRefIDWraps verifies the reference ID advances modulo 128.
func TestHalRefIDWraps(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, 0)

	for i := 0; i < 130; i++ {
		if err := p.Send(HAL_PROTO_TYPE_CMD_SYNC, nil); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	if tr.sent[127][2] != 127 {
		t.Fatalf("ref at 127 = %d", tr.sent[127][2])
	}
	if tr.sent[128][2] != 0 {
		t.Fatalf("ref did not wrap: %d", tr.sent[128][2])
	}
	if tr.sent[129][2] != 1 {
		t.Fatalf("ref after wrap = %d", tr.sent[129][2])
	}
}

// TestHalReceiveRoundTrip pushes a frame through Receive and checks
// payload and header extraction.
func TestHalReceiveRoundTrip(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, HAL_PROTO_CHECKSUM)

	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	tr.queue(mkHalFrame(HAL_PROTO_TYPE_DATA, 0x05, 0x01, payload))

	buf := make([]byte, 256)
	n, err := p.Receive(buf)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if n != len(payload) || !bytes.Equal(buf[:n], payload) {
		t.Fatalf("payload mismatch: got %d bytes", n)
	}
	if p.Type != HAL_PROTO_TYPE_DATA || p.Ref != 0x05 || p.Seq != 0x01 {
		t.Fatalf("header fields: type=%02x ref=%02x seq=%02x",
			p.Type, p.Ref, p.Seq)
	}
}

// TestHalReceiveBadChecksum corrupts a frame and expects rejection.
func TestHalReceiveBadChecksum(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, HAL_PROTO_CHECKSUM)

	frame := mkHalFrame(HAL_PROTO_TYPE_DATA, 0, 0, []byte{1, 2, 3, 4})
	frame[5] ^= 0x40
	tr.queue(frame)

	buf := make([]byte, 64)
	if _, err := p.Receive(buf); err == nil {
		t.Fatal("corrupted frame accepted")
	}
}

// TestHalExecuteFragmented runs an execute exchange whose reply
// arrives in two DATA fragments, the second with the fragment bit
// clear to end the exchange, and verifies every fragment is
// acknowledged.
func TestHalExecuteFragmented(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, HAL_PROTO_CHECKSUM)

	part1 := []byte{1, 2, 3, 4}
	part2 := []byte{5, 6, 7, 8}

	step := 0
	tr.respond = func(sent []byte) [][]byte {
		msgType, _, _ := parseHalFrame(t, sent)

		switch {
		case msgType == HAL_PROTO_TYPE_CMD_EXECUTE:
			// Fragment bit set: more data follows.
			return [][]byte{mkHalFrame(HAL_PROTO_TYPE_DATA, 0x80, 0, part1)}
		case msgType == HAL_PROTO_TYPE_ACKNOWLEDGE && step == 0:
			// Fragment bit clear: this is the last fragment.
			step++
			return [][]byte{mkHalFrame(HAL_PROTO_TYPE_DATA, 0x01, 1, part2)}
		case msgType == HAL_PROTO_TYPE_ACKNOWLEDGE && step == 1:
			step++
			return nil
		}

		t.Fatalf("unexpected message type 0x%02x", msgType)
		return nil
	}

	if err := p.Execute(0x15, []byte{0x10, 0x20}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(p.Payload, want) {
		t.Fatalf("aggregate payload % x, expected % x", p.Payload, want)
	}

	// One execute plus two fragment ACKs.
	if len(tr.sent) != 3 {
		t.Fatalf("expected 3 outbound frames, got %d", len(tr.sent))
	}

	msgType, _, payload := parseHalFrame(t, tr.sent[0])
	if msgType != HAL_PROTO_TYPE_CMD_EXECUTE {
		t.Fatalf("first frame type 0x%02x", msgType)
	}
	if payload[0] != 0x15 || payload[1] != 0 {
		t.Fatalf("execute header: % x", payload[:2])
	}
}

// TestHalExecuteException verifies the 16-bit exception code is
// surfaced verbatim.
func TestHalExecuteException(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, HAL_PROTO_CHECKSUM)

	tr.respond = func(sent []byte) [][]byte {
		return [][]byte{mkHalFrame(HAL_PROTO_TYPE_EXCEPTION, 0, 0,
			[]byte{0x34, 0x12})}
	}

	err := p.Execute(0x07, nil)
	if err == nil {
		t.Fatal("exception reply accepted")
	}

	var halErr *HalExceptionError
	if !errors.As(err, &halErr) {
		t.Fatalf("error is not a HAL exception: %v", err)
	}
	if halErr.Code != 0x1234 {
		t.Fatalf("exception code 0x%04x, expected 0x1234", halErr.Code)
	}
}

// TestHalSendTooLong checks the per-frame payload cap.
func TestHalSendTooLong(t *testing.T) {
	tr := &fakeTransport{}
	p := NewHalProto(tr, 0)

	if err := p.Send(HAL_PROTO_TYPE_CMD_EXECUTE,
		make([]byte, HAL_MAX_PAYLOAD+1)); err == nil {
		t.Fatal("oversized payload accepted")
	}
}
