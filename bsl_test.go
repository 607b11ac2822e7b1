// bsl_test.go - Bootstrap loader framing tests

package main

import (
	"bytes"
	"testing"
)

// TestCrcCCITTVectors checks the published SLAU319 test vectors.
func TestCrcCCITTVectors(t *testing.T) {
	vectors := []struct {
		data []byte
		want uint16
	}{
		{[]byte{0x52, 0x02}, 0x5590},
		{[]byte{0x3a, 0x04, 0x01}, 0x121d},
		{[]byte{0x1a}, 0x528b},
	}

	for _, v := range vectors {
		if got := crcCCITT(v.data); got != v.want {
			t.Fatalf("crc(% x) = 0x%04x, expected 0x%04x",
				v.data, got, v.want)
		}
	}
}

// TestRomBslPacketChecksums verifies the XOR-reduction law: over the
// whole packet including the checksum bytes, the even- and odd-index
// reductions cancel to zero.
func TestRomBslPacketChecksums(t *testing.T) {
	tr := &fakeTransport{}
	dev := &RomBslDevice{trans: tr}

	data := []byte{0x10, 0x20, 0x30, 0x40}
	if err := dev.sendCommand(ROM_BSL_CMD_RX_DATA, 0x2400, 4, data); err != nil {
		t.Fatalf("sendCommand failed: %v", err)
	}

	pkt := tr.sent[0]

	ckLow := byte(0xff)
	ckHigh := byte(0xff)
	for i := 0; i < len(pkt); i += 2 {
		ckLow ^= pkt[i]
	}
	for i := 1; i < len(pkt); i += 2 {
		ckHigh ^= pkt[i]
	}

	if ckLow != 0 || ckHigh != 0 {
		t.Fatalf("checksums do not cancel: %02x %02x (pkt % x)",
			ckLow, ckHigh, pkt)
	}

	if pkt[0] != BSL_DATA_HDR || pkt[1] != ROM_BSL_CMD_RX_DATA {
		t.Fatalf("bad packet head: % x", pkt[:2])
	}
	if pkt[4] != 0x00 || pkt[5] != 0x24 {
		t.Fatalf("bad address encoding: % x", pkt[4:6])
	}
}

// TestRomBslOddPayloadPadding checks that odd-length payloads are
// padded to even length with 0xff.
func TestRomBslOddPayloadPadding(t *testing.T) {
	tr := &fakeTransport{}
	dev := &RomBslDevice{trans: tr}

	if err := dev.sendCommand(ROM_BSL_CMD_RX_DATA, 0x1000, 4,
		[]byte{0xaa, 0xbb, 0xcc}); err != nil {
		t.Fatalf("sendCommand failed: %v", err)
	}

	pkt := tr.sent[0]
	// pktlen = evenlen(4) + 4 = 8, total = 8 + 6.
	if len(pkt) != 14 {
		t.Fatalf("packet length %d, expected 14", len(pkt))
	}
	if pkt[11] != 0xff {
		t.Fatalf("pad byte 0x%02x, expected 0xff", pkt[11])
	}
}

// TestRomBslReplyClassification drives fetchReply with each reply
// class.
func TestRomBslReplyClassification(t *testing.T) {
	// Plain ACK.
	tr := &fakeTransport{}
	dev := &RomBslDevice{trans: tr}
	tr.queue([]byte{BSL_DATA_ACK})
	if err := dev.fetchReply(); err != nil {
		t.Fatalf("ACK rejected: %v", err)
	}

	// NAK.
	tr = &fakeTransport{}
	dev = &RomBslDevice{trans: tr}
	tr.queue([]byte{BSL_DATA_NAK})
	if err := dev.fetchReply(); err == nil {
		t.Fatal("NAK accepted")
	}

	// Full data packet with valid checksums.
	tr = &fakeTransport{}
	dev = &RomBslDevice{trans: tr}

	body := []byte{BSL_DATA_HDR, ROM_BSL_CMD_TX_DATA, 4, 4, 0x11, 0x22, 0x33, 0x44}
	ckLow := byte(0xff)
	ckHigh := byte(0xff)
	for i := 0; i < len(body); i += 2 {
		ckLow ^= body[i]
	}
	for i := 1; i < len(body); i += 2 {
		ckHigh ^= body[i]
	}
	body = append(body, ckLow, ckHigh)

	tr.queue(body)
	if err := dev.fetchReply(); err != nil {
		t.Fatalf("data reply rejected: %v", err)
	}
	if dev.replyLen != len(body) {
		t.Fatalf("reply length %d, expected %d", dev.replyLen, len(body))
	}
}

// TestRomBslRangeReject verifies that transfers crossing the 64 KiB
// boundary are refused.
func TestRomBslRangeReject(t *testing.T) {
	dev := &RomBslDevice{trans: &fakeTransport{}}

	buf := make([]byte, 0x100)
	if err := dev.ReadMem(0xff80, buf); err == nil {
		t.Fatal("read crossing 0x10000 accepted")
	}
	if err := dev.WriteMem(0xff80, buf); err == nil {
		t.Fatal("write crossing 0x10000 accepted")
	}
	if err := dev.ReadMem(0x10000, buf); err == nil {
		t.Fatal("read at 0x10000 accepted")
	}
}

// TestRomBslCtlSemantics: halt and reset are no-ops, everything else
// is rejected, and poll always reports a halted target.
func TestRomBslCtlSemantics(t *testing.T) {
	dev := &RomBslDevice{trans: &fakeTransport{}}

	if err := dev.Ctl(DEVICE_CTL_HALT); err != nil {
		t.Fatalf("HALT rejected: %v", err)
	}
	if err := dev.Ctl(DEVICE_CTL_RESET); err != nil {
		t.Fatalf("RESET rejected: %v", err)
	}
	if err := dev.Ctl(DEVICE_CTL_RUN); err == nil {
		t.Fatal("RUN accepted")
	}
	if dev.Poll() != DEVICE_STATUS_HALTED {
		t.Fatal("poll did not report HALTED")
	}

	regs := make([]Address, DEVICE_NUM_REGS)
	if err := dev.GetRegs(regs); err == nil {
		t.Fatal("register access accepted")
	}
}

// TestFlashBslSendFraming checks the header/CRC framing and the wire
// ACK handling of the flash BSL.
func TestFlashBslSendFraming(t *testing.T) {
	tr := &fakeTransport{}
	dev := &FlashBslDevice{trans: tr}

	tr.queue([]byte{0x00}) // wire ACK

	cmd := []byte{FLASH_BSL_TX_BSL_VERSION}
	if err := dev.send(cmd); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	pkt := tr.sent[0]
	if pkt[0] != 0x80 {
		t.Fatalf("bad header byte 0x%02x", pkt[0])
	}
	if le16(pkt[1:]) != uint16(len(cmd)) {
		t.Fatalf("bad length field %d", le16(pkt[1:]))
	}

	crc := crcCCITT(cmd)
	if le16(pkt[len(pkt)-2:]) != crc {
		t.Fatalf("bad CRC: %04x, expected %04x",
			le16(pkt[len(pkt)-2:]), crc)
	}
}

// TestFlashBslSendNak verifies a nonzero wire ACK aborts the send.
func TestFlashBslSendNak(t *testing.T) {
	tr := &fakeTransport{}
	dev := &FlashBslDevice{trans: tr}

	tr.queue([]byte{0x52}) // checksum incorrect

	if err := dev.send([]byte{FLASH_BSL_MASS_ERASE}); err == nil {
		t.Fatal("NAK-ed send accepted")
	}
}

// TestFlashBslRecv reassembles a framed reply and verifies the CRC
// check.
func TestFlashBslRecv(t *testing.T) {
	tr := &fakeTransport{}
	dev := &FlashBslDevice{trans: tr}

	payload := []byte{0x3a, 0xde, 0xad, 0xbe, 0xef}
	crc := crcCCITT(payload)

	frame := []byte{0x80, byte(len(payload)), 0}
	frame = append(frame, payload...)
	frame = append(frame, byte(crc), byte(crc>>8))
	tr.queue(frame)

	buf := make([]byte, 16)
	n, err := dev.recv(buf)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("payload % x", buf[:n])
	}

	// Corrupt CRC must be rejected.
	tr = &fakeTransport{}
	dev = &FlashBslDevice{trans: tr}
	frame[4] ^= 0xff
	tr.queue(frame)

	if _, err := dev.recv(buf); err == nil {
		t.Fatal("bad CRC accepted")
	}
}

// TestFlashBslRangeReject verifies the 20-bit address space bound.
func TestFlashBslRangeReject(t *testing.T) {
	dev := &FlashBslDevice{trans: &fakeTransport{}}

	buf := make([]byte, 0x100)
	if err := dev.ReadMem(0xfff80, buf); err == nil {
		t.Fatal("read crossing 0x100000 accepted")
	}
	if err := dev.WriteMem(0xfff80, buf); err == nil {
		t.Fatal("write crossing 0x100000 accepted")
	}
}

// TestLoadBslPacketClassification checks the HID loader's reply
// classes.
func TestLoadBslPacketClassification(t *testing.T) {
	tr := &fakeTransport{}

	tr.queue([]byte{0x3a, 1, 2, 3})
	buf := make([]byte, 8)
	n, err := loadBslRecvPacket(tr, buf)
	if err != nil || n != 3 {
		t.Fatalf("data packet: n=%d err=%v", n, err)
	}

	tr.queue([]byte{0x3b, 0x00})
	if _, err := loadBslRecvPacket(tr, nil); err != nil {
		t.Fatalf("success status rejected: %v", err)
	}

	tr.queue([]byte{0x3b, 0x05})
	if _, err := loadBslRecvPacket(tr, nil); err == nil {
		t.Fatal("password error accepted")
	}

	tr.queue([]byte{0x77})
	if _, err := loadBslRecvPacket(tr, nil); err == nil {
		t.Fatal("unknown packet type accepted")
	}
}

// TestLoadBslCommandEncoding verifies the 3-byte address prefix and
// its omission for ADDRESS_NONE.
func TestLoadBslCommandEncoding(t *testing.T) {
	tr := &fakeTransport{}

	if err := loadBslSendCommand(tr, LOADBSL_CMD_TX_BLOCK, 0x12345,
		[]byte{0x40, 0x00}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	pkt := tr.sent[0]
	want := []byte{LOADBSL_CMD_TX_BLOCK, 0x45, 0x23, 0x01, 0x40, 0x00}
	if !bytes.Equal(pkt, want) {
		t.Fatalf("packet % x, expected % x", pkt, want)
	}

	tr = &fakeTransport{}
	if err := loadBslSendCommand(tr, LOADBSL_CMD_TX_VERSION,
		ADDRESS_NONE, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if !bytes.Equal(tr.sent[0], []byte{LOADBSL_CMD_TX_VERSION}) {
		t.Fatalf("packet % x", tr.sent[0])
	}
}

// romBslSim answers sync probes and data transfer commands from a
// flat memory image, the way the ROM loader does.
func romBslSim(mem []byte) func(sent []byte) [][]byte {
	reply := func(body []byte) []byte {
		ckLow := byte(0xff)
		ckHigh := byte(0xff)
		for i := 0; i < len(body); i += 2 {
			ckLow ^= body[i]
		}
		for i := 1; i < len(body); i += 2 {
			ckHigh ^= body[i]
		}
		return append(body, ckLow, ckHigh)
	}

	return func(sent []byte) [][]byte {
		if len(sent) == 1 && sent[0] == BSL_DATA_HDR {
			return [][]byte{{BSL_DATA_ACK}}
		}
		if len(sent) < 8 || sent[0] != BSL_DATA_HDR {
			return [][]byte{{BSL_DATA_NAK}}
		}

		cmd := sent[1]
		addr := le16(sent[4:])
		lenField := le16(sent[6:])

		switch cmd {
		case ROM_BSL_CMD_TX_DATA:
			body := []byte{BSL_DATA_HDR, 0x00, byte(lenField), byte(lenField)}
			body = append(body, mem[addr:addr+lenField]...)
			return [][]byte{reply(body)}

		case ROM_BSL_CMD_RX_DATA:
			pktLen := int(sent[2])
			copy(mem[addr:], sent[8:8+pktLen-4])
			return [][]byte{{BSL_DATA_ACK}}
		}

		return [][]byte{{BSL_DATA_ACK}}
	}
}

// TestRomBslReadChunkedOddStart reads more than one 220-byte chunk
// from an odd start address and checks every byte lands in the right
// place: the alignment byte must be consumed exactly once per chunk,
// with no re-read or dropped byte at the chunk seam.
func TestRomBslReadChunkedOddStart(t *testing.T) {
	mem := make([]byte, 0x10000)
	for i := range mem {
		mem[i] = byte(i*7 + 3)
	}

	tr := &fakeTransport{}
	tr.respond = romBslSim(mem)
	dev := &RomBslDevice{trans: tr}

	buf := make([]byte, 300)
	if err := dev.ReadMem(0x2001, buf); err != nil {
		t.Fatalf("ReadMem failed: %v", err)
	}

	for i := range buf {
		if buf[i] != mem[0x2001+i] {
			t.Fatalf("byte %d = 0x%02x, expected 0x%02x",
				i, buf[i], mem[0x2001+i])
		}
	}

	// No single transfer may exceed the loader's 220-byte limit.
	for _, pkt := range tr.sent {
		if len(pkt) > 1 && pkt[1] == ROM_BSL_CMD_TX_DATA {
			if n := le16(pkt[6:]); n > 220 {
				t.Fatalf("oversized read request: %d bytes", n)
			}
		}
	}
}

// TestRomBslWriteReadRoundTrip runs the round-trip law across the
// chunked odd-start path: what was written is read back verbatim.
func TestRomBslWriteReadRoundTrip(t *testing.T) {
	mem := make([]byte, 0x10000)

	tr := &fakeTransport{}
	tr.respond = romBslSim(mem)
	dev := &RomBslDevice{trans: tr}

	pattern := make([]byte, 300)
	for i := range pattern {
		pattern[i] = byte(i ^ 0xc3)
	}

	if err := dev.WriteMem(0x2001, pattern); err != nil {
		t.Fatalf("WriteMem failed: %v", err)
	}

	readBack := make([]byte, len(pattern))
	if err := dev.ReadMem(0x2001, readBack); err != nil {
		t.Fatalf("ReadMem failed: %v", err)
	}

	if !bytes.Equal(pattern, readBack) {
		t.Fatal("round trip mismatch")
	}
}
