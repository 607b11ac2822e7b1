// v3hil_test.go - HIL v3 funclet and context tests
//
// The fake dongle answers HAL execute calls per function ID, which is
// enough to drive calibration, funclet upload and flash programming
// end to end.

package main

import (
	"testing"
)

// halCall is one decoded execute request.
type halCall struct {
	fid  uint8
	args []byte
}

// halSim answers CMD_EXECUTE frames with canned per-fid payloads.
type halSim struct {
	t     *testing.T
	calls []halCall

	// payloads maps fid to the ACK payload returned.
	payloads map[uint8][]byte
}

func (s *halSim) reply(sent []byte) [][]byte {
	msgType, _, payload := parseHalFrame(s.t, sent)

	if msgType != HAL_PROTO_TYPE_CMD_EXECUTE {
		// Bare protocol messages (comm reset etc.) get no reply.
		return nil
	}

	call := halCall{fid: payload[0]}
	call.args = append(call.args, payload[2:]...)
	s.calls = append(s.calls, call)

	reply := s.payloads[call.fid]
	if len(reply) > 0 {
		// A single final DATA fragment (clear fragment bit) that
		// the host acknowledges, carrying the canned payload.
		return [][]byte{
			mkHalFrame(HAL_PROTO_TYPE_DATA, 0x00, 0, reply),
		}
	}

	return [][]byte{mkHalFrame(HAL_PROTO_TYPE_ACKNOWLEDGE, 0x00, 0, nil)}
}

func (s *halSim) find(fid uint8) []halCall {
	var out []halCall
	for _, c := range s.calls {
		if c.fid == fid {
			out = append(out, c)
		}
	}
	return out
}

func newHalSim(t *testing.T) (*halSim, *fakeTransport) {
	sim := &halSim{t: t, payloads: map[uint8][]byte{}}
	tr := &fakeTransport{}
	tr.respond = sim.reply
	return sim, tr
}

// TestV3HilWriteFlash drives a 128-byte flash write on an F149-class
// chip: DCO calibration, write funclet upload, then one
// EXECUTE_FUNCLET call carrying the full parameter block.
func TestV3HilWriteFlash(t *testing.T) {
	sim, tr := newHalSim(t)

	// GET_DCO_FREQUENCY returns DCO/BCS1/BCS2 calibration words.
	sim.payloads[HAL_PROTO_FID_GET_DCO_FREQUENCY] =
		[]byte{0x45, 0x00, 0x87, 0x00, 0x00, 0x00}

	h := NewV3Hil(tr, 0)
	h.Chip = ChipInfoFindByName("MSP430F149")
	if h.Chip == nil {
		t.Fatal("F149 missing from database")
	}

	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := h.Write(0x1100, payload)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 128 {
		t.Fatalf("wrote %d bytes", n)
	}

	// Calibration ran once.
	if len(sim.find(HAL_PROTO_FID_GET_DCO_FREQUENCY)) != 1 {
		t.Fatal("DCO calibration not performed")
	}

	// Funclet upload went through WRITE_MEM_WORDS.
	uploads := sim.find(HAL_PROTO_FID_WRITE_MEM_WORDS)
	if len(uploads) == 0 {
		t.Fatal("no funclet upload")
	}
	ram := h.Chip.FindRAM()
	if le32(uploads[0].args) != uint32(ram.Offset) {
		t.Fatalf("funclet upload address 0x%x", le32(uploads[0].args))
	}

	// One funclet execution with the documented parameter block.
	execs := sim.find(HAL_PROTO_FID_EXECUTE_FUNCLET)
	if len(execs) != 1 {
		t.Fatalf("%d funclet executions", len(execs))
	}

	blk := execs[0].args
	f := h.Chip.V3Write

	if le16(blk[0:]) != uint16(ram.Offset) {
		t.Fatalf("param ram_start 0x%x", le16(blk[0:]))
	}
	if le16(blk[4:]) != uint16(ram.Offset)+f.EntryPoint {
		t.Fatalf("param entry 0x%x", le16(blk[4:]))
	}
	if le32(blk[6:]) != 0x1100 {
		t.Fatalf("param dest 0x%x", le32(blk[6:]))
	}
	if le32(blk[10:]) != 64 {
		t.Fatalf("param word count %d", le32(blk[10:]))
	}
	if le16(blk[16:]) != 0xa508 {
		t.Fatalf("param flash key 0x%04x", le16(blk[16:]))
	}
	if le16(blk[18:]) != 0x0045 || le16(blk[20:]) != 0x0087 {
		t.Fatalf("cal words 0x%04x 0x%04x", le16(blk[18:]), le16(blk[20:]))
	}
	for i := 0; i < 128; i++ {
		if blk[22+i] != byte(i) {
			t.Fatalf("payload byte %d = 0x%02x", i, blk[22+i])
		}
	}
}

// TestV3HilEraseMain verifies the bank walk: main-memory erase calls
// the erase funclet once per bank, highest first, with type 0xa502
// and the 0xdeadbeef trailer.
func TestV3HilEraseMain(t *testing.T) {
	sim, tr := newHalSim(t)

	h := NewV3Hil(tr, 0)
	h.Chip = ChipInfoFindByName("MSP430F149")

	// Canned DCO calibration reply: the F149 is a BC1xx part, so the
	// erase calibrates the DCO before uploading the funclet.
	sim.payloads[HAL_PROTO_FID_GET_DCO_FREQUENCY] =
		[]byte{0x45, 0x00, 0x87, 0x00, 0x00, 0x00}

	if err := h.Erase(ADDRESS_NONE); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	execs := sim.find(HAL_PROTO_FID_EXECUTE_FUNCLET)
	main := h.Chip.FindMemByName("main")

	// One call per bank, at the bank's last word, top bank first.
	if len(execs) != main.Banks {
		t.Fatalf("%d erase calls, expected %d", len(execs), main.Banks)
	}

	bankSize := main.Size / uint32(main.Banks)
	for i, e := range execs {
		bank := main.Banks - i
		wantAddr := uint32(main.Offset) + uint32(bank)*bankSize - 2

		if le32(e.args[6:]) != wantAddr {
			t.Fatalf("erase call %d at 0x%x, expected 0x%x",
				i, le32(e.args[6:]), wantAddr)
		}
		if le16(e.args[14:]) != 0xa502 {
			t.Fatalf("erase type 0x%04x", le16(e.args[14:]))
		}
		if le32(e.args[22:]) != 0xdeadbeef {
			t.Fatalf("erase trailer 0x%08x", le32(e.args[22:]))
		}
	}
}

// TestV3HilEraseSegment aligns the target address to the end of its
// segment.
func TestV3HilEraseSegment(t *testing.T) {
	sim, tr := newHalSim(t)

	h := NewV3Hil(tr, 0)
	h.Chip = ChipInfoFindByName("MSP430F149")
	sim.payloads[HAL_PROTO_FID_GET_DCO_FREQUENCY] =
		[]byte{0x45, 0x00, 0x87, 0x00, 0x00, 0x00}

	if err := h.Erase(0x4010); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	execs := sim.find(HAL_PROTO_FID_EXECUTE_FUNCLET)
	if len(execs) != 1 {
		t.Fatalf("%d erase calls", len(execs))
	}

	// Segment size 512: 0x4010 -> 0x41fe.
	if le32(execs[0].args[6:]) != 0x41fe {
		t.Fatalf("segment address 0x%x", le32(execs[0].args[6:]))
	}
}

// TestV3HilSyncParamBlock checks the PUC parameter block layout for
// an old-CPU part.
func TestV3HilSyncParamBlock(t *testing.T) {
	sim, tr := newHalSim(t)

	// SJ_ASSERT_POR_SC returns wdtctl, pad, PC32, SR16.
	sim.payloads[HAL_PROTO_FID_SJ_ASSERT_POR_SC] =
		[]byte{0x69, 0x00, 0x00, 0x44, 0x00, 0x00, 0x05, 0x00}

	h := NewV3Hil(tr, 0)
	h.jtagID = 0x89
	h.Chip = ChipInfoFindByName("MSP430F149")

	if err := h.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	calls := sim.find(HAL_PROTO_FID_SJ_ASSERT_POR_SC)
	if len(calls) != 1 {
		t.Fatalf("%d sync calls", len(calls))
	}

	blk := calls[0].args
	if blk[0] != 0x20 {
		t.Fatalf("WDTCTL address 0x%02x, expected 0x20", blk[0])
	}
	if blk[2] != 0x80 || blk[3] != 0x5a {
		t.Fatalf("hold/password: %02x %02x", blk[2], blk[3])
	}
	if blk[4] != 0x89 {
		t.Fatalf("JTAG ID byte 0x%02x", blk[4])
	}

	if h.wdtctl != 0x69 {
		t.Fatalf("saved wdtctl 0x%02x", h.wdtctl)
	}
	if h.Regs[MSP430_REG_PC] != 0x4400 {
		t.Fatalf("PC 0x%x", h.Regs[MSP430_REG_PC])
	}
	if h.Regs[MSP430_REG_SR] != 0x0005 {
		t.Fatalf("SR 0x%x", h.Regs[MSP430_REG_SR])
	}
}

// TestV3HilRegisterCache verifies the 13-register packing (PC, SR and
// R3 are excluded from transfers).
func TestV3HilRegisterCache(t *testing.T) {
	sim, tr := newHalSim(t)

	regData := make([]byte, 26)
	for i := 0; i < 13; i++ {
		putLe16(regData[i*2:], uint16(0x100+i))
	}
	sim.payloads[HAL_PROTO_FID_READ_ALL_CPU_REGS] = regData

	h := NewV3Hil(tr, 0)
	h.Chip = ChipInfoFindByName("MSP430F149")

	if err := h.UpdateRegs(); err != nil {
		t.Fatalf("UpdateRegs failed: %v", err)
	}

	// First transferred register is R1 (SP).
	if h.Regs[MSP430_REG_SP] != 0x100 {
		t.Fatalf("SP 0x%x", h.Regs[MSP430_REG_SP])
	}
	if h.Regs[4] != 0x101 {
		t.Fatalf("R4 0x%x", h.Regs[4])
	}

	if err := h.FlushRegs(); err != nil {
		t.Fatalf("FlushRegs failed: %v", err)
	}

	writes := sim.find(HAL_PROTO_FID_WRITE_ALL_CPU_REGS)
	if len(writes) != 1 {
		t.Fatalf("%d register writes", len(writes))
	}
	if len(writes[0].args) != 26 {
		t.Fatalf("register block %d bytes, expected 26",
			len(writes[0].args))
	}
	if le16(writes[0].args) != 0x100 {
		t.Fatalf("flushed SP 0x%x", le16(writes[0].args))
	}
}

// TestV3HilReadRAM checks the word-count conversion for a 16-bit
// region.
func TestV3HilReadRAM(t *testing.T) {
	sim, tr := newHalSim(t)

	sim.payloads[HAL_PROTO_FID_READ_MEM_WORDS] = []byte{1, 2, 3, 4}

	h := NewV3Hil(tr, 0)
	h.Chip = ChipInfoFindByName("MSP430F149")

	buf := make([]byte, 4)
	n, err := h.Read(0x0200, buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("read %d bytes", n)
	}

	calls := sim.find(HAL_PROTO_FID_READ_MEM_WORDS)
	if len(calls) != 1 {
		t.Fatalf("%d read calls", len(calls))
	}
	if le32(calls[0].args) != 0x200 {
		t.Fatalf("read address 0x%x", le32(calls[0].args))
	}
	if le32(calls[0].args[4:]) != 2 {
		t.Fatalf("word count %d, expected 2", le32(calls[0].args[4:]))
	}
}

// TestFet3OddByteBridge verifies the device-level odd-address
// bridging over the HIL layer.
func TestFet3OddByteBridge(t *testing.T) {
	sim, tr := newHalSim(t)

	sim.payloads[HAL_PROTO_FID_READ_MEM_WORDS] = []byte{0x55, 0xaa}

	dev := &Fet3Device{hil: NewV3Hil(tr, 0)}
	dev.hil.Chip = ChipInfoFindByName("MSP430F149")

	var b [1]byte
	if err := dev.ReadMem(0x0201, b[:]); err != nil {
		t.Fatalf("ReadMem failed: %v", err)
	}

	if b[0] != 0xaa {
		t.Fatalf("read 0x%02x, expected the high byte 0xaa", b[0])
	}

	calls := sim.find(HAL_PROTO_FID_READ_MEM_WORDS)
	if len(calls) != 1 {
		t.Fatalf("%d word reads for one odd byte", len(calls))
	}
	if le32(calls[0].args) != 0x200 {
		t.Fatalf("word read at 0x%x", le32(calls[0].args))
	}
}
