// fet_core_test.go - Legacy FET command core tests
//
// These drive the full driver against a scripted dongle: the fake
// parses each outbound command and produces the reply a UIF v2
// firmware would.

package main

import (
	"bytes"
	"testing"
)

// fetSim simulates a legacy FET dongle behind a fakeTransport.
type fetSim struct {
	t       *testing.T
	version uint32

	// Every decoded command, in issue order.
	commands []fetSentCommand

	// identifyData is the C_IDENTIFY reply blob.
	identifyData []byte

	// memory backs C_READMEMORY/C_WRITEMEMORY.
	memory [0x10000]byte

	// state returned by C_STATE.
	pollState uint32
}

func (s *fetSim) reply(sent []byte) [][]byte {
	cmd := decodeFetCommand(s.t, sent)
	s.commands = append(s.commands, cmd)

	var pkt []byte

	switch cmd.code {
	case C_INITIALIZE:
		pkt = mkFetReply(C_INITIALIZE, PTYPE_PARAM, 0, 0,
			[]uint32{s.version}, nil, false)

	case C_IDENTIFY:
		pkt = mkFetReply(C_IDENTIFY, PTYPE_DATA, 0, 0,
			nil, s.identifyData, false)

	case C_READMEMORY:
		addr := cmd.params[0]
		length := cmd.params[1]
		pkt = mkFetReply(C_READMEMORY, PTYPE_DATA, 0, 0,
			nil, s.memory[addr:addr+length], false)

	case C_WRITEMEMORY:
		copy(s.memory[cmd.params[0]:], cmd.data)
		pkt = mkFetReply(C_WRITEMEMORY, PTYPE_ACK, 0, 0,
			nil, nil, false)

	case C_READREGISTERS:
		regs := make([]byte, DEVICE_NUM_REGS*4)
		for i := 0; i < DEVICE_NUM_REGS; i++ {
			putLe32(regs[i*4:], uint32(i)*0x111)
		}
		pkt = mkFetReply(C_READREGISTERS, PTYPE_DATA, 0, 0,
			nil, regs, false)

	case C_STATE:
		pkt = mkFetReply(C_STATE, PTYPE_PARAM, 0, 0,
			[]uint32{s.pollState}, nil, false)

	case C_CMM_PARAM:
		// Power profiling unsupported on this simulated dongle.
		pkt = mkFetReply(C_CMM_PARAM, PTYPE_ACK, 0, 4, nil, nil, false)

	default:
		// Everything else acks silently.
		pkt = mkFetReply(byte(cmd.code), PTYPE_ACK, 0, 0, nil, nil, false)
	}

	return [][]byte{pkt}
}

// newFetSim prepares a simulator whose identify blob names an
// MSP430F149 with two breakpoints.
func newFetSim(t *testing.T, version uint32) (*fetSim, *fakeTransport) {
	sim := &fetSim{t: t, version: version}

	blob := make([]byte, 70)
	copy(blob[4:], "MSP430F149")
	putLe16(blob[0x2a:], 2)
	sim.identifyData = blob

	tr := &fakeTransport{}
	tr.respond = sim.reply

	return sim, tr
}

func (s *fetSim) find(code int) []fetSentCommand {
	var out []fetSentCommand
	for _, c := range s.commands {
		if c.code == code {
			out = append(out, c)
		}
	}
	return out
}

// TestFetOpenIdentifyLegacy runs a full legacy attach: protocol
// version 20000000 selects the C_IDENTIFY path; the reply names the
// chip and carries the breakpoint count at offset 0x2a.
func TestFetOpenIdentifyLegacy(t *testing.T) {
	sim, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	if dev.Base().MaxBreakpoints != 2 {
		t.Fatalf("max breakpoints %d, expected 2",
			dev.Base().MaxBreakpoints)
	}

	ident := sim.find(C_IDENTIFY)
	if len(ident) != 1 {
		t.Fatalf("%d C_IDENTIFY commands", len(ident))
	}
	if len(ident[0].params) != 2 || ident[0].params[0] != 70 {
		t.Fatalf("C_IDENTIFY params: %v", ident[0].params)
	}

	// C_IDENT1 must not have been used on this firmware version.
	if len(sim.find(C_IDENT1)) != 0 {
		t.Fatal("new identify path used on old firmware")
	}

	// Attach sequence: INITIALIZE, then the vendor post-init 0x27
	// with parameter 4.
	if sim.commands[0].code != C_INITIALIZE {
		t.Fatalf("first command 0x%02x", sim.commands[0].code)
	}
	post := sim.find(0x27)
	if len(post) != 1 || post[0].params[0] != 4 {
		t.Fatalf("post-init command: %+v", post)
	}

	// SBW is the default protocol selection.
	cfg := sim.find(C_CONFIGURE)
	if len(cfg) == 0 || cfg[0].params[0] != FET_CONFIG_PROTOCOL ||
		cfg[0].params[1] != 1 {
		t.Fatalf("protocol configure: %+v", cfg)
	}
}

// TestFetBreakpointRefresh verifies dirty-slot refresh on RUN: a set
// breakpoint is issued once, a cleared one is issued with address 0.
func TestFetBreakpointRefresh(t *testing.T) {
	sim, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	which := dev.Base().SetBreakpoint(-1, true, 0x4000, DEVICE_BPTYPE_BREAK)
	if which != 0 {
		t.Fatalf("breakpoint in slot %d", which)
	}

	sim.commands = nil
	if err := dev.Ctl(DEVICE_CTL_RUN); err != nil {
		t.Fatalf("RUN failed: %v", err)
	}

	bps := sim.find(C_BREAKPOINT)
	if len(bps) != 2 {
		// Slot 0 carries the new breakpoint; slot 1 was marked
		// dirty at open and reports as cleared.
		t.Fatalf("%d C_BREAKPOINT commands, expected 2", len(bps))
	}
	if bps[0].params[0] != 0 || bps[0].params[1] != 0x4000 {
		t.Fatalf("refresh params: %v", bps[0].params)
	}

	runs := sim.find(C_RUN)
	if len(runs) != 1 || runs[0].params[0] != FET_RUN_BREAKPOINT {
		t.Fatalf("run command: %+v", runs)
	}

	// A second RUN must not re-issue clean breakpoints.
	sim.commands = nil
	if err := dev.Ctl(DEVICE_CTL_RUN); err != nil {
		t.Fatalf("second RUN failed: %v", err)
	}
	if len(sim.find(C_BREAKPOINT)) != 0 {
		t.Fatal("clean breakpoints re-issued")
	}

	// Clearing the slot dirties it again; the next RUN issues
	// address 0.
	dev.Base().SetBreakpoint(0, false, 0, DEVICE_BPTYPE_BREAK)

	sim.commands = nil
	if err := dev.Ctl(DEVICE_CTL_RUN); err != nil {
		t.Fatalf("third RUN failed: %v", err)
	}

	bps = sim.find(C_BREAKPOINT)
	if len(bps) != 1 || bps[0].params[0] != 0 || bps[0].params[1] != 0 {
		t.Fatalf("clear refresh: %+v", bps)
	}
}

// TestFetReadMemOddAddress verifies the byte-granular bridge: a
// single odd-address byte costs exactly one two-byte word read.
func TestFetReadMemOddAddress(t *testing.T) {
	sim, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	sim.memory[0x2000] = 0x55
	sim.memory[0x2001] = 0xaa

	sim.commands = nil
	var b [1]byte
	if err := dev.ReadMem(0x2001, b[:]); err != nil {
		t.Fatalf("ReadMem failed: %v", err)
	}

	if b[0] != 0xaa {
		t.Fatalf("read 0x%02x, expected 0xaa", b[0])
	}

	reads := sim.find(C_READMEMORY)
	if len(reads) != 1 {
		t.Fatalf("%d reads for one odd byte", len(reads))
	}
	if reads[0].params[0] != 0x2000 || reads[0].params[1] != 2 {
		t.Fatalf("read params: %v", reads[0].params)
	}
}

// TestFetWriteReadRoundTrip writes a pattern and reads it back
// through the block path.
func TestFetWriteReadRoundTrip(t *testing.T) {
	_, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	pattern := make([]byte, 300)
	for i := range pattern {
		pattern[i] = byte(i ^ 0x5a)
	}

	if err := dev.WriteMem(0x2400, pattern); err != nil {
		t.Fatalf("WriteMem failed: %v", err)
	}

	readBack := make([]byte, len(pattern))
	if err := dev.ReadMem(0x2400, readBack); err != nil {
		t.Fatalf("ReadMem failed: %v", err)
	}

	if !bytes.Equal(pattern, readBack) {
		t.Fatal("read-back mismatch")
	}
}

// TestFetGetRegs fetches the register file and checks the 4-byte LE
// decoding.
func TestFetGetRegs(t *testing.T) {
	_, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	regs := make([]Address, DEVICE_NUM_REGS)
	if err := dev.GetRegs(regs); err != nil {
		t.Fatalf("GetRegs failed: %v", err)
	}

	for i, r := range regs {
		if r != Address(i)*0x111 {
			t.Fatalf("reg %d = 0x%x", i, r)
		}
	}
}

// TestFetErase checks the erase sequence: clock configure, erase with
// the main-memory magic address, reset.
func TestFetErase(t *testing.T) {
	sim, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	sim.commands = nil
	if err := dev.Erase(DEVICE_ERASE_MAIN, ADDRESS_NONE); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	cfg := sim.find(C_CONFIGURE)
	if len(cfg) == 0 || cfg[0].params[0] != FET_CONFIG_CLKCTRL ||
		cfg[0].params[1] != 0x26 {
		t.Fatalf("erase configure: %+v", cfg)
	}

	erases := sim.find(C_ERASE)
	if len(erases) != 1 {
		t.Fatalf("%d C_ERASE commands", len(erases))
	}
	p := erases[0].params
	if p[0] != FET_ERASE_MAIN || p[1] != 0xfffe || p[2] != 1 {
		t.Fatalf("erase params: %v", p)
	}

	if len(sim.find(C_RESET)) != 1 {
		t.Fatal("no reset after erase")
	}
}

// TestFetPollHalted drives Poll with the running bit clear.
func TestFetPollHalted(t *testing.T) {
	sim, tr := newFetSim(t, 20000000)

	dev, err := FetOpen(&DeviceArgs{VccMillivolts: 3000},
		0, tr, 0, "uif", OLIMEX_NONE)
	if err != nil {
		t.Fatalf("FetOpen failed: %v", err)
	}

	sim.pollState = 0
	if status := dev.Poll(); status != DEVICE_STATUS_HALTED {
		t.Fatalf("status %d, expected HALTED", status)
	}

	sim.pollState = FET_POLL_RUNNING
	if status := dev.Poll(); status != DEVICE_STATUS_RUNNING {
		t.Fatalf("status %d, expected RUNNING", status)
	}
}
