// device_test.go - Breakpoint table and memory-range helper tests

package main

import "testing"

func testBase(maxBp int) *DeviceBase {
	return &DeviceBase{MaxBreakpoints: maxBp}
}

// TestSetBreakpointAuto exercises automatic slot selection: reuse of
// an existing enabled (addr, type) entry and allocation of the first
// free slot.
func TestSetBreakpointAuto(t *testing.T) {
	b := testBase(4)

	which := b.SetBreakpoint(-1, true, 0x4000, DEVICE_BPTYPE_BREAK)
	if which != 0 {
		t.Fatalf("first breakpoint in slot %d, expected 0", which)
	}

	bp := &b.Breakpoints[0]
	if bp.Flags != DEVICE_BP_ENABLED|DEVICE_BP_DIRTY {
		t.Fatalf("flags 0x%02x", bp.Flags)
	}
	if bp.Addr != 0x4000 {
		t.Fatalf("addr 0x%04x", bp.Addr)
	}

	// Same (addr, type) reuses the slot.
	if again := b.SetBreakpoint(-1, true, 0x4000, DEVICE_BPTYPE_BREAK); again != 0 {
		t.Fatalf("duplicate breakpoint got slot %d", again)
	}

	// A different address takes the next slot.
	if next := b.SetBreakpoint(-1, true, 0x4100, DEVICE_BPTYPE_BREAK); next != 1 {
		t.Fatalf("second breakpoint in slot %d, expected 1", next)
	}

	// At most one enabled entry per (addr, type).
	enabled := 0
	for i := 0; i < b.MaxBreakpoints; i++ {
		if b.Breakpoints[i].Flags&DEVICE_BP_ENABLED != 0 &&
			b.Breakpoints[i].Addr == 0x4000 {
			enabled++
		}
	}
	if enabled != 1 {
		t.Fatalf("%d enabled entries for 0x4000", enabled)
	}
}

// TestSetBreakpointCapacity fills the table and expects -1 when no
// free slot remains.
func TestSetBreakpointCapacity(t *testing.T) {
	b := testBase(DEVICE_MAX_BREAKPOINTS)

	for i := 0; i < DEVICE_MAX_BREAKPOINTS; i++ {
		if which := b.SetBreakpoint(-1, true,
			Address(0x4000+i*2), DEVICE_BPTYPE_BREAK); which != i {
			t.Fatalf("breakpoint %d in slot %d", i, which)
		}
	}

	if which := b.SetBreakpoint(-1, true, 0x8000,
		DEVICE_BPTYPE_BREAK); which != -1 {
		t.Fatalf("over-capacity set returned %d", which)
	}
}

// TestSetBreakpointExplicit verifies the explicit-slot form only
// dirties the slot when content actually changes.
func TestSetBreakpointExplicit(t *testing.T) {
	b := testBase(4)

	b.SetBreakpoint(2, true, 0x4400, DEVICE_BPTYPE_BREAK)
	bp := &b.Breakpoints[2]
	if bp.Flags != DEVICE_BP_ENABLED|DEVICE_BP_DIRTY {
		t.Fatalf("flags 0x%02x after set", bp.Flags)
	}

	bp.Flags &^= DEVICE_BP_DIRTY

	// Re-issuing the same content must not re-dirty the slot.
	b.SetBreakpoint(2, true, 0x4400, DEVICE_BPTYPE_BREAK)
	if bp.Flags&DEVICE_BP_DIRTY != 0 {
		t.Fatal("unchanged slot became dirty")
	}

	// Disabling clears the address and dirties.
	b.SetBreakpoint(2, false, 0, DEVICE_BPTYPE_BREAK)
	if bp.Flags != DEVICE_BP_DIRTY {
		t.Fatalf("flags 0x%02x after disable", bp.Flags)
	}
	if bp.Addr != 0 {
		t.Fatalf("addr 0x%04x after disable", bp.Addr)
	}
}

// TestSetBreakpointDelete checks automatic-slot deletion marks
// matching entries dirty and disabled.
func TestSetBreakpointDelete(t *testing.T) {
	b := testBase(4)

	b.SetBreakpoint(-1, true, 0x4000, DEVICE_BPTYPE_BREAK)
	b.Breakpoints[0].Flags &^= DEVICE_BP_DIRTY

	b.SetBreakpoint(-1, false, 0x4000, DEVICE_BPTYPE_BREAK)

	bp := &b.Breakpoints[0]
	if bp.Flags&DEVICE_BP_ENABLED != 0 {
		t.Fatal("deleted breakpoint still enabled")
	}
	if bp.Flags&DEVICE_BP_DIRTY == 0 {
		t.Fatal("deleted breakpoint not dirty")
	}
}

// TestIsFram checks the ID-byte heuristic for FRAM parts.
func TestIsFram(t *testing.T) {
	b := &DeviceBase{}

	b.DevID = [3]byte{0x03, 0x81, 0x00}
	if !b.IsFram() {
		t.Fatal("FR57xx ID not detected as FRAM")
	}

	b.DevID = [3]byte{0x7e, 0x81, 0x00}
	if !b.IsFram() {
		t.Fatal("FR59xx-style ID not detected as FRAM")
	}

	b.DevID = [3]byte{0xf1, 0x49, 0x00}
	if b.IsFram() {
		t.Fatal("F149 detected as FRAM")
	}
}

// TestCheckRange verifies region clipping at boundaries.
func TestCheckRange(t *testing.T) {
	chip := ChipInfoFindByName("MSP430F149")
	if chip == nil {
		t.Fatal("MSP430F149 missing from database")
	}

	// Fully inside RAM.
	size, m := checkRange(chip, 0x200, 0x100)
	if m == nil || m.Name != "ram" {
		t.Fatalf("region for 0x200: %v", m)
	}
	if size != 0x100 {
		t.Fatalf("size %d", size)
	}

	// Crossing the end of RAM is clipped at the boundary.
	size, m = checkRange(chip, 0x9f0, 0x100)
	if m == nil || m.Name != "ram" {
		t.Fatalf("region for 0x9f0: %v", m)
	}
	if size != 0x10 {
		t.Fatalf("clipped size 0x%x, expected 0x10", size)
	}
}

// TestFindMemByAddr checks lowest-offset selection among mapped
// regions.
func TestFindMemByAddr(t *testing.T) {
	chip := ChipInfoFindByName("MSP430F5529")
	if chip == nil {
		t.Fatal("MSP430F5529 missing from database")
	}

	m := chip.FindMemByAddr(0x4400)
	if m == nil || m.Name != "main" {
		t.Fatalf("region for 0x4400: %v", m)
	}

	m = chip.FindMemByAddr(0x2400)
	if m == nil || m.Name != "ram" {
		t.Fatalf("region for 0x2400: %v", m)
	}

	if chip.FindMemByName("MAIN") == nil {
		t.Fatal("case-insensitive name lookup failed")
	}
}

// TestReadMemRangedOddBridge verifies odd head/tail bytes are bridged
// through word accesses.
func TestReadMemRangedOddBridge(t *testing.T) {
	chip := ChipInfoFindByName("MSP430F149")

	backing := make([]byte, 0x10000)
	for i := range backing {
		backing[i] = byte(i * 3)
	}

	var calls []Address

	read := func(m *MemoryRegion, addr Address, data []byte) (int, error) {
		calls = append(calls, addr)
		if addr&1 != 0 {
			t.Fatalf("odd word-read address 0x%04x", addr)
		}
		copy(data, backing[addr:addr+Address(len(data))])
		return len(data), nil
	}

	buf := make([]byte, 5)
	if err := readMemRanged(chip, 0x301, buf, read); err != nil {
		t.Fatalf("readMemRanged failed: %v", err)
	}

	for i, b := range buf {
		if b != backing[0x301+i] {
			t.Fatalf("byte %d = 0x%02x, expected 0x%02x",
				i, b, backing[0x301+i])
		}
	}
}

// TestWriteMemRangedOddBridge verifies the read-modify-write bridge
// preserves the neighbouring bytes.
func TestWriteMemRangedOddBridge(t *testing.T) {
	chip := ChipInfoFindByName("MSP430F149")

	backing := make([]byte, 0x10000)
	for i := range backing {
		backing[i] = 0xee
	}

	read := func(m *MemoryRegion, addr Address, data []byte) (int, error) {
		copy(data, backing[addr:addr+Address(len(data))])
		return len(data), nil
	}
	write := func(m *MemoryRegion, addr Address, data []byte) (int, error) {
		if addr&1 != 0 {
			t.Fatalf("odd word-write address 0x%04x", addr)
		}
		copy(backing[addr:], data)
		return len(data), nil
	}

	if err := writeMemRanged(chip, 0x301, []byte{1, 2, 3}, write, read); err != nil {
		t.Fatalf("writeMemRanged failed: %v", err)
	}

	if backing[0x300] != 0xee {
		t.Fatalf("preceding byte clobbered: 0x%02x", backing[0x300])
	}
	if backing[0x301] != 1 || backing[0x302] != 2 || backing[0x303] != 3 {
		t.Fatalf("written bytes: % x", backing[0x300:0x306])
	}
	if backing[0x304] != 0xee {
		t.Fatalf("following byte clobbered: 0x%02x", backing[0x304])
	}
}
