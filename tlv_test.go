// tlv_test.go - TLV descriptor scanner tests

package main

import "testing"

// memDevice serves reads from a flat byte array. It implements just
// enough of the Device contract for the TLV reader.
type memDevice struct {
	base DeviceBase
	mem  [0x10000]byte
}

func (d *memDevice) Base() *DeviceBase { return &d.base }

func (d *memDevice) ReadMem(addr Address, mem []byte) error {
	copy(mem, d.mem[addr:])
	return nil
}

func (d *memDevice) WriteMem(addr Address, mem []byte) error {
	copy(d.mem[addr:], mem)
	return nil
}

func (d *memDevice) Erase(kind EraseType, addr Address) error { return nil }
func (d *memDevice) GetRegs(regs []Address) error             { return nil }
func (d *memDevice) SetRegs(regs []Address) error             { return nil }
func (d *memDevice) Ctl(op DeviceCtl) error                   { return nil }
func (d *memDevice) Poll() DeviceStatus                       { return DEVICE_STATUS_HALTED }
func (d *memDevice) Close() error                             { return nil }
func (d *memDevice) ConfigFuses() (int, error)                { return 0, nil }

// TestTlvFindSubID lays out a TLV block with a 0x14 sub-ID entry and
// scans for it.
func TestTlvFindSubID(t *testing.T) {
	dev := &memDevice{}

	// info_len 2 -> block size 4*(1<<2) = 16 bytes.
	block := dev.mem[TLV_BASE:]
	block[0] = 2
	block[4] = 0x55
	block[5] = 0x29 // ver_id 0x2955
	block[6] = 0x10
	block[7] = 0x01

	// Entries start at offset 8.
	block[8] = 0x02 // some other tag
	block[9] = 0x02
	block[10] = 0xaa
	block[11] = 0xbb
	block[12] = 0x14 // sub-ID tag
	block[13] = 0x02
	block[14] = 0x34
	block[15] = 0x12

	tlv, err := TlvRead(dev)
	if err != nil {
		t.Fatalf("TlvRead failed: %v", err)
	}

	sub, ok := tlv.Find(0x14)
	if !ok {
		t.Fatal("sub-ID tag not found")
	}
	if le16(sub) != 0x1234 {
		t.Fatalf("sub-ID 0x%04x, expected 0x1234", le16(sub))
	}
}

// TestTlvStopsAtTerminator verifies scanning stops at tag 0xff.
func TestTlvStopsAtTerminator(t *testing.T) {
	dev := &memDevice{}

	block := dev.mem[TLV_BASE:]
	block[0] = 2
	block[8] = 0xff // terminator
	block[9] = 0x00
	block[12] = 0x14 // behind the terminator, must not be found
	block[13] = 0x02

	tlv, err := TlvRead(dev)
	if err != nil {
		t.Fatalf("TlvRead failed: %v", err)
	}

	if _, ok := tlv.Find(0x14); ok {
		t.Fatal("entry behind terminator found")
	}
}

// TestTlvBadInfoLen rejects out-of-range length fields.
func TestTlvBadInfoLen(t *testing.T) {
	dev := &memDevice{}
	dev.mem[TLV_BASE] = 12

	if _, err := TlvRead(dev); err == nil {
		t.Fatal("bad info length accepted")
	}
}
