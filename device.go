// device.go - Polymorphic target-device abstraction and registry

package main

import (
	"fmt"
	"strings"
)

// Address is a 20-bit MSP430 address packed into 32 bits. The high 12
// bits are zero on 16-bit-only parts and carry the extended bank on
// MSP430X.
type Address = uint32

// ADDRESS_NONE marks "no address given" (e.g. erase of main memory
// rather than a particular segment).
const ADDRESS_NONE Address = 0xffffffff

const (
	DEVICE_NUM_REGS       = 16
	DEVICE_MAX_BREAKPOINTS = 32
)

// MSP430 register indices with special handling.
const (
	MSP430_REG_PC = 0
	MSP430_REG_SP = 1
	MSP430_REG_SR = 2
	MSP430_REG_R3 = 3
)

type DeviceCtl int

const (
	DEVICE_CTL_RESET DeviceCtl = iota
	DEVICE_CTL_RUN
	DEVICE_CTL_HALT
	DEVICE_CTL_STEP
	DEVICE_CTL_SECURE
)

type DeviceStatus int

const (
	DEVICE_STATUS_HALTED DeviceStatus = iota
	DEVICE_STATUS_RUNNING
	DEVICE_STATUS_INTR
	DEVICE_STATUS_ERROR
)

type EraseType int

const (
	DEVICE_ERASE_ALL EraseType = iota
	DEVICE_ERASE_MAIN
	DEVICE_ERASE_SEGMENT
)

type BreakpointType int

const (
	DEVICE_BPTYPE_BREAK BreakpointType = iota
	DEVICE_BPTYPE_WATCH
	DEVICE_BPTYPE_READ
	DEVICE_BPTYPE_WRITE
)

const (
	DEVICE_BP_ENABLED = 0x01
	DEVICE_BP_DIRTY   = 0x02
)

// Breakpoint is one slot of the device breakpoint table. A slot whose
// flags include DEVICE_BP_DIRTY has to be re-issued to the dongle
// before the next run.
type Breakpoint struct {
	Type  BreakpointType
	Addr  Address
	Flags int
}

// Device argument flags.
const (
	DEVICE_FLAG_JTAG        = 0x01 // default is Spy-Bi-Wire
	DEVICE_FLAG_LONG_PW     = 0x02
	DEVICE_FLAG_TTY         = 0x04 // default is USB
	DEVICE_FLAG_FORCE_RESET = 0x08
	DEVICE_FLAG_DO_FWUPDATE = 0x10
	DEVICE_FLAG_SKIP_CLOSE  = 0x20
)

// DeviceArgs collects everything a driver constructor may need.
type DeviceArgs struct {
	Flags           int
	VccMillivolts   int
	Path            string
	ForcedChipID    string
	RequestedSerial string
	RequireFwUpdate string
	BslEntrySeq     string

	// BSL entry via host GPIO pins instead of the modem lines.
	BslGpioUsed bool
	BslGpioRts  int
	BslGpioDtr  int
}

// Device is the uniform operational contract over every supported
// dongle and MCU family.
type Device interface {
	// Base exposes the shared per-device state (breakpoint table,
	// power buffer, chip record).
	Base() *DeviceBase

	ReadMem(addr Address, mem []byte) error
	WriteMem(addr Address, mem []byte) error
	Erase(kind EraseType, addr Address) error
	GetRegs(regs []Address) error
	SetRegs(regs []Address) error
	Ctl(op DeviceCtl) error
	Poll() DeviceStatus
	Close() error

	// ConfigFuses reads the configuration fuse byte, if the driver
	// supports it.
	ConfigFuses() (int, error)
}

// DeviceBase holds state common to every driver. Drivers embed it and
// return it from Base().
type DeviceBase struct {
	Name string

	DevID [3]byte

	MaxBreakpoints int
	Breakpoints    [DEVICE_MAX_BREAKPOINTS]Breakpoint

	PowerBuf *PowerBuf

	Chip      *ChipInfo
	NeedProbe bool
}

// SetBreakpoint sets or clears a breakpoint. With which < 0 slots are
// selected automatically: an existing enabled entry for (addr, type)
// is reused, otherwise the first free slot is taken and marked
// enabled+dirty. With an explicit slot, DIRTY is only set when the
// content actually changes. Returns the modified slot index, 0 when
// clearing by address, or -1 if no free slot was available.
func (b *DeviceBase) SetBreakpoint(which int, enabled bool, addr Address,
	bptype BreakpointType) int {
	if which < 0 {
		if enabled {
			return b.addBreakpoint(addr, bptype)
		}
		b.delBreakpoint(addr, bptype)
		return 0
	}

	bp := &b.Breakpoints[which]
	newFlags := 0
	if enabled {
		newFlags = DEVICE_BP_ENABLED
	} else {
		addr = 0
	}

	if bp.Addr != addr || (bp.Flags&DEVICE_BP_ENABLED) != newFlags {
		bp.Flags = newFlags | DEVICE_BP_DIRTY
		bp.Addr = addr
		bp.Type = bptype
	}

	return which
}

func (b *DeviceBase) addBreakpoint(addr Address, bptype BreakpointType) int {
	which := -1

	for i := 0; i < b.MaxBreakpoints; i++ {
		bp := &b.Breakpoints[i]

		if bp.Flags&DEVICE_BP_ENABLED != 0 {
			if bp.Addr == addr && bp.Type == bptype {
				return i
			}
		} else if which < 0 {
			which = i
		}
	}

	if which < 0 {
		return -1
	}

	bp := &b.Breakpoints[which]
	bp.Flags = DEVICE_BP_ENABLED | DEVICE_BP_DIRTY
	bp.Addr = addr
	bp.Type = bptype
	return which
}

func (b *DeviceBase) delBreakpoint(addr Address, bptype BreakpointType) {
	for i := 0; i < b.MaxBreakpoints; i++ {
		bp := &b.Breakpoints[i]

		if bp.Flags&DEVICE_BP_ENABLED != 0 &&
			bp.Addr == addr && bp.Type == bptype {
			bp.Flags = DEVICE_BP_DIRTY
			bp.Addr = 0
		}
	}
}

// IsFram reports whether the probed device ID denotes an FRAM part.
func (b *DeviceBase) IsFram() bool {
	a := b.DevID[0]
	c := b.DevID[1]

	return (a < 0x04 && c == 0x81) ||
		((a&0xf0) == 0x70 && (c&0x8e) == 0x80)
}

// checkRange clips a (addr, size) range against the chip memory map.
// The returned region is nil if the range begins in unmapped space, in
// which case the size returned is the gap before the next mapped
// region.
func checkRange(chip *ChipInfo, addr Address, size Address) (Address, *MemoryRegion) {
	m := chip.FindMemByAddr(addr)

	if m != nil {
		if m.Offset > addr {
			gap := m.Offset - addr
			if size > gap {
				size = gap
			}
			return size, nil
		}

		avail := m.Offset + Address(m.Size) - addr
		if size > avail {
			size = avail
		}
		return size, m
	}

	return size, nil
}

// wordReadFunc reads a word-aligned block from one memory region.
type wordReadFunc func(m *MemoryRegion, addr Address, data []byte) (int, error)

// wordWriteFunc writes a word-aligned block to one memory region.
type wordWriteFunc func(m *MemoryRegion, addr Address, data []byte) (int, error)

// readMemRanged performs a region-aware read, bridging odd addresses
// and odd lengths through word-sized accesses.
func readMemRanged(chip *ChipInfo, addr Address, mem []byte,
	readWords wordReadFunc) error {
	if addr&1 != 0 {
		var word [2]byte

		if err := readRangedWord(chip, addr-1, word[:], readWords); err != nil {
			return err
		}

		mem[0] = word[1]
		addr++
		mem = mem[1:]
	}

	for len(mem) >= 2 {
		size, m := regionFor(chip, addr, Address(len(mem))&^1)
		if m == nil && chip != nil {
			// Unmapped gap: nothing to transfer.
			for i := Address(0); i < size; i++ {
				mem[i] = 0x55
			}
		} else {
			r, err := readWords(m, addr, mem[:size])
			if err != nil {
				return err
			}
			size = Address(r)
		}

		addr += size
		mem = mem[size:]
	}

	if len(mem) > 0 {
		var word [2]byte

		if err := readRangedWord(chip, addr, word[:], readWords); err != nil {
			return err
		}

		mem[0] = word[0]
	}

	return nil
}

func readRangedWord(chip *ChipInfo, addr Address, word []byte,
	readWords wordReadFunc) error {
	_, m := regionFor(chip, addr, 2)
	if m == nil && chip != nil {
		word[0] = 0x55
		word[1] = 0x55
		return nil
	}
	_, err := readWords(m, addr, word[:2])
	return err
}

func regionFor(chip *ChipInfo, addr Address, size Address) (Address, *MemoryRegion) {
	if chip == nil {
		return size, nil
	}
	return checkRange(chip, addr, size)
}

// writeMemRanged performs a region-aware write, using a
// read-modify-write bridge for odd-aligned head and tail bytes.
func writeMemRanged(chip *ChipInfo, addr Address, mem []byte,
	writeWords wordWriteFunc, readWords wordReadFunc) error {
	if addr&1 != 0 {
		var word [2]byte

		if err := readRangedWord(chip, addr-1, word[:], readWords); err != nil {
			return err
		}

		word[1] = mem[0]
		if err := writeRangedWord(chip, addr-1, word[:], writeWords); err != nil {
			return err
		}

		addr++
		mem = mem[1:]
	}

	for len(mem) >= 2 {
		size, m := regionFor(chip, addr, Address(len(mem))&^1)
		if m != nil || chip == nil {
			r, err := writeWords(m, addr, mem[:size])
			if err != nil {
				return err
			}
			size = Address(r)
		}

		addr += size
		mem = mem[size:]
	}

	if len(mem) > 0 {
		var word [2]byte

		if err := readRangedWord(chip, addr, word[:], readWords); err != nil {
			return err
		}

		word[0] = mem[0]
		if err := writeRangedWord(chip, addr, word[:], writeWords); err != nil {
			return err
		}
	}

	return nil
}

func writeRangedWord(chip *ChipInfo, addr Address, word []byte,
	writeWords wordWriteFunc) error {
	_, m := regionFor(chip, addr, 2)
	if m == nil && chip != nil {
		return nil
	}
	_, err := writeWords(m, addr, word[:2])
	return err
}

/************************************************************************
 * Driver registry and default device
 */

// DriverClass describes one selectable device driver.
type DriverClass struct {
	Name string
	Help string
	Open func(args *DeviceArgs) (Device, error)
}

var deviceDrivers []*DriverClass

func registerDriver(d *DriverClass) {
	deviceDrivers = append(deviceDrivers, d)
}

// FindDriver looks a driver up by name, case-insensitively.
func FindDriver(name string) *DriverClass {
	for _, d := range deviceDrivers {
		if strings.EqualFold(d.Name, name) {
			return d
		}
	}
	return nil
}

// DriverList returns the registered driver table.
func DriverList() []*DriverClass {
	return deviceDrivers
}

// deviceDefault is the process-wide default device operated on by the
// command layer. Exactly one device holds this role at a time.
var deviceDefault Device

func SetDefaultDevice(dev Device) { deviceDefault = dev }
func DefaultDevice() Device       { return deviceDefault }

// DeviceProbeID identifies the chip behind dev by
// reading its ID bytes or TLV block, unless the driver already did.
func DeviceProbeID(dev Device, forceID string) error {
	base := dev.Base()

	if base.Chip != nil {
		showDeviceType(base)
		return nil
	}

	if forceID != "" {
		base.Chip = ChipInfoFindByName(forceID)
		if base.Chip == nil {
			return fmt.Errorf("unknown chip: %s", forceID)
		}
		printNote("Device: %s (forced)\n", base.Chip.Name)
		return nil
	}

	if !base.NeedProbe {
		return nil
	}

	var data [16]byte
	if err := dev.ReadMem(0xff0, data[:]); err != nil {
		return fmt.Errorf("device probe: read failed: %w", err)
	}

	var id ChipID

	if data[0] == 0x80 {
		tlv, err := TlvRead(dev)
		if err != nil {
			return fmt.Errorf("device probe: %w", err)
		}

		base.DevID[0] = tlv.data[4]
		base.DevID[1] = tlv.data[5]
		base.DevID[2] = tlv.data[6]

		id.VerID = le16(tlv.data[4:])
		id.Revision = tlv.data[6]
		id.Config = tlv.data[7]
		id.Fab = 0x55
		id.Self = 0x5555
		id.Fuses = 0x55

		if sub, ok := tlv.Find(0x14); ok && len(sub) >= 2 {
			id.VerSubID = le16(sub)
		}
	} else {
		base.DevID[0] = data[0]
		base.DevID[1] = data[1]
		base.DevID[2] = data[13]

		id.VerID = le16(data[:])
		id.Revision = data[2]
		id.Fab = data[3]
		id.Self = le16(data[8:])
		id.Config = data[13] & 0x7f
	}

	printDbg("Chip ID data:\n")
	printDbg("  ver_id:     %04x\n", id.VerID)
	printDbg("  ver_sub_id: %04x\n", id.VerSubID)
	printDbg("  revision:   %02x\n", id.Revision)
	printDbg("  fab:        %02x\n", id.Fab)
	printDbg("  self:       %04x\n", id.Self)
	printDbg("  config:     %02x\n", id.Config)

	base.Chip = ChipInfoFindByID(&id)
	if base.Chip == nil {
		return fmt.Errorf("device probe: unknown chip id %04x", id.VerID)
	}

	showDeviceType(base)
	return nil
}

func showDeviceType(base *DeviceBase) {
	if base.IsFram() {
		printNote("Device: %s [FRAM]\n", base.Chip.Name)
	} else {
		printNote("Device: %s\n", base.Chip.Name)
	}
}

// DeviceErase erases the default device, refusing the operation on
// FRAM parts where erase has no meaning.
func DeviceErase(kind EraseType, addr Address) error {
	dev := deviceDefault

	if dev.Base().IsFram() {
		printErr("warning: not attempting erase of FRAM device\n")
		return nil
	}

	return dev.Erase(kind, addr)
}
