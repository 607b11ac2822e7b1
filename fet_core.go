// fet_core.go - Command core for the legacy FET protocol family
//
// Drives TI FET430UIF, eZ430/RF2500 and the Olimex JTAG adapters. The
// command numbering comes from the UIF v2 firmware.

package main

import (
	"fmt"
	"time"
)

// FET command codes.
const (
	C_INITIALIZE       = 0x01
	C_CLOSE            = 0x02
	C_IDENTIFY         = 0x03
	C_DEVICE           = 0x04
	C_CONFIGURE        = 0x05
	C_VCC              = 0x06
	C_RESET            = 0x07
	C_READREGISTERS    = 0x08
	C_WRITEREGISTERS   = 0x09
	C_READREGISTER     = 0x0a
	C_WRITEREGISTER    = 0x0b
	C_ERASE            = 0x0c
	C_READMEMORY       = 0x0d
	C_WRITEMEMORY      = 0x0e
	C_FASTFLASHER      = 0x0f
	C_BREAKPOINT       = 0x10
	C_RUN              = 0x11
	C_STATE            = 0x12
	C_SECURE           = 0x13
	C_VERIFYMEMORY     = 0x14
	C_FASTVERIFYMEMORY = 0x15
	C_ERASECHECK       = 0x16
	C_EEMOPEN          = 0x17
	C_EEMREADREGISTER  = 0x18
	C_EEMWRITEREGISTER = 0x1a
	C_EEMCLOSE         = 0x1b
	C_ERRORNUMBER      = 0x1c
	C_GETCURVCCT       = 0x1d
	C_GETEXTVOLTAGE    = 0x1e
	C_FETSELFTEST      = 0x1f
	C_FETSETSIGNALS    = 0x20
	C_FETRESET         = 0x21
	C_READI2C          = 0x22
	C_WRITEI2C         = 0x23
	C_ENTERBOOTLOADER  = 0x24

	C_IDENT1 = 0x28
	C_IDENT2 = 0x29
	C_IDENT3 = 0x2b

	C_CMM_PARAM = 0x36
	C_CMM_CTRL  = 0x37
	C_CMM_READ  = 0x38
)

// Parameter constants for the commands above.
const (
	FET_CONFIG_VERIFICATION = 0
	FET_CONFIG_EMULATION    = 1
	FET_CONFIG_CLKCTRL      = 2
	FET_CONFIG_MCLKCTRL     = 3
	FET_CONFIG_FLASH_TESET  = 4
	FET_CONFIG_FLASH_LOCK   = 5
	FET_CONFIG_PROTOCOL     = 8
	FET_CONFIG_UNLOCK_BSL   = 11

	FET_RUN_FREE       = 1
	FET_RUN_STEP       = 2
	FET_RUN_BREAKPOINT = 3

	FET_RESET_PUC = 0x01
	FET_RESET_RST = 0x02
	FET_RESET_VCC = 0x04
	FET_RESET_ALL = 0x07

	FET_ERASE_SEGMENT = 0
	FET_ERASE_MAIN    = 1
	FET_ERASE_ALL     = 2

	FET_POLL_RUNNING    = 0x01
	FET_POLL_BREAKPOINT = 0x02
)

// Driver behaviour flags.
const (
	FET_FORCE_RESET  = 0x01
	FET_IDENTIFY_NEW = 0x02
	FET_SKIP_CLOSE   = 0x04
)

// Flash permission bits tracked against the dongle configuration.
const (
	FPERM_LOCKED_FLASH = 0x01
	FPERM_BSL          = 0x02
)

// fetBlockSize is the memory transfer chunk. Clamped even within
// [2, FET_PROTO_MAX_BLOCK].
var fetBlockSize = 512

// SetFetBlockSize adjusts the FET memory transfer block size.
func SetFetBlockSize(n int) {
	n &^= 1
	if n < 2 {
		n = 2
	}
	if n > FET_PROTO_MAX_BLOCK {
		n = FET_PROTO_MAX_BLOCK
	}
	fetBlockSize = n
}

// fperm reflects the user-selected flash access permissions. The
// option database lives in the embedding front-end; the core keeps the
// process-wide value here.
var fpermCurrent = 0

// SetFlashPermissions updates the requested flash/BSL unlock bits.
func SetFlashPermissions(bits int) { fpermCurrent = bits }
func flashPermissions() int        { return fpermCurrent }

// olimexVariant names the Olimex model behind a FetDevice, for the
// version checks in the identify path.
type olimexVariant int

const (
	OLIMEX_NONE olimexVariant = iota
	OLIMEX_TINY
	OLIMEX_V1
	OLIMEX_ISO
	OLIMEX_ISO_MK2
)

// FetDevice is the legacy FET protocol driver.
type FetDevice struct {
	base DeviceBase

	version  int
	fetFlags int
	olimex   olimexVariant

	pollEnable bool

	proto       *FetProto
	activeFperm int
}

func (d *FetDevice) Base() *DeviceBase { return &d.base }

func (d *FetDevice) showDevInfo(name string) {
	printDbg("Device: %s\n", name)
	printDbg("Number of breakpoints: %d\n", d.base.MaxBreakpoints)
}

func (d *FetDevice) identifyOld() error {
	if err := d.proto.Xfer(C_IDENTIFY, nil, 70, 0); err != nil {
		return err
	}

	if len(d.proto.Data) < 0x26 {
		return fmt.Errorf("fet: missing info")
	}

	name := make([]byte, 0, 32)
	for _, c := range d.proto.Data[4:36] {
		if c == 0 {
			break
		}
		name = append(name, c)
	}

	d.base.MaxBreakpoints = int(le16(d.proto.Data[0x2a:]))
	d.showDevInfo(string(name))
	return nil
}

func (d *FetDevice) applyDBRecord(name string, msg29Params [3]uint32,
	msg29Data []byte, msg2bData []byte) error {
	d.base.MaxBreakpoints = int(msg29Data[0x14])

	printDbg("  Code start address: 0x%x\n", le16(msg29Data))
	codeSize := le32(msg29Data[2:]) - uint32(le16(msg29Data)) + 1
	printDbg("  Code size         : %d byte = %d kb\n",
		codeSize, codeSize/1024)
	printDbg("  RAM  start address: 0x%x\n", le16(msg29Data[0x0c:]))
	printDbg("  RAM  end   address: 0x%x\n", le16(msg29Data[0x0e:]))

	d.showDevInfo(name)

	if err := d.proto.Xfer(C_IDENT3, msg2bData); err != nil {
		printErr("fet: warning: message C_IDENT3 failed\n")
	}

	if err := d.proto.Xfer(C_IDENT2, msg29Data,
		msg29Params[0], msg29Params[1], msg29Params[2]); err != nil {
		return fmt.Errorf("fet: message C_IDENT2 failed: %w", err)
	}

	return nil
}

func (d *FetDevice) identifyNew(forceID string) error {
	if err := d.proto.Xfer(C_IDENT1, nil, 0, 0); err != nil {
		return fmt.Errorf("fet: command C_IDENT1 failed: %w", err)
	}

	if len(d.proto.Data) < 2 {
		return fmt.Errorf("fet: missing info")
	}

	printDbg("Device ID: 0x%02x%02x\n", d.proto.Data[0], d.proto.Data[1])

	var r *FetDBRecord
	if forceID != "" {
		r = FetDBFindByName(forceID)
	} else {
		r = FetDBFindByMsg28(d.proto.Data)
	}

	if r == nil {
		debugHexdump("msg28_data:", d.proto.Data)
		return fmt.Errorf("fet: unknown device")
	}

	return d.applyDBRecord(r.Name, r.Msg29Params, r.Msg29Data[:], r.Msg2BData)
}

func (d *FetDevice) identifyOlimex(forceID string) error {
	printDbg("Using Olimex identification procedure\n")

	setID := uint32(0)
	devID := -1

	if forceID != "" {
		idx := FetOlimexDBFindByName(forceID)
		if idx < 0 {
			return fmt.Errorf("fet: no such device: %s", forceID)
		}
		devID = idx
		setID = uint32(idx + 1)
	}

	// First pass. A "no device" error (code 4) still leaves usable
	// identification bytes behind.
	err := d.proto.Xfer(C_IDENT1, nil, setID, setID, 0)
	if err != nil && d.proto.ErrCode != 4 {
		return fmt.Errorf("fet: command C_IDENT1 failed: %w", err)
	}

	if len(d.proto.Data) < 19 {
		return fmt.Errorf("fet: missing info")
	}

	jtagID := d.proto.Data[18]

	if devID < 0 {
		devID = FetOlimexDBIdentify(d.proto.Data)
	}

	if (devID < 0 && jtagID == 0x91) || d.proto.ErrCode == 4 {
		// Second pass with the magic pattern.
		magic := uint32(0)
		if devID >= 0 {
			magic = uint32(devID + 1)
		}
		if err := d.proto.Xfer(C_IDENT1, nil,
			setID, magic, 0); err != nil {
			return fmt.Errorf("fet: C_IDENT1 with magic pattern failed: %w", err)
		}

		devID = FetOlimexDBIdentify(d.proto.Data)
	}

	printDbg("Device ID: 0x%02x%02x\n", d.proto.Data[0], d.proto.Data[1])

	if devID < 0 {
		return fmt.Errorf("fet: can't find device in DB")
	}

	r := FetOlimexDBRecordAt(devID)
	return d.applyDBRecord(r.Name, r.Msg29Params, r.Msg29Data[:], r.Msg2BData)
}

func (d *FetDevice) isNewOlimex() bool {
	if d.olimex == OLIMEX_ISO_MK2 && d.version >= 20000004 {
		return true
	}

	if (d.olimex == OLIMEX_TINY || d.olimex == OLIMEX_V1 ||
		d.olimex == OLIMEX_ISO) && d.version >= 10004003 {
		return true
	}

	return false
}

func (d *FetDevice) tryNew(forceID string) error {
	if err := d.identifyNew(forceID); err == nil {
		return nil
	}

	return d.identifyOlimex(forceID)
}

func (d *FetDevice) doIdentify(forceID string) error {
	if d.isNewOlimex() {
		return d.identifyOlimex(forceID)
	}

	if d.fetFlags&FET_IDENTIFY_NEW != 0 {
		return d.tryNew(forceID)
	}

	if d.version < 20300000 {
		return d.identifyOld()
	}

	return d.tryNew(forceID)
}

/************************************************************************
 * Power profiling
 */

func (d *FetDevice) powerInit() {
	if err := d.proto.Xfer(C_CMM_PARAM, nil); err != nil {
		printErr("warning: device does not support power profiling\n")
		return
	}

	if len(d.proto.Argv) < 2 || int32(d.proto.Argv[0]) <= 0 ||
		int32(d.proto.Argv[1]) <= 0 {
		printErr("Bad parameters returned by C_CMM_PARAM: "+
			"bufsize = %d bytes, %d us/sample\n",
			d.proto.Argv[1], d.proto.Argv[0])
		return
	}

	printNote("Power profiling enabled: bufsize = %d bytes, %d us/sample\n",
		d.proto.Argv[1], d.proto.Argv[0])
	printShell("power-sample-us %d", d.proto.Argv[0])

	d.base.PowerBuf = NewPowerBuf(POWERBUF_DEFAULT_SAMPLES,
		int(d.proto.Argv[0]))
}

func (d *FetDevice) powerStart() error {
	if d.base.PowerBuf == nil {
		return nil
	}

	if err := d.proto.Xfer(C_CMM_CTRL, nil, 1); err != nil {
		printErr("fet: failed to start power profiling, disabling\n")
		d.base.PowerBuf = nil
		return err
	}

	d.base.PowerBuf.BeginSession(time.Now())
	d.pollEnable = true
	return nil
}

func (d *FetDevice) powerEnd() error {
	if d.base.PowerBuf == nil {
		return nil
	}

	d.base.PowerBuf.EndSession()
	d.pollEnable = false

	if err := d.proto.Xfer(C_CMM_CTRL, nil, 1); err != nil {
		printErr("fet: failed to end power profiling\n")
		return err
	}

	return nil
}

// powerPoll decodes one C_CMM_READ burst. Words with the top bit set
// update the current MAB; all other words are absolute current
// samples attributed to that MAB.
func (d *FetDevice) powerPoll() error {
	if d.base.PowerBuf == nil || !d.pollEnable {
		return nil
	}

	if err := d.proto.Xfer(C_CMM_READ, nil); err != nil {
		printErr("fet: failed to fetch power data, disabling\n")
		d.powerEnd()
		d.base.PowerBuf = nil
		d.pollEnable = false
		return err
	}

	shellPowerSamples(d.proto.Data)

	mab := d.base.PowerBuf.LastMAB()
	var current []uint32
	var mabs []Address

	for i := 0; i+3 < len(d.proto.Data); i += 4 {
		s := le32(d.proto.Data[i:])

		if s&0x80000000 != 0 {
			mab = s & 0x7fffffff
		} else if len(current) < 1024 {
			current = append(current, s)
			mabs = append(mabs, mab)
		}
	}

	d.base.PowerBuf.AddSamples(current, mabs)
	return nil
}

/************************************************************************
 * Steady-state operations
 */

// refreshFperm diffs the requested flash permissions against the set
// last applied to the dongle and reconfigures as needed.
func (d *FetDevice) refreshFperm() error {
	fp := flashPermissions()
	delta := d.activeFperm ^ fp

	if delta&FPERM_LOCKED_FLASH != 0 {
		opt := uint32(0)
		if fp&FPERM_LOCKED_FLASH != 0 {
			opt = 1
		}

		if err := d.proto.Xfer(C_CONFIGURE, nil,
			FET_CONFIG_FLASH_LOCK, opt); err != nil {
			return fmt.Errorf("fet: FET_CONFIG_FLASH_LOCK failed: %w", err)
		}
	}

	if delta&FPERM_BSL != 0 {
		opt := uint32(0)
		if fp&FPERM_BSL != 0 {
			opt = 1
		}

		if err := d.proto.Xfer(C_CONFIGURE, nil,
			FET_CONFIG_UNLOCK_BSL, opt); err != nil {
			return fmt.Errorf("fet: FET_CONFIG_UNLOCK_BSL failed: %w", err)
		}
	}

	d.activeFperm = fp
	return nil
}

func (d *FetDevice) doRun(runType uint32) error {
	if err := d.proto.Xfer(C_RUN, nil, runType, 0); err != nil {
		return fmt.Errorf("fet: failed to restart CPU: %w", err)
	}
	return nil
}

func (d *FetDevice) Erase(kind EraseType, addr Address) error {
	if err := d.proto.Xfer(C_CONFIGURE, nil,
		FET_CONFIG_CLKCTRL, 0x26); err != nil {
		return fmt.Errorf("fet: config (1) failed: %w", err)
	}

	d.refreshFperm()

	var fetEraseType uint32

	switch kind {
	case DEVICE_ERASE_MAIN:
		fetEraseType = FET_ERASE_MAIN
		addr = 0xfffe
	case DEVICE_ERASE_SEGMENT:
		fetEraseType = FET_ERASE_SEGMENT
	case DEVICE_ERASE_ALL:
		fetEraseType = FET_ERASE_ALL
		addr = 0xfffe
	default:
		return fmt.Errorf("fet: unsupported erase type")
	}

	if err := d.proto.Xfer(C_ERASE, nil,
		fetEraseType, uint32(addr), 1); err != nil {
		return fmt.Errorf("fet: erase command failed: %w", err)
	}

	if err := d.proto.Xfer(C_RESET, nil,
		FET_RESET_ALL, 0, 0); err != nil {
		return fmt.Errorf("fet: reset failed: %w", err)
	}

	return nil
}

func (d *FetDevice) Poll() DeviceStatus {
	if err := d.proto.Xfer(C_STATE, nil, 0); err != nil {
		printErr("fet: polling failed\n")
		d.powerEnd()
		return DEVICE_STATUS_ERROR
	}

	if d.base.PowerBuf != nil {
		d.powerPoll()
	} else {
		time.Sleep(50 * time.Millisecond)
	}

	if len(d.proto.Argv) > 0 &&
		d.proto.Argv[0]&FET_POLL_RUNNING == 0 {
		d.powerEnd()
		return DEVICE_STATUS_HALTED
	}

	if CtrlcCheck() {
		return DEVICE_STATUS_INTR
	}

	return DEVICE_STATUS_RUNNING
}

// refreshBreakpoints re-issues every dirty BREAK slot, clearing its
// dirty flag on success. Disabled slots are issued with address 0.
func (d *FetDevice) refreshBreakpoints() error {
	var firstErr error

	for i := 0; i < d.base.MaxBreakpoints; i++ {
		bp := &d.base.Breakpoints[i]

		if bp.Flags&DEVICE_BP_DIRTY == 0 ||
			bp.Type != DEVICE_BPTYPE_BREAK {
			continue
		}

		addr := uint32(uint16(bp.Addr))
		if bp.Flags&DEVICE_BP_ENABLED == 0 {
			addr = 0
		}

		if err := d.proto.Xfer(C_BREAKPOINT, nil,
			uint32(i), addr); err != nil {
			printErr("fet: failed to refresh breakpoint #%d\n", i)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			bp.Flags &^= DEVICE_BP_DIRTY
		}
	}

	return firstErr
}

func (d *FetDevice) Ctl(op DeviceCtl) error {
	switch op {
	case DEVICE_CTL_RESET:
		if err := d.proto.Xfer(C_RESET, nil,
			FET_RESET_ALL, 0, 0); err != nil {
			return fmt.Errorf("fet: reset failed: %w", err)
		}

	case DEVICE_CTL_RUN:
		if err := d.refreshBreakpoints(); err != nil {
			printErr("warning: fet: failed to refresh breakpoints\n")
		}

		d.powerStart()
		if err := d.doRun(FET_RUN_BREAKPOINT); err != nil {
			d.powerEnd()
			return err
		}

	case DEVICE_CTL_HALT:
		d.powerEnd()
		if err := d.proto.Xfer(C_STATE, nil, 1); err != nil {
			return fmt.Errorf("fet: failed to halt CPU: %w", err)
		}

	case DEVICE_CTL_STEP:
		if err := d.doRun(FET_RUN_STEP); err != nil {
			return err
		}

		for {
			status := d.Poll()

			if status == DEVICE_STATUS_ERROR ||
				status == DEVICE_STATUS_INTR {
				return fmt.Errorf("fet: single step interrupted")
			}

			if status == DEVICE_STATUS_HALTED {
				break
			}
		}

	case DEVICE_CTL_SECURE:
		if err := d.proto.Xfer(C_SECURE, nil); err != nil {
			return fmt.Errorf("fet: failed to secure device: %w", err)
		}
	}

	return nil
}

func (d *FetDevice) Close() error {
	if d.fetFlags&FET_SKIP_CLOSE != 0 {
		printDbg("Skipping close procedure\n")
	} else {
		// The second C_RESET argument requests a running chip.
		// The final argument must be nonzero to bring up the RST
		// pin on the G2231, but zero on FRAM parts or the reset
		// vector gets clobbered at the next JTAG attach.
		runFlag := uint32(0)
		if !d.base.IsFram() {
			runFlag = 1
		}

		if err := d.proto.Xfer(C_RESET, nil,
			FET_RESET_ALL, 1, runFlag); err != nil {
			printErr("fet: final reset failed\n")
		}

		if err := d.proto.Xfer(C_CLOSE, nil, 0); err != nil {
			printErr("fet: close command failed\n")
		}

		d.base.PowerBuf = nil
	}

	return d.proto.Transport().Close()
}

func (d *FetDevice) readByte(addr Address) (byte, error) {
	base := addr &^ 1

	if err := d.proto.Xfer(C_READMEMORY, nil,
		uint32(base), 2); err != nil {
		return 0, fmt.Errorf("fet: failed to read byte from 0x%04x: %w",
			addr, err)
	}

	return d.proto.Data[addr&1], nil
}

func (d *FetDevice) writeByte(addr Address, value byte) error {
	base := addr &^ 1

	if err := d.proto.Xfer(C_READMEMORY, nil,
		uint32(base), 2); err != nil {
		return fmt.Errorf("fet: failed to read byte from 0x%04x: %w",
			addr, err)
	}

	var buf [2]byte
	buf[0] = d.proto.Data[0]
	buf[1] = d.proto.Data[1]
	buf[addr&1] = value

	if err := d.proto.Xfer(C_WRITEMEMORY, buf[:],
		uint32(base)); err != nil {
		return fmt.Errorf("fet: failed to write byte at 0x%04x: %w",
			addr, err)
	}

	return nil
}

func (d *FetDevice) ReadMem(addr Address, mem []byte) error {
	if addr&1 != 0 {
		b, err := d.readByte(addr)
		if err != nil {
			return err
		}
		mem[0] = b
		addr++
		mem = mem[1:]
	}

	for len(mem) > 1 {
		plen := len(mem)
		if plen > fetBlockSize {
			plen = fetBlockSize
		}
		plen &^= 1

		if err := d.proto.Xfer(C_READMEMORY, nil,
			uint32(addr), uint32(plen)); err != nil {
			return fmt.Errorf("fet: failed to read from 0x%04x: %w",
				addr, err)
		}

		if len(d.proto.Data) < plen {
			return fmt.Errorf("fet: short data: %d bytes",
				len(d.proto.Data))
		}

		copy(mem, d.proto.Data[:plen])
		mem = mem[plen:]
		addr += Address(plen)
	}

	if len(mem) > 0 {
		b, err := d.readByte(addr)
		if err != nil {
			return err
		}
		mem[0] = b
	}

	return nil
}

func (d *FetDevice) WriteMem(addr Address, mem []byte) error {
	d.refreshFperm()

	if addr&1 != 0 {
		if err := d.writeByte(addr, mem[0]); err != nil {
			return err
		}
		addr++
		mem = mem[1:]
	}

	for len(mem) > 1 {
		plen := len(mem)
		if plen > fetBlockSize {
			plen = fetBlockSize
		}
		plen &^= 1

		if err := d.proto.Xfer(C_WRITEMEMORY, mem[:plen],
			uint32(addr)); err != nil {
			return fmt.Errorf("fet: failed to write to 0x%04x: %w",
				addr, err)
		}

		mem = mem[plen:]
		addr += Address(plen)
	}

	if len(mem) > 0 {
		if err := d.writeByte(addr, mem[0]); err != nil {
			return err
		}
	}

	return nil
}

func (d *FetDevice) GetRegs(regs []Address) error {
	if err := d.proto.Xfer(C_READREGISTERS, nil); err != nil {
		return err
	}

	if len(d.proto.Data) < DEVICE_NUM_REGS*4 {
		return fmt.Errorf("fet: short reply (%d bytes)",
			len(d.proto.Data))
	}

	for i := 0; i < DEVICE_NUM_REGS; i++ {
		regs[i] = le32(d.proto.Data[i*4:])
	}

	return nil
}

func (d *FetDevice) SetRegs(regs []Address) error {
	buf := make([]byte, DEVICE_NUM_REGS*4)

	for i := 0; i < DEVICE_NUM_REGS; i++ {
		putLe32(buf[i*4:], regs[i])
	}

	if err := d.proto.Xfer(C_WRITEREGISTERS, buf, 0xffff); err != nil {
		return fmt.Errorf("fet: context set failed: %w", err)
	}

	return nil
}

func (d *FetDevice) ConfigFuses() (int, error) {
	if err := d.proto.Xfer(C_CONFIGURE, nil,
		FET_CONFIG_VERIFICATION, 0); err != nil {
		return 0, fmt.Errorf("fet: config fuse query failed: %w", err)
	}

	if len(d.proto.Argv) < 1 {
		return 0, fmt.Errorf("fet: missing config fuse value")
	}

	return int(d.proto.Argv[0]), nil
}

/************************************************************************
 * Open/close
 */

func (d *FetDevice) doConfigure(args *DeviceArgs) error {
	if args.Flags&DEVICE_FLAG_JTAG == 0 {
		if err := d.proto.Xfer(C_CONFIGURE, nil,
			FET_CONFIG_PROTOCOL, 1); err == nil {
			printDbg("Configured for Spy-Bi-Wire\n")
			return nil
		}

		return fmt.Errorf("fet: Spy-Bi-Wire configuration failed")
	}

	if err := d.proto.Xfer(C_CONFIGURE, nil,
		FET_CONFIG_PROTOCOL, 2); err == nil {
		printDbg("Configured for JTAG (2)\n")
		return nil
	}

	printErr("fet: warning: JTAG configuration failed -- retrying\n")

	if err := d.proto.Xfer(C_CONFIGURE, nil,
		FET_CONFIG_PROTOCOL, 0); err == nil {
		printDbg("Configured for JTAG (0)\n")
		return nil
	}

	return fmt.Errorf("fet: JTAG configuration failed")
}

func (d *FetDevice) tryOpen(args *DeviceArgs, sendReset bool) error {
	if d.proto.protoFlags&FET_PROTO_NOLEAD_SEND != 0 {
		printNote("Resetting Olimex command processor...\n")
		d.proto.Transport().Send([]byte{0x7e})
		time.Sleep(5 * time.Millisecond)
		d.proto.Transport().Send([]byte{0x7e})
		time.Sleep(5 * time.Millisecond)
	}

	printDbg("Initializing FET...\n")
	if err := d.proto.Xfer(C_INITIALIZE, nil); err != nil {
		return fmt.Errorf("fet: open failed: %w", err)
	}

	if len(d.proto.Argv) > 0 {
		d.version = int(d.proto.Argv[0])
	}
	printDbg("FET protocol version is %d\n", d.version)

	if err := d.proto.Xfer(0x27, nil, 4); err != nil {
		return fmt.Errorf("fet: init failed: %w", err)
	}

	if err := d.proto.Xfer(C_VCC, nil,
		uint32(args.VccMillivolts)); err != nil {
		printErr("warning: fet: set VCC failed\n")
	} else {
		printDbg("Set Vcc: %d mV\n", args.VccMillivolts)
	}

	if err := d.doConfigure(args); err != nil {
		return err
	}

	if sendReset || args.Flags&DEVICE_FLAG_FORCE_RESET != 0 {
		printDbg("Sending reset...\n")
		if err := d.proto.Xfer(C_RESET, nil,
			FET_RESET_ALL, 0, 0); err != nil {
			printErr("warning: fet: reset failed\n")
		}
	}

	if err := d.doIdentify(args.ForcedChipID); err != nil {
		return fmt.Errorf("fet: identify failed: %w", err)
	}

	return nil
}

// FetOpen attaches a legacy FET device over the given transport. On a
// failed first attempt the identify/init block is retried once, with a
// reset unless the dongle is a newer Olimex.
func FetOpen(args *DeviceArgs, protoFlags int, trans Transport,
	fetFlags int, name string, olimex olimexVariant) (Device, error) {
	if args.Flags&DEVICE_FLAG_SKIP_CLOSE != 0 {
		fetFlags |= FET_SKIP_CLOSE
	}

	dev := &FetDevice{
		proto:    NewFetProto(trans, protoFlags),
		fetFlags: fetFlags,
		olimex:   olimex,
	}
	dev.base.Name = name

	if err := dev.tryOpen(args, fetFlags&FET_FORCE_RESET != 0); err != nil {
		time.Sleep(500 * time.Millisecond)
		printDbg("Trying again...\n")
		if err := dev.tryOpen(args, !dev.isNewOlimex()); err != nil {
			trans.Close()
			return nil, err
		}
	}

	// Make sure breakpoints get reset on the first run.
	if dev.base.MaxBreakpoints > DEVICE_MAX_BREAKPOINTS {
		dev.base.MaxBreakpoints = DEVICE_MAX_BREAKPOINTS
	}
	for i := 0; i < dev.base.MaxBreakpoints; i++ {
		dev.base.Breakpoints[i].Flags = DEVICE_BP_DIRTY
	}

	dev.powerInit()

	return dev, nil
}
