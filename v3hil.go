// v3hil.go - HIL v3 interface layer over the HAL protocol
//
// Exposes a JTAG/SBW-like interface on eZ-FET class dongles: chip
// identification, register context, word-granular memory access, and
// funclet-driven flash programming.

package main

import "fmt"

// HAL function IDs.
const (
	HAL_PROTO_FID_INIT                 = 0x01
	HAL_PROTO_FID_SET_VCC              = 0x02
	HAL_PROTO_FID_GET_VCC              = 0x03
	HAL_PROTO_FID_START_JTAG           = 0x04
	HAL_PROTO_FID_START_JTAG_ACT_CODE  = 0x05
	HAL_PROTO_FID_STOP_JTAG            = 0x06
	HAL_PROTO_FID_CONFIGURE            = 0x07
	HAL_PROTO_FID_GET_FUSES            = 0x08
	HAL_PROTO_FID_BLOW_FUSE            = 0x09
	HAL_PROTO_FID_WAIT_FOR_EEM         = 0x0a
	HAL_PROTO_FID_BIT_SEQUENCE         = 0x0b
	HAL_PROTO_FID_GET_JTAG_ID          = 0x0c
	HAL_PROTO_FID_SET_DEVICE_CHAIN_INFO = 0x0d
	HAL_PROTO_FID_SET_CHAIN_CONFIGURATION = 0x0e
	HAL_PROTO_FID_GET_NUM_DEVICES      = 0x0f
	HAL_PROTO_FID_GET_INTERFACE_MODE   = 0x10
	HAL_PROTO_FID_SJ_ASSERT_POR_SC     = 0x11
	HAL_PROTO_FID_SJ_CONDITIONAL_SC    = 0x12
	HAL_PROTO_FID_RC_RELEASE_JTAG      = 0x13
	HAL_PROTO_FID_READ_MEM_BYTES       = 0x14
	HAL_PROTO_FID_READ_MEM_WORDS       = 0x15
	HAL_PROTO_FID_READ_MEM_QUICK       = 0x16
	HAL_PROTO_FID_WRITE_MEM_BYTES      = 0x17
	HAL_PROTO_FID_WRITE_MEM_WORDS      = 0x18
	HAL_PROTO_FID_EEM_DX               = 0x19
	HAL_PROTO_FID_EEM_DX_AFE2XX        = 0x1a
	HAL_PROTO_FID_SINGLE_STEP          = 0x1b
	HAL_PROTO_FID_READ_ALL_CPU_REGS    = 0x1c
	HAL_PROTO_FID_WRITE_ALL_CPU_REGS   = 0x1d
	HAL_PROTO_FID_PSA                  = 0x1e
	HAL_PROTO_FID_EXECUTE_FUNCLET      = 0x1f
	HAL_PROTO_FID_EXECUTE_FUNCLET_JTAG = 0x20
	HAL_PROTO_FID_GET_DCO_FREQUENCY    = 0x21
	HAL_PROTO_FID_GET_FLL_FREQUENCY    = 0x23
	HAL_PROTO_FID_WAIT_FOR_STORAGE     = 0x25
	HAL_PROTO_FID_READ_MEM_QUICK_XV2   = 0x3d
	HAL_PROTO_FID_UNLOCK_DEVICE_XV2    = 0x45
	HAL_PROTO_FID_MAGIC_PATTERN        = 0x46
	HAL_PROTO_FID_IS_JTAG_FUSE_BLOWN   = 0x4b
	HAL_PROTO_FID_RESET_XV2            = 0x4c
	HAL_PROTO_FID_RESET_STATIC_GLOBAL_VARS = 0x51
)

// Argument codes for HAL_PROTO_FID_CONFIGURE.
const (
	HAL_PROTO_CONFIG_ENHANCED_PSA              = 0x01
	HAL_PROTO_CONFIG_PSA_TCKL_HIGH             = 0x02
	HAL_PROTO_CONFIG_DEFAULT_CLK_CONTROL       = 0x03
	HAL_PROTO_CONFIG_POWER_TESTREG_MASK        = 0x04
	HAL_PROTO_CONFIG_TESTREG_ENABLE_LPMX5      = 0x05
	HAL_PROTO_CONFIG_TESTREG_DISABLE_LPMX5     = 0x06
	HAL_PROTO_CONFIG_POWER_TESTREG3V_MASK      = 0x07
	HAL_PROTO_CONFIG_TESTREG3V_ENABLE_LPMX5    = 0x08
	HAL_PROTO_CONFIG_TESTREG3V_DISABLE_LPMX5   = 0x09
	HAL_PROTO_CONFIG_CLK_CONTROL_TYPE          = 0x0a
	HAL_PROTO_CONFIG_JTAG_SPEED                = 0x0b
	HAL_PROTO_CONFIG_SFLLDEH                   = 0x0c
	HAL_PROTO_CONFIG_NO_BSL                    = 0x0d
	HAL_PROTO_CONFIG_ALT_ROM_ADDR_FOR_CPU_READ = 0x0e
	HAL_PROTO_CONFIG_ASSERT_BSL_VALID_BIT      = 0x0f
)

// V3HilJtagType selects the wire protocol at StartJtag.
type V3HilJtagType uint8

const (
	V3HIL_JTAG_JTAG      V3HilJtagType = 0
	V3HIL_JTAG_SPYBIWIRE V3HilJtagType = 1
)

type v3hilCalibrate struct {
	isCal bool
	cal0  uint16
	cal1  uint16
}

// V3Hil is the state of one HIL v3 session.
type V3Hil struct {
	hal  *HalProto
	Chip *ChipInfo

	// 0x89 is the old-style CPU; 0x91/0x95/0x99 are CPUxV2.
	jtagID uint8

	// Lower 8 bits of the saved WDTCTL.
	wdtctl uint8

	// Register cache. Flushed before a context restore and
	// refreshed after a context save.
	Regs [DEVICE_NUM_REGS]Address

	cal v3hilCalibrate
}

// NewV3Hil associates a transport with a fresh HIL session.
func NewV3Hil(trans Transport, flags HalProtoFlags) *V3Hil {
	return &V3Hil{hal: NewHalProto(trans, flags)}
}

func (h *V3Hil) Hal() *HalProto { return h.hal }

// mapFid applies the chip's function remap table.
func (h *V3Hil) mapFid(src uint8) uint8 {
	if h.Chip == nil || int(src) >= len(h.Chip.V3Functions) {
		return src
	}
	if dst := h.Chip.V3Functions[src]; dst != 0 {
		return dst
	}
	return src
}

func (h *V3Hil) SetVcc(vccMillivolts int) error {
	var data [2]byte

	putLe16(data[:], uint16(vccMillivolts))
	return h.hal.Execute(HAL_PROTO_FID_SET_VCC, data[:])
}

// CommInit resets the dongle's communication layer, reads the
// firmware version and resets the firmware state.
func (h *V3Hil) CommInit() error {
	printDbg("Reset communications...\n")
	if err := h.hal.Send(HAL_PROTO_TYPE_EXCEPTION, nil); err != nil {
		return err
	}

	if err := h.hal.Execute(0, []byte{0}); err != nil {
		return err
	}
	if len(h.hal.Payload) < 8 {
		printErr("warning: v3hil: short reply to version request\n")
	} else {
		major := h.hal.Payload[1] >> 6
		minor := h.hal.Payload[1] & 0x3f
		patch := h.hal.Payload[0]
		flavour := le16(h.hal.Payload[2:])

		printDbg("Version: %d.%d.%d.%d, HW: 0x%04x\n",
			major, minor, patch, flavour, le32(h.hal.Payload[4:]))
	}

	printDbg("Reset firmware...\n")
	return h.hal.Execute(HAL_PROTO_FID_RESET_STATIC_GLOBAL_VARS, nil)
}

func (h *V3Hil) StartJtag(jtagType V3HilJtagType) error {
	if err := h.hal.Execute(HAL_PROTO_FID_START_JTAG,
		[]byte{byte(jtagType)}); err != nil {
		return err
	}

	if len(h.hal.Payload) == 0 {
		return fmt.Errorf("v3hil: short reply")
	}

	if h.hal.Payload[0] == 0 {
		return fmt.Errorf("v3hil: no devices present")
	}

	printDbg("Device count: %d\n", h.hal.Payload[0])
	return h.hal.Execute(HAL_PROTO_FID_SET_DEVICE_CHAIN_INFO,
		[]byte{0, 0})
}

func (h *V3Hil) StopJtag() error {
	return h.hal.Execute(HAL_PROTO_FID_STOP_JTAG, nil)
}

// wdtctlAddr is 0x20 on old CPUs, 0x5c on CPUxV2.
func (h *V3Hil) wdtctlAddr() byte {
	if h.jtagID == 0x89 {
		return 0x20
	}
	return 0x5c
}

// Sync asserts a PUC and captures the initial WDTCTL/PC/SR state. The
// parameter block carries the WDTCTL address, the hold bit, the
// watchdog password, the JTAG ID and the chip's 16 clock-map codes in
// a fixed fan-out order.
func (h *V3Hil) Sync() error {
	var data [32]byte

	h.cal.isCal = false

	data[0] = h.wdtctlAddr()
	data[1] = 0x01
	data[2] = 0x80 // WDTHOLD
	data[3] = 0x5a // WDTPW
	data[4] = h.jtagID

	if h.Chip != nil {
		for i := 0; i < 16 && i < len(h.Chip.ClockMap); i++ {
			data[i+5] = h.Chip.ClockMap[i].Value
		}
	} else {
		data[5] = 1
		data[15] = 40
	}

	// The remap table can't be consulted here: sync runs before
	// identification completes.
	fid := uint8(HAL_PROTO_FID_SJ_ASSERT_POR_SC)
	if h.jtagID != 0x89 {
		fid = 0x39 // SJ_ASSERT_POR_SC_XV2
	}

	if err := h.hal.Execute(fid, data[:21]); err != nil {
		return err
	}

	if len(h.hal.Payload) < 8 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	h.wdtctl = h.hal.Payload[0]
	h.Regs[MSP430_REG_PC] = le32(h.hal.Payload[2:])
	h.Regs[MSP430_REG_SR] = Address(le16(h.hal.Payload[6:]))
	return nil
}

// Read transfers size bytes from the target. Word-addressed regions
// use the word function with a word count; the requested range is
// clipped at region boundaries and the byte count actually read is
// returned.
func (h *V3Hil) Read(addr Address, mem []byte) (int, error) {
	size := Address(len(mem))
	var m *MemoryRegion

	if h.Chip != nil {
		size, m = checkRange(h.Chip, addr, size)
		if m == nil {
			for i := Address(0); i < size; i++ {
				mem[i] = 0x55
			}
			return int(size), nil
		}
	}

	var req [12]byte
	putLe32(req[0:], uint32(addr))
	count := uint32(size)
	fid := uint8(HAL_PROTO_FID_READ_MEM_BYTES)
	if m == nil || m.Bits != 8 {
		count = uint32(size) >> 1
		fid = HAL_PROTO_FID_READ_MEM_WORDS
	}
	putLe32(req[4:], count)
	putLe32(req[8:], uint32(h.Regs[MSP430_REG_PC]))

	if err := h.hal.Execute(h.mapFid(fid), req[:8]); err != nil {
		return 0, fmt.Errorf("v3hil: failed reading %d bytes from 0x%05x: %w",
			size, addr, err)
	}

	if len(h.hal.Payload) < int(size) {
		return 0, fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	copy(mem[:size], h.hal.Payload)
	return int(size), nil
}

func (h *V3Hil) calibrateDCO(maxBcs uint16) error {
	ram := h.Chip.FindRAM()
	if ram == nil {
		return fmt.Errorf("v3hil: can't find RAM region in chip database")
	}

	printDbg("Calibrate DCO...\n")

	var data [6]byte
	putLe16(data[0:], uint16(ram.Offset))
	putLe16(data[2:], maxBcs)

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_GET_DCO_FREQUENCY),
		data[:6]); err != nil {
		return fmt.Errorf("v3hil: DCO calibration failed: %w", err)
	}
	if len(h.hal.Payload) < 6 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	h.cal.cal0 = le16(h.hal.Payload)
	h.cal.cal1 = le16(h.hal.Payload[2:])

	var memWrite [12]byte
	putLe32(memWrite[0:], 0x56) // DCO control address
	putLe32(memWrite[4:], 3)
	memWrite[8] = h.hal.Payload[0]  // DCO
	memWrite[9] = h.hal.Payload[2]  // BCS1
	memWrite[10] = h.hal.Payload[4] // BCS2
	memWrite[11] = 0

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_WRITE_MEM_BYTES),
		memWrite[:]); err != nil {
		return fmt.Errorf("v3hil: failed to load DCO settings: %w", err)
	}

	return nil
}

func (h *V3Hil) calibrateFLL() error {
	ram := h.Chip.FindRAM()
	if ram == nil {
		return fmt.Errorf("v3hil: can't find RAM region in chip database")
	}

	printDbg("Calibrate FLL...\n")

	var data [10]byte
	putLe16(data[0:], uint16(ram.Offset))
	putLe16(data[2:], 0)

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_GET_FLL_FREQUENCY),
		data[:10]); err != nil {
		return fmt.Errorf("v3hil: FLL calibration failed: %w", err)
	}
	if len(h.hal.Payload) < 10 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	h.cal.cal0 = 0
	h.cal.cal1 = le16(h.hal.Payload[2:])

	var memWrite [14]byte
	putLe32(memWrite[0:], 0x50) // SCFI0 address
	putLe32(memWrite[4:], 5)
	memWrite[8] = h.hal.Payload[0]  // SCFI0
	memWrite[9] = h.hal.Payload[2]  // SCFI1
	memWrite[10] = h.hal.Payload[4] // SCFQCTL
	memWrite[11] = h.hal.Payload[6] // FLLCTL0
	memWrite[12] = h.hal.Payload[8] // FLLCTL1
	memWrite[13] = 0

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_WRITE_MEM_BYTES),
		memWrite[:]); err != nil {
		return fmt.Errorf("v3hil: failed to load FLL settings: %w", err)
	}

	return nil
}

// calibrate prepares the clock calibration words consumed by the
// flash funclets: DCO for BC1xx/BC2xx parts, FLL for FLL+ parts.
func (h *V3Hil) calibrate() error {
	if h.cal.isCal {
		return nil
	}

	var err error

	switch h.Chip.ClockSys {
	case CHIPINFO_CLOCK_SYS_BC_1XX:
		err = h.calibrateDCO(0x7)
	case CHIPINFO_CLOCK_SYS_BC_2XX:
		err = h.calibrateDCO(0xf)
	case CHIPINFO_CLOCK_SYS_FLL_PLUS:
		err = h.calibrateFLL()
	default:
		h.cal.cal0 = 0
		h.cal.cal1 = 0
	}

	if err != nil {
		return err
	}

	h.cal.isCal = true
	return nil
}

func (h *V3Hil) uploadFunclet(ram *MemoryRegion, f *Funclet) error {
	addr := uint32(ram.Offset)
	code := f.Code
	numWords := int(f.CodeSize)

	if numWords*2 > int(ram.Size) {
		return fmt.Errorf("v3hil: funclet too big for RAM")
	}

	for numWords > 0 {
		n := numWords
		if n > 112 {
			n = 112
		}

		data := make([]byte, n*2+8)
		putLe32(data[0:], addr)
		putLe32(data[4:], uint32(n))
		for i := 0; i < n; i++ {
			putLe16(data[8+i*2:], code[i])
		}

		if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_WRITE_MEM_WORDS),
			data); err != nil {
			return fmt.Errorf("v3hil: funclet upload failed at 0x%04x (%d words): %w",
				addr, n, err)
		}

		addr += uint32(n * 2)
		code = code[n:]
		numWords -= n
	}

	return nil
}

// flashKey returns the flash controller password for funclet calls:
// 0xa508 normally, 0xa548 when info-A is unlocked.
func flashKey() uint16 {
	if flashPermissions()&FPERM_LOCKED_FLASH != 0 {
		return 0xa548
	}
	return 0xa508
}

func (h *V3Hil) writeFlash(addr Address, mem []byte) (int, error) {
	ram := h.Chip.FindRAM()
	if ram == nil {
		return 0, fmt.Errorf("v3hil: can't find RAM region in chip database")
	}

	f := h.Chip.V3Write
	if f == nil {
		return 0, fmt.Errorf("v3hil: no funclet defined for flash write")
	}

	if err := h.calibrate(); err != nil {
		return 0, err
	}
	if err := h.uploadFunclet(ram, f); err != nil {
		return 0, err
	}

	size := len(mem)
	if size > 128 {
		size = 128
	}

	avail := uint16(ram.Size) - f.CodeSize*2
	if avail > f.MaxPayload {
		avail = f.MaxPayload
	}

	data := make([]byte, size+22)
	putLe16(data[0:], uint16(ram.Offset))
	putLe16(data[2:], avail)
	putLe16(data[4:], uint16(ram.Offset)+f.EntryPoint)
	putLe32(data[6:], uint32(addr))
	putLe32(data[10:], uint32(size>>1))
	putLe32(data[14:], 0)
	putLe16(data[16:], flashKey())
	putLe16(data[18:], h.cal.cal0)
	putLe16(data[20:], h.cal.cal1)
	copy(data[22:], mem[:size])

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_EXECUTE_FUNCLET),
		data); err != nil {
		return 0, fmt.Errorf("v3hil: failed to program %d bytes at 0x%04x: %w",
			size, addr, err)
	}

	return size, nil
}

func (h *V3Hil) writeRAM(m *MemoryRegion, addr Address, mem []byte) (int, error) {
	size := len(mem)

	data := make([]byte, size+8)
	putLe32(data[0:], uint32(addr))
	count := uint32(size)
	fid := uint8(HAL_PROTO_FID_WRITE_MEM_BYTES)
	if m == nil || m.Bits != 8 {
		count = uint32(size) >> 1
		fid = HAL_PROTO_FID_WRITE_MEM_WORDS
	}
	putLe32(data[4:], count)
	copy(data[8:], mem)

	if err := h.hal.Execute(h.mapFid(fid), data); err != nil {
		return 0, fmt.Errorf("v3hil: failed writing %d bytes to 0x%05x: %w",
			size, addr, err)
	}

	return size, nil
}

// Write transfers bytes to the target. Flash regions go through the
// write funclet in blocks of at most 128 bytes.
func (h *V3Hil) Write(addr Address, mem []byte) (int, error) {
	size := Address(len(mem))
	var m *MemoryRegion

	if h.Chip != nil {
		size, m = checkRange(h.Chip, addr, size)
		if m == nil {
			return int(size), nil
		}
	}

	if size > 128 {
		size = 128
	}

	if m != nil && m.Type == CHIPINFO_MEMTYPE_FLASH {
		return h.writeFlash(addr, mem[:size])
	}

	return h.writeRAM(m, addr, mem[:size])
}

func (h *V3Hil) callErase(ram *MemoryRegion, f *Funclet,
	addr Address, eraseType uint16) error {
	printDbg("Erase segment @ 0x%04x\n", addr)

	var data [26]byte
	putLe16(data[0:], uint16(ram.Offset))
	putLe16(data[2:], 0)
	putLe16(data[4:], uint16(ram.Offset)+f.EntryPoint)
	putLe32(data[6:], uint32(addr))
	putLe32(data[10:], 2)
	putLe16(data[14:], eraseType)
	putLe16(data[16:], flashKey())
	putLe16(data[18:], h.cal.cal0)
	putLe16(data[20:], h.cal.cal1)
	putLe32(data[22:], 0xdeadbeef)

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_EXECUTE_FUNCLET),
		data[:]); err != nil {
		return fmt.Errorf("v3hil: failed to erase at 0x%04x: %w", addr, err)
	}

	return nil
}

// Erase drives the erase funclet. ADDRESS_NONE means "main memory":
// every bank of the main flash region is erased from highest to
// lowest; otherwise the segment containing the address is erased.
func (h *V3Hil) Erase(segment Address) error {
	ram := h.Chip.FindRAM()
	if ram == nil {
		return fmt.Errorf("v3hil: can't find RAM region in chip database")
	}

	f := h.Chip.V3Erase
	if f == nil {
		return fmt.Errorf("v3hil: no funclet defined for flash erase")
	}

	var flash *MemoryRegion
	if segment == ADDRESS_NONE {
		flash = h.Chip.FindMemByName("main")
	} else {
		flash = h.Chip.FindMemByAddr(segment)
	}

	if flash == nil {
		return fmt.Errorf("v3hil: can't find appropriate flash region")
	}

	if err := h.calibrate(); err != nil {
		return err
	}
	if err := h.uploadFunclet(ram, f); err != nil {
		return err
	}

	if segment == ADDRESS_NONE {
		banks := flash.Banks
		if banks < 1 {
			banks = 1
		}
		bankSize := flash.Size / uint32(banks)

		// The last word of bank i-1 sits just below i*bankSize.
		for i := banks; i > 0; i-- {
			addr := flash.Offset + Address(uint32(i)*bankSize) - 2
			if err := h.callErase(ram, f, addr, 0xa502); err != nil {
				return err
			}
		}
	} else {
		segment &^= Address(flash.SegSize - 1)
		segment |= Address(flash.SegSize - 2)

		if err := h.callErase(ram, f, segment, 0xa502); err != nil {
			return err
		}
	}

	return nil
}

// UpdateRegs refreshes the register cache from the target. PC, SR and
// R3 are excluded; they are handled by sync/restore.
func (h *V3Hil) UpdateRegs() error {
	fid := h.mapFid(HAL_PROTO_FID_READ_ALL_CPU_REGS)
	regSize := 3
	if fid == HAL_PROTO_FID_READ_ALL_CPU_REGS {
		regSize = 2
	}

	if err := h.hal.Execute(fid, nil); err != nil {
		return fmt.Errorf("v3hil: can't read CPU registers: %w", err)
	}

	if len(h.hal.Payload) < regSize*13 {
		return fmt.Errorf("v3hil: short read: %d", len(h.hal.Payload))
	}

	sptr := 0
	for i := 0; i < DEVICE_NUM_REGS; i++ {
		if i == MSP430_REG_PC || i == MSP430_REG_SR ||
			i == MSP430_REG_R3 {
			continue
		}

		var r Address
		for j := 0; j < regSize; j++ {
			r |= Address(h.hal.Payload[sptr]) << (j * 8)
			sptr++
		}

		h.Regs[i] = r
	}

	return nil
}

// FlushRegs writes the register cache back to the target.
func (h *V3Hil) FlushRegs() error {
	fid := h.mapFid(HAL_PROTO_FID_WRITE_ALL_CPU_REGS)
	regSize := 3
	if fid == HAL_PROTO_FID_WRITE_ALL_CPU_REGS {
		regSize = 2
	}

	data := make([]byte, 0, regSize*13)
	for i := 0; i < DEVICE_NUM_REGS; i++ {
		if i == MSP430_REG_PC || i == MSP430_REG_SR ||
			i == MSP430_REG_R3 {
			continue
		}

		r := h.Regs[i]
		for j := 0; j < regSize; j++ {
			data = append(data, byte(r))
			r >>= 8
		}
	}

	if err := h.hal.Execute(fid, data); err != nil {
		return fmt.Errorf("v3hil: can't write CPU registers: %w", err)
	}

	return nil
}

// ContextRestore releases the target: free-running when free is set,
// armed for a step otherwise.
func (h *V3Hil) ContextRestore(free bool) error {
	var data [18]byte

	data[0] = h.wdtctlAddr()
	data[1] = 0x01
	data[2] = h.wdtctl
	data[3] = 0x5a
	putLe32(data[4:], uint32(h.Regs[MSP430_REG_PC]))
	data[8] = byte(h.Regs[MSP430_REG_SR])
	data[9] = byte(h.Regs[MSP430_REG_SR] >> 8)
	if free {
		data[10] = 7
		data[14] = 1
	} else {
		data[10] = 6
	}

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_RC_RELEASE_JTAG),
		data[:]); err != nil {
		return fmt.Errorf("v3hil: failed to restore context: %w", err)
	}

	return nil
}

// ContextSave halts the target and captures WDTCTL/PC/SR.
func (h *V3Hil) ContextSave() error {
	var data [8]byte

	h.cal.isCal = false

	data[0] = h.wdtctlAddr()
	data[1] = 0x01
	data[2] = h.wdtctl | 0x80
	data[3] = 0x5a

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_SJ_CONDITIONAL_SC),
		data[:]); err != nil {
		return err
	}
	if len(h.hal.Payload) < 8 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	h.wdtctl = byte(le16(h.hal.Payload))
	h.Regs[MSP430_REG_PC] = le32(h.hal.Payload[2:])
	h.Regs[MSP430_REG_SR] = Address(le16(h.hal.Payload[6:]))
	return nil
}

// SingleStep runs one instruction in a single HAL call and refreshes
// PC/SR from the reply. The caller manages the rest of the register
// cache.
func (h *V3Hil) SingleStep() error {
	var data [18]byte

	h.cal.isCal = false

	data[0] = h.wdtctlAddr()
	data[1] = 0x01
	data[2] = h.wdtctl
	data[3] = 0x5a
	putLe32(data[4:], uint32(h.Regs[MSP430_REG_PC]))
	data[8] = byte(h.Regs[MSP430_REG_SR])
	data[9] = byte(h.Regs[MSP430_REG_SR] >> 8)
	data[10] = 7

	if err := h.hal.Execute(h.mapFid(HAL_PROTO_FID_SINGLE_STEP),
		data[:]); err != nil {
		return fmt.Errorf("v3hil: single-step failed: %w", err)
	}

	if len(h.hal.Payload) < 8 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	h.wdtctl = byte(le16(h.hal.Payload))
	h.Regs[MSP430_REG_PC] = le32(h.hal.Payload[2:])
	h.Regs[MSP430_REG_SR] = Address(le16(h.hal.Payload[6:]))
	return nil
}

/************************************************************************
 * Identification and configuration
 */

func (h *V3Hil) setParam(cfg uint8, value uint32) error {
	var data [8]byte

	data[0] = cfg
	putLe32(data[4:], value)

	if err := h.hal.Execute(HAL_PROTO_FID_CONFIGURE, data[:]); err != nil {
		return fmt.Errorf("v3hil: can't set param 0x%02x to 0x%08x: %w",
			cfg, value, err)
	}

	return nil
}

// idproc89 reads the legacy 16-byte ID block plus the fuse byte.
func (h *V3Hil) idproc89(idDataAddr uint32, id *ChipID) error {
	printDbg("Identify (89)...\n")
	printDbg("Read device ID bytes at 0x%05x...\n", idDataAddr)

	var data [8]byte
	putLe32(data[0:], idDataAddr)
	data[4] = 8

	if err := h.hal.Execute(HAL_PROTO_FID_READ_MEM_WORDS,
		data[:]); err != nil {
		return err
	}
	if len(h.hal.Payload) < 16 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	id.VerID = le16(h.hal.Payload)
	id.VerSubID = 0
	id.Revision = uint8(le16(h.hal.Payload[2:]))
	id.Fab = h.hal.Payload[3]
	id.Self = le16(h.hal.Payload[4:])
	id.Config = h.hal.Payload[13] & 0x7f

	printDbg("Read fuses...\n")
	if err := h.hal.Execute(HAL_PROTO_FID_GET_FUSES, nil); err != nil {
		return err
	}
	if len(h.hal.Payload) == 0 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	id.Fuses = h.hal.Payload[0]
	return nil
}

// idproc9x reads the XV2 device-info header, then scans the TLV block
// for the 0x14 sub-ID tag.
func (h *V3Hil) idproc9x(devIDPtr uint32, id *ChipID) error {
	printDbg("Identify (9x)...\n")
	printDbg("Read device ID bytes at 0x%05x...\n", devIDPtr)

	var data [12]byte
	putLe32(data[0:], devIDPtr)
	data[4] = 4

	if err := h.hal.Execute(HAL_PROTO_FID_READ_MEM_QUICK_XV2,
		data[:8]); err != nil {
		return err
	}
	if len(h.hal.Payload) < 8 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	infoLen := h.hal.Payload[0]
	id.VerID = le16(h.hal.Payload[4:])
	id.Revision = h.hal.Payload[6]
	id.Config = h.hal.Payload[7]
	id.Fab = 0x55
	id.Self = 0x5555
	id.Fuses = 0x55

	if infoLen < 1 || infoLen > 11 {
		return nil
	}

	printDbg("Read TLV...\n")
	tlvSize := ((1 << uint(infoLen)) - 2) << 2
	putLe32(data[0:], devIDPtr)
	putLe32(data[4:], uint32(tlvSize>>1))
	putLe32(data[8:], uint32(h.Regs[MSP430_REG_PC]))

	if err := h.hal.Execute(HAL_PROTO_FID_READ_MEM_QUICK_XV2,
		data[:8]); err != nil {
		return err
	}
	if len(h.hal.Payload) < tlvSize {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	i := 8
	for i+3 < tlvSize {
		tag := h.hal.Payload[i]
		length := int(h.hal.Payload[i+1])
		i += 2

		if tag == 0xff {
			break
		}

		if tag == 0x14 && length >= 2 {
			id.VerSubID = le16(h.hal.Payload[i:])
		}

		i += length
	}

	return nil
}

// Identify runs the full attach-time identification: JTAG ID, safe
// configuration defaults, fuse check, sync, the generation-specific
// ID read, and the database lookup.
func (h *V3Hil) Identify() error {
	printDbg("Fetching JTAG ID...\n")
	if err := h.hal.Execute(HAL_PROTO_FID_GET_JTAG_ID, nil); err != nil {
		return err
	}

	if len(h.hal.Payload) < 12 {
		return fmt.Errorf("v3hil: short reply: %d", len(h.hal.Payload))
	}

	h.jtagID = h.hal.Payload[0]
	devIDPtr := le32(h.hal.Payload[4:])
	idDataAddr := le32(h.hal.Payload[8:])

	printDbg("Reset parameters...\n")
	if err := h.resetParams(); err != nil {
		return err
	}

	printDbg("Check JTAG fuse...\n")
	if err := h.hal.Execute(HAL_PROTO_FID_IS_JTAG_FUSE_BLOWN, nil); err != nil {
		return err
	}
	if len(h.hal.Payload) >= 2 &&
		h.hal.Payload[0] == 0x55 && h.hal.Payload[1] == 0x55 {
		return fmt.Errorf("v3hil: JTAG fuse is blown")
	}

	var id ChipID

	printDbg("Sync JTAG...\n")
	if err := h.Sync(); err != nil {
		return err
	}

	if h.jtagID == 0x89 {
		if err := h.idproc89(idDataAddr, &id); err != nil {
			return err
		}
	} else {
		if err := h.idproc9x(devIDPtr, &id); err != nil {
			return err
		}
	}

	printDbg("  ver_id:         %04x\n", id.VerID)
	printDbg("  ver_sub_id:     %04x\n", id.VerSubID)
	printDbg("  revision:       %02x\n", id.Revision)
	printDbg("  fab:            %02x\n", id.Fab)
	printDbg("  self:           %04x\n", id.Self)
	printDbg("  config:         %02x\n", id.Config)
	printDbg("  fuses:          %02x\n", id.Fuses)

	h.Chip = ChipInfoFindByID(&id)
	if h.Chip == nil {
		return fmt.Errorf("v3hil: unknown chip ID")
	}

	return nil
}

// resetParams loads fail-safe configuration defaults before the chip
// is known.
func (h *V3Hil) resetParams() error {
	type param struct {
		cfg   uint8
		value uint32
	}

	defaults := []param{
		{HAL_PROTO_CONFIG_CLK_CONTROL_TYPE, 0},
		{HAL_PROTO_CONFIG_SFLLDEH, 0},
		{HAL_PROTO_CONFIG_DEFAULT_CLK_CONTROL, 0x040f},
		{HAL_PROTO_CONFIG_ENHANCED_PSA, 0},
		{HAL_PROTO_CONFIG_PSA_TCKL_HIGH, 0},
		{HAL_PROTO_CONFIG_POWER_TESTREG_MASK, 0},
		{HAL_PROTO_CONFIG_POWER_TESTREG3V_MASK, 0},
		{HAL_PROTO_CONFIG_NO_BSL, 0},
		{HAL_PROTO_CONFIG_ALT_ROM_ADDR_FOR_CPU_READ, 0},
	}

	for _, d := range defaults {
		if err := h.setParam(d.cfg, d.value); err != nil {
			return err
		}
	}

	return nil
}

func boolParam(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Configure pushes the identified chip's clock, PSA, power and
// feature parameters to the dongle.
func (h *V3Hil) Configure() error {
	printDbg("Configuring for %s...\n", h.Chip.Name)

	type param struct {
		cfg   uint8
		value uint32
	}

	c := h.Chip
	params := []param{
		{HAL_PROTO_CONFIG_CLK_CONTROL_TYPE, uint32(c.ClockControl)},
		{HAL_PROTO_CONFIG_SFLLDEH,
			boolParam(c.Features&CHIPINFO_FEATURE_SFLLDH != 0)},
		{HAL_PROTO_CONFIG_DEFAULT_CLK_CONTROL, uint32(c.MclkControl)},
		{HAL_PROTO_CONFIG_ENHANCED_PSA,
			boolParam(c.Psa == CHIPINFO_PSA_ENHANCED)},
		{HAL_PROTO_CONFIG_PSA_TCKL_HIGH,
			boolParam(c.Features&CHIPINFO_FEATURE_PSACH != 0)},
		{HAL_PROTO_CONFIG_POWER_TESTREG_MASK, c.Power.RegMask},
		{HAL_PROTO_CONFIG_TESTREG_ENABLE_LPMX5, c.Power.EnableLpm5},
		{HAL_PROTO_CONFIG_TESTREG_DISABLE_LPMX5, c.Power.DisableLpm5},
		{HAL_PROTO_CONFIG_POWER_TESTREG3V_MASK, c.Power.RegMask3V},
		{HAL_PROTO_CONFIG_TESTREG3V_ENABLE_LPMX5, c.Power.EnableLpm53V},
		{HAL_PROTO_CONFIG_TESTREG3V_DISABLE_LPMX5, c.Power.DisableLpm53V},
		{HAL_PROTO_CONFIG_NO_BSL,
			boolParam(c.Features&CHIPINFO_FEATURE_NO_BSL != 0)},
		{HAL_PROTO_CONFIG_ALT_ROM_ADDR_FOR_CPU_READ,
			boolParam(c.Features&CHIPINFO_FEATURE_1337 != 0)},
	}

	for _, p := range params {
		if err := h.setParam(p.cfg, p.value); err != nil {
			return err
		}
	}

	return nil
}
