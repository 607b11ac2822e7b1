// goodfet.go - GoodFET JTAG430 device driver
//
// The GoodFET speaks a simple app/verb packet protocol over its
// serial port. Reset is performed by toggling the modem lines.

package main

import (
	"fmt"
	"time"
)

// GoodFET applications.
const (
	GOODFET_APP_JTAG430 = 0x11
	GOODFET_APP_DEBUG   = 0xFF
)

// Global verbs.
const (
	GOODFET_GLOBAL_READ  = 0x00
	GOODFET_GLOBAL_WRITE = 0x01
	GOODFET_GLOBAL_PEEK  = 0x02
	GOODFET_GLOBAL_POKE  = 0x03
	GOODFET_GLOBAL_SETUP = 0x10
	GOODFET_GLOBAL_START = 0x20
	GOODFET_GLOBAL_STOP  = 0x21
	GOODFET_GLOBAL_NOK   = 0x7E
	GOODFET_GLOBAL_OK    = 0x7F
	GOODFET_GLOBAL_DEBUG = 0xFF
)

// JTAG430 verbs.
const (
	GOODFET_JTAG430_HALTCPU    = 0xA0
	GOODFET_JTAG430_RELEASECPU = 0xA1
	GOODFET_JTAG430_SETPC      = 0xC2
	GOODFET_JTAG430_WRITEMEM   = 0xE0
	GOODFET_JTAG430_WRITEFLASH = 0xE1
	GOODFET_JTAG430_READMEM    = 0xE2
	GOODFET_JTAG430_ERASEFLASH = 0xE3
)

const (
	goodfetMaxLen      = 1024
	goodfetMaxMemBlock = 128
)

type goodfetPacket struct {
	app  uint8
	verb uint8
	data []byte
}

// GoodfetDevice drives a target through a GoodFET board.
type GoodfetDevice struct {
	base DeviceBase

	trans Transport
}

func (d *GoodfetDevice) Base() *DeviceBase { return &d.base }

// goodfetReset power-cycles the GoodFET MCU via RTS/DTR.
func goodfetReset(trans Transport) error {
	states := []ModemBits{
		MODEM_RTS,
		MODEM_RTS | MODEM_DTR,
		MODEM_DTR,
	}

	printDbg("Resetting GoodFET...\n")

	for i, s := range states {
		if err := trans.SetModem(s); err != nil {
			return fmt.Errorf("goodfet: failed at step %d: %w", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	return nil
}

func goodfetSendPacket(trans Transport, app, verb uint8, data []byte) error {
	if len(data) > goodfetMaxLen {
		return fmt.Errorf("goodfet: send_packet: maximum length exceeded (%d)",
			len(data))
	}

	raw := make([]byte, len(data)+4)
	raw[0] = app
	raw[1] = verb
	raw[2] = byte(len(data))
	raw[3] = byte(len(data) >> 8)
	copy(raw[4:], data)

	if err := trans.Send(raw); err != nil {
		return fmt.Errorf("goodfet: send_packet: %w", err)
	}

	return nil
}

func goodfetRecvPacket(trans Transport) (*goodfetPacket, error) {
	var header [4]byte

	if err := recvAll(trans, header[:]); err != nil {
		return nil, fmt.Errorf("goodfet: recv_packet (header): %w", err)
	}

	pkt := &goodfetPacket{
		app:  header[0],
		verb: header[1],
	}
	length := int(header[2]) | int(header[3])<<8

	if length > goodfetMaxLen {
		return nil, fmt.Errorf("goodfet: recv_packet: maximum length exceeded (%d)",
			length)
	}

	pkt.data = make([]byte, length)
	if err := recvAll(trans, pkt.data); err != nil {
		return nil, fmt.Errorf("goodfet: recv_packet (data): %w", err)
	}

	return pkt, nil
}

// goodfetXfer performs one exchange, passing through any interleaved
// debug messages from the board.
func goodfetXfer(trans Transport, app, verb uint8, data []byte) (*goodfetPacket, error) {
	if err := goodfetSendPacket(trans, app, verb, data); err != nil {
		return nil, fmt.Errorf("goodfet: command 0x%02x/0x%02x failed: %w",
			app, verb, err)
	}

	for {
		pkt, err := goodfetRecvPacket(trans)
		if err != nil {
			return nil, fmt.Errorf("goodfet: command 0x%02x/0x%02x failed: %w",
				app, verb, err)
		}

		if pkt.app == GOODFET_APP_DEBUG && pkt.verb == GOODFET_GLOBAL_DEBUG {
			printDbg("[GoodFET debug] %s\n", string(pkt.data))
		}

		if pkt.app == app && pkt.verb == verb {
			return pkt, nil
		}
	}
}

// readWords reads a word-aligned block from any kind of memory.
func (d *GoodfetDevice) readWords(m *MemoryRegion, addr Address,
	data []byte) (int, error) {
	length := len(data)
	if length > goodfetMaxMemBlock {
		length = goodfetMaxMemBlock
	}

	req := []byte{
		byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24),
		byte(length), byte(length >> 8),
	}

	pkt, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
		GOODFET_GLOBAL_PEEK, req)
	if err != nil {
		return 0, fmt.Errorf("goodfet: read %d bytes from 0x%x failed: %w",
			length, addr, err)
	}

	if len(pkt.data) != length {
		return 0, fmt.Errorf("goodfet: short memory read (got %d, expected %d)",
			len(pkt.data), length)
	}

	copy(data, pkt.data)
	return length, nil
}

func (d *GoodfetDevice) writeRAMWord(addr Address, value uint16) error {
	req := []byte{
		byte(addr), byte(addr >> 8), 0, 0,
		byte(value), byte(value >> 8),
	}

	if _, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
		GOODFET_GLOBAL_POKE, req); err != nil {
		return fmt.Errorf("goodfet: failed to write word at 0x%x: %w",
			addr, err)
	}

	return nil
}

func (d *GoodfetDevice) writeFlashBlock(addr Address, data []byte) error {
	req := make([]byte, len(data)+4)
	req[0] = byte(addr)
	req[1] = byte(addr >> 8)
	req[2] = byte(addr >> 16)
	req[3] = byte(addr >> 24)
	copy(req[4:], data)

	if _, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
		GOODFET_JTAG430_WRITEFLASH, req); err != nil {
		return fmt.Errorf("goodfet: failed to write flash block of "+
			"size %d at 0x%x: %w", len(data), addr, err)
	}

	return nil
}

// writeWords writes a word-aligned block; RAM goes one word at a
// time, flash in blocks.
func (d *GoodfetDevice) writeWords(m *MemoryRegion, addr Address,
	data []byte) (int, error) {
	length := len(data)
	if length > goodfetMaxMemBlock {
		length = goodfetMaxMemBlock
	}

	if m == nil || m.Type != CHIPINFO_MEMTYPE_FLASH {
		length = 2
		if err := d.writeRAMWord(addr, le16(data)); err != nil {
			return 0, err
		}
	} else if err := d.writeFlashBlock(addr, data[:length]); err != nil {
		return 0, err
	}

	return length, nil
}

func goodfetInit(trans Transport) error {
	printDbg("Initializing...\n")

	if _, err := goodfetXfer(trans, GOODFET_APP_JTAG430,
		GOODFET_GLOBAL_NOK, nil); err != nil {
		return fmt.Errorf("goodfet: comms test failed: %w", err)
	}

	printDbg("Setting up JTAG pins\n")
	if _, err := goodfetXfer(trans, GOODFET_APP_JTAG430,
		GOODFET_GLOBAL_SETUP, nil); err != nil {
		return fmt.Errorf("goodfet: SETUP command failed: %w", err)
	}

	printDbg("Starting JTAG\n")
	pkt, err := goodfetXfer(trans, GOODFET_APP_JTAG430,
		GOODFET_GLOBAL_START, nil)
	if err != nil {
		return fmt.Errorf("goodfet: START command failed: %w", err)
	}

	if len(pkt.data) < 1 {
		return fmt.Errorf("goodfet: bad response to JTAG START")
	}

	printNote("JTAG ID: 0x%02x\n", pkt.data[0])
	if pkt.data[0] != 0x89 && pkt.data[0] != 0x91 {
		goodfetXfer(trans, GOODFET_APP_JTAG430, GOODFET_GLOBAL_STOP, nil)
		return fmt.Errorf("goodfet: unexpected JTAG ID: 0x%02x", pkt.data[0])
	}

	printDbg("Halting CPU\n")
	if _, err := goodfetXfer(trans, GOODFET_APP_JTAG430,
		GOODFET_JTAG430_HALTCPU, nil); err != nil {
		goodfetXfer(trans, GOODFET_APP_JTAG430, GOODFET_GLOBAL_STOP, nil)
		return fmt.Errorf("goodfet: HALTCPU command failed: %w", err)
	}

	return nil
}

func (d *GoodfetDevice) ReadMem(addr Address, mem []byte) error {
	return readMemRanged(d.base.Chip, addr, mem, d.readWords)
}

func (d *GoodfetDevice) WriteMem(addr Address, mem []byte) error {
	return writeMemRanged(d.base.Chip, addr, mem, d.writeWords, d.readWords)
}

func (d *GoodfetDevice) GetRegs(regs []Address) error {
	return fmt.Errorf("goodfet: register read not implemented")
}

func (d *GoodfetDevice) SetRegs(regs []Address) error {
	return fmt.Errorf("goodfet: register write not implemented")
}

func (d *GoodfetDevice) ConfigFuses() (int, error) {
	return 0, fmt.Errorf("goodfet: config fuse query is not supported")
}

func (d *GoodfetDevice) Ctl(op DeviceCtl) error {
	switch op {
	case DEVICE_CTL_RESET:
		// There is no POR request, so just restart JTAG.
		seq := []uint8{
			GOODFET_JTAG430_RELEASECPU,
			GOODFET_GLOBAL_STOP,
			GOODFET_GLOBAL_START,
			GOODFET_JTAG430_HALTCPU,
		}

		for _, verb := range seq {
			if _, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
				verb, nil); err != nil {
				return fmt.Errorf("goodfet: reset: command 0x%02x failed: %w",
					verb, err)
			}
		}
		return nil

	case DEVICE_CTL_RUN:
		if _, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
			GOODFET_JTAG430_RELEASECPU, nil); err != nil {
			return fmt.Errorf("goodfet: failed to release CPU: %w", err)
		}
		return nil

	case DEVICE_CTL_HALT:
		if _, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
			GOODFET_JTAG430_HALTCPU, nil); err != nil {
			return fmt.Errorf("goodfet: failed to halt CPU: %w", err)
		}
		return nil
	}

	return fmt.Errorf("goodfet: unsupported operation")
}

func (d *GoodfetDevice) Poll() DeviceStatus {
	if CtrlcCheck() {
		return DEVICE_STATUS_INTR
	}

	time.Sleep(100 * time.Millisecond)
	return DEVICE_STATUS_RUNNING
}

func (d *GoodfetDevice) Erase(kind EraseType, addr Address) error {
	if kind != DEVICE_ERASE_MAIN {
		return fmt.Errorf("goodfet: only main memory erase is supported")
	}

	if _, err := goodfetXfer(d.trans, GOODFET_APP_JTAG430,
		GOODFET_JTAG430_ERASEFLASH, nil); err != nil {
		return fmt.Errorf("goodfet: erase failed: %w", err)
	}

	return nil
}

func (d *GoodfetDevice) Close() error {
	goodfetXfer(d.trans, GOODFET_APP_JTAG430, GOODFET_GLOBAL_STOP, nil)
	return d.trans.Close()
}

// GoodfetOpen resets and initializes a GoodFET board on a serial
// port.
func GoodfetOpen(args *DeviceArgs) (Device, error) {
	if args.Flags&DEVICE_FLAG_TTY == 0 {
		return nil, fmt.Errorf("goodfet: this driver does not support raw USB access")
	}

	if args.Flags&DEVICE_FLAG_JTAG == 0 {
		return nil, fmt.Errorf("goodfet: this driver does not support Spy-Bi-Wire")
	}

	trans, err := SerialOpen(args.Path, 115200, 0)
	if err != nil {
		return nil, fmt.Errorf("goodfet: %w", err)
	}

	dev := &GoodfetDevice{trans: trans}
	dev.base.Name = "goodfet"
	dev.base.NeedProbe = true

	if err := goodfetReset(trans); err != nil {
		trans.Close()
		return nil, err
	}

	if err := goodfetInit(trans); err != nil {
		trans.Close()
		return nil, err
	}

	return dev, nil
}
