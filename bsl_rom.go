// bsl_rom.go - ROM bootstrap loader device driver
//
// Speaks the original '430 ROM BSL protocol over an even-parity
// 9600 baud serial link. The target is halted in the bootloader, so
// CPU control is a no-op and register access is rejected.

package main

import (
	"fmt"
	"time"
)

const (
	BSL_DATA_HDR = 0x80
	BSL_DATA_ACK = 0x90
	BSL_DATA_NAK = 0xA0
)

// ROM BSL command codes.
const (
	ROM_BSL_CMD_RX_PASSWORD   = 0x10
	ROM_BSL_CMD_RX_DATA       = 0x12
	ROM_BSL_CMD_TX_DATA       = 0x14
	ROM_BSL_CMD_ERASE_SEGMENT = 0x16
	ROM_BSL_CMD_MASS_ERASE    = 0x18
	ROM_BSL_CMD_TX_VERSION    = 0x1e
)

// RomBslDevice drives a target through its ROM bootstrap loader.
type RomBslDevice struct {
	base DeviceBase

	trans Transport
	seq   string

	gpioUsed bool
	gpioRts  int
	gpioDtr  int

	replyBuf [256]byte
	replyLen int
}

// runEntrySeq drives the given part of the entry/exit sequence over
// whichever signal path the device was opened with.
func (d *RomBslDevice) runEntrySeq(seq string) error {
	if d.gpioUsed {
		return BslSeqRunGpio(d.gpioRts, d.gpioDtr, seq)
	}
	return BslSeqRun(d.trans, seq)
}

func (d *RomBslDevice) Base() *DeviceBase { return &d.base }

func (d *RomBslDevice) ack() error {
	var reply [1]byte

	if err := recvAll(d.trans, reply[:]); err != nil {
		return fmt.Errorf("rom_bsl: failed to receive reply: %w", err)
	}

	switch reply[0] {
	case BSL_DATA_NAK:
		return fmt.Errorf("rom_bsl: received NAK")
	case BSL_DATA_ACK:
		return nil
	}

	return fmt.Errorf("rom_bsl: bad ack character: %x", reply[0])
}

func (d *RomBslDevice) sync() error {
	if err := d.trans.Flush(); err != nil {
		return fmt.Errorf("rom_bsl: flush: %w", err)
	}

	for tries := 2; tries > 0; tries-- {
		if err := d.trans.Send([]byte{BSL_DATA_HDR}); err != nil {
			printErr("rom_bsl: write error\n")
			continue
		}

		if d.ack() == nil {
			return nil
		}
	}

	return fmt.Errorf("rom_bsl: sync failed")
}

// sendCommand encodes one packet. The length field carries the byte
// count for data transfers and a magic word for erase commands. The
// two checksum bytes are the XOR reductions of the even- and
// odd-indexed packet bytes, each seeded with 0xff.
func (d *RomBslDevice) sendCommand(code int, addr uint16, lenField uint16,
	data []byte) error {
	pktLen := 4
	if data != nil {
		evenLen := len(data)
		if evenLen%2 != 0 {
			evenLen++
		}
		pktLen = evenLen + 4
	}

	if pktLen+6 > 256 {
		return fmt.Errorf("rom_bsl: payload too large: %d", len(data))
	}

	pkt := make([]byte, pktLen+6)
	pkt[0] = BSL_DATA_HDR
	pkt[1] = byte(code)
	pkt[2] = byte(pktLen)
	pkt[3] = byte(pktLen)
	pkt[4] = byte(addr)
	pkt[5] = byte(addr >> 8)
	pkt[6] = byte(lenField)
	pkt[7] = byte(lenField >> 8)

	if data != nil {
		copy(pkt[8:], data)
		if len(data)%2 != 0 {
			pkt[8+len(data)] = 0xff
		}
	}

	ckLow := byte(0xff)
	ckHigh := byte(0xff)
	for i := 0; i < pktLen+4; i += 2 {
		ckLow ^= pkt[i]
	}
	for i := 1; i < pktLen+4; i += 2 {
		ckHigh ^= pkt[i]
	}

	pkt[pktLen+4] = ckLow
	pkt[pktLen+5] = ckHigh

	if err := d.trans.Send(pkt); err != nil {
		return fmt.Errorf("rom_bsl: write error: %w", err)
	}

	return nil
}

func (d *RomBslDevice) verifyChecksum() error {
	ckLow := byte(0xff)
	ckHigh := byte(0xff)

	for i := 0; i < d.replyLen; i += 2 {
		ckLow ^= d.replyBuf[i]
	}
	for i := 1; i < d.replyLen; i += 2 {
		ckHigh ^= d.replyBuf[i]
	}

	if ckLow != 0 || ckHigh != 0 {
		return fmt.Errorf("rom_bsl: checksum invalid (%02x %02x)",
			ckLow, ckHigh)
	}

	return nil
}

// fetchReply classifies the response: a bare ACK, a NAK, or a full
// HDR-framed data packet whose length byte sits at offset 2.
func (d *RomBslDevice) fetchReply() error {
	d.replyLen = 0

	for {
		n, err := d.trans.Recv(d.replyBuf[d.replyLen:])
		if err != nil {
			return fmt.Errorf("rom_bsl: read error: %w", err)
		}
		d.replyLen += n

		switch d.replyBuf[0] {
		case BSL_DATA_ACK:
			return nil
		case BSL_DATA_HDR:
			if d.replyLen >= 6 &&
				d.replyLen == int(d.replyBuf[2])+6 {
				return d.verifyChecksum()
			}
		case BSL_DATA_NAK:
			return fmt.Errorf("rom_bsl: received NAK")
		default:
			return fmt.Errorf("rom_bsl: unknown reply type: %02x",
				d.replyBuf[0])
		}

		if d.replyLen >= len(d.replyBuf) {
			return fmt.Errorf("rom_bsl: reply buffer overflow")
		}
	}
}

func (d *RomBslDevice) xfer(code int, addr uint16, lenField uint16,
	data []byte) error {
	if err := d.sync(); err != nil {
		return err
	}
	if err := d.sendCommand(code, addr, lenField, data); err != nil {
		return err
	}
	if err := d.fetchReply(); err != nil {
		return fmt.Errorf("rom_bsl: failed on command 0x%02x "+
			"(addr = 0x%04x, len = 0x%04x): %w",
			code, addr, lenField, err)
	}
	return nil
}

func (d *RomBslDevice) xferData(code int, addr uint16, data []byte) error {
	evenLen := len(data)
	if evenLen%2 != 0 {
		evenLen++
	}
	return d.xfer(code, addr, uint16(evenLen), data)
}

func (d *RomBslDevice) Ctl(op DeviceCtl) error {
	switch op {
	case DEVICE_CTL_HALT, DEVICE_CTL_RESET:
		// The target is already halted in the bootloader.
		return nil
	}

	return fmt.Errorf("rom_bsl: CPU control is not possible")
}

func (d *RomBslDevice) Poll() DeviceStatus {
	return DEVICE_STATUS_HALTED
}

func (d *RomBslDevice) GetRegs(regs []Address) error {
	return fmt.Errorf("rom_bsl: register fetch is not implemented")
}

func (d *RomBslDevice) SetRegs(regs []Address) error {
	return fmt.Errorf("rom_bsl: register store is not implemented")
}

func (d *RomBslDevice) ConfigFuses() (int, error) {
	return 0, fmt.Errorf("rom_bsl: config fuse query is not supported")
}

func (d *RomBslDevice) WriteMem(addr Address, mem []byte) error {
	if addr >= 0x10000 || len(mem) > 0x10000 ||
		addr+Address(len(mem)) > 0x10000 {
		return fmt.Errorf("rom_bsl: memory write out of range")
	}

	for len(mem) > 0 {
		// An odd start costs one filler byte; it counts toward the
		// 100-byte packet so that the next chunk starts even.
		limit := 100
		if addr%2 != 0 {
			limit = 99
		}

		wlen := len(mem)
		if wlen > limit {
			wlen = limit
		}

		chunk := mem[:wlen]
		sendAddr := addr

		if addr%2 != 0 {
			// Align by prefixing a 0xff filler byte.
			aligned := make([]byte, wlen+1)
			aligned[0] = 0xff
			copy(aligned[1:], chunk)
			chunk = aligned
			sendAddr = addr - 1
		}

		if err := d.xferData(ROM_BSL_CMD_RX_DATA, uint16(sendAddr),
			chunk); err != nil {
			return fmt.Errorf("rom_bsl: failed to write to 0x%04x: %w",
				addr, err)
		}

		mem = mem[wlen:]
		addr += Address(wlen)
	}

	return nil
}

func (d *RomBslDevice) ReadMem(addr Address, mem []byte) error {
	if addr >= 0x10000 || len(mem) > 0x10000 ||
		addr+Address(len(mem)) > 0x10000 {
		return fmt.Errorf("rom_bsl: memory read out of range")
	}

	for len(mem) > 0 {
		count := Address(len(mem))
		align := Address(0)

		if addr%2 != 0 {
			count++
			addr--
			align = 1
		}

		if count > 220 {
			count = 220
		}

		if err := d.xfer(ROM_BSL_CMD_TX_DATA, uint16(addr),
			uint16(count), nil); err != nil {
			return fmt.Errorf("rom_bsl: failed to read memory: %w", err)
		}

		avail := Address(d.replyBuf[2])
		if count > avail {
			count = avail
		}

		n := count - align
		copy(mem[:n], d.replyBuf[4+align:4+count])
		mem = mem[n:]
		addr += count
	}

	return nil
}

func (d *RomBslDevice) Erase(kind EraseType, addr Address) error {
	switch kind {
	case DEVICE_ERASE_MAIN:
		return d.xfer(ROM_BSL_CMD_ERASE_SEGMENT, 0xfffe, 0xa504, nil)
	case DEVICE_ERASE_SEGMENT:
		return d.xfer(ROM_BSL_CMD_ERASE_SEGMENT, uint16(addr), 0xa502, nil)
	case DEVICE_ERASE_ALL:
		return d.xfer(ROM_BSL_CMD_MASS_ERASE, 0xfffe, 0xa506, nil)
	}

	return nil
}

func (d *RomBslDevice) unlock() error {
	password := make([]byte, 32)
	for i := range password {
		password[i] = 0xff
	}

	printDbg("Performing mass erase...\n")
	if err := d.xfer(ROM_BSL_CMD_MASS_ERASE, 0xfffe, 0xa506, nil); err != nil {
		return fmt.Errorf("rom_bsl: initial mass erase failed: %w", err)
	}

	printDbg("Sending password...\n")
	if err := d.xferData(ROM_BSL_CMD_RX_PASSWORD, 0, password); err != nil {
		return fmt.Errorf("rom_bsl: RX password failed: %w", err)
	}

	return nil
}

func (d *RomBslDevice) Close() error {
	if err := d.runEntrySeq(BslSeqNext(d.seq)); err != nil {
		printErr("warning: rom_bsl: exit sequence failed\n")
	}

	return d.trans.Close()
}

// RomBslOpen enters the ROM bootloader through the entry sequence,
// reads the BSL version, and unlocks the device with a mass erase
// followed by the blank 32-byte password.
func RomBslOpen(args *DeviceArgs) (Device, error) {
	if args.Flags&DEVICE_FLAG_TTY == 0 {
		return nil, fmt.Errorf("rom_bsl: raw USB access is not supported")
	}

	trans, err := SerialOpen(args.Path, 9600, SERIAL_EVEN_PARITY)
	if err != nil {
		return nil, fmt.Errorf("rom_bsl: %w", err)
	}

	dev := &RomBslDevice{trans: trans}
	dev.base.Name = "rom-bsl"
	dev.base.NeedProbe = true

	dev.seq = args.BslEntrySeq
	if dev.seq == "" {
		dev.seq = "DR,r,R,r,d,R:DR,r"
	}

	dev.gpioUsed = args.BslGpioUsed
	dev.gpioRts = args.BslGpioRts
	dev.gpioDtr = args.BslGpioDtr

	if err := dev.runEntrySeq(dev.seq); err != nil {
		trans.Close()
		return nil, fmt.Errorf("rom_bsl: entry sequence failed: %w", err)
	}

	time.Sleep(500 * time.Millisecond)

	if err := dev.readVersion(); err != nil {
		printErr("warning: rom_bsl: failed to read version\n")
	}

	if err := dev.unlock(); err != nil {
		trans.Close()
		return nil, fmt.Errorf("rom_bsl: failed to unlock: %w", err)
	}

	return dev, nil
}

func (d *RomBslDevice) readVersion() error {
	if err := d.xfer(ROM_BSL_CMD_TX_VERSION, 0, 0, nil); err != nil {
		return err
	}

	if d.replyLen < 19 {
		printErr("warning: rom_bsl: short reply\n")
		return nil
	}

	printDbg("BSL version is %x.%02x\n",
		d.replyBuf[15], d.replyBuf[16])
	return nil
}
