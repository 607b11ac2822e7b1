// bsl_flash.go - Flash-resident bootstrap loader device driver
//
// The 5xx-era flash BSL replaces the XOR checksums of the ROM loader
// with CRC-CCITT and uses a different command set. Serial transport,
// even parity, 9600 baud.

package main

import (
	"fmt"
	"time"
)

// Flash BSL command codes.
const (
	FLASH_BSL_RX_DATA_BLOCK      = 0x10
	FLASH_BSL_RX_PASSWORD        = 0x11
	FLASH_BSL_ERASE_SEGMENT      = 0x12
	FLASH_BSL_UNLOCK_LOCK_INFO   = 0x13
	FLASH_BSL_MASS_ERASE         = 0x15
	FLASH_BSL_CRC_CHECK          = 0x16
	FLASH_BSL_LOAD_PC            = 0x17
	FLASH_BSL_TX_DATA_BLOCK      = 0x18
	FLASH_BSL_TX_BSL_VERSION     = 0x19
	FLASH_BSL_TX_BUFFER_SIZE     = 0x1a
	FLASH_BSL_RX_DATA_BLOCK_FAST = 0x1b
)

const (
	flashBslMaxBlock  = 256
	flashBslMaxPacket = 512
)

// crcCCITT is the checksum used by the flash BSL and the HID loader:
// CRC-CCITT with initial value 0xffff, not reflected.
func crcCCITT(data []byte) uint16 {
	crc := uint16(0xffff)

	for _, b := range data {
		temp := ((crc >> 8) ^ uint16(b)) & 0xff
		temp ^= temp >> 4
		crc = (crc << 8) ^ (temp << 12) ^ (temp << 5) ^ temp
	}

	return crc
}

func flashBslErrorMessage(code byte) string {
	switch code {
	case 0x00:
		return "success"
	case 0x01:
		return "FLASH verify failed"
	case 0x02:
		return "FLASH operation failed"
	case 0x03:
		return "voltage not constant during program"
	case 0x04:
		return "BSL is locked"
	case 0x05:
		return "incorrect password"
	case 0x06:
		return "attempted byte write to FLASH"
	case 0x07:
		return "unrecognized command"
	case 0x08:
		return "command was too long"
	}
	return "unknown status message"
}

func flashBslAckMessage(code byte) string {
	switch code {
	case 0x51:
		return "incorrect packet header"
	case 0x52:
		return "checksum incorrect"
	case 0x53:
		return "zero-size packet"
	case 0x54:
		return "receive buffer overflowed"
	case 0x55:
		return "(known-)unknown error"
	case 0x56:
		return "unknown baud rate"
	}
	return "unknown error"
}

// FlashBslDevice drives a target through its flash-resident BSL.
type FlashBslDevice struct {
	base DeviceBase

	trans        Transport
	longPassword bool
	seq          string

	gpioUsed bool
	gpioRts  int
	gpioDtr  int
}

func (d *FlashBslDevice) Base() *DeviceBase { return &d.base }

func (d *FlashBslDevice) runEntrySeq(seq string) error {
	if d.gpioUsed {
		return BslSeqRunGpio(d.gpioRts, d.gpioDtr, seq)
	}
	return BslSeqRun(d.trans, seq)
}

// send frames one command and waits for the single-byte wire ACK.
func (d *FlashBslDevice) send(data []byte) error {
	if len(data) > flashBslMaxPacket {
		return fmt.Errorf("flash_bsl: attempted to transmit long packet (len=%d)",
			len(data))
	}

	crc := crcCCITT(data)

	buf := make([]byte, len(data)+5)
	buf[0] = 0x80
	buf[1] = byte(len(data))
	buf[2] = byte(len(data) >> 8)
	copy(buf[3:], data)
	buf[len(data)+3] = byte(crc)
	buf[len(data)+4] = byte(crc >> 8)

	if err := d.trans.Send(buf); err != nil {
		return fmt.Errorf("flash_bsl: serial write failed: %w", err)
	}

	var response [1]byte
	if err := recvAll(d.trans, response[:]); err != nil {
		return fmt.Errorf("flash_bsl: serial read failed: %w", err)
	}

	if response[0] != 0 {
		return fmt.Errorf("flash_bsl: BSL reports %s",
			flashBslAckMessage(response[0]))
	}

	return nil
}

// recv reads one framed reply and validates its CRC.
func (d *FlashBslDevice) recv(buf []byte) (int, error) {
	var header [3]byte

	if err := recvAll(d.trans, header[:]); err != nil {
		return 0, fmt.Errorf("flash_bsl: read response failed: %w", err)
	}

	if header[0] != 0x80 {
		return 0, fmt.Errorf("flash_bsl: incorrect response header received")
	}

	recvLen := int(header[2])<<8 | int(header[1])

	if recvLen > len(buf) {
		return 0, fmt.Errorf("flash_bsl: insufficient buffer to receive data")
	}

	if err := recvAll(d.trans, buf[:recvLen]); err != nil {
		return 0, fmt.Errorf("flash_bsl: error receiving message: %w", err)
	}

	var crcBytes [2]byte
	if err := recvAll(d.trans, crcBytes[:]); err != nil {
		return 0, fmt.Errorf("flash_bsl: error receiving message CRC: %w", err)
	}

	crcValue := uint16(crcBytes[1])<<8 | uint16(crcBytes[0])
	if crcCCITT(buf[:recvLen]) != crcValue {
		return 0, fmt.Errorf("flash_bsl: received message with bad CRC")
	}

	time.Sleep(10 * time.Millisecond)
	return recvLen, nil
}

func (d *FlashBslDevice) ReadMem(addr Address, mem []byte) error {
	if addr > 0xfffff || addr+Address(len(mem)) > 0x100000 {
		return fmt.Errorf("flash_bsl: read exceeds possible range")
	}

	var recvBuf [flashBslMaxBlock * 2]byte

	for len(mem) > 0 {
		readSize := len(mem)
		if readSize > flashBslMaxBlock {
			readSize = flashBslMaxBlock
		}

		cmd := []byte{
			FLASH_BSL_TX_DATA_BLOCK,
			byte(addr), byte(addr >> 8), byte(addr >> 16),
			byte(readSize), byte(readSize >> 8),
		}

		if err := d.send(cmd); err != nil {
			return fmt.Errorf("flash_bsl: readmem: send failed: %w", err)
		}

		ret, err := d.recv(recvBuf[:readSize+1])
		if err != nil {
			return fmt.Errorf("flash_bsl: readmem: receive failed: %w", err)
		}

		switch recvBuf[0] {
		case 0x3a:
			n := ret - 1
			copy(mem, recvBuf[1:1+n])
			addr += Address(n)
			mem = mem[n:]
		case 0x3b:
			return fmt.Errorf("flash_bsl: readmem: %s",
				flashBslErrorMessage(recvBuf[1]))
		default:
			return fmt.Errorf("flash_bsl: readmem: invalid response")
		}
	}

	return nil
}

// checkStatus reads and validates a 0x3b status reply.
func (d *FlashBslDevice) checkStatus(what string) error {
	var response [16]byte

	ret, err := d.recv(response[:])
	if err != nil {
		return fmt.Errorf("flash_bsl: %s: %w", what, err)
	}
	if ret < 2 {
		return fmt.Errorf("flash_bsl: %s: no response", what)
	}
	if response[0] != 0x3b {
		return fmt.Errorf("flash_bsl: %s: incorrect response", what)
	}
	if response[1] != 0 {
		return fmt.Errorf("flash_bsl: %s: %s", what,
			flashBslErrorMessage(response[1]))
	}

	return nil
}

func (d *FlashBslDevice) Erase(kind EraseType, addr Address) error {
	switch kind {
	case DEVICE_ERASE_ALL:
		return fmt.Errorf("flash_bsl: simultaneous code/info erase not supported")

	case DEVICE_ERASE_MAIN:
		if err := d.send([]byte{FLASH_BSL_MASS_ERASE}); err != nil {
			return fmt.Errorf("flash_bsl: failed to send erase command: %w", err)
		}

	case DEVICE_ERASE_SEGMENT:
		cmd := []byte{
			FLASH_BSL_ERASE_SEGMENT,
			byte(addr), byte(addr >> 8), byte(addr >> 16),
		}
		if err := d.send(cmd); err != nil {
			return fmt.Errorf("flash_bsl: failed to send erase command: %w", err)
		}

	default:
		return fmt.Errorf("flash_bsl: unsupported erase type")
	}

	return d.checkStatus("erase")
}

// unlock mass-erases the device, then presents the now-blank
// interrupt vector table as the password.
func (d *FlashBslDevice) unlock() error {
	if err := d.Erase(DEVICE_ERASE_MAIN, 0); err != nil {
		printErr("flash_bsl: warning: erase failed\n")
	}

	passwordLen := 16
	if d.longPassword {
		passwordLen = 32
	}

	cmd := make([]byte, passwordLen+1)
	cmd[0] = FLASH_BSL_RX_PASSWORD
	for i := 1; i < len(cmd); i++ {
		cmd[i] = 0xff
	}

	if err := d.send(cmd); err != nil {
		return fmt.Errorf("flash_bsl: send password failed: %w", err)
	}

	return d.checkStatus("unlock")
}

func (d *FlashBslDevice) Ctl(op DeviceCtl) error {
	switch op {
	case DEVICE_CTL_HALT, DEVICE_CTL_RESET:
		// The target is already halted in the bootloader.
		return nil
	}

	return fmt.Errorf("flash_bsl: CPU control is not possible")
}

func (d *FlashBslDevice) Poll() DeviceStatus {
	return DEVICE_STATUS_HALTED
}

func (d *FlashBslDevice) GetRegs(regs []Address) error {
	return fmt.Errorf("flash_bsl: register fetch is not implemented")
}

func (d *FlashBslDevice) SetRegs(regs []Address) error {
	return fmt.Errorf("flash_bsl: register store is not implemented")
}

func (d *FlashBslDevice) ConfigFuses() (int, error) {
	return 0, fmt.Errorf("flash_bsl: config fuse query is not supported")
}

func (d *FlashBslDevice) WriteMem(addr Address, mem []byte) error {
	if addr > 0xfffff || addr+Address(len(mem)) > 0x100000 {
		return fmt.Errorf("flash_bsl: write exceeds possible range")
	}

	for len(mem) > 0 {
		writeSize := len(mem)
		if writeSize > flashBslMaxBlock {
			writeSize = flashBslMaxBlock
		}

		cmd := make([]byte, writeSize+4)
		cmd[0] = FLASH_BSL_RX_DATA_BLOCK
		cmd[1] = byte(addr)
		cmd[2] = byte(addr >> 8)
		cmd[3] = byte(addr >> 16)
		copy(cmd[4:], mem[:writeSize])

		addr += Address(writeSize)
		mem = mem[writeSize:]

		if err := d.send(cmd); err != nil {
			return fmt.Errorf("flash_bsl: send failed: %w", err)
		}

		if err := d.checkStatus("write"); err != nil {
			return err
		}
	}

	return nil
}

func (d *FlashBslDevice) Close() error {
	if err := d.runEntrySeq(BslSeqNext(d.seq)); err != nil {
		printErr("warning: flash_bsl: exit sequence failed\n")
	}

	return d.trans.Close()
}

// FlashBslOpen enters the flash bootloader, unlocks it, and reads the
// version block.
func FlashBslOpen(args *DeviceArgs) (Device, error) {
	if args.Flags&DEVICE_FLAG_TTY == 0 {
		return nil, fmt.Errorf("flash_bsl: this driver does not support raw USB access")
	}

	trans, err := SerialOpen(args.Path, 9600, SERIAL_EVEN_PARITY)
	if err != nil {
		return nil, fmt.Errorf("flash_bsl: can't open %s: %w", args.Path, err)
	}

	dev := &FlashBslDevice{trans: trans}
	dev.base.Name = "flash-bsl"
	dev.base.NeedProbe = true
	dev.longPassword = args.Flags&DEVICE_FLAG_LONG_PW != 0

	dev.seq = args.BslEntrySeq
	if dev.seq == "" {
		dev.seq = "dR,r,R,r,R,D:dR,DR"
	}

	dev.gpioUsed = args.BslGpioUsed
	dev.gpioRts = args.BslGpioRts
	dev.gpioDtr = args.BslGpioDtr

	if err := dev.runEntrySeq(dev.seq); err != nil {
		trans.Close()
		return nil, fmt.Errorf("flash_bsl: entry sequence failed: %w", err)
	}

	time.Sleep(500 * time.Millisecond)

	if err := dev.unlock(); err != nil {
		trans.Close()
		return nil, err
	}

	if err := dev.send([]byte{FLASH_BSL_TX_BSL_VERSION}); err != nil {
		trans.Close()
		return nil, fmt.Errorf("flash_bsl: failed to read BSL version: %w", err)
	}

	var version [5]byte
	n, err := dev.recv(version[:])
	if err != nil || n < len(version) {
		trans.Close()
		return nil, fmt.Errorf("flash_bsl: BSL responded with invalid version")
	}

	debugHexdump("BSL version", version[:])

	return dev, nil
}
