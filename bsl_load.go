// bsl_load.go - Loadable USB BSL driver (USB 5xx/6xx parts)
//
// Rides on the BSL-HID transport. When the on-board BSL API version
// is the minimal ROM one, a replacement firmware image is uploaded
// and started, with the transport suspended across the device reset.

package main

import (
	"fmt"
	"time"
)

const (
	LOADBSL_MAX_CORE  = 62
	LOADBSL_MAX_BLOCK = 52
)

// Command set shared with the flash BSL.
const (
	LOADBSL_CMD_RX_BLOCK      = 0x10
	LOADBSL_CMD_RX_PASSWORD   = 0x11
	LOADBSL_CMD_ERASE_SEGMENT = 0x12
	LOADBSL_CMD_MASS_ERASE    = 0x15
	LOADBSL_CMD_CRC_CHECK     = 0x16
	LOADBSL_CMD_LOAD_PC       = 0x17
	LOADBSL_CMD_TX_BLOCK      = 0x18
	LOADBSL_CMD_TX_VERSION    = 0x19
	LOADBSL_CMD_TX_BUFSIZE    = 0x1a
	LOADBSL_CMD_RX_BLOCK_FAST = 0x1b
)

// BSL error codes, from SLAU319 ("MSP430 Programming via the
// Bootstrap Loader").
var loadBslErrorTable = []string{
	0x00: "Success",
	0x01: "Flash write check failed",
	0x02: "Flash fail bit set",
	0x03: "Voltage change during program",
	0x04: "BSL locked",
	0x05: "BSL password error",
	0x06: "Byte write forbidden",
	0x07: "Unknown command",
	0x08: "Packet length exceeds buffer size",
}

func loadBslErrorMessage(code int) string {
	if code >= 0 && code < len(loadBslErrorTable) &&
		loadBslErrorTable[code] != "" {
		return loadBslErrorTable[code]
	}
	return "Unknown error code"
}

// LoadBslFirmware describes a replacement BSL image. The blob itself
// comes from the embedding front-end; the core only needs its load
// address, entry point and bytes.
type LoadBslFirmware struct {
	ProgAddr   Address
	EntryPoint Address
	Data       []byte
}

// loadBslFirmwareImage, when non-nil, is installed on devices that
// still run the minimal ROM API (version byte 0x80).
var loadBslFirmwareImage *LoadBslFirmware

// SetLoadBslFirmware registers the replacement BSL image used by the
// load-bsl driver.
func SetLoadBslFirmware(fw *LoadBslFirmware) {
	loadBslFirmwareImage = fw
}

// LoadBslDevice is the Device implementation over BSL-HID.
type LoadBslDevice struct {
	base  DeviceBase
	trans Transport
}

func (d *LoadBslDevice) Base() *DeviceBase { return &d.base }

func loadBslSendCommand(trans Transport, cmd byte, addr Address,
	data []byte) error {
	addrLen := 0
	if addr != ADDRESS_NONE {
		addrLen = 3
	}

	if len(data) > LOADBSL_MAX_BLOCK {
		return fmt.Errorf("loadbsl: send_command: MAX_BLOCK exceeded: %d",
			len(data))
	}

	out := make([]byte, 1+addrLen+len(data))
	out[0] = cmd

	if addrLen > 0 {
		out[1] = byte(addr)
		out[2] = byte(addr >> 8)
		out[3] = byte(addr >> 16)
	}

	copy(out[1+addrLen:], data)

	if err := trans.Send(out); err != nil {
		return fmt.Errorf("loadbsl: send_command failed: %w", err)
	}

	return nil
}

// loadBslRecvPacket classifies a reply: 0x3a carries data, 0x3b
// carries a status code.
func loadBslRecvPacket(trans Transport, data []byte) (int, error) {
	var inbuf [LOADBSL_MAX_CORE]byte

	n, err := trans.Recv(inbuf[:])
	if err != nil {
		return 0, fmt.Errorf("loadbsl: recv_packet: transport error: %w", err)
	}

	if n < 1 {
		return 0, fmt.Errorf("loadbsl: recv_packet: zero-length packet")
	}

	switch inbuf[0] {
	case 0x3a:
		dataLen := n - 1

		if data == nil {
			return 0, nil
		}

		if dataLen > len(data) {
			return 0, fmt.Errorf("loadbsl: recv_packet: packet too "+
				"long for buffer (%d bytes)", dataLen)
		}

		copy(data, inbuf[1:1+dataLen])
		return dataLen, nil

	case 0x3b:
		if n < 2 {
			return 0, fmt.Errorf("loadbsl: recv_packet: missing response code")
		}

		code := int(inbuf[1])
		if code != 0 {
			return 0, fmt.Errorf("loadbsl: recv_packet: BSL error code: %d (%s)",
				code, loadBslErrorMessage(code))
		}

		return 0, nil
	}

	return 0, fmt.Errorf("loadbsl: recv_packet: unknown packet type: 0x%02x",
		inbuf[0])
}

// loadBslVersionCheck queries and logs the BSL version, returning the
// API version byte.
func loadBslVersionCheck(trans Transport) (int, error) {
	var data [4]byte

	if err := loadBslSendCommand(trans, LOADBSL_CMD_TX_VERSION,
		ADDRESS_NONE, nil); err != nil {
		return 0, fmt.Errorf("loadbsl: failed to send TX_VERSION command: %w", err)
	}

	r, err := loadBslRecvPacket(trans, data[:])
	if err != nil {
		return 0, fmt.Errorf("loadbsl: failed to receive version: %w", err)
	}

	if r < 4 {
		return 0, fmt.Errorf("loadbsl: short version response")
	}

	printDbg("BSL version: [vendor: %02x, int: %02x, API: %02x, per: %02x]\n",
		data[0], data[1], data[2], data[3])

	return int(data[2]), nil
}

func loadBslWriteMem(trans Transport, addr Address, mem []byte) error {
	for len(mem) > 0 {
		plen := len(mem)
		if plen > LOADBSL_MAX_BLOCK {
			plen = LOADBSL_MAX_BLOCK
		}

		if err := loadBslSendCommand(trans, LOADBSL_CMD_RX_BLOCK_FAST,
			addr, mem[:plen]); err != nil {
			return fmt.Errorf("loadbsl: failed to write block to 0x%04x: %w",
				addr, err)
		}

		addr += Address(plen)
		mem = mem[plen:]
	}

	return nil
}

func loadBslRxPassword(trans Transport) error {
	password := make([]byte, 32)
	for i := range password {
		password[i] = 0xff
	}

	if err := loadBslSendCommand(trans, LOADBSL_CMD_RX_PASSWORD,
		ADDRESS_NONE, password); err != nil {
		return fmt.Errorf("loadbsl: rx_password failed: %w", err)
	}
	if _, err := loadBslRecvPacket(trans, nil); err != nil {
		return fmt.Errorf("loadbsl: rx_password failed: %w", err)
	}

	return nil
}

// loadBslCheckAndLoad installs the replacement firmware when the
// device still runs the ROM API (0x80), suspending the transport
// across the resulting reset and re-authenticating afterwards.
func loadBslCheckAndLoad(trans Transport) error {
	apiVersion, err := loadBslVersionCheck(trans)
	if err == nil && apiVersion != 0x80 {
		return nil
	}

	fw := loadBslFirmwareImage
	if fw == nil {
		printDbg("No replacement BSL firmware registered; continuing\n")
		return nil
	}

	printDbg("Uploading BSL firmware (%d bytes at address 0x%04x)...\n",
		len(fw.Data), fw.ProgAddr)

	if err := loadBslWriteMem(trans, fw.ProgAddr, fw.Data); err != nil {
		return fmt.Errorf("loadbsl: firmware upload failed: %w", err)
	}

	printDbg("Starting new firmware (PC: 0x%04x)...\n", fw.EntryPoint)

	if err := loadBslSendCommand(trans, LOADBSL_CMD_LOAD_PC,
		fw.EntryPoint, nil); err != nil {
		return fmt.Errorf("loadbsl: PC load failed: %w", err)
	}

	if s, ok := trans.(Suspender); ok {
		if err := s.Suspend(); err != nil {
			return fmt.Errorf("loadbsl: transport suspend failed: %w", err)
		}

		printDbg("Done, waiting for startup\n")
		time.Sleep(1 * time.Second)

		if err := s.Resume(); err != nil {
			return fmt.Errorf("loadbsl: transport resume failed: %w", err)
		}
	} else {
		printDbg("Done, waiting for startup\n")
		time.Sleep(1 * time.Second)
	}

	if err := loadBslRxPassword(trans); err != nil {
		return fmt.Errorf("loadbsl: failed to unlock new firmware: %w", err)
	}

	if _, err := loadBslVersionCheck(trans); err != nil {
		return err
	}

	return nil
}

func (d *LoadBslDevice) Close() error {
	// Write 0x0000 to WDTCTL, triggering a PUC.
	if err := loadBslSendCommand(d.trans, LOADBSL_CMD_RX_BLOCK_FAST,
		0x15c, []byte{0, 0}); err != nil {
		printErr("warning: loadbsl: failed to trigger PUC\n")
	}

	return d.trans.Close()
}

func (d *LoadBslDevice) ReadMem(addr Address, mem []byte) error {
	for len(mem) > 0 {
		plen := len(mem)
		if plen > LOADBSL_MAX_BLOCK {
			plen = LOADBSL_MAX_BLOCK
		}

		lenParam := []byte{byte(plen), byte(plen >> 8)}

		if err := loadBslSendCommand(d.trans, LOADBSL_CMD_TX_BLOCK,
			addr, lenParam); err != nil {
			return fmt.Errorf("loadbsl: failed to read block from 0x%04x: %w",
				addr, err)
		}

		r, err := loadBslRecvPacket(d.trans, mem[:plen])
		if err != nil {
			return fmt.Errorf("loadbsl: failed to read block from 0x%04x: %w",
				addr, err)
		}

		if r < plen {
			return fmt.Errorf("loadbsl: short response to memory read")
		}

		addr += Address(plen)
		mem = mem[plen:]
	}

	return nil
}

func (d *LoadBslDevice) WriteMem(addr Address, mem []byte) error {
	return loadBslWriteMem(d.trans, addr, mem)
}

func (d *LoadBslDevice) GetRegs(regs []Address) error {
	return fmt.Errorf("loadbsl: register fetch is not implemented")
}

func (d *LoadBslDevice) SetRegs(regs []Address) error {
	return fmt.Errorf("loadbsl: register store is not implemented")
}

func (d *LoadBslDevice) ConfigFuses() (int, error) {
	return 0, fmt.Errorf("loadbsl: config fuse query is not supported")
}

func (d *LoadBslDevice) Erase(kind EraseType, addr Address) error {
	switch kind {
	case DEVICE_ERASE_ALL:
		return fmt.Errorf("loadbsl: ERASE_ALL not supported")

	case DEVICE_ERASE_MAIN:
		if err := loadBslSendCommand(d.trans, LOADBSL_CMD_MASS_ERASE,
			ADDRESS_NONE, nil); err != nil {
			return fmt.Errorf("loadbsl: ERASE_MAIN failed: %w", err)
		}
		if _, err := loadBslRecvPacket(d.trans, nil); err != nil {
			return fmt.Errorf("loadbsl: ERASE_MAIN failed: %w", err)
		}

	case DEVICE_ERASE_SEGMENT:
		if err := loadBslSendCommand(d.trans, LOADBSL_CMD_ERASE_SEGMENT,
			addr, nil); err != nil {
			return fmt.Errorf("loadbsl: ERASE_SEGMENT failed: %w", err)
		}
		if _, err := loadBslRecvPacket(d.trans, nil); err != nil {
			return fmt.Errorf("loadbsl: ERASE_SEGMENT failed: %w", err)
		}
	}

	return nil
}

func (d *LoadBslDevice) Ctl(op DeviceCtl) error {
	switch op {
	case DEVICE_CTL_HALT, DEVICE_CTL_RESET:
		return nil
	}

	return fmt.Errorf("loadbsl: CPU control is not possible")
}

func (d *LoadBslDevice) Poll() DeviceStatus {
	return DEVICE_STATUS_HALTED
}

// LoadBslOpen attaches a USB 5xx/6xx bootstrap loader, retrying the
// password once before giving up.
func LoadBslOpen(args *DeviceArgs) (Device, error) {
	if args.Flags&DEVICE_FLAG_TTY != 0 {
		return nil, fmt.Errorf("loadbsl: this driver does not support tty access")
	}

	trans, err := BslHidOpen(args.Path, args.RequestedSerial)
	if err != nil {
		return nil, err
	}

	dev := &LoadBslDevice{trans: trans}
	dev.base.Name = "load-bsl"
	dev.base.MaxBreakpoints = 0
	dev.base.NeedProbe = true

	if err := loadBslRxPassword(trans); err != nil {
		printDbg("loadbsl: retrying password...\n")

		if err := loadBslRxPassword(trans); err != nil {
			trans.Close()
			return nil, err
		}
	}

	if err := loadBslCheckAndLoad(trans); err != nil {
		trans.Close()
		return nil, err
	}

	return dev, nil
}
