// transport_ti3410.go - TI3410 USB-to-serial transport (FET430UIF)
//
// The TI3410 bridge enumerates in a boot configuration without
// firmware. A signed image must be downloaded and the device reset
// before the active configuration with its bulk endpoint pair
// appears.

package main

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	TI3410_VENDOR  = 0x0451
	TI3410_PRODUCT = 0xf430

	TI_BOOT_CONFIG   = 1
	TI_ACTIVE_CONFIG = 2

	TI_PIPE_MODE_CONTINOUS = 0x01
	TI_PIPE_TIMEOUT_ENABLE = 0x80

	TI_UART1_PORT = 0x03
	TI_RAM_PORT   = 0x05

	TI_PURGE_OUTPUT = 0x00
	TI_PURGE_INPUT  = 0x80

	TI_SET_CONFIG = 0x05
	TI_OPEN_PORT  = 0x06
	TI_CLOSE_PORT = 0x07
	TI_START_PORT = 0x08
	TI_PURGE_PORT = 0x0B
	TI_WRITE_DATA = 0x80

	TI_UART_8_DATA_BITS = 0x03
	TI_UART_NO_PARITY   = 0x00
	TI_UART_1_STOP_BITS = 0x00

	TI_MCR_LOOP = 0x04
	TI_MCR_DTR  = 0x10
	TI_MCR_RTS  = 0x20

	TI_RW_DATA_ADDR_XDATA = 0x30
	TI_RW_DATA_BYTE       = 0x01

	TI_TRANSFER_TIMEOUT          = 2
	TI_FIRMWARE_BUF_SIZE         = 16284
	TI_DOWNLOAD_MAX_PACKET_SIZE  = 64

	ti3410ReqType = 0x40 // vendor | device
)

const (
	ti3410Timeout     = 1 * time.Second
	ti3410ReadTimeout = 5 * time.Second
)

// ti3410FirmwareImage is the raw bridge firmware, with three
// placeholder bytes at the front for the (size_lo, size_hi, cksum)
// header. The IHEX reader that produces it lives outside the core.
var ti3410FirmwareImage []byte

// SetTi3410Firmware registers the bridge firmware image.
func SetTi3410Firmware(image []byte) {
	ti3410FirmwareImage = image
}

type Ti3410Transport struct {
	conn *usbConn
}

// prepareFirmware fills in the download header: a little-endian size
// of the payload and its unsigned byte sum.
func prepareFirmware(f []byte) {
	realSize := len(f) - 3
	cksum := byte(0)

	for _, b := range f[3:] {
		cksum += b
	}

	f[0] = byte(realSize)
	f[1] = byte(realSize >> 8)
	f[2] = cksum

	printDbg("Loaded %d byte firmware image (checksum = 0x%02x)\n",
		len(f), cksum)
}

// downloadFirmware pushes the image through the boot configuration's
// lone OUT endpoint, then resets the device.
func downloadFirmware(devpath, serialNo string) error {
	if ti3410FirmwareImage == nil {
		return fmt.Errorf("ti3410: no firmware image registered")
	}

	if len(ti3410FirmwareImage) > TI_FIRMWARE_BUF_SIZE {
		return fmt.Errorf("ti3410: maximum firmware size exceeded")
	}

	fw := make([]byte, len(ti3410FirmwareImage))
	copy(fw, ti3410FirmwareImage)
	prepareFirmware(fw)

	printDbg("Starting download...\n")

	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := usbFindDevice(ctx, devpath, serialNo,
		TI3410_VENDOR, TI3410_PRODUCT)
	if err != nil {
		return err
	}
	defer dev.Close()

	dev.SetAutoDetach(true)

	cfg, err := dev.Config(TI_BOOT_CONFIG)
	if err != nil {
		return transportIoError("ti3410: can't select boot config", err)
	}
	defer cfg.Close()

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return transportIoError("ti3410: can't claim interface", err)
	}
	defer intf.Close()

	out, err := intf.OutEndpoint(1)
	if err != nil {
		return transportIoError("ti3410: can't open download endpoint", err)
	}

	for offset := 0; offset < len(fw); {
		plen := len(fw) - offset
		if plen > TI_DOWNLOAD_MAX_PACKET_SIZE {
			plen = TI_DOWNLOAD_MAX_PACKET_SIZE
		}

		n, err := out.Write(fw[offset : offset+plen])
		if err != nil {
			return transportIoError("ti3410: bulk write failed", err)
		}
		offset += n
	}

	time.Sleep(100 * time.Millisecond)
	if err := dev.Reset(); err != nil {
		printErr("ti3410: warning: reset failed\n")
	}

	printDbg("Waiting for TI3410 reset...\n")
	time.Sleep(2 * time.Second)

	return nil
}

func (t *Ti3410Transport) control(request uint8, value uint16,
	index uint16, data []byte) error {
	return t.conn.controlOut(ti3410ReqType, request, value, index, data)
}

func (t *Ti3410Transport) setTermios() error {
	tios := []byte{
		0x00, 0x02, // 460800 bps
		0x60, 0x00, // flags = ENABLE_MS_INTS | AUTO_START_DMA
		TI_UART_8_DATA_BITS,
		TI_UART_NO_PARITY,
		TI_UART_1_STOP_BITS,
		0x00, // cXon
		0x00, // cXoff
		0x00, // UART mode = RS232
	}

	if err := t.control(TI_SET_CONFIG, 0, TI_UART1_PORT, tios); err != nil {
		return transportIoError("ti3410: TI_SET_CONFIG failed", err)
	}

	return nil
}

func (t *Ti3410Transport) setMcr() error {
	wb := []byte{
		TI_RW_DATA_ADDR_XDATA,
		TI_RW_DATA_BYTE,
		1,                      // byte count
		0x00, 0x00, 0xff, 0xa4, // base address
		TI_MCR_LOOP | TI_MCR_RTS | TI_MCR_DTR, // mask
		TI_MCR_RTS | TI_MCR_DTR,               // data
	}

	if err := t.control(TI_WRITE_DATA, 0, TI_RAM_PORT, wb); err != nil {
		return transportIoError("ti3410: TI_WRITE_DATA failed", err)
	}

	return nil
}

func (t *Ti3410Transport) doOpenStart() error {
	if err := t.setTermios(); err != nil {
		return err
	}
	if err := t.setMcr(); err != nil {
		return err
	}

	openValue := uint16(TI_PIPE_MODE_CONTINOUS | TI_PIPE_TIMEOUT_ENABLE |
		(TI_TRANSFER_TIMEOUT << 2))

	if err := t.control(TI_OPEN_PORT, openValue, TI_UART1_PORT, nil); err != nil {
		return transportIoError("ti3410: TI_OPEN_PORT failed", err)
	}

	if err := t.control(TI_START_PORT, 0, TI_UART1_PORT, nil); err != nil {
		return transportIoError("ti3410: TI_START_PORT failed", err)
	}

	return nil
}

func (t *Ti3410Transport) interruptFlush() {
	var buf [2]byte
	t.conn.bulkRead(buf[:], ti3410Timeout)
}

// setupPort runs the open/purge/clear-halt dance the bridge firmware
// requires before the UART streams cleanly.
func (t *Ti3410Transport) setupPort() error {
	t.interruptFlush()

	if err := t.doOpenStart(); err != nil {
		return err
	}

	if err := t.control(TI_PURGE_PORT, TI_PURGE_INPUT,
		TI_UART1_PORT, nil); err != nil {
		return transportIoError("ti3410: TI_PURGE_PORT (input) failed", err)
	}

	t.interruptFlush()
	t.interruptFlush()

	if err := t.control(TI_PURGE_PORT, TI_PURGE_OUTPUT,
		TI_UART1_PORT, nil); err != nil {
		return transportIoError("ti3410: TI_PURGE_PORT (output) failed", err)
	}

	t.interruptFlush()

	if err := t.conn.in.ClearHalt(); err != nil {
		return transportIoError("ti3410: failed to clear halt status", err)
	}
	if err := t.conn.out.ClearHalt(); err != nil {
		return transportIoError("ti3410: failed to clear halt status", err)
	}

	return t.doOpenStart()
}

// Ti3410Open attaches the bridge, downloading firmware first when the
// device is still in its boot configuration.
func Ti3410Open(devpath, serialNo string) (*Ti3410Transport, error) {
	ctx := gousb.NewContext()

	dev, err := usbFindDevice(ctx, devpath, serialNo,
		TI3410_VENDOR, TI3410_PRODUCT)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	active, err := dev.ActiveConfigNum()
	if err != nil {
		active = TI_BOOT_CONFIG
	}

	dev.Close()
	ctx.Close()

	if active == TI_BOOT_CONFIG {
		printDbg("TI3410 device is in boot config, setting active\n")

		if err := downloadFirmware(devpath, serialNo); err != nil {
			return nil, err
		}
	}

	conn, err := usbOpenTi3410(devpath, serialNo)
	if err != nil {
		return nil, err
	}

	tr := &Ti3410Transport{conn: conn}

	if err := tr.setupPort(); err != nil {
		conn.close()
		return nil, err
	}

	return tr, nil
}

// usbOpenTi3410 opens the active configuration and resolves the
// bridge's bulk endpoint pair on interface 0.
func usbOpenTi3410(devpath, serialNo string) (*usbConn, error) {
	ctx := gousb.NewContext()

	dev, err := usbFindDevice(ctx, devpath, serialNo,
		TI3410_VENDOR, TI3410_PRODUCT)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	conn := &usbConn{ctx: ctx, dev: dev}

	dev.SetAutoDetach(true)

	cfg, err := dev.Config(TI_ACTIVE_CONFIG)
	if err != nil {
		conn.close()
		return nil, transportIoError("ti3410: failed to set active config", err)
	}
	conn.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		conn.close()
		return nil, transportIoError("ti3410: can't claim interface", err)
	}
	conn.intf = intf

	conn.in, err = intf.InEndpoint(1)
	if err != nil {
		conn.close()
		return nil, transportIoError("ti3410: can't open IN endpoint", err)
	}

	conn.out, err = intf.OutEndpoint(1)
	if err != nil {
		conn.close()
		return nil, transportIoError("ti3410: can't open OUT endpoint", err)
	}

	return conn, nil
}

func (t *Ti3410Transport) Send(data []byte) error {
	return t.conn.bulkWrite(data, ti3410Timeout)
}

func (t *Ti3410Transport) Recv(buf []byte) (int, error) {
	deadline := time.Now().Add(ti3410ReadTimeout)

	for time.Now().Before(deadline) {
		n, err := t.conn.bulkRead(buf, ti3410ReadTimeout)
		if err != nil {
			return 0, err
		}

		if n > 0 {
			return n, nil
		}
	}

	return 0, errTransportTimeout
}

func (t *Ti3410Transport) Flush() error {
	return nil
}

func (t *Ti3410Transport) SetModem(bits ModemBits) error {
	return transportProtoError("ti3410: unsupported operation: set_modem")
}

func (t *Ti3410Transport) Close() error {
	if err := t.control(TI_CLOSE_PORT, 0, TI_UART1_PORT, nil); err != nil {
		printErr("ti3410: warning: TI_CLOSE_PORT failed\n")
	}

	t.conn.close()
	return nil
}
