// transport_ftdi.go - FTDI serial-over-USB transport
//
// Inbound transfers are prefixed by a two-byte modem status that must
// be stripped before the data reaches the upper layers.

package main

import (
	"time"

	"github.com/google/gousb"
)

const (
	FTDI_REQTYPE_HOST_TO_DEVICE = 0x40

	FTDI_SIO_RESET             = 0
	FTDI_SIO_MODEM_CTRL        = 1
	FTDI_SIO_SET_FLOW_CTRL     = 2
	FTDI_SIO_SET_BAUD_RATE     = 3
	FTDI_SIO_SET_DATA          = 4
	FTDI_SIO_SET_LATENCY_TIMER = 9

	FTDI_SIO_RESET_SIO      = 0
	FTDI_SIO_RESET_PURGE_RX = 1
	FTDI_SIO_RESET_PURGE_TX = 2

	FTDI_PACKET_SIZE = 64
	FTDI_CLOCK       = 3000000

	FTDI_DTR       = 0x0001
	FTDI_RTS       = 0x0002
	FTDI_WRITE_DTR = 0x0100
	FTDI_WRITE_RTS = 0x0200
)

const ftdiTimeout = 30 * time.Second

type FtdiTransport struct {
	conn usbBulkConn
}

func (t *FtdiTransport) doCfg(what string, request uint8, value uint16) error {
	if err := t.conn.controlOut(FTDI_REQTYPE_HOST_TO_DEVICE,
		request, value, 0, nil); err != nil {
		return transportIoError("ftdi: "+what+" failed", err)
	}
	return nil
}

func (t *FtdiTransport) configure(baudRate int) error {
	steps := []struct {
		what    string
		request uint8
		value   uint16
	}{
		{"reset FTDI", FTDI_SIO_RESET, FTDI_SIO_RESET_SIO},
		{"set data characteristics", FTDI_SIO_SET_DATA, 8},
		{"disable flow control", FTDI_SIO_SET_FLOW_CTRL, 0},
		{"set modem control lines", FTDI_SIO_MODEM_CTRL, 0x303},
		{"set baud rate", FTDI_SIO_SET_BAUD_RATE,
			uint16(FTDI_CLOCK / baudRate)},
		{"set latency timer", FTDI_SIO_SET_LATENCY_TIMER, 50},
		{"purge TX", FTDI_SIO_RESET, FTDI_SIO_RESET_PURGE_TX},
		{"purge RX", FTDI_SIO_RESET, FTDI_SIO_RESET_PURGE_RX},
	}

	for _, s := range steps {
		if err := t.doCfg(s.what, s.request, s.value); err != nil {
			return err
		}
	}

	return nil
}

// FtdiOpen claims the FTDI device and runs the eight-step setup.
func FtdiOpen(devpath, serialNo string, vid, pid uint16,
	baudRate int) (*FtdiTransport, error) {
	conn, err := usbOpenClass(devpath, serialNo, vid, pid,
		gousb.ClassVendorSpec)
	if err != nil {
		return nil, err
	}

	tr := &FtdiTransport{conn: conn}

	if err := tr.configure(baudRate); err != nil {
		conn.close()
		return nil, err
	}

	return tr, nil
}

func (t *FtdiTransport) Send(data []byte) error {
	return t.conn.bulkWrite(data, ftdiTimeout)
}

func (t *FtdiTransport) Recv(buf []byte) (int, error) {
	deadline := time.Now().Add(ftdiTimeout)
	var tmp [FTDI_PACKET_SIZE]byte

	maxLen := len(buf)
	if maxLen > FTDI_PACKET_SIZE-2 {
		maxLen = FTDI_PACKET_SIZE - 2
	}

	for time.Now().Before(deadline) {
		n, err := t.conn.bulkRead(tmp[:maxLen+2], ftdiTimeout)
		if err != nil {
			return 0, err
		}

		// The first two bytes of every transfer are modem status.
		if n > 2 {
			copy(buf, tmp[2:n])
			return n - 2, nil
		}
	}

	return 0, errTransportTimeout
}

func (t *FtdiTransport) Flush() error {
	return t.doCfg("purge RX", FTDI_SIO_RESET, FTDI_SIO_RESET_PURGE_RX)
}

func (t *FtdiTransport) SetModem(bits ModemBits) error {
	value := uint16(FTDI_WRITE_DTR | FTDI_WRITE_RTS)

	// DTR and RTS bits are active-low for this device.
	if bits&MODEM_DTR == 0 {
		value |= FTDI_DTR
	}
	if bits&MODEM_RTS == 0 {
		value |= FTDI_RTS
	}

	return t.doCfg("set modem control lines", FTDI_SIO_MODEM_CTRL, value)
}

func (t *FtdiTransport) Close() error {
	t.conn.close()
	return nil
}
