// transport_cp210x.go - CP210x serial-over-USB transport

package main

import (
	"time"

	"github.com/google/gousb"
)

const (
	CP210X_CLOCK = 3500000

	CP210X_REQTYPE_HOST_TO_DEVICE = 0x41

	CP210X_IFC_ENABLE  = 0x00
	CP210X_SET_BAUDDIV = 0x01
	CP210X_SET_MHS     = 0x07

	CP210X_DTR       = 0x0001
	CP210X_RTS       = 0x0002
	CP210X_WRITE_DTR = 0x0100
	CP210X_WRITE_RTS = 0x0200
)

const cp210xTimeout = 30 * time.Second

type Cp210xTransport struct {
	conn *usbConn
}

// Cp210xOpen claims the vendor-class interface and runs the three
// setup transfers: enable the UART, program the baud divisor, and
// assert the modem lines.
func Cp210xOpen(devpath, serialNo string, baudRate int,
	vid, pid uint16) (*Cp210xTransport, error) {
	conn, err := usbOpenClass(devpath, serialNo, vid, pid,
		gousb.ClassVendorSpec)
	if err != nil {
		return nil, err
	}

	tr := &Cp210xTransport{conn: conn}

	if err := tr.configurePort(baudRate); err != nil {
		conn.close()
		return nil, err
	}

	tr.Flush()
	return tr, nil
}

func (t *Cp210xTransport) configurePort(baudRate int) error {
	if err := t.conn.controlOut(CP210X_REQTYPE_HOST_TO_DEVICE,
		CP210X_IFC_ENABLE, 0x1, 0, nil); err != nil {
		return transportIoError("cp210x: can't enable UART", err)
	}

	if err := t.conn.controlOut(CP210X_REQTYPE_HOST_TO_DEVICE,
		CP210X_SET_BAUDDIV, uint16(CP210X_CLOCK/baudRate),
		0, nil); err != nil {
		return transportIoError("cp210x: can't set baud rate", err)
	}

	if err := t.conn.controlOut(CP210X_REQTYPE_HOST_TO_DEVICE,
		CP210X_SET_MHS, 0x303, 0, nil); err != nil {
		return transportIoError("cp210x: can't set modem control", err)
	}

	return nil
}

func (t *Cp210xTransport) Send(data []byte) error {
	return t.conn.bulkWrite(data, cp210xTimeout)
}

func (t *Cp210xTransport) Recv(buf []byte) (int, error) {
	deadline := time.Now().Add(cp210xTimeout)

	for time.Now().Before(deadline) {
		n, err := t.conn.bulkRead(buf, cp210xTimeout)
		if err != nil {
			return 0, err
		}

		if n > 0 {
			return n, nil
		}
	}

	return 0, errTransportTimeout
}

func (t *Cp210xTransport) Flush() error {
	t.conn.drain()
	return nil
}

func (t *Cp210xTransport) SetModem(bits ModemBits) error {
	value := uint16(CP210X_WRITE_DTR | CP210X_WRITE_RTS)

	// DTR and RTS bits are active-low for this device.
	if bits&MODEM_DTR == 0 {
		value |= CP210X_DTR
	}
	if bits&MODEM_RTS == 0 {
		value |= CP210X_RTS
	}

	if err := t.conn.controlOut(CP210X_REQTYPE_HOST_TO_DEVICE,
		CP210X_SET_MHS, value, 0, nil); err != nil {
		return transportIoError("cp210x: failed to set modem control lines", err)
	}

	return nil
}

func (t *Cp210xTransport) Close() error {
	t.conn.close()
	return nil
}
