// transport_bslhid.go - USB bootstrap loader HID transport
//
// A fixed 64-byte report framed as (0x3F, len, data, 0xac padding).
// Supports suspend/resume so the load-bsl driver can survive the
// device reset after a firmware upload.

package main

import (
	"time"

	"github.com/google/gousb"
)

const (
	BSLHID_VID = 0x2047
	BSLHID_PID = 0x0200

	BSLHID_XFER_SIZE = 64
	BSLHID_MTU       = BSLHID_XFER_SIZE - 2
	BSLHID_HEADER    = 0x3F
)

const bslHidTimeout = 5 * time.Second

type BslHidTransport struct {
	conn *usbConn

	devpath  string
	serialNo string
}

// BslHidOpen claims the loader's HID interface.
func BslHidOpen(devpath, serialNo string) (*BslHidTransport, error) {
	conn, err := usbOpenClass(devpath, serialNo, BSLHID_VID, BSLHID_PID,
		gousb.ClassHID)
	if err != nil {
		return nil, err
	}

	tr := &BslHidTransport{
		conn:     conn,
		devpath:  devpath,
		serialNo: serialNo,
	}

	tr.Flush()
	return tr, nil
}

func (t *BslHidTransport) Send(data []byte) error {
	if t.conn == nil {
		return transportProtoError("bslhid: send on suspended device")
	}

	if len(data) > BSLHID_MTU {
		return transportProtoError("bslhid: send in excess of MTU: %d",
			len(data))
	}

	var out [BSLHID_XFER_SIZE]byte
	for i := range out {
		out[i] = 0xac
	}

	out[0] = BSLHID_HEADER
	out[1] = byte(len(data))
	copy(out[2:], data)

	return t.conn.bulkWrite(out[:], bslHidTimeout)
}

func (t *BslHidTransport) Recv(buf []byte) (int, error) {
	if t.conn == nil {
		return 0, transportProtoError("bslhid: recv on suspended device")
	}

	var in [BSLHID_XFER_SIZE]byte

	n, err := t.conn.bulkRead(in[:], bslHidTimeout)
	if err != nil {
		return 0, err
	}

	if n < 2 {
		return 0, transportProtoError("bslhid: short transfer")
	}

	if in[0] != BSLHID_HEADER {
		return 0, transportProtoError("bslhid: missing transfer header")
	}

	length := int(in[1])
	if length > len(buf) || length+2 > n {
		return 0, transportProtoError("bslhid: bad length: %d (%d byte transfer)",
			length, n)
	}

	copy(buf, in[2:2+length])
	return length, nil
}

func (t *BslHidTransport) Flush() error {
	if t.conn != nil {
		t.conn.drain()
	}
	return nil
}

func (t *BslHidTransport) SetModem(bits ModemBits) error {
	return transportProtoError("bslhid: unsupported operation: set_modem")
}

// Suspend releases the USB references ahead of a device reset.
func (t *BslHidTransport) Suspend() error {
	if t.conn != nil {
		t.conn.close()
		t.conn = nil
	}
	return nil
}

// Resume reattaches after a device reset.
func (t *BslHidTransport) Resume() error {
	conn, err := usbOpenClass(t.devpath, t.serialNo, BSLHID_VID, BSLHID_PID,
		gousb.ClassHID)
	if err != nil {
		return err
	}

	t.conn = conn
	t.Flush()
	return nil
}

func (t *BslHidTransport) Close() error {
	if t.conn != nil {
		t.conn.close()
		t.conn = nil
	}
	return nil
}
