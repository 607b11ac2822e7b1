// transport_cdc_acm.go - CDC-ACM serial-over-USB transport

package main

import (
	"time"

	"github.com/google/gousb"
)

const (
	CDC_REQTYPE_HOST_TO_DEVICE = 0x21
	CDC_SET_LINE_CODING        = 0x20
	CDC_SET_CONTROL            = 0x22

	CDC_CTRL_DTR = 0x01
	CDC_CTRL_RTS = 0x02
)

const cdcAcmTimeout = 30 * time.Second

// CdcAcmTransport reads through an intermediate buffer because some
// interfaces misbehave on single-byte reads.
type CdcAcmTransport struct {
	conn *usbConn

	rbuf    [1024]byte
	rbufLen int
	rbufPtr int
}

// CdcAcmOpen claims the CDC data interface and programs the line
// coding.
func CdcAcmOpen(devpath, serialNo string, baudRate int,
	vid, pid uint16) (*CdcAcmTransport, error) {
	conn, err := usbOpenClass(devpath, serialNo, vid, pid, gousb.ClassData)
	if err != nil {
		return nil, err
	}

	tr := &CdcAcmTransport{conn: conn}

	if err := tr.configurePort(baudRate); err != nil {
		conn.close()
		return nil, err
	}

	tr.Flush()
	return tr, nil
}

func (t *CdcAcmTransport) configurePort(baudRate int) error {
	lineCoding := []byte{
		byte(baudRate),
		byte(baudRate >> 8),
		byte(baudRate >> 16),
		byte(baudRate >> 24),
		0, // 1 stop bit
		0, // no parity
		8, // 8 data bits
	}

	if err := t.conn.controlOut(CDC_REQTYPE_HOST_TO_DEVICE,
		CDC_SET_LINE_CODING, 0, 0, lineCoding); err != nil {
		return err
	}

	return t.conn.controlOut(CDC_REQTYPE_HOST_TO_DEVICE,
		CDC_SET_CONTROL, 0, 0, nil)
}

func (t *CdcAcmTransport) Send(data []byte) error {
	return t.conn.bulkWrite(data, cdcAcmTimeout)
}

func (t *CdcAcmTransport) Recv(buf []byte) (int, error) {
	if t.rbufPtr >= t.rbufLen {
		t.rbufPtr = 0

		n, err := t.conn.bulkRead(t.rbuf[:], cdcAcmTimeout)
		if err != nil {
			// Invalidate the buffer state on any transfer error.
			t.rbufLen = 0
			return 0, err
		}
		t.rbufLen = n
	}

	n := len(buf)
	if t.rbufPtr+n > t.rbufLen {
		n = t.rbufLen - t.rbufPtr
	}

	copy(buf, t.rbuf[t.rbufPtr:t.rbufPtr+n])
	t.rbufPtr += n

	return n, nil
}

func (t *CdcAcmTransport) Flush() error {
	t.conn.drain()
	t.rbufLen = 0
	t.rbufPtr = 0
	return nil
}

func (t *CdcAcmTransport) SetModem(bits ModemBits) error {
	value := uint16(0)

	if bits&MODEM_DTR != 0 {
		value |= CDC_CTRL_DTR
	}
	if bits&MODEM_RTS != 0 {
		value |= CDC_CTRL_RTS
	}

	return t.conn.controlOut(CDC_REQTYPE_HOST_TO_DEVICE,
		CDC_SET_CONTROL, value, 0, nil)
}

func (t *CdcAcmTransport) Close() error {
	t.conn.close()
	return nil
}
