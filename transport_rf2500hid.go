// transport_rf2500hid.go - hidapi backend for the RF2500 transport
//
// Alternative to the raw-USB backend for hosts where the HID
// interface can't be detached from the kernel driver. Framing is
// identical: a length byte leads each report.

package main

import (
	"time"

	hid "github.com/sstallion/go-hid"
)

type Rf2500HidTransport struct {
	dev *hid.Device

	buf    [64]byte
	len    int
	offset int
}

// Rf2500HidOpen opens the first matching HID device, optionally
// filtered by serial number.
func Rf2500HidOpen(serialNo string, vid, pid uint16) (*Rf2500HidTransport, error) {
	if vid == 0 {
		vid = RF2500_VENDOR
		pid = RF2500_PRODUCT
	}

	if err := hid.Init(); err != nil {
		return nil, transportIoError("rf2500: hidapi init failed", err)
	}

	var dev *hid.Device
	var err error

	if serialNo != "" {
		dev, err = hid.Open(vid, pid, serialNo)
	} else {
		dev, err = hid.OpenFirst(vid, pid)
	}
	if err != nil {
		return nil, transportIoError("rf2500: can't open device", err)
	}

	tr := &Rf2500HidTransport{dev: dev}
	tr.Flush()
	return tr, nil
}

func (t *Rf2500HidTransport) Send(data []byte) error {
	for len(data) > 0 {
		plen := len(data)
		if plen > 62 {
			plen = 62
		}

		report := make([]byte, plen+1)
		report[0] = byte(plen)
		copy(report[1:], data[:plen])

		if _, err := t.dev.Write(report); err != nil {
			return transportIoError("rf2500: can't send data", err)
		}

		data = data[plen:]
	}

	return nil
}

func (t *Rf2500HidTransport) Recv(buf []byte) (int, error) {
	if t.offset >= t.len {
		n, err := t.dev.ReadWithTimeout(t.buf[:], 10*time.Second)
		if err != nil {
			return 0, transportIoError("rf2500: can't receive data", err)
		}
		if n == 0 {
			return 0, errTransportTimeout
		}

		t.len = int(t.buf[1]) + 2
		if t.len > len(t.buf) {
			t.len = len(t.buf)
		}
		t.offset = 2
	}

	rlen := t.len - t.offset
	if rlen > len(buf) {
		rlen = len(buf)
	}
	copy(buf, t.buf[t.offset:t.offset+rlen])
	t.offset += rlen

	return rlen, nil
}

func (t *Rf2500HidTransport) Flush() error {
	var scratch [64]byte

	for {
		n, err := t.dev.ReadWithTimeout(scratch[:], 100*time.Millisecond)
		if err != nil || n <= 0 {
			break
		}
	}

	t.len = 0
	t.offset = 0
	return nil
}

func (t *Rf2500HidTransport) SetModem(bits ModemBits) error {
	return transportProtoError("rf2500: unsupported operation: set_modem")
}

func (t *Rf2500HidTransport) Close() error {
	if err := t.dev.Close(); err != nil {
		return transportIoError("rf2500: close failed", err)
	}
	return nil
}
