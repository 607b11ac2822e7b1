// transport_rf2500.go - eZ430-RF2500 USB transport
//
// Presents a continuous byte stream over 64-byte USB transfers. Each
// IN transfer carries a length byte at offset 1; OUT transfers are
// length-prefixed and padded to work around a FET firmware hang.

package main

import (
	"time"

	"github.com/google/gousb"
)

const (
	RF2500_VENDOR = 0x0451
	RF2500_PRODUCT = 0xf432
)

type Rf2500Transport struct {
	conn *usbConn

	buf    [64]byte
	len    int
	offset int
}

// Rf2500Open locates and claims an eZ430-RF2500 interface.
func Rf2500Open(devpath, serialNo string, vid, pid uint16) (*Rf2500Transport, error) {
	if vid == 0 {
		vid = RF2500_VENDOR
		pid = RF2500_PRODUCT
	}

	conn, err := usbOpenClass(devpath, serialNo, vid, pid, gousb.ClassHID)
	if err != nil {
		return nil, err
	}

	tr := &Rf2500Transport{conn: conn}
	tr.Flush()
	return tr, nil
}

func (t *Rf2500Transport) Send(data []byte) error {
	for len(data) > 0 {
		plen := len(data)
		if plen > 255 {
			plen = 255
		}

		pbuf := make([]byte, 256)
		copy(pbuf[1:], data[:plen])
		txlen := plen + 1

		// This padding is needed to work around an apparent bug
		// in the RF2500 FET. Without it, the device hangs.
		if txlen > 32 && txlen&0x3f != 0 {
			for txlen < 255 && txlen&0x3f != 0 {
				pbuf[txlen] = 0xff
				txlen++
			}
		} else if txlen > 16 && txlen&0xf != 0 {
			for txlen < 255 && txlen&0xf != 1 {
				pbuf[txlen] = 0xff
				txlen++
			}
		}
		pbuf[0] = byte(txlen - 1)

		if err := t.conn.bulkWrite(pbuf[:txlen], 10*time.Second); err != nil {
			return err
		}

		data = data[plen:]
	}

	return nil
}

func (t *Rf2500Transport) Recv(buf []byte) (int, error) {
	if t.offset >= t.len {
		if _, err := t.conn.bulkRead(t.buf[:], 10*time.Second); err != nil {
			return 0, err
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

func (t *Rf2500Transport) Flush() error {
	t.conn.drain()
	t.len = 0
	t.offset = 0
	return nil
}

func (t *Rf2500Transport) SetModem(bits ModemBits) error {
	return transportProtoError("rf2500: unsupported operation: set_modem")
}

func (t *Rf2500Transport) Close() error {
	t.conn.close()
	return nil
}
