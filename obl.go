// obl.go - Olimex bootloader client
//
// The MK2 adapters carry a resident bootloader addressed over the
// same CDC transport as the FET protocol. Commands are gated by DTR:
// the line is asserted around each exchange.

package main

import (
	"fmt"
	"time"
)

const (
	OBL_CMD_READ_RAM       = 0x01
	OBL_CMD_WRITE_RAM      = 0x02
	OBL_CMD_READ_FLASH     = 0x03
	OBL_CMD_WRITE_FLASH    = 0x04
	OBL_CMD_RF_SELF_TEST   = 0x05
	OBL_CMD_SET_PROTECTION = 0x06
	OBL_CMD_DEV_RESET      = 0x07
	OBL_CMD_DEV_VERSION    = 0x08
)

const (
	OBL_RESULT_OK            = 0x00
	OBL_RESULT_COMMAND_FAULT = 0xff
)

const oblFlashPageSize = 1024

func oblXfer(tr Transport, command []byte, recvData []byte) error {
	if err := tr.SetModem(MODEM_DTR); err != nil {
		return fmt.Errorf("obl: failed to activate DTR: %w", err)
	}
	defer tr.SetModem(0)

	if err := tr.Send(command); err != nil {
		return fmt.Errorf("obl: failed to send command: %w", err)
	}

	var result [1]byte
	if err := recvAll(tr, result[:]); err != nil {
		return fmt.Errorf("obl: failed to read status byte: %w", err)
	}

	if result[0] != OBL_RESULT_OK {
		return fmt.Errorf("obl: device error code: 0x%02x", result[0])
	}

	if len(recvData) > 0 {
		if err := recvAll(tr, recvData); err != nil {
			return fmt.Errorf("obl: failed to read data: %w", err)
		}
	}

	return nil
}

// OblGetVersion queries the installed firmware version.
func OblGetVersion(tr Transport) (uint32, error) {
	var ver [4]byte

	cmd := []byte{OBL_CMD_DEV_VERSION}
	if err := oblXfer(tr, cmd, ver[:]); err != nil {
		return 0, err
	}

	return le32(ver[:]), nil
}

// OblReset asks the bootloader to reset the adapter. The reset takes
// about 15 seconds, during which the USB device disappears and must
// be reopened.
func OblReset(tr Transport) error {
	cmd := []byte{OBL_CMD_DEV_RESET}
	return oblXfer(tr, cmd, nil)
}

// OblUpdate writes a replacement firmware image page by page. The
// image bytes come from the embedding front-end; the core does not
// parse image files.
func OblUpdate(tr Transport, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("obl: empty firmware image")
	}

	addr := uint32(0)
	remaining := image

	for len(remaining) > 0 {
		plen := len(remaining)
		if plen > oblFlashPageSize {
			plen = oblFlashPageSize
		}

		cmd := make([]byte, 9+plen)
		cmd[0] = OBL_CMD_WRITE_FLASH
		putLe32(cmd[1:], addr)
		putLe32(cmd[5:], uint32(plen))
		copy(cmd[9:], remaining[:plen])

		if err := oblXfer(tr, cmd, nil); err != nil {
			return fmt.Errorf("obl: flash write at 0x%x failed: %w",
				addr, err)
		}

		printDbg("obl: wrote %d bytes at 0x%x\n", plen, addr)

		addr += uint32(plen)
		remaining = remaining[plen:]
		time.Sleep(10 * time.Millisecond)
	}

	return nil
}
