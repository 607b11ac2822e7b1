// transport_serial.go - Native serial port transport

package main

import (
	"time"

	"go.bug.st/serial"
)

// Serial open flags.
const (
	SERIAL_EVEN_PARITY = 0x01
)

// serialReadTimeout matches the kernel-serial behaviour the upper
// layers expect: a bounded wait, after which the read fails.
const serialReadTimeout = 5 * time.Second

// SerialTransport is a Transport over a local serial port.
type SerialTransport struct {
	port serial.Port
	open bool
}

// SerialOpen opens a raw 8N1 (optionally even-parity) serial port at
// an arbitrary baud rate.
func SerialOpen(device string, rate int, flags int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	if flags&SERIAL_EVEN_PARITY != 0 {
		mode.Parity = serial.EvenParity
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, transportIoError("sport: can't open "+device, err)
	}

	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, transportIoError("sport: can't set read timeout", err)
	}

	return &SerialTransport{port: port, open: true}, nil
}

func (t *SerialTransport) Send(data []byte) error {
	if !t.open {
		return errTransportClosed
	}

	for len(data) > 0 {
		n, err := t.port.Write(data)
		if err != nil {
			return transportIoError("sport: write error", err)
		}
		data = data[n:]
	}

	return nil
}

func (t *SerialTransport) Recv(buf []byte) (int, error) {
	if !t.open {
		return 0, errTransportClosed
	}

	n, err := t.port.Read(buf)
	if err != nil {
		return 0, transportIoError("sport: read error", err)
	}
	if n == 0 {
		// A zero-length read is the port library's timeout signal;
		// surface it as an error, never as an empty read.
		return 0, errTransportTimeout
	}

	return n, nil
}

func (t *SerialTransport) Flush() error {
	if !t.open {
		return errTransportClosed
	}

	if err := t.port.ResetInputBuffer(); err != nil {
		return transportIoError("sport: flush failed", err)
	}

	return nil
}

func (t *SerialTransport) SetModem(bits ModemBits) error {
	if !t.open {
		return errTransportClosed
	}

	if err := t.port.SetDTR(bits&MODEM_DTR != 0); err != nil {
		return transportIoError("sport: can't set DTR", err)
	}
	if err := t.port.SetRTS(bits&MODEM_RTS != 0); err != nil {
		return transportIoError("sport: can't set RTS", err)
	}

	return nil
}

func (t *SerialTransport) Close() error {
	if !t.open {
		return nil
	}
	t.open = false

	if err := t.port.Close(); err != nil {
		return transportIoError("sport: close failed", err)
	}

	return nil
}
