// transport.go - Byte-stream transport abstraction for debug dongles

package main

import (
	"errors"
	"fmt"
)

// ModemBits selects the modem control lines asserted by SetModem.
type ModemBits int

const (
	MODEM_DTR ModemBits = 0x01
	MODEM_RTS ModemBits = 0x02
)

// Transport is a framed byte stream to a debug dongle. Send transfers
// the whole buffer or fails. Recv returns at least one byte or fails;
// a read timeout is an error, never a zero-length read. Flush discards
// any buffered inbound data.
type Transport interface {
	Send(data []byte) error
	Recv(buf []byte) (int, error)
	Flush() error
	SetModem(bits ModemBits) error
	Close() error
}

// Suspender is implemented by transports that can release their USB
// references across a device reset and reattach afterwards.
type Suspender interface {
	Suspend() error
	Resume() error
}

// TransportErrorKind discriminates transport failures.
type TransportErrorKind int

const (
	TransportErrIo TransportErrorKind = iota
	TransportErrTimeout
	TransportErrClosed
	TransportErrProtocol
)

// TransportError carries the failure kind alongside the underlying
// cause, if any.
type TransportError struct {
	Kind   TransportErrorKind
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case TransportErrTimeout:
		return "transport: timeout"
	case TransportErrClosed:
		return "transport: closed"
	case TransportErrProtocol:
		return fmt.Sprintf("transport: protocol: %s", e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportIoError(reason string, err error) error {
	return &TransportError{Kind: TransportErrIo, Reason: reason, Err: err}
}

func transportProtoError(format string, args ...interface{}) error {
	return &TransportError{
		Kind:   TransportErrProtocol,
		Reason: fmt.Sprintf(format, args...),
	}
}

var errTransportTimeout = &TransportError{Kind: TransportErrTimeout}
var errTransportClosed = &TransportError{Kind: TransportErrClosed}

// IsTimeout reports whether err is a transport read timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == TransportErrTimeout
	}
	return false
}

// recvAll fills buf completely or fails.
func recvAll(tr Transport, buf []byte) error {
	for len(buf) > 0 {
		n, err := tr.Recv(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
