// hal_proto.go - HAL message protocol used by eZ-FET class dongles
//
// Envelope: length, type, ref, seq, payload, optional pad to even
// length, optional 16-bit XOR checksum. The length byte covers
// type+ref+seq+payload, i.e. payload length + 3; the pad is not
// counted.

package main

import "fmt"

// Low-level HAL message types.
const (
	HAL_PROTO_TYPE_UP_INIT               = 0x51
	HAL_PROTO_TYPE_UP_ERASE              = 0x52
	HAL_PROTO_TYPE_UP_WRITE              = 0x53
	HAL_PROTO_TYPE_UP_READ               = 0x54
	HAL_PROTO_TYPE_UP_CORE               = 0x55
	HAL_PROTO_TYPE_DCDC_CALIBRATE        = 0x56
	HAL_PROTO_TYPE_DCDC_INIT_INTERFACE   = 0x57
	HAL_PROTO_TYPE_DCDC_SUB_MCU_VERSION  = 0x58
	HAL_PROTO_TYPE_DCDC_LAYER_VERSION    = 0x59
	HAL_PROTO_TYPE_DCDC_POWER_DOWN       = 0x60
	HAL_PROTO_TYPE_DCDC_SET_VCC          = 0x61
	HAL_PROTO_TYPE_DCDC_RESTART          = 0x62
	HAL_PROTO_TYPE_CMD_LEGACY            = 0x7e
	HAL_PROTO_TYPE_CMD_SYNC              = 0x80
	HAL_PROTO_TYPE_CMD_EXECUTE           = 0x81
	HAL_PROTO_TYPE_CMD_EXECUTE_LOOP      = 0x82
	HAL_PROTO_TYPE_CMD_LOAD              = 0x83
	HAL_PROTO_TYPE_CMD_LOAD_CONTINUED    = 0x84
	HAL_PROTO_TYPE_CMD_DATA              = 0x85
	HAL_PROTO_TYPE_CMD_KILL              = 0x86
	HAL_PROTO_TYPE_CMD_MOVE              = 0x87
	HAL_PROTO_TYPE_CMD_UNLOAD            = 0x88
	HAL_PROTO_TYPE_CMD_BYPASS            = 0x89
	HAL_PROTO_TYPE_CMD_EXECUTE_LOOP_CONT = 0x8a
	HAL_PROTO_TYPE_CMD_COM_RESET         = 0x8b
	HAL_PROTO_TYPE_CMD_PAUSE_LOOP        = 0x8c
	HAL_PROTO_TYPE_CMD_RESUME_LOOP       = 0x8d
	HAL_PROTO_TYPE_ACKNOWLEDGE           = 0x91
	HAL_PROTO_TYPE_EXCEPTION             = 0x92
	HAL_PROTO_TYPE_DATA                  = 0x93
	HAL_PROTO_TYPE_DATA_REQUEST          = 0x94
	HAL_PROTO_TYPE_STATUS                = 0x95
)

// HalProtoFlags selects per-connection protocol options.
type HalProtoFlags int

const (
	HAL_PROTO_CHECKSUM HalProtoFlags = 0x01
)

const HAL_MAX_PAYLOAD = 253

// HalExceptionError carries the 16-bit exception code surfaced by a
// type-EXCEPTION reply during an execute exchange.
type HalExceptionError struct {
	Code uint16
}

func (e *HalExceptionError) Error() string {
	return fmt.Sprintf("hal: HAL exception: 0x%04x", e.Code)
}

// HalProto is one HAL protocol connection.
type HalProto struct {
	trans Transport
	flags HalProtoFlags
	refID uint8

	// Fields of the last received message.
	Type uint8
	Ref  uint8
	Seq  uint8

	// Aggregate payload built by Execute.
	Payload []byte

	payloadBuf [4096]byte
}

// NewHalProto wraps a transport in a HAL protocol interpreter.
func NewHalProto(trans Transport, flags HalProtoFlags) *HalProto {
	return &HalProto{trans: trans, flags: flags}
}

func (p *HalProto) Transport() Transport { return p.trans }

// Send transmits one HAL message. The reference ID advances modulo
// 128 on every outbound message.
func (p *HalProto) Send(msgType uint8, data []byte) error {
	if len(data) > HAL_MAX_PAYLOAD {
		return transportProtoError("hal: payload too long: %d", len(data))
	}

	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, byte(len(data)+3), msgType, p.refID, 0)
	p.refID = (p.refID + 1) & 0x7f

	buf = append(buf, data...)
	if len(buf)&1 != 0 {
		buf = append(buf, 0)
	}

	if p.flags&HAL_PROTO_CHECKSUM != 0 {
		sumL := byte(0xff)
		sumH := byte(0xff)

		for i := 0; i < len(buf); i += 2 {
			sumL ^= buf[i]
			sumH ^= buf[i+1]
		}

		buf = append(buf, sumL, sumH)
	}

	if err := p.trans.Send(buf); err != nil {
		return fmt.Errorf("hal: send failed (type 0x%02x): %w",
			msgType, err)
	}

	return nil
}

// Receive reassembles one message based on the leading length byte and
// validates the XOR checksum. The payload is copied into buf; the
// header fields land in Type/Ref/Seq.
func (p *HalProto) Receive(buf []byte) (int, error) {
	var rxBuf [512]byte
	rxLen := 0

	for {
		n, err := p.trans.Recv(rxBuf[rxLen:])
		if err != nil {
			return 0, fmt.Errorf("hal: read error: %w", err)
		}
		rxLen += n

		expect := int(rxBuf[0]) + 4 - int(rxBuf[0]&1)

		if rxLen == expect {
			break
		}
		if rxLen > expect {
			return 0, transportProtoError("hal: length mismatch")
		}
	}

	if rxLen < 6 {
		return 0, transportProtoError("hal: short read: %d", rxLen)
	}

	sumH := byte(0xff)
	sumL := byte(0xff)
	for i := 0; i < rxLen; i += 2 {
		sumH ^= rxBuf[i]
		sumL ^= rxBuf[i+1]
	}
	if sumH != 0 || sumL != 0 {
		return 0, transportProtoError("hal: bad checksum")
	}

	length := int(rxBuf[0]) - 3
	p.Type = rxBuf[1]
	p.Ref = rxBuf[2]
	p.Seq = rxBuf[3]

	if length > len(buf) {
		return 0, transportProtoError("hal: reply too long")
	}

	copy(buf, rxBuf[4:4+length])
	return length, nil
}

// Execute runs a high-level HAL function: the function ID and a zero
// byte are prepended to the argument block, the whole sent as
// CMD_EXECUTE, and DATA fragments are collected until an ACKNOWLEDGE
// arrives or a DATA fragment's echoed ref has the 0x80 bit clear.
// Every DATA fragment, the last one included, is acknowledged with an
// empty ACK; the 0x80 bit of the echoed ref signals more fragments.
func (p *HalProto) Execute(fid uint8, data []byte) error {
	if len(data)+2 > HAL_MAX_PAYLOAD {
		return transportProtoError("hal: execute payload too big: %d",
			len(data))
	}

	fdata := make([]byte, 0, len(data)+2)
	fdata = append(fdata, fid, 0)
	fdata = append(fdata, data...)

	if err := p.Send(HAL_PROTO_TYPE_CMD_EXECUTE, fdata); err != nil {
		return p.executeFail(fid, err)
	}

	p.Payload = p.payloadBuf[:0]

	for {
		r, err := p.Receive(p.payloadBuf[len(p.Payload):])
		if err != nil {
			return p.executeFail(fid, err)
		}

		if p.Type == HAL_PROTO_TYPE_EXCEPTION && r >= 2 {
			code := le16(p.payloadBuf[len(p.Payload):])
			return p.executeFail(fid, &HalExceptionError{Code: code})
		}

		if p.Type == HAL_PROTO_TYPE_ACKNOWLEDGE {
			break
		}

		if p.Type != HAL_PROTO_TYPE_DATA {
			return p.executeFail(fid, transportProtoError(
				"hal: no data (got type 0x%02x)", p.Type))
		}

		if err := p.Send(HAL_PROTO_TYPE_ACKNOWLEDGE, nil); err != nil {
			return p.executeFail(fid, err)
		}

		p.Payload = p.payloadBuf[:len(p.Payload)+r]

		if p.Ref&0x80 == 0 {
			break
		}
	}

	return nil
}

func (p *HalProto) executeFail(fid uint8, err error) error {
	return fmt.Errorf("hal: execute fid 0x%02x: %w", fid, err)
}
