// fet_proto.go - Legacy FET packet framing
//
// The wire format is a byte-stuffed datagram delimited by 0x7e, with a
// CRC-16-CCITT over the unstuffed payload. The checksum table matches
// the TI UIF v2 firmware.

package main

import "fmt"

// Protocol behaviour flags.
const (
	// Data is sent in separate sub-protocol packets, as on the RF2500.
	FET_PROTO_SEPARATE_DATA = 0x01
	// Received packets carry one extra trailing byte (Olimex).
	FET_PROTO_EXTRA_RECV = 0x02
	// Command packets are sent without the leading 0x7e (Olimex).
	FET_PROTO_NOLEAD_SEND = 0x04
)

const (
	FET_PROTO_MAX_PARAMS = 16
	FET_PROTO_MAX_BLOCK  = 4096
)

// Reply packet types.
const (
	PTYPE_ACK       = 0
	PTYPE_CMD       = 1
	PTYPE_PARAM     = 2
	PTYPE_DATA      = 3
	PTYPE_MIXED     = 4
	PTYPE_NAK       = 5
	PTYPE_FLASH_ACK = 6
)

// fcstab is the reflected CRC-CCITT table (poly x^16+x^12+x^5+1),
// identical to the one burned into the UIF firmware.
var fcstab = [256]uint16{
	0x0000, 0x1189, 0x2312, 0x329b, 0x4624, 0x57ad, 0x6536, 0x74bf,
	0x8c48, 0x9dc1, 0xaf5a, 0xbed3, 0xca6c, 0xdbe5, 0xe97e, 0xf8f7,
	0x1081, 0x0108, 0x3393, 0x221a, 0x56a5, 0x472c, 0x75b7, 0x643e,
	0x9cc9, 0x8d40, 0xbfdb, 0xae52, 0xdaed, 0xcb64, 0xf9ff, 0xe876,
	0x2102, 0x308b, 0x0210, 0x1399, 0x6726, 0x76af, 0x4434, 0x55bd,
	0xad4a, 0xbcc3, 0x8e58, 0x9fd1, 0xeb6e, 0xfae7, 0xc87c, 0xd9f5,
	0x3183, 0x200a, 0x1291, 0x0318, 0x77a7, 0x662e, 0x54b5, 0x453c,
	0xbdcb, 0xac42, 0x9ed9, 0x8f50, 0xfbef, 0xea66, 0xd8fd, 0xc974,
	0x4204, 0x538d, 0x6116, 0x709f, 0x0420, 0x15a9, 0x2732, 0x36bb,
	0xce4c, 0xdfc5, 0xed5e, 0xfcd7, 0x8868, 0x99e1, 0xab7a, 0xbaf3,
	0x5285, 0x430c, 0x7197, 0x601e, 0x14a1, 0x0528, 0x37b3, 0x263a,
	0xdecd, 0xcf44, 0xfddf, 0xec56, 0x98e9, 0x8960, 0xbbfb, 0xaa72,
	0x6306, 0x728f, 0x4014, 0x519d, 0x2522, 0x34ab, 0x0630, 0x17b9,
	0xef4e, 0xfec7, 0xcc5c, 0xddd5, 0xa96a, 0xb8e3, 0x8a78, 0x9bf1,
	0x7387, 0x620e, 0x5095, 0x411c, 0x35a3, 0x242a, 0x16b1, 0x0738,
	0xffcf, 0xee46, 0xdcdd, 0xcd54, 0xb9eb, 0xa862, 0x9af9, 0x8b70,
	0x8408, 0x9581, 0xa71a, 0xb693, 0xc22c, 0xd3a5, 0xe13e, 0xf0b7,
	0x0840, 0x19c9, 0x2b52, 0x3adb, 0x4e64, 0x5fed, 0x6d76, 0x7cff,
	0x9489, 0x8500, 0xb79b, 0xa612, 0xd2ad, 0xc324, 0xf1bf, 0xe036,
	0x18c1, 0x0948, 0x3bd3, 0x2a5a, 0x5ee5, 0x4f6c, 0x7df7, 0x6c7e,
	0xa50a, 0xb483, 0x8618, 0x9791, 0xe32e, 0xf2a7, 0xc03c, 0xd1b5,
	0x2942, 0x38cb, 0x0a50, 0x1bd9, 0x6f66, 0x7eef, 0x4c74, 0x5dfd,
	0xb58b, 0xa402, 0x9699, 0x8710, 0xf3af, 0xe226, 0xd0bd, 0xc134,
	0x39c3, 0x284a, 0x1ad1, 0x0b58, 0x7fe7, 0x6e6e, 0x5cf5, 0x4d7c,
	0xc60c, 0xd785, 0xe51e, 0xf497, 0x8028, 0x91a1, 0xa33a, 0xb2b3,
	0x4a44, 0x5bcd, 0x6956, 0x78df, 0x0c60, 0x1de9, 0x2f72, 0x3efb,
	0xd68d, 0xc704, 0xf59f, 0xe416, 0x90a9, 0x8120, 0xb3bb, 0xa232,
	0x5ac5, 0x4b4c, 0x79d7, 0x685e, 0x1ce1, 0x0d68, 0x3ff3, 0x2e7a,
	0xe70e, 0xf687, 0xc41c, 0xd595, 0xa12a, 0xb0a3, 0x8238, 0x93b1,
	0x6b46, 0x7acf, 0x4854, 0x59dd, 0x2d62, 0x3ceb, 0x0e70, 0x1ff9,
	0xf78f, 0xe606, 0xd49d, 0xc514, 0xb1ab, 0xa022, 0x92b9, 0x8330,
	0x7bc7, 0x6a4e, 0x58d5, 0x495c, 0x3de3, 0x2c6a, 0x1ef1, 0x0f78,
}

func fetChecksum(data []byte) uint16 {
	fcs := uint16(0xffff)

	for _, b := range data {
		fcs = (fcs >> 8) ^ fcstab[byte(fcs)^b]
	}

	return fcs ^ 0xffff
}

// FetProto carries the framing state for one FET connection along with
// the fields parsed out of the last reply.
type FetProto struct {
	transport  Transport
	protoFlags int

	fetBuf [65538]byte
	fetLen int

	// Parsed reply fields
	CommandCode int
	State       int
	ErrCode     int

	Argv []uint32

	Data []byte
}

// NewFetProto wraps a transport in a FET protocol parser.
func NewFetProto(tr Transport, protoFlags int) *FetProto {
	return &FetProto{transport: tr, protoFlags: protoFlags}
}

func (p *FetProto) Transport() Transport { return p.transport }

// sendRF2500Data transfers the data payload through the RF2500's
// separate sub-protocol: 59-byte chunks prefixed by a buffer offset
// and length. No checksums apply.
func (p *FetProto) sendRF2500Data(data []byte) error {
	offset := 0

	for len(data) > 0 {
		plen := len(data)
		if plen > 59 {
			plen = 59
		}

		pbuf := make([]byte, plen+4)
		pbuf[0] = 0x83
		pbuf[1] = byte(offset)
		pbuf[2] = byte(offset >> 8)
		pbuf[3] = byte(plen)
		copy(pbuf[4:], data[:plen])

		if err := p.transport.Send(pbuf); err != nil {
			return err
		}

		data = data[plen:]
		offset += plen
	}

	return nil
}

func (p *FetProto) sendCommand(commandCode int, params []uint32, extra []byte) error {
	datapkt := make([]byte, 0, FET_PROTO_MAX_BLOCK*2)

	// Packet type: base 1, +1 when params follow, +2 when extra
	// data follows.
	ptype := byte(1)
	if len(params) > 0 {
		ptype++
	}
	if len(extra) > 0 {
		ptype += 2
	}

	datapkt = append(datapkt, byte(commandCode), ptype)

	if len(params) > 0 {
		datapkt = append(datapkt,
			byte(len(params)), byte(len(params)>>8))
		for _, v := range params {
			datapkt = append(datapkt,
				byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		}
	}

	if len(extra) > 0 {
		x := len(extra)
		datapkt = append(datapkt,
			byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
		datapkt = append(datapkt, extra...)
	}

	cksum := fetChecksum(datapkt)
	datapkt = append(datapkt, byte(cksum), byte(cksum>>8))

	// Byte-stuff the datagram and add delimiters. Only the payload
	// is stuffed, never the framing bytes themselves.
	buf := make([]byte, 0, len(datapkt)*2+2)
	if p.protoFlags&FET_PROTO_NOLEAD_SEND == 0 {
		buf = append(buf, 0x7e)
	}

	for _, c := range datapkt {
		if c == 0x7e || c == 0x7d {
			buf = append(buf, 0x7d, c^0x20)
		} else {
			buf = append(buf, c)
		}
	}
	buf = append(buf, 0x7e)

	return p.transport.Send(buf)
}

func (p *FetProto) parsePacket(plen int) error {
	calc := fetChecksum(p.fetBuf[2:plen])
	recv := le16(p.fetBuf[plen:])

	if calc != recv {
		return transportProtoError("fet: checksum error (calc %04x, recv %04x)",
			calc, recv)
	}

	if plen < 6 {
		return transportProtoError("fet: too short (%d bytes)", plen)
	}

	i := 2
	p.CommandCode = int(p.fetBuf[i])
	ptype := int(p.fetBuf[i+1])
	p.State = int(p.fetBuf[i+2])
	p.ErrCode = int(p.fetBuf[i+3])
	i += 4

	if p.ErrCode != 0 {
		return fmt.Errorf("fet: FET returned error code %d (%s)",
			p.ErrCode, FetError(p.ErrCode))
	}

	if ptype == PTYPE_NAK {
		return transportProtoError("fet: FET returned NAK")
	}

	p.Argv = p.Argv[:0]
	if ptype == PTYPE_PARAM || ptype == PTYPE_MIXED {
		if i+2 > plen {
			return transportProtoError("fet: too short (%d bytes)", plen)
		}

		argc := int(le16(p.fetBuf[i:]))
		i += 2

		if argc >= FET_PROTO_MAX_PARAMS {
			return transportProtoError("fet: too many params: %d", argc)
		}

		for j := 0; j < argc; j++ {
			if i+4 > plen {
				return transportProtoError("fet: too short (%d bytes)", plen)
			}
			p.Argv = append(p.Argv, le32(p.fetBuf[i:]))
			i += 4
		}
	}

	p.Data = nil
	if ptype == PTYPE_DATA || ptype == PTYPE_MIXED {
		if i+4 > plen {
			return transportProtoError("fet: too short (%d bytes)", plen)
		}

		datalen := int(le32(p.fetBuf[i:]))
		i += 4

		if i+datalen > plen {
			return transportProtoError("fet: too short (%d bytes)", plen)
		}

		p.Data = p.fetBuf[i : i+datalen]
	}

	return nil
}

func (p *FetProto) chompFF() {
	chomp := 0

	for chomp < p.fetLen && p.fetBuf[chomp] == 0xff {
		chomp++
	}

	if chomp > 0 {
		copy(p.fetBuf[:], p.fetBuf[chomp:p.fetLen])
		p.fetLen -= chomp
	}
}

// recvPacket reassembles one reply. Inbound packets are length
// prefixed: <length (2 bytes)> <data> <checksum>, with Olimex adapters
// appending a trailing 0x7e that has to be discarded.
func (p *FetProto) recvPacket(chompFF bool) error {
	pktExtra := 2
	if p.protoFlags&FET_PROTO_EXTRA_RECV != 0 {
		pktExtra = 3
	}

	// Drop any complete packet left over from last time.
	if p.fetLen >= 2 {
		plen := int(le16(p.fetBuf[:]))
		if p.fetLen >= plen+pktExtra {
			copy(p.fetBuf[:], p.fetBuf[plen+pktExtra:p.fetLen])
			p.fetLen -= plen + pktExtra
		}
	}

	for {
		if p.fetLen >= 2 {
			plen := int(le16(p.fetBuf[:]))
			if p.fetLen >= plen+pktExtra {
				return p.parsePacket(plen)
			}
		}

		n, err := p.transport.Recv(p.fetBuf[p.fetLen:])
		if err != nil {
			return err
		}
		p.fetLen += n

		if chompFF {
			p.chompFF()
		}
	}
}

// Xfer performs one command/response exchange. Data, if any, travels
// either as the extra blob of the command packet or via the RF2500
// separate-data sub-protocol, depending on the protocol flags.
func (p *FetProto) Xfer(commandCode int, data []byte, params ...uint32) error {
	if len(params) > FET_PROTO_MAX_PARAMS {
		return transportProtoError("fet: too many params: %d", len(params))
	}

	if data != nil && p.protoFlags&FET_PROTO_SEPARATE_DATA != 0 {
		params = append(params, uint32(len(data)))

		if err := p.sendRF2500Data(data); err != nil {
			return err
		}
		if err := p.sendCommand(commandCode, params, nil); err != nil {
			return err
		}
	} else if err := p.sendCommand(commandCode, params, data); err != nil {
		return err
	}

	// Olimex devices sometimes send a spurious 0xff before their
	// response to C_INITIALIZE.
	if err := p.recvPacket(commandCode == C_INITIALIZE); err != nil {
		return err
	}

	if p.CommandCode != commandCode {
		return transportProtoError("fet: reply type mismatch")
	}

	return nil
}
