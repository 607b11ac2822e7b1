// tlv.go - TLV descriptor block reader for XV2-generation parts

package main

import "fmt"

// TLV_BASE is the descriptor block location on parts that carry one.
const TLV_BASE Address = 0x1a00

// TlvBlock holds a device descriptor region read from the target.
type TlvBlock struct {
	data []byte
}

// TlvRead fetches the TLV block via the given device. The first byte
// encodes the block length as a power of two of 32-bit words.
func TlvRead(dev Device) (*TlvBlock, error) {
	head := make([]byte, 8)

	if err := dev.ReadMem(TLV_BASE, head); err != nil {
		return nil, fmt.Errorf("tlv: header read failed: %w", err)
	}

	infoLen := int(head[0])
	if infoLen < 1 || infoLen > 8 {
		return nil, fmt.Errorf("tlv: bad info length field: %d", infoLen)
	}

	size := 4 * (1 << uint(infoLen))
	data := make([]byte, size)
	copy(data, head)

	if err := dev.ReadMem(TLV_BASE+8, data[8:]); err != nil {
		return nil, fmt.Errorf("tlv: body read failed: %w", err)
	}

	return &TlvBlock{data: data}, nil
}

// Find scans for the first entry with the given tag. Scanning starts
// past the 8-byte descriptor header and stops at the 0xff terminator.
func (t *TlvBlock) Find(tag byte) ([]byte, bool) {
	size := 4 * (1 << uint(t.data[0]))
	if size > len(t.data) {
		size = len(t.data)
	}

	i := 8
	for i+3 < size {
		entryTag := t.data[i]
		entryLen := int(t.data[i+1])
		i += 2

		if entryTag == 0xff {
			break
		}

		if entryTag == tag {
			end := i + entryLen
			if end > size {
				end = size
			}
			return t.data[i:end], true
		}

		i += entryLen
	}

	return nil, false
}
