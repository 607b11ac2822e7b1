// bytes.go - Little-endian field helpers shared by the wire codecs

package main

import "encoding/binary"

func le16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func putLe16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

func putLe32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}
