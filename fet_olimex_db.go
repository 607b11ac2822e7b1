// fet_olimex_db.go - Olimex identification database
//
// Olimex adapters identify through a two-pass C_IDENT1 exchange; the
// first two bytes of the reply select the record.

package main

import "strings"

// FetOlimexDBRecord mirrors FetDBRecord without the msg28 signature;
// matching is by the identification bytes instead.
type FetOlimexDBRecord struct {
	Name string

	Ident       [9]byte
	Msg29Params [3]uint32
	Msg29Data   [FET_DB_MSG29_LEN]byte
	Msg2BData   []byte
}

var fetOlimexDB = []FetOlimexDBRecord{
	{
		Name:        "MSP430F149",
		Ident:       [9]byte{0xf1, 0x49, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		Msg29Params: [3]uint32{0x00, 0x39, 0x31},
		Msg29Data:   msg29For(0x1100, 0xffff, 0x0200, 0x09ff, 2),
		Msg2BData: []byte{
			0x00, 0x0c, 0xff, 0x0f, 0x00, 0x02, 0xff, 0x09,
			0x00, 0x10, 0xff, 0x10,
		},
	},
	{
		Name:        "MSP430F2274",
		Ident:       [9]byte{0xf2, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		Msg29Params: [3]uint32{0x00, 0x39, 0x31},
		Msg29Data:   msg29For(0x8000, 0xffff, 0x0200, 0x05ff, 2),
		Msg2BData: []byte{
			0x00, 0x0c, 0xff, 0x0f, 0x00, 0x02, 0xff, 0x05,
			0x00, 0x10, 0xff, 0x10,
		},
	},
	{
		Name:        "MSP430G2553",
		Ident:       [9]byte{0x25, 0x53, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		Msg29Params: [3]uint32{0x00, 0x39, 0x31},
		Msg29Data:   msg29For(0xc000, 0xffff, 0x0200, 0x03ff, 2),
		Msg2BData: []byte{
			0x00, 0x0c, 0xff, 0x0f, 0x00, 0x02, 0xff, 0x03,
			0x00, 0x10, 0xff, 0x10,
		},
	},
}

// FetOlimexDBFindByName returns the index of the named record, or -1.
func FetOlimexDBFindByName(name string) int {
	for i := range fetOlimexDB {
		if strings.EqualFold(fetOlimexDB[i].Name, name) {
			return i
		}
	}
	return -1
}

// FetOlimexDBIdentify looks up identification bytes in the database.
// Only the first two bytes are compared; the first record whose two
// bytes match is returned, or -1.
func FetOlimexDBIdentify(data []byte) int {
	if len(data) < 2 {
		return -1
	}

	for i := range fetOlimexDB {
		r := &fetOlimexDB[i]

		if r.Ident[0] == data[0] && r.Ident[1] == data[1] {
			return i
		}
	}

	return -1
}

// FetOlimexDBRecordAt returns the record for a database index.
func FetOlimexDBRecordAt(index int) *FetOlimexDBRecord {
	return &fetOlimexDB[index]
}
