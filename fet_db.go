// fet_db.go - Device database for the C_IDENT1 identification path
//
// Records carry the 18-byte signature returned by message 0x28 and
// the configuration blobs pushed back via messages 0x29 and 0x2b.

package main

import "strings"

const (
	FET_DB_MSG28_LEN = 0x12
	FET_DB_MSG29_LEN = 0x4a
	FET_DB_MSG2B_LEN = 0x4a
)

// FetDBRecord is one device entry. Msg29Data layout (LE): code start
// word at 0, code end long at 2, RAM start word at 0x0c, RAM end word
// at 0x0e, breakpoint count byte at 0x14.
type FetDBRecord struct {
	Name string

	Msg28Data   [FET_DB_MSG28_LEN]byte
	Msg29Params [3]uint32
	Msg29Data   [FET_DB_MSG29_LEN]byte
	Msg2BData   []byte
}

func msg29For(codeStart uint16, codeEnd uint32, ramStart, ramEnd uint16,
	nbp byte) [FET_DB_MSG29_LEN]byte {
	var d [FET_DB_MSG29_LEN]byte

	putLe16(d[0:], codeStart)
	putLe32(d[2:], codeEnd)
	putLe16(d[0x0c:], ramStart)
	putLe16(d[0x0e:], ramEnd)
	d[0x14] = nbp

	return d
}

var fetDB = []FetDBRecord{
	{
		Name: "MSP430F149",
		Msg28Data: [FET_DB_MSG28_LEN]byte{
			0xf1, 0x49, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x02, 0x00,
		},
		Msg29Params: [3]uint32{0x00, 0x39, 0x31},
		Msg29Data:   msg29For(0x1100, 0xffff, 0x0200, 0x09ff, 2),
		Msg2BData: []byte{
			0x00, 0x0c, 0xff, 0x0f, 0x00, 0x02, 0xff, 0x09,
			0x00, 0x10, 0xff, 0x10,
		},
	},
	{
		Name: "MSP430F2274",
		Msg28Data: [FET_DB_MSG28_LEN]byte{
			0xf2, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x02, 0x00,
		},
		Msg29Params: [3]uint32{0x00, 0x39, 0x31},
		Msg29Data:   msg29For(0x8000, 0xffff, 0x0200, 0x05ff, 2),
		Msg2BData: []byte{
			0x00, 0x0c, 0xff, 0x0f, 0x00, 0x02, 0xff, 0x05,
			0x00, 0x10, 0xff, 0x10,
		},
	},
	{
		Name: "MSP430G2553",
		Msg28Data: [FET_DB_MSG28_LEN]byte{
			0x25, 0x53, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x02, 0x00,
		},
		Msg29Params: [3]uint32{0x00, 0x39, 0x31},
		Msg29Data:   msg29For(0xc000, 0xffff, 0x0200, 0x03ff, 2),
		Msg2BData: []byte{
			0x00, 0x0c, 0xff, 0x0f, 0x00, 0x02, 0xff, 0x03,
			0x00, 0x10, 0xff, 0x10,
		},
	},
}

// FetDBFindByMsg28 matches a record by its message-0x28 signature.
// The first two bytes must match exactly; the rest of the signature
// contributes to a closest-match score.
func FetDBFindByMsg28(data []byte) *FetDBRecord {
	var best *FetDBRecord
	bestScore := -1

	for i := range fetDB {
		r := &fetDB[i]

		if len(data) < 2 || r.Msg28Data[0] != data[0] ||
			r.Msg28Data[1] != data[1] {
			continue
		}

		score := 0
		max := len(data)
		if max > FET_DB_MSG28_LEN {
			max = FET_DB_MSG28_LEN
		}
		for j := 2; j < max; j++ {
			if r.Msg28Data[j] == data[j] {
				score++
			}
		}

		if score > bestScore {
			best = r
			bestScore = score
		}
	}

	return best
}

// FetDBFindByName looks a record up by name, case-insensitively.
func FetDBFindByName(name string) *FetDBRecord {
	for i := range fetDB {
		if strings.EqualFold(fetDB[i].Name, name) {
			return &fetDB[i]
		}
	}
	return nil
}
