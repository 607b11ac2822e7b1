// bsllib.go - BSL entry/exit sequence interpreter
//
// Sequences are tiny programs over the modem control lines: uppercase
// asserts a line, lowercase deasserts it, a comma applies the state
// and waits 50 ms, and a colon separates the entry sequence from the
// exit sequence.

package main

import "time"

// BslSeqRun executes the part of seq before any ':' against the
// transport's modem lines.
func BslSeqRun(tr Transport, seq string) error {
	state := ModemBits(0)

	for i := 0; i < len(seq) && seq[i] != ':'; i++ {
		switch seq[i] {
		case 'R':
			state |= MODEM_RTS
		case 'r':
			state &^= MODEM_RTS
		case 'D':
			state |= MODEM_DTR
		case 'd':
			state &^= MODEM_DTR
		case ',':
			if err := tr.SetModem(state); err != nil {
				return err
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	if err := tr.SetModem(state); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	return nil
}

// BslSeqNext skips to the portion of seq after the first ':'.
func BslSeqNext(seq string) string {
	for i := 0; i < len(seq); i++ {
		if seq[i] == ':' {
			return seq[i+1:]
		}
	}
	return ""
}
