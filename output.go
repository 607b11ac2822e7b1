// output.go - Console output helpers

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

var (
	outputMu   sync.Mutex
	debugOn    bool
	shellMode  bool
	colourOut  = term.IsTerminal(int(os.Stdout.Fd()))
	colourErr  = term.IsTerminal(int(os.Stderr.Fd()))
)

// SetDebugOutput enables the printDbg channel.
func SetDebugOutput(on bool) {
	outputMu.Lock()
	debugOn = on
	outputMu.Unlock()
}

// SetShellMode enables machine-readable shell notifications. An
// embedding front-end turns this on to receive "power-sample" style
// lines on stdout.
func SetShellMode(on bool) {
	outputMu.Lock()
	shellMode = on
	outputMu.Unlock()
}

func printNote(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()
	fmt.Printf(format, args...)
}

func printDbg(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if !debugOn {
		return
	}
	if colourOut {
		fmt.Printf("\x1b[2m"+format+"\x1b[0m", args...)
	} else {
		fmt.Printf(format, args...)
	}
}

func printErr(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if colourErr {
		fmt.Fprintf(os.Stderr, "\x1b[31m"+format+"\x1b[0m", args...)
	} else {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// printShell emits a machine-readable notification line. These are
// suppressed unless shell mode is active.
func printShell(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if !shellMode {
		return
	}
	fmt.Printf("\\"+format+"\n", args...)
}

// shellPowerSamples streams raw power-sample data in base64 chunks.
func shellPowerSamples(data []byte) {
	for len(data) > 0 {
		plen := 128
		if plen > len(data) {
			plen = len(data)
		}
		printShell("power-samples %s",
			base64.StdEncoding.EncodeToString(data[:plen]))
		data = data[plen:]
	}
}

// debugHexdump prints a labelled hex dump on the debug channel.
func debugHexdump(label string, data []byte) {
	outputMu.Lock()
	on := debugOn
	outputMu.Unlock()
	if !on {
		return
	}
	printNote("%s\n", label)
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := "    "
		for _, b := range data[off:end] {
			line += fmt.Sprintf("%02x ", b)
		}
		printNote("%s\n", line)
	}
}
