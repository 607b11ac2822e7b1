// ctrlc.go - User interrupt flag

package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var ctrlcFlag atomic.Bool

// CtrlcInit installs the SIGINT handler. Long-running device
// operations poll CtrlcCheck and bail out with an interrupt status.
func CtrlcInit() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range ch {
			ctrlcFlag.Store(true)
		}
	}()
}

func CtrlcCheck() bool {
	return ctrlcFlag.Load()
}

func CtrlcReset() {
	ctrlcFlag.Store(false)
}
