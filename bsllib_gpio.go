// bsllib_gpio.go - GPIO-pin backend for BSL entry sequences
//
// On boards where RST and TEST are wired to host GPIO pins rather
// than the serial port's modem lines, the same sequence language
// drives a pair of sysfs GPIOs. The pin logic is inverted relative to
// the modem lines.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// gpioRoot is the sysfs GPIO mount point. Tests redirect it.
var gpioRoot = "/sys/class/gpio"

func gpioPath(pin int, node string) string {
	return fmt.Sprintf("%s/gpio%d/%s", gpioRoot, pin, node)
}

func gpioIsExported(pin int) bool {
	_, err := os.Stat(fmt.Sprintf("%s/gpio%d", gpioRoot, pin))
	return err == nil
}

func gpioExport(pin int) error {
	if gpioIsExported(pin) {
		return nil
	}

	if err := os.WriteFile(gpioRoot+"/export",
		[]byte(strconv.Itoa(pin)), 0o644); err != nil {
		return fmt.Errorf("gpio: can't export pin %d: %w", pin, err)
	}

	return nil
}

func gpioUnexport(pin int) error {
	if err := os.WriteFile(gpioRoot+"/unexport",
		[]byte(strconv.Itoa(pin)), 0o644); err != nil {
		return fmt.Errorf("gpio: can't unexport pin %d: %w", pin, err)
	}

	return nil
}

func gpioSetDirOut(pin int) error {
	if err := os.WriteFile(gpioPath(pin, "direction"),
		[]byte("out"), 0o644); err != nil {
		return fmt.Errorf("gpio: can't set direction of pin %d: %w", pin, err)
	}

	return nil
}

func gpioSetValue(pin, value int) error {
	if err := os.WriteFile(gpioPath(pin, "value"),
		[]byte(strconv.Itoa(value)), 0o644); err != nil {
		return fmt.Errorf("gpio: can't set value of pin %d: %w", pin, err)
	}

	return nil
}

// BslSeqRunGpio executes the part of seq before any ':' against a
// pair of GPIO pins. Pins exported here are unexported again
// afterwards; pins that were already exported are left that way.
func BslSeqRunGpio(rts, dtr int, seq string) error {
	wasRtsExported := gpioIsExported(rts)
	wasDtrExported := gpioIsExported(dtr)

	if err := gpioExport(rts); err != nil {
		return err
	}
	if err := gpioSetDirOut(rts); err != nil {
		return err
	}
	if err := gpioExport(dtr); err != nil {
		return err
	}
	if err := gpioSetDirOut(dtr); err != nil {
		return err
	}

	for i := 0; i < len(seq) && seq[i] != ':'; i++ {
		var err error

		// Pin logic is reversed: assert drives the pin low.
		switch seq[i] {
		case 'R':
			err = gpioSetValue(rts, 0)
		case 'r':
			err = gpioSetValue(rts, 1)
		case 'D':
			err = gpioSetValue(dtr, 0)
		case 'd':
			err = gpioSetValue(dtr, 1)
		case ',':
			time.Sleep(50 * time.Millisecond)
		}

		if err != nil {
			return err
		}
	}

	if !wasRtsExported {
		gpioUnexport(rts)
	}
	if !wasDtrExported {
		gpioUnexport(dtr)
	}

	time.Sleep(50 * time.Millisecond)

	return nil
}
