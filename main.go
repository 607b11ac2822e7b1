// main.go - Main entry point for the IntuitionProbe debug tool

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

func buildDeviceArgs(c *cli.Context) *DeviceArgs {
	args := &DeviceArgs{
		VccMillivolts:   c.Int("vcc"),
		Path:            c.String("device"),
		ForcedChipID:    c.String("chip"),
		RequestedSerial: c.String("usb-serial"),
		BslEntrySeq:     c.String("bsl-entry"),
	}

	if c.Bool("jtag") {
		args.Flags |= DEVICE_FLAG_JTAG
	}
	if args.Path != "" && args.Path[0] == '/' {
		args.Flags |= DEVICE_FLAG_TTY
	}
	if c.Bool("force-reset") {
		args.Flags |= DEVICE_FLAG_FORCE_RESET
	}
	if c.Bool("skip-close") {
		args.Flags |= DEVICE_FLAG_SKIP_CLOSE
	}
	if c.Bool("long-password") {
		args.Flags |= DEVICE_FLAG_LONG_PW
	}

	if c.IsSet("bsl-gpio-rts") || c.IsSet("bsl-gpio-dtr") {
		args.BslGpioUsed = true
		args.BslGpioRts = c.Int("bsl-gpio-rts")
		args.BslGpioDtr = c.Int("bsl-gpio-dtr")
	}

	return args
}

func withDevice(c *cli.Context, fn func(dev Device) error) error {
	driverName := c.String("driver")

	driver := FindDriver(driverName)
	if driver == nil {
		printErr("unknown driver: %s\n", driverName)
		printNote("Available drivers:\n")
		for _, d := range DriverList() {
			printNote("    %-16s %s\n", d.Name, d.Help)
		}
		return fmt.Errorf("unknown driver: %s", driverName)
	}

	args := buildDeviceArgs(c)

	dev, err := driver.Open(args)
	if err != nil {
		return err
	}
	defer dev.Close()

	SetDefaultDevice(dev)
	defer SetDefaultDevice(nil)

	if err := DeviceProbeID(dev, args.ForcedChipID); err != nil {
		printErr("warning: %v\n", err)
	}

	return fn(dev)
}

func parseAddr(text string) (Address, error) {
	v, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address: %s", text)
	}
	return Address(v), nil
}

func cmdErase(c *cli.Context, dev Device) error {
	if c.Args().Len() > 0 {
		addr, err := parseAddr(c.Args().Get(0))
		if err != nil {
			return err
		}
		return DeviceErase(DEVICE_ERASE_SEGMENT, addr)
	}

	return DeviceErase(DEVICE_ERASE_MAIN, ADDRESS_NONE)
}

func cmdRead(c *cli.Context, dev Device) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: read <address> <length>")
	}

	addr, err := parseAddr(c.Args().Get(0))
	if err != nil {
		return err
	}
	length, err := strconv.Atoi(c.Args().Get(1))
	if err != nil || length <= 0 {
		return fmt.Errorf("bad length: %s", c.Args().Get(1))
	}

	buf := make([]byte, length)
	if err := dev.ReadMem(addr, buf); err != nil {
		return err
	}

	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}

		line := fmt.Sprintf("%05x:", addr+Address(off))
		for _, b := range buf[off:end] {
			line += fmt.Sprintf(" %02x", b)
		}
		printNote("%s\n", line)
	}

	return nil
}

func cmdRegs(c *cli.Context, dev Device) error {
	regs := make([]Address, DEVICE_NUM_REGS)
	if err := dev.GetRegs(regs); err != nil {
		return err
	}

	for i := 0; i < DEVICE_NUM_REGS; i += 4 {
		printNote("R%-2d: %05x  R%-2d: %05x  R%-2d: %05x  R%-2d: %05x\n",
			i, regs[i], i+1, regs[i+1],
			i+2, regs[i+2], i+3, regs[i+3])
	}

	return nil
}

func cmdRun(c *cli.Context, dev Device) error {
	if err := dev.Ctl(DEVICE_CTL_RUN); err != nil {
		return err
	}

	printNote("Running. Ctrl+C to interrupt.\n")

	for {
		switch dev.Poll() {
		case DEVICE_STATUS_HALTED:
			printNote("Halted.\n")
			return nil
		case DEVICE_STATUS_INTR:
			CtrlcReset()
			return dev.Ctl(DEVICE_CTL_HALT)
		case DEVICE_STATUS_ERROR:
			return fmt.Errorf("device error while running")
		}
	}
}

func main() {
	app := &cli.App{
		Name:  "intuitionprobe",
		Usage: "MSP430 debugger and flash programming tool",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "driver", Aliases: []string{"d"},
				Value: "rf2500", Usage: "device driver to use"},
			&cli.StringFlag{Name: "device",
				Usage: "tty path or USB bus:dev location"},
			&cli.StringFlag{Name: "usb-serial",
				Usage: "select the dongle by USB serial number"},
			&cli.StringFlag{Name: "chip",
				Usage: "skip identification, force this chip type"},
			&cli.IntFlag{Name: "vcc", Value: 3000,
				Usage: "target supply voltage in mV"},
			&cli.BoolFlag{Name: "jtag",
				Usage: "use 4-wire JTAG instead of Spy-Bi-Wire"},
			&cli.BoolFlag{Name: "force-reset",
				Usage: "send a reset during initialization"},
			&cli.BoolFlag{Name: "skip-close",
				Usage: "skip the final reset on close"},
			&cli.BoolFlag{Name: "long-password",
				Usage: "flash-bsl: use a 32-byte password"},
			&cli.StringFlag{Name: "bsl-entry",
				Usage: "BSL entry sequence (e.g. DR,r,R,r,d,R:DR,r)"},
			&cli.IntFlag{Name: "bsl-gpio-rts",
				Usage: "drive the BSL entry RST signal from this GPIO pin"},
			&cli.IntFlag{Name: "bsl-gpio-dtr",
				Usage: "drive the BSL entry TEST signal from this GPIO pin"},
			&cli.BoolFlag{Name: "debug-output", Aliases: []string{"v"},
				Usage: "show debug-level output"},
		},
		Before: func(c *cli.Context) error {
			SetDebugOutput(c.Bool("debug-output"))
			CtrlcInit()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "usb-list",
				Usage: "list available USB devices",
				Action: func(c *cli.Context) error {
					UsbList()
					return nil
				},
			},
			{
				Name:  "erase",
				Usage: "erase main flash, or one segment if an address is given",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(dev Device) error {
						return cmdErase(c, dev)
					})
				},
			},
			{
				Name:  "read",
				Usage: "read target memory: read <address> <length>",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(dev Device) error {
						return cmdRead(c, dev)
					})
				},
			},
			{
				Name:  "regs",
				Usage: "show CPU registers",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(dev Device) error {
						return cmdRegs(c, dev)
					})
				},
			},
			{
				Name:  "run",
				Usage: "run the target until halted or interrupted",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(dev Device) error {
						return cmdRun(c, dev)
					})
				},
			},
			{
				Name:  "step",
				Usage: "single-step one instruction",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(dev Device) error {
						if err := dev.Ctl(DEVICE_CTL_STEP); err != nil {
							return err
						}
						return cmdRegs(c, dev)
					})
				},
			},
			{
				Name:  "reset",
				Usage: "reset the target",
				Action: func(c *cli.Context) error {
					return withDevice(c, func(dev Device) error {
						return dev.Ctl(DEVICE_CTL_RESET)
					})
				},
			},
			{
				Name:  "secure",
				Usage: "blow the JTAG security fuse (irreversible)",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "really",
						Usage: "confirm the irreversible operation"},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("really") {
						return fmt.Errorf("secure is irreversible; pass --really to confirm")
					}
					return withDevice(c, func(dev Device) error {
						return dev.Ctl(DEVICE_CTL_SECURE)
					})
				},
			},
			{
				Name:  "script",
				Usage: "run a Lua script against the target",
				Action: func(c *cli.Context) error {
					if c.Args().Len() < 1 {
						return fmt.Errorf("usage: script <file.lua>")
					}
					return withDevice(c, func(dev Device) error {
						return RunScript(c.Args().Get(0))
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		printErr("%v\n", err)
		os.Exit(1)
	}
}
