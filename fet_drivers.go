// fet_drivers.go - Driver constructors and registry entries

package main

import (
	"fmt"
	"time"
)

// oblFirmwareImage is the replacement firmware for the Olimex
// bootloader, registered by the embedding front-end.
var oblFirmwareImage []byte

// SetOblFirmware registers a firmware image for the update requested
// through DeviceArgs.RequireFwUpdate on the Olimex ISO MK2.
func SetOblFirmware(image []byte) {
	oblFirmwareImage = image
}

func openRf2500(args *DeviceArgs) (Device, error) {
	if args.Flags&DEVICE_FLAG_TTY != 0 {
		return nil, fmt.Errorf("rf2500: this driver does not support TTY devices")
	}

	trans, err := Rf2500Open(args.Path, args.RequestedSerial, 0, 0)
	if err != nil {
		return nil, err
	}

	return FetOpen(args, FET_PROTO_SEPARATE_DATA, trans, 0,
		"rf2500", OLIMEX_NONE)
}

func openUif(args *DeviceArgs) (Device, error) {
	var trans Transport
	var err error

	if args.Flags&DEVICE_FLAG_TTY != 0 {
		trans, err = SerialOpen(args.Path, 460800, 0)
	} else {
		trans, err = Ti3410Open(args.Path, args.RequestedSerial)
	}

	if err != nil {
		return nil, err
	}

	return FetOpen(args, 0, trans, 0, "uif", OLIMEX_NONE)
}

func openOlimex(args *DeviceArgs) (Device, error) {
	var trans Transport
	var err error

	if args.Flags&DEVICE_FLAG_TTY != 0 {
		trans, err = SerialOpen(args.Path, 115200, 0)
	} else {
		trans, err = CdcAcmOpen(args.Path, args.RequestedSerial,
			115200, 0x15ba, 0x0031)
	}

	if err != nil {
		return nil, err
	}

	return FetOpen(args,
		FET_PROTO_NOLEAD_SEND|FET_PROTO_EXTRA_RECV, trans,
		FET_IDENTIFY_NEW|FET_FORCE_RESET,
		"olimex", OLIMEX_TINY)
}

func openOlimexV1(args *DeviceArgs) (Device, error) {
	var trans Transport
	var err error

	if args.Flags&DEVICE_FLAG_TTY != 0 {
		trans, err = SerialOpen(args.Path, 500000, 0)
	} else {
		trans, err = Cp210xOpen(args.Path, args.RequestedSerial,
			500000, 0x15ba, 0x0002)
	}

	if err != nil {
		return nil, err
	}

	return FetOpen(args,
		FET_PROTO_NOLEAD_SEND|FET_PROTO_EXTRA_RECV, trans,
		FET_IDENTIFY_NEW,
		"olimex-v1", OLIMEX_V1)
}

func openOlimexIso(args *DeviceArgs) (Device, error) {
	var trans Transport
	var err error

	if args.Flags&DEVICE_FLAG_TTY != 0 {
		trans, err = SerialOpen(args.Path, 200000, 0)
	} else {
		trans, err = FtdiOpen(args.Path, args.RequestedSerial,
			0x15ba, 0x0008, 200000)
	}

	if err != nil {
		return nil, err
	}

	return FetOpen(args,
		FET_PROTO_NOLEAD_SEND|FET_PROTO_EXTRA_RECV, trans,
		FET_IDENTIFY_NEW,
		"olimex-iso", OLIMEX_ISO)
}

func openOlimexIsoMk2(args *DeviceArgs) (Device, error) {
	open := func() (Transport, error) {
		if args.Flags&DEVICE_FLAG_TTY != 0 {
			return SerialOpen(args.Path, 115200, 0)
		}
		return CdcAcmOpen(args.Path, args.RequestedSerial,
			115200, 0x15ba, 0x0100)
	}

	trans, err := open()
	if err != nil {
		return nil, err
	}

	if args.RequireFwUpdate != "" {
		if oblFirmwareImage == nil {
			trans.Close()
			return nil, fmt.Errorf("olimex-iso-mk2: no firmware image registered")
		}

		if err := OblUpdate(trans, oblFirmwareImage); err != nil {
			trans.Close()
			return nil, err
		}

		OblReset(trans)
		trans.Close()

		printNote("Resetting, please wait...\n")
		time.Sleep(15 * time.Second)

		trans, err = open()
		if err != nil {
			return nil, err
		}
	}

	if ver, err := OblGetVersion(trans); err == nil {
		printDbg("Olimex firmware version: %x\n", ver)
	}

	return FetOpen(args,
		FET_PROTO_NOLEAD_SEND|FET_PROTO_EXTRA_RECV, trans,
		FET_FORCE_RESET|FET_IDENTIFY_NEW,
		"olimex-iso-mk2", OLIMEX_ISO_MK2)
}

func openEzfet(args *DeviceArgs) (Device, error) {
	var trans Transport
	var err error

	if args.Flags&DEVICE_FLAG_TTY != 0 {
		trans, err = SerialOpen(args.Path, 460800, 0)
	} else {
		trans, err = CdcAcmOpen(args.Path, args.RequestedSerial,
			460800, 0x2047, 0x0013)
	}

	if err != nil {
		return nil, fmt.Errorf("ezfet: failed to open transport: %w", err)
	}

	return Fet3Open(args, trans)
}

func init() {
	registerDriver(&DriverClass{
		Name: "rf2500",
		Help: "eZ430-RF2500 devices. Only USB connection is supported.",
		Open: openRf2500,
	})
	registerDriver(&DriverClass{
		Name: "uif",
		Help: "TI FET430UIF and compatible devices (e.g. eZ430).",
		Open: openUif,
	})
	registerDriver(&DriverClass{
		Name: "olimex",
		Help: "Olimex MSP-JTAG-TINY.",
		Open: openOlimex,
	})
	registerDriver(&DriverClass{
		Name: "olimex-v1",
		Help: "Olimex MSP-JTAG-TINY (V1).",
		Open: openOlimexV1,
	})
	registerDriver(&DriverClass{
		Name: "olimex-iso",
		Help: "Olimex MSP-JTAG-ISO.",
		Open: openOlimexIso,
	})
	registerDriver(&DriverClass{
		Name: "olimex-iso-mk2",
		Help: "Olimex MSP430-JTAG-ISO-MK2.",
		Open: openOlimexIsoMk2,
	})
	registerDriver(&DriverClass{
		Name: "ezfet",
		Help: "Texas Instruments eZ-FET",
		Open: openEzfet,
	})
	registerDriver(&DriverClass{
		Name: "goodfet",
		Help: "GoodFET MSP430 JTAG",
		Open: GoodfetOpen,
	})
	registerDriver(&DriverClass{
		Name: "rom-bsl",
		Help: "ROM bootstrap loader",
		Open: RomBslOpen,
	})
	registerDriver(&DriverClass{
		Name: "flash-bsl",
		Help: "TI generic flash-based bootloader via RS-232",
		Open: FlashBslOpen,
	})
	registerDriver(&DriverClass{
		Name: "load-bsl",
		Help: "Loadable USB BSL driver (USB 5xx/6xx).",
		Open: LoadBslOpen,
	})
}
