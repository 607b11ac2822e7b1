// fet3.go - eZ-FET device driver over the HIL v3 layer

package main

import (
	"fmt"
	"time"
)

// Fet3Device adapts a V3Hil session to the Device contract.
type Fet3Device struct {
	base DeviceBase
	hil  *V3Hil
}

func (d *Fet3Device) Base() *DeviceBase { return &d.base }

// ReadMem bridges odd-aligned head and tail bytes through word reads.
func (d *Fet3Device) ReadMem(addr Address, mem []byte) error {
	if addr&1 != 0 {
		var word [2]byte

		if _, err := d.hil.Read(addr-1, word[:]); err != nil {
			return err
		}

		mem[0] = word[1]
		addr++
		mem = mem[1:]
	}

	for len(mem) >= 2 {
		r := 128
		if r > len(mem) {
			r = len(mem)
		}

		n, err := d.hil.Read(addr, mem[:r&^1])
		if err != nil {
			return err
		}

		addr += Address(n)
		mem = mem[n:]
	}

	if len(mem) > 0 {
		var word [2]byte

		if _, err := d.hil.Read(addr, word[:]); err != nil {
			return err
		}

		mem[0] = word[0]
	}

	return nil
}

func (d *Fet3Device) WriteMem(addr Address, mem []byte) error {
	if addr&1 != 0 {
		var word [2]byte

		if _, err := d.hil.Read(addr-1, word[:]); err != nil {
			return err
		}

		word[1] = mem[0]
		if _, err := d.hil.Write(addr-1, word[:]); err != nil {
			return err
		}

		addr++
		mem = mem[1:]
	}

	for len(mem) >= 2 {
		r := 128
		if r > len(mem) {
			r = len(mem)
		}

		n, err := d.hil.Write(addr, mem[:r&^1])
		if err != nil {
			return err
		}

		addr += Address(n)
		mem = mem[n:]
	}

	if len(mem) > 0 {
		var word [2]byte

		if _, err := d.hil.Read(addr, word[:]); err != nil {
			return err
		}

		word[0] = mem[0]
		if _, err := d.hil.Write(addr, word[:]); err != nil {
			return err
		}
	}

	return nil
}

func (d *Fet3Device) SetRegs(regs []Address) error {
	copy(d.hil.Regs[:], regs)
	return nil
}

func (d *Fet3Device) GetRegs(regs []Address) error {
	copy(regs, d.hil.Regs[:])
	return nil
}

func (d *Fet3Device) Ctl(op DeviceCtl) error {
	switch op {
	case DEVICE_CTL_RESET:
		if err := d.hil.Sync(); err != nil {
			return err
		}
		return d.hil.UpdateRegs()

	case DEVICE_CTL_RUN:
		if err := d.hil.FlushRegs(); err != nil {
			return err
		}
		return d.hil.ContextRestore(false)

	case DEVICE_CTL_HALT:
		if err := d.hil.ContextSave(); err != nil {
			return err
		}
		return d.hil.UpdateRegs()

	case DEVICE_CTL_STEP:
		if err := d.hil.FlushRegs(); err != nil {
			return err
		}
		if err := d.hil.SingleStep(); err != nil {
			return err
		}
		return d.hil.UpdateRegs()
	}

	return fmt.Errorf("fet3: unsupported operation")
}

func (d *Fet3Device) Poll() DeviceStatus {
	// Hardware breakpoints aren't driven through this path yet, so
	// there is nothing to poll for besides cancellation.
	for i := 0; i < 10; i++ {
		if CtrlcCheck() {
			return DEVICE_STATUS_INTR
		}
		time.Sleep(50 * time.Millisecond)
	}

	return DEVICE_STATUS_RUNNING
}

func (d *Fet3Device) Erase(kind EraseType, addr Address) error {
	if kind == DEVICE_ERASE_ALL {
		return fmt.Errorf("fet3: mass erase is not supported")
	}

	if kind == DEVICE_ERASE_MAIN {
		addr = ADDRESS_NONE
	}

	return d.hil.Erase(addr)
}

func (d *Fet3Device) ConfigFuses() (int, error) {
	return 0, fmt.Errorf("fet3: config fuse query is not supported")
}

func (d *Fet3Device) Close() error {
	d.hil.FlushRegs()
	d.hil.ContextRestore(true)
	d.hil.StopJtag()

	return d.hil.Hal().Transport().Close()
}

func (d *Fet3Device) debugInit(args *DeviceArgs) error {
	if err := d.hil.CommInit(); err != nil {
		return err
	}

	printDbg("Set VCC: %d mV\n", args.VccMillivolts)
	if err := d.hil.SetVcc(args.VccMillivolts); err != nil {
		return err
	}

	printDbg("Starting interface...\n")
	jtagType := V3HIL_JTAG_SPYBIWIRE
	if args.Flags&DEVICE_FLAG_JTAG != 0 {
		jtagType = V3HIL_JTAG_JTAG
	}
	if err := d.hil.StartJtag(jtagType); err != nil {
		return err
	}

	if args.ForcedChipID != "" {
		d.hil.Chip = ChipInfoFindByName(args.ForcedChipID)
		if d.hil.Chip == nil {
			d.hil.StopJtag()
			return fmt.Errorf("fet3: unknown chip: %s", args.ForcedChipID)
		}
	} else if err := d.hil.Identify(); err != nil {
		d.hil.StopJtag()
		return err
	}

	d.base.Chip = d.hil.Chip

	if err := d.hil.Configure(); err != nil {
		d.hil.StopJtag()
		return err
	}
	if err := d.hil.UpdateRegs(); err != nil {
		d.hil.StopJtag()
		return err
	}

	return nil
}

// Fet3Open attaches an eZ-FET device over the given transport.
func Fet3Open(args *DeviceArgs, trans Transport) (Device, error) {
	dev := &Fet3Device{
		hil: NewV3Hil(trans, 0),
	}
	dev.base.Name = "ezfet"
	dev.base.MaxBreakpoints = 0

	if err := dev.debugInit(args); err != nil {
		trans.Close()
		return nil, err
	}

	return dev, nil
}
