// transport_usb.go - Shared USB plumbing for the libusb-backed
// transports

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
)

// usbBulkConn is the endpoint-level surface a USB transport sits on.
// usbConn implements it against libusb; tests substitute a fake the
// same way fakeTransport stands in for Transport.
type usbBulkConn interface {
	bulkRead(buf []byte, timeout time.Duration) (int, error)
	bulkWrite(data []byte, timeout time.Duration) error
	controlOut(reqType, request uint8, value, index uint16, data []byte) error
	close()
}

// usbConn bundles an open USB device with one claimed interface and
// its first bulk or interrupt endpoint pair.
type usbConn struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

// usbFindDevice locates a device either by "bus:dev" location or by
// VID/PID plus an optional serial number.
func usbFindDevice(ctx *gousb.Context, devpath string, serialNo string,
	vid, pid uint16) (*gousb.Device, error) {
	var wantBus, wantAddr int

	if devpath != "" {
		parts := strings.SplitN(devpath, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("usbutil: location must be specified as <bus>:<device>")
		}
		wantBus, _ = strconv.Atoi(parts[0])
		wantAddr, _ = strconv.Atoi(parts[1])
	}

	devs, _ := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if devpath != "" {
			return desc.Bus == wantBus && desc.Address == wantAddr
		}
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})

	var match *gousb.Device

	for _, dev := range devs {
		if match != nil {
			dev.Close()
			continue
		}

		if devpath == "" && serialNo != "" {
			sn, err := dev.SerialNumber()
			if err != nil || !strings.EqualFold(sn, serialNo) {
				dev.Close()
				continue
			}
		}

		match = dev
	}

	if match == nil {
		if serialNo != "" {
			return nil, fmt.Errorf("usbutil: unable to find device matching "+
				"%04x:%04x with serial %s", vid, pid, serialNo)
		}
		return nil, fmt.Errorf("usbutil: unable to find a device matching %04x:%04x",
			vid, pid)
	}

	return match, nil
}

// usbOpenClass opens the first interface whose class matches,
// detaching any active kernel driver, and resolves the first bulk or
// interrupt in/out endpoint pair.
func usbOpenClass(devpath, serialNo string, vid, pid uint16,
	class gousb.Class) (*usbConn, error) {
	ctx := gousb.NewContext()

	dev, err := usbFindDevice(ctx, devpath, serialNo, vid, pid)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	conn := &usbConn{ctx: ctx, dev: dev}

	dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		conn.close()
		return nil, transportIoError("usbutil: can't set configuration", err)
	}
	conn.cfg = cfg

	for _, ifDesc := range cfg.Desc.Interfaces {
		alt := ifDesc.AltSettings[0]
		if alt.Class != class {
			continue
		}

		intf, err := cfg.Interface(ifDesc.Number, 0)
		if err != nil {
			conn.close()
			return nil, transportIoError("usbutil: can't claim interface", err)
		}
		conn.intf = intf

		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk &&
				ep.TransferType != gousb.TransferTypeInterrupt {
				continue
			}

			if ep.Direction == gousb.EndpointDirectionIn {
				if conn.in == nil {
					conn.in, err = intf.InEndpoint(ep.Number)
				}
			} else if conn.out == nil {
				conn.out, err = intf.OutEndpoint(ep.Number)
			}

			if err != nil {
				conn.close()
				return nil, transportIoError("usbutil: can't open endpoint", err)
			}
		}

		break
	}

	if conn.intf == nil {
		conn.close()
		return nil, transportProtoError("usbutil: can't find a matching interface")
	}

	if conn.in == nil || conn.out == nil {
		conn.close()
		return nil, transportProtoError("usbutil: can't find suitable endpoints")
	}

	return conn, nil
}

func (c *usbConn) close() {
	if c.intf != nil {
		c.intf.Close()
		c.intf = nil
	}
	if c.cfg != nil {
		c.cfg.Close()
		c.cfg = nil
	}
	if c.dev != nil {
		c.dev.Close()
		c.dev = nil
	}
	if c.ctx != nil {
		c.ctx.Close()
		c.ctx = nil
	}
}

// bulkRead performs one IN transfer with a timeout. A timeout is
// reported as such, not as a zero-length read.
func (c *usbConn) bulkRead(buf []byte, timeout time.Duration) (int, error) {
	rctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := c.in.ReadContext(rctx, buf)
	if err != nil {
		if rctx.Err() != nil {
			return 0, errTransportTimeout
		}
		return 0, transportIoError("usbutil: bulk read failed", err)
	}

	return n, nil
}

func (c *usbConn) bulkWrite(data []byte, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for len(data) > 0 {
		n, err := c.out.WriteContext(wctx, data)
		if err != nil {
			if wctx.Err() != nil {
				return errTransportTimeout
			}
			return transportIoError("usbutil: bulk write failed", err)
		}
		data = data[n:]
	}

	return nil
}

// drain reads and discards lingering IN data until the endpoint runs
// dry.
func (c *usbConn) drain() {
	buf := make([]byte, 64)

	for {
		n, err := c.bulkRead(buf, 100*time.Millisecond)
		if err != nil || n == 0 {
			break
		}
	}
}

// controlOut issues a host-to-device control transfer.
func (c *usbConn) controlOut(reqType, request uint8, value, index uint16,
	data []byte) error {
	if _, err := c.dev.Control(reqType, request, value, index, data); err != nil {
		return transportIoError("usbutil: control transfer failed", err)
	}
	return nil
}

// UsbList prints every USB device visible on the bus, annotated with
// the dongles this tool knows about.
func UsbList() {
	help := map[[2]uint16]string{
		{0x0451, 0xf432}: "eZ430-RF2500",
		{0x0451, 0xf430}: "FET430UIF",
		{0x2047, 0x0010}: "FET430UIF (V3 firmware)",
		{0x2047, 0x0013}: "eZ-FET",
		{0x15ba, 0x0002}: "Olimex MSP430-JTAG-TINY (v1)",
		{0x15ba, 0x0008}: "Olimex MSP430-JTAG-ISO",
		{0x15ba, 0x0031}: "Olimex MSP430-JTAG-TINY (v2)",
		{0x15ba, 0x0100}: "Olimex MSP430-JTAG-ISO-MK2 (v2)",
		{0x2047, 0x0200}: "USB bootstrap loader",
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, _ := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})

	for _, dev := range devs {
		desc := dev.Desc
		note := help[[2]uint16{uint16(desc.Vendor), uint16(desc.Product)}]

		line := fmt.Sprintf("    %03d:%03d %04x:%04x %s",
			desc.Bus, desc.Address,
			uint16(desc.Vendor), uint16(desc.Product), note)

		if sn, err := dev.SerialNumber(); err == nil && sn != "" {
			line += fmt.Sprintf(" [serial: %s]", sn)
		}

		printNote("%s\n", line)
		dev.Close()
	}
}
