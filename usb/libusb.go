//go:build !no_libusb

package usb

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// LibUSB is a Device opened through libusb.
type LibUSB struct {
	vid, pid gousb.ID
	serial   string

	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()

	in  map[uint8]*gousb.InEndpoint
	out map[uint8]*gousb.OutEndpoint
}

func openDevice(vid, pid gousb.ID, serial string) (*gousb.Context, *gousb.Device, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		glog.V(1).Infof("Dev %+v", dd)
		return dd.Vendor == vid && dd.Product == pid
	})
	/* OpenDevices may fail overall but still return results */
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}

	var res *gousb.Device
	for _, dev := range devs {
		if res != nil {
			dev.Close()
			continue
		}
		sn, _ := dev.SerialNumber()
		if serial == "" || sn == serial {
			res = dev
		} else {
			dev.Close()
		}
	}

	if res == nil {
		uctx.Close()
		return nil, nil, errors.Annotatef(ErrorNotFound, "%s:%s %q", vid, pid, serial)
	}
	return uctx, res, nil
}

// OpenLibUSB opens the device with the given VID and PID, and optionally
// serial number, and claims its default interface.
func OpenLibUSB(vid uint16, pid uint16, serial string) (*LibUSB, error) {
	u := &LibUSB{
		vid:    gousb.ID(vid),
		pid:    gousb.ID(pid),
		serial: serial,
	}

	if err := u.open(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *LibUSB) open() error {
	uctx, dev, err := openDevice(u.vid, u.pid, u.serial)
	if err != nil {
		return err
	}

	if err := dev.SetAutoDetach(true); err != nil {
		glog.Warningf("Failed to enable kernel driver auto detach: %v", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		uctx.Close()
		return errors.Annotatef(err, "claim interface")
	}

	u.ctx = uctx
	u.dev = dev
	u.intf = intf
	u.done = done
	u.in = make(map[uint8]*gousb.InEndpoint)
	u.out = make(map[uint8]*gousb.OutEndpoint)
	return nil
}

// Reopen closes the device and opens it again once it has re-enumerated.
func (u *LibUSB) Reopen(ctx context.Context) error {
	u.Close()

	deadline := time.Now().Add(10 * time.Second)
	wait := 400 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		err := u.open()
		if err == nil || time.Now().After(deadline) {
			return err
		}
		wait = 100 * time.Millisecond
	}
}

func (u *LibUSB) Control(requestType uint8, request uint8, value uint16, index uint16, data []byte) (int, error) {
	n, err := u.dev.Control(requestType, request, value, index, data)
	if err != nil {
		return n, errors.Annotatef(err, "control %02x/%02x", requestType, request)
	}
	return n, nil
}

func (u *LibUSB) BulkWrite(ep uint8, data []byte) (int, error) {
	e, ok := u.out[ep]
	if !ok {
		var err error
		e, err = u.intf.OutEndpoint(int(ep))
		if err != nil {
			return 0, errors.Trace(err)
		}
		u.out[ep] = e
	}
	return e.Write(data)
}

func (u *LibUSB) BulkRead(ep uint8, data []byte) (int, error) {
	e, ok := u.in[ep]
	if !ok {
		var err error
		e, err = u.intf.InEndpoint(int(ep))
		if err != nil {
			return 0, errors.Trace(err)
		}
		u.in[ep] = e
	}
	return e.Read(data)
}

func (u *LibUSB) Close() error {
	if u.dev == nil {
		return nil
	}

	u.done()
	err := u.dev.Close()
	u.ctx.Close()
	u.dev = nil
	return err
}
