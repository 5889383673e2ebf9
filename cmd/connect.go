package cmd

import (
	"context"
	"io"

	"github.com/juju/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/BertoldVdb/tinyflash/cp2130"
	"github.com/BertoldVdb/tinyflash/isp"
	"github.com/BertoldVdb/tinyflash/isp/isptest"
	"github.com/BertoldVdb/tinyflash/usb"
)

var ErrorUnknownBackend = errors.New("unknown backend")

/* Replaced by tests to inspect the simulated device */
var newSimTarget = isptest.NewTarget

type target struct {
	port  spi.Port
	reset gpio.PinOut
	io.Closer
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}

func openUSB() (usb.Device, error) {
	switch backend {
	case "usbfs":
		path := devPath
		if _, _, ok := usb.ParseID(path); ok && serial != "" {
			path += "/" + serial
		}
		return usb.OpenUSBFS(path)

	case "libusb":
		vid, pid, ok := usb.ParseID(devPath)
		if !ok {
			return nil, errors.Errorf("libusb needs a vid:pid device, got %q", devPath)
		}
		return usb.OpenLibUSB(vid, pid, serial)
	}

	return nil, errors.Annotatef(ErrorUnknownBackend, "%q", backend)
}

func openTarget(ctx context.Context) (*target, error) {
	if backend == "sim" {
		t := newSimTarget()
		return &target{port: t, reset: t, Closer: nopCloser{}}, nil
	}

	dev, err := openUSB()
	if err != nil {
		return nil, err
	}

	bridge := cp2130.New(dev)
	if resetBridge {
		if err := bridge.Reset(ctx); err != nil {
			bridge.Close()
			return nil, errors.Annotatef(err, "bridge reset")
		}
	}

	return &target{
		port:   bridge.Port(channel),
		reset:  bridge.Pin(resetPin),
		Closer: bridge,
	}, nil
}

func (t *target) session(opts ...isp.Option) *isp.Session {
	opts = append([]isp.Option{isp.WithMaxPolls(maxPolls)}, opts...)
	return isp.New(t.port, t.reset, opts...)
}
