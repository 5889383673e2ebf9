//go:build !linux

package usb

import (
	"github.com/juju/errors"
)

type USBFS struct {
	Device
}

func OpenUSBFS(path string) (*USBFS, error) {
	return nil, errors.NotSupportedf("usbfs backend on this platform")
}

func FindDevices(vid uint16, pid uint16, serial string) ([]string, error) {
	return nil, errors.NotSupportedf("usbfs device scan on this platform")
}
