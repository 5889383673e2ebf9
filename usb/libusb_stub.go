//go:build no_libusb

package usb

import (
	"github.com/juju/errors"
)

type LibUSB struct {
	Device
}

func OpenLibUSB(vid uint16, pid uint16, serial string) (*LibUSB, error) {
	return nil, errors.NotSupportedf("libusb backend in this build")
}
