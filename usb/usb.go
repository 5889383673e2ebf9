// Package usb gives access to a USB device through control and bulk
// transfers.
package usb

import (
	"context"
	"strconv"

	"github.com/juju/errors"
)

// Device is an opened USB device with its first interface claimed.
// Endpoint numbers do not include the direction bit.
type Device interface {
	Control(requestType uint8, request uint8, value uint16, index uint16, data []byte) (int, error)
	BulkWrite(ep uint8, data []byte) (int, error)
	BulkRead(ep uint8, data []byte) (int, error)
	Close() error
}

// Reopener is implemented by devices that can be opened again after they
// disconnected and re-enumerated.
type Reopener interface {
	Reopen(ctx context.Context) error
}

const (
	RequestTypeIn     uint8 = 0x80
	RequestTypeVendor uint8 = 0x40
)

var ErrorNotFound = errors.New("USB device not found")

// ParseID parses a "vid:pid" string.
func ParseID(s string) (uint16, uint16, bool) {
	if len(s) != 9 || s[4] != ':' {
		return 0, 0, false
	}

	vid, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, 0, false
	}

	pid, err := strconv.ParseUint(s[5:], 16, 16)
	if err != nil {
		return 0, 0, false
	}

	return uint16(vid), uint16(pid), true
}
