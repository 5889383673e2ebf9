package isp

import (
	"github.com/BertoldVdb/tinyflash/pages"
)

// Device describes a supported target.
type Device struct {
	Signature [3]byte
	Name      string
	Pages     int
}

func (d Device) Words() int {
	return d.Pages * pages.PageWords
}

var devices = []Device{
	{Signature: [3]byte{0x1e, 0x92, 0x15}, Name: "ATtiny441", Pages: 256},
	{Signature: [3]byte{0x1e, 0x93, 0x15}, Name: "ATtiny841", Pages: 512},
}

func DeviceLookup(signature [3]byte) (Device, bool) {
	for _, m := range devices {
		if m.Signature == signature {
			return m, true
		}
	}
	return Device{}, false
}
