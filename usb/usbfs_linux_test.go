package usb

import (
	"context"
	"errors"
	"testing"
)

func TestIoctlNumbers(t *testing.T) {
	if usbdevfsClaimInterface != 0x8004550f {
		t.Errorf("claim interface = %x", usbdevfsClaimInterface)
	}
	if usbdevfsReleaseInterface != 0x80045510 {
		t.Errorf("release interface = %x", usbdevfsReleaseInterface)
	}
	if ctrl := usbdevfsControl & 0xffff; ctrl != 0x5500 {
		t.Errorf("control = %x", usbdevfsControl)
	}
	if bulk := usbdevfsBulk & 0xffff; bulk != 0x5502 {
		t.Errorf("bulk = %x", usbdevfsBulk)
	}
}

func TestResolvePathPassthrough(t *testing.T) {
	p, err := resolvePath("/dev/bus/usb/001/004")
	if err != nil || p != "/dev/bus/usb/001/004" {
		t.Errorf("resolvePath = %q, %v", p, err)
	}
}

func TestReopenCancelled(t *testing.T) {
	u := &USBFS{path: "/dev/bus/usb/999/999", fd: -1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := u.Reopen(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Reopen = %v", err)
	}
	if u.fd != -1 {
		t.Error("Device was opened")
	}
}

var _ Reopener = (*USBFS)(nil)
