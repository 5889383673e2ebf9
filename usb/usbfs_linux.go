package usb

import (
	"context"
	"runtime"
	"strings"
	"time"
	"unsafe"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type usbdevfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32 // unit: millisec
	Data        uintptr
}

type usbdevfsBulkTransfer struct {
	Ep      uint32
	Len     uint32
	Timeout uint32 // unit: millisec
	Data    uintptr
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir uintptr, nr uintptr, size uintptr) uintptr {
	return dir<<30 | size<<16 | 'U'<<8 | nr
}

var (
	usbdevfsControl          = ioc(iocRead|iocWrite, 0, unsafe.Sizeof(usbdevfsCtrlTransfer{}))
	usbdevfsBulk             = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(usbdevfsBulkTransfer{}))
	usbdevfsClaimInterface   = ioc(iocRead, 15, unsafe.Sizeof(uint32(0)))
	usbdevfsReleaseInterface = ioc(iocRead, 16, unsafe.Sizeof(uint32(0)))
)

// USBFS talks to a device through its /dev/bus/usb node without libusb.
type USBFS struct {
	path    string
	fd      int
	iface   uint32
	Timeout uint32
}

// OpenUSBFS opens a usbfs node, or the single device matching a "vid:pid"
// string, and claims interface 0.
func OpenUSBFS(path string) (*USBFS, error) {
	u := &USBFS{
		path:    path,
		fd:      -1,
		Timeout: 3000,
	}

	if err := u.open(); err != nil {
		return nil, err
	}
	return u, nil
}

func resolvePath(path string) (string, error) {
	id, serial, _ := strings.Cut(path, "/")
	vid, pid, ok := ParseID(id)
	if !ok {
		return path, nil
	}

	devs, err := FindDevices(vid, pid, serial)
	if err != nil {
		return "", err
	}
	if len(devs) == 0 {
		return "", errors.Annotatef(ErrorNotFound, "%s", path)
	}
	if len(devs) > 1 {
		return "", errors.Errorf("more than one USB device matches %s", path)
	}

	return devs[0], nil
}

func (u *USBFS) open() error {
	path, err := resolvePath(u.path)
	if err != nil {
		return err
	}

	u.fd, err = unix.Open(path, unix.O_RDWR, 0600)
	if err != nil {
		u.fd = -1
		return errors.Annotatef(err, "open %s", path)
	}

	if err := u.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&u.iface)); err != nil {
		unix.Close(u.fd)
		u.fd = -1
		return errors.Annotatef(err, "claim interface %d", u.iface)
	}

	glog.V(1).Infof("Opened %s", path)
	return nil
}

const (
	reopenSettle  = 400 * time.Millisecond
	reopenPoll    = 100 * time.Millisecond
	reopenTimeout = 10 * time.Second
)

// Reopen closes the device and opens it again once it has re-enumerated,
// for example after a bridge reset. A vid:pid path is resolved again since
// the device number changes.
func (u *USBFS) Reopen(ctx context.Context) error {
	u.Close()

	deadline := time.Now().Add(reopenTimeout)
	wait := reopenSettle
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		err := u.open()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Annotatef(err, "device did not come back after %s", reopenTimeout)
		}
		glog.V(1).Infof("Waiting for %s: %v", u.path, err)
		wait = reopenPoll
	}
}

func (u *USBFS) Close() error {
	if u.fd < 0 {
		return nil
	}

	fd := u.fd
	u.fd = -1

	u.ioctlFd(fd, usbdevfsReleaseInterface, unsafe.Pointer(&u.iface))
	return unix.Close(fd)
}

func (u *USBFS) ioctlFd(fd int, req uintptr, arg unsafe.Pointer) error {
	_, err := u.ioctlN(fd, req, arg)
	return err
}

func (u *USBFS) ioctl(req uintptr, arg unsafe.Pointer) error {
	return u.ioctlFd(u.fd, req, arg)
}

func (u *USBFS) ioctlN(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func dataPtr(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

func (u *USBFS) Control(requestType uint8, request uint8, value uint16, index uint16, data []byte) (int, error) {
	if u.fd < 0 {
		return 0, errors.New("device is closed")
	}

	xfer := usbdevfsCtrlTransfer{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     u.Timeout,
		Data:        dataPtr(data),
	}

	n, err := u.ioctlN(u.fd, usbdevfsControl, unsafe.Pointer(&xfer))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, errors.Annotatef(err, "control %02x/%02x", requestType, request)
	}
	return n, nil
}

func (u *USBFS) bulk(ep uint8, data []byte) (int, error) {
	if u.fd < 0 {
		return 0, errors.New("device is closed")
	}

	xfer := usbdevfsBulkTransfer{
		Ep:      uint32(ep),
		Len:     uint32(len(data)),
		Timeout: u.Timeout,
		Data:    dataPtr(data),
	}

	n, err := u.ioctlN(u.fd, usbdevfsBulk, unsafe.Pointer(&xfer))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, errors.Annotatef(err, "bulk ep %02x", ep)
	}
	return n, nil
}

func (u *USBFS) BulkWrite(ep uint8, data []byte) (int, error) {
	return u.bulk(ep&0x7f, data)
}

func (u *USBFS) BulkRead(ep uint8, data []byte) (int, error) {
	return u.bulk(ep|0x80, data)
}
