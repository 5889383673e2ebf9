// Package cp2130 drives a Silicon Labs CP2130 USB-to-SPI bridge. Its SPI
// channels and GPIO pins are exposed through the periph.io interfaces.
package cp2130

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3/gpio"

	"github.com/BertoldVdb/tinyflash/usb"
)

const (
	VendorID  = 0x10c4
	ProductID = 0x87a0

	Channels = 11
	Pins     = 11
)

const (
	epOut = 1
	epIn  = 2

	reqResetDevice         = 0x10
	reqGetGPIOValues       = 0x20
	reqSetGPIOValues       = 0x21
	reqGetGPIOModeAndLevel = 0x22
	reqSetGPIOModeAndLevel = 0x23
	reqSetGPIOChipSelect   = 0x25
	reqGetSPIWord          = 0x30
	reqSetSPIWord          = 0x31

	cmdWrite     = 0x01
	cmdWriteRead = 0x02
)

type PinMode uint8

const (
	ModeInput     PinMode = 0
	ModeOpenDrain PinMode = 1
	ModePushPull  PinMode = 2
)

// Chip select control values
const (
	ChipSelectDisabled  = 0
	ChipSelectEnabled   = 1
	ChipSelectExclusive = 2
)

var (
	ErrorShortTransfer = errors.New("short USB transfer")
	ErrorBadChannel    = errors.New("no such SPI channel")
)

type Bridge struct {
	mu  sync.Mutex
	dev usb.Device
}

func New(dev usb.Device) *Bridge {
	return &Bridge{dev: dev}
}

func (b *Bridge) Close() error {
	return b.dev.Close()
}

func (b *Bridge) controlOut(request uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.dev.Control(usb.RequestTypeVendor, request, 0, 0, data)
	if err != nil {
		return errors.Trace(err)
	}
	if n != len(data) {
		return errors.Annotatef(ErrorShortTransfer, "request %02x: %d of %d bytes", request, n, len(data))
	}
	return nil
}

func (b *Bridge) controlIn(request uint8, length int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := make([]byte, length)
	n, err := b.dev.Control(usb.RequestTypeIn|usb.RequestTypeVendor, request, 0, 0, data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n != length {
		return nil, errors.Annotatef(ErrorShortTransfer, "request %02x: %d of %d bytes", request, n, length)
	}
	return data, nil
}

func levelByte(l gpio.Level) byte {
	if l {
		return 1
	}
	return 0
}

/* GPIO.n position in the 16-bit GPIO value word */
var gpioBits = [Pins]uint{3, 4, 5, 6, 7, 8, 10, 11, 12, 13, 14}

// GPIOMask returns the value word bit of a pin.
func GPIOMask(pin uint8) uint16 {
	if int(pin) >= len(gpioBits) {
		return 0
	}
	return 1 << gpioBits[pin]
}

// GPIOValues returns the levels of all pins as a value word.
func (b *Bridge) GPIOValues() (uint16, error) {
	data, err := b.controlIn(reqGetGPIOValues, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

// SetGPIOValues drives the output pins selected by mask to levels.
func (b *Bridge) SetGPIOValues(levels uint16, mask uint16) error {
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:], levels)
	binary.BigEndian.PutUint16(buf[2:], mask)
	return b.controlOut(reqSetGPIOValues, buf[:])
}

// Reset restarts the bridge. It drops off the bus and comes back with all
// pins and channels at their power-on configuration, so the device is
// reopened before returning.
func (b *Bridge) Reset(ctx context.Context) error {
	r, ok := b.dev.(usb.Reopener)
	if !ok {
		return errors.NotSupportedf("reset of this device")
	}

	if err := b.controlOut(reqResetDevice, nil); err != nil {
		/* The bridge may leave the bus before the status stage */
		glog.V(1).Infof("Reset request: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return errors.Annotatef(r.Reopen(ctx), "reopen after reset")
}

func (b *Bridge) SetGPIOModeAndLevel(pin uint8, mode PinMode, level gpio.Level) error {
	glog.V(2).Infof("GPIO.%d mode %d level %s", pin, mode, level)
	return b.controlOut(reqSetGPIOModeAndLevel, []byte{pin, byte(mode), levelByte(level)})
}

// GPIOModeAndLevel returns the raw level and mode masks of all pins.
func (b *Bridge) GPIOModeAndLevel() ([4]byte, error) {
	var result [4]byte

	data, err := b.controlIn(reqGetGPIOModeAndLevel, len(result))
	if err != nil {
		return result, err
	}
	copy(result[:], data)
	return result, nil
}

func (b *Bridge) SetGPIOChipSelect(channel uint8, control uint8) error {
	if channel >= Channels {
		return ErrorBadChannel
	}
	return b.controlOut(reqSetGPIOChipSelect, []byte{channel, control})
}

func (b *Bridge) SetSPIWord(channel uint8, word uint8) error {
	if channel >= Channels {
		return ErrorBadChannel
	}
	return b.controlOut(reqSetSPIWord, []byte{channel, word})
}

// SPIWord returns the SPI configuration word of every channel.
func (b *Bridge) SPIWord() ([Channels]byte, error) {
	var result [Channels]byte

	data, err := b.controlIn(reqGetSPIWord, len(result))
	if err != nil {
		return result, err
	}
	copy(result[:], data)
	return result, nil
}

func bulkCommand(cmd byte, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	buf[2] = cmd
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(data)))
	copy(buf[8:], data)
	return buf
}

func (b *Bridge) bulkOut(buf []byte) error {
	n, err := b.dev.BulkWrite(epOut, buf)
	if err != nil {
		return errors.Trace(err)
	}
	if n != len(buf) {
		return errors.Annotatef(ErrorShortTransfer, "bulk out: %d of %d bytes", n, len(buf))
	}
	return nil
}

// SPIWrite clocks out data on the active channel and discards what is read.
func (b *Bridge) SPIWrite(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.bulkOut(bulkCommand(cmdWrite, data))
}

// SPIWriteRead clocks out data on the active channel and returns the bytes
// read at the same time.
func (b *Bridge) SPIWriteRead(data []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.bulkOut(bulkCommand(cmdWriteRead, data)); err != nil {
		return nil, err
	}

	/* The response may arrive in several packets */
	response := make([]byte, len(data))
	received := 0
	for received < len(response) {
		n, err := b.dev.BulkRead(epIn, response[received:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		if n == 0 {
			return nil, errors.Annotatef(ErrorShortTransfer, "bulk in: %d of %d bytes", received, len(response))
		}
		received += n
	}

	return response, nil
}
