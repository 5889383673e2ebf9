// Package isptest provides a simulated ATtiny441/841 that speaks the serial
// programming protocol, for tests and dry runs.
package isptest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/BertoldVdb/tinyflash/pages"
)

var ErrorInjected = errors.New("injected transport failure")

// Target implements both the SPI port and the reset pin of a simulated
// device. All fields may be set before use; the observation fields are
// filled in as the target is driven.
type Target struct {
	mu sync.Mutex

	Signature [3]byte

	/* Handshake only succeeds at this divider or slower */
	MinDivider int

	/* Number of polls reporting busy after a write or erase */
	BusyPolls int

	/* Fail Tx after this many frames, 0 disables */
	FailAfter int

	Flash []uint16

	Frames      [][4]byte
	Connects    []physic.Frequency
	ResetLevels []gpio.Level
	Handshakes  []int
	Commits     []uint16
	Transfers   int

	/* When each reset level was driven and each handshake was received */
	ResetTimes     []time.Time
	HandshakeTimes []time.Time

	/* Instructions other than poll ready received while busy */
	Violations int

	buffer  [pages.PageWords]uint16
	divider int
	reset   gpio.Level
	busy    int
}

// NewTarget returns an erased ATtiny841.
func NewTarget() *Target {
	t := &Target{
		Signature: [3]byte{0x1e, 0x93, 0x15},
		Flash:     make([]uint16, 512*pages.PageWords),
		divider:   -1,
		reset:     gpio.High,
	}
	t.erase()
	return t
}

func (t *Target) erase() {
	for i := range t.Flash {
		t.Flash[i] = 0xffff
	}
	t.clearBuffer()
}

func (t *Target) clearBuffer() {
	for i := range t.buffer {
		t.buffer[i] = 0xffff
	}
}

// Bytes returns the flash contents as bytes in the given order.
func (t *Target) Bytes(order binary.ByteOrder) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]byte, len(t.Flash)*pages.WordSize)
	for i, w := range t.Flash {
		order.PutUint16(out[i*pages.WordSize:], w)
	}
	return out
}

func (t *Target) String() string {
	return "isptest"
}

// spi.Port

func (t *Target) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bits != 8 {
		return nil, fmt.Errorf("unsupported word size %d", bits)
	}

	for d := 0; d < 8; d++ {
		if f == (12*physic.MegaHertz)>>uint(d) {
			t.divider = d
			t.Connects = append(t.Connects, f)
			return &targetConn{t: t}, nil
		}
	}

	return nil, fmt.Errorf("unsupported frequency %s", f)
}

func (t *Target) LimitSpeed(f physic.Frequency) error {
	return nil
}

// gpio.PinOut

func (t *Target) Halt() error {
	return nil
}

func (t *Target) Name() string {
	return "RESET"
}

func (t *Target) Number() int {
	return 7
}

func (t *Target) Function() string {
	return "Out/Open drain"
}

func (t *Target) Out(l gpio.Level) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset = l
	t.ResetLevels = append(t.ResetLevels, l)
	t.ResetTimes = append(t.ResetTimes, time.Now())
	if l == gpio.High {
		t.clearBuffer()
	}
	return nil
}

func (t *Target) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.New("not supported")
}

func (t *Target) ResetLevel() gpio.Level {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reset
}

func (t *Target) inSync() bool {
	return t.reset == gpio.Low && t.divider >= t.MinDivider
}

func (t *Target) exec(f [4]byte) [4]byte {
	none := [4]byte{0xff, 0xff, 0xff, 0xff}

	if f[0] == 0xac && f[1] == 0x53 {
		t.Handshakes = append(t.Handshakes, t.divider)
		t.HandshakeTimes = append(t.HandshakeTimes, time.Now())
		if t.inSync() {
			return [4]byte{0x00, 0xac, 0x53, 0x00}
		}
		return none
	}

	if !t.inSync() {
		return none
	}

	if t.busy > 0 && f[0] != 0xf0 {
		t.Violations++
	}

	resp := [4]byte{0x00, f[0], f[1], 0x00}
	index := f[2] & (pages.PageWords - 1)
	addr := int(f[1])<<8 | int(f[2])

	switch f[0] {
	case 0xac:
		if f[1] == 0x80 {
			t.erase()
			t.busy = t.BusyPolls
		}

	case 0xf0:
		if t.busy > 0 {
			t.busy--
			resp[3] = 1
		}

	case 0x40:
		t.buffer[index] = t.buffer[index]&0xff00 | uint16(f[3])

	case 0x48:
		t.buffer[index] = t.buffer[index]&0x00ff | uint16(f[3])<<8

	case 0x4c:
		base := addr &^ (pages.PageWords - 1)
		for i, w := range t.buffer {
			if base+i < len(t.Flash) {
				/* Programming can only clear bits */
				t.Flash[base+i] &= w
			}
		}
		t.clearBuffer()
		t.Commits = append(t.Commits, uint16(addr))
		t.busy = t.BusyPolls

	case 0x20:
		if addr < len(t.Flash) {
			resp[3] = byte(t.Flash[addr])
		}

	case 0x28:
		if addr < len(t.Flash) {
			resp[3] = byte(t.Flash[addr] >> 8)
		}

	case 0x30:
		if int(f[2]) < len(t.Signature) {
			resp[3] = t.Signature[f[2]]
		}
	}

	return resp
}

type targetConn struct {
	t *Target
}

func (c *targetConn) String() string {
	return "isptest"
}

func (c *targetConn) Duplex() conn.Duplex {
	return conn.Full
}

func (c *targetConn) Tx(w, r []byte) error {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(w)%4 != 0 || len(r) != len(w) {
		return fmt.Errorf("bad transfer size %d/%d", len(w), len(r))
	}
	t.Transfers++

	for i := 0; i < len(w); i += 4 {
		if t.FailAfter > 0 && len(t.Frames) >= t.FailAfter {
			return ErrorInjected
		}

		var f [4]byte
		copy(f[:], w[i:])
		t.Frames = append(t.Frames, f)

		resp := t.exec(f)
		copy(r[i:], resp[:])
	}

	return nil
}

func (c *targetConn) TxPackets(p []spi.Packet) error {
	for _, m := range p {
		if err := c.Tx(m.W, m.R); err != nil {
			return err
		}
	}
	return nil
}
