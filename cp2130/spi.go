package cp2130

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

/* SPI clock = 12 MHz >> clock index */
const (
	MaxClock    = 12 * physic.MegaHertz
	ClockShifts = 8

	wordCPOL = 1 << 4
	wordCPHA = 1 << 5
)

var ErrorUnsupportedMode = errors.New("SPI mode not supported")

// ClockIndex returns the index of the fastest clock not above f.
func ClockIndex(f physic.Frequency) (uint8, error) {
	for i := 0; i < ClockShifts; i++ {
		if MaxClock>>uint(i) <= f {
			return uint8(i), nil
		}
	}
	return 0, errors.Errorf("frequency %s is below %s", f, MaxClock>>(ClockShifts-1))
}

// SPIWordFor encodes a clock and mode into a channel configuration word.
func SPIWordFor(f physic.Frequency, mode spi.Mode) (uint8, error) {
	if mode&(spi.HalfDuplex|spi.LSBFirst) != 0 {
		return 0, errors.Annotatef(ErrorUnsupportedMode, "%s", mode)
	}

	word, err := ClockIndex(f)
	if err != nil {
		return 0, err
	}

	if mode&spi.Mode2 != 0 {
		word |= wordCPOL
	}
	if mode&spi.Mode1 != 0 {
		word |= wordCPHA
	}
	return word, nil
}

// Port is one SPI channel of the bridge.
type Port struct {
	b       *Bridge
	channel uint8
	limit   physic.Frequency
}

func (b *Bridge) Port(channel uint8) *Port {
	return &Port{b: b, channel: channel}
}

func (p *Port) String() string {
	return fmt.Sprintf("CP2130 SPI%d", p.channel)
}

func (p *Port) LimitSpeed(f physic.Frequency) error {
	if _, err := ClockIndex(f); err != nil {
		return err
	}
	p.limit = f
	return nil
}

// Connect selects the channel and configures its clock and mode. Every call
// reprograms the bridge, so it can be used to change the clock.
func (p *Port) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, errors.Annotatef(ErrorUnsupportedMode, "%d bits per word", bits)
	}
	if p.limit != 0 && f > p.limit {
		f = p.limit
	}

	word, err := SPIWordFor(f, mode)
	if err != nil {
		return nil, err
	}

	cs := uint8(ChipSelectExclusive)
	if mode&spi.NoCS != 0 {
		cs = ChipSelectDisabled
	}
	if err := p.b.SetGPIOChipSelect(p.channel, cs); err != nil {
		return nil, errors.Annotatef(err, "chip select")
	}
	if err := p.b.SetSPIWord(p.channel, word); err != nil {
		return nil, errors.Annotatef(err, "SPI word")
	}

	glog.V(1).Infof("%s: %s, word %02x", p, MaxClock>>(word&7), word)
	return &spiConn{p: p}, nil
}

type spiConn struct {
	p *Port
}

func (c *spiConn) String() string {
	return c.p.String()
}

func (c *spiConn) Duplex() conn.Duplex {
	return conn.Full
}

func (c *spiConn) Tx(w, r []byte) error {
	if len(r) == 0 {
		return c.p.b.SPIWrite(w)
	}
	if len(r) != len(w) {
		return errors.Errorf("read length %d differs from write length %d", len(r), len(w))
	}

	resp, err := c.p.b.SPIWriteRead(w)
	if err != nil {
		return err
	}
	copy(r, resp)
	return nil
}

func (c *spiConn) TxPackets(p []spi.Packet) error {
	for _, m := range p {
		if err := c.Tx(m.W, m.R); err != nil {
			return err
		}
	}
	return nil
}
