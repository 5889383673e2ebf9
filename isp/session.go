// Package isp implements the serial programming protocol of the ATtiny441/841
// on top of an SPI port and a reset line.
package isp

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/BertoldVdb/tinyflash/pages"
)

const (
	/* Clock = BaseFrequency / 2^divider */
	BaseFrequency = 12 * physic.MegaHertz
	Speeds        = 8
)

func Frequency(divider int) physic.Frequency {
	return BaseFrequency >> uint(divider)
}

// Session is a single programming operation. It owns the port and the reset
// line until it is finalized or fails, and must not be used concurrently.
type Session struct {
	port  spi.Port
	reset gpio.PinOut
	cfg   Config

	ch      *Channel
	divider int
	state   State
}

func New(port spi.Port, reset gpio.PinOut, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Session{
		port:    port,
		reset:   reset,
		cfg:     cfg,
		divider: -1,
	}
}

func (s *Session) State() State {
	return s.state
}

// Divider returns the negotiated clock divider, or -1 before negotiation.
func (s *Session) Divider() int {
	return s.divider
}

func (s *Session) Frequency() physic.Frequency {
	if s.divider < 0 {
		return 0
	}
	return Frequency(s.divider)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fail moves the session to the failed state. On cancellation the target is
// held in reset.
func (s *Session) fail(err error) error {
	s.state = StateFailed

	if isCancel(err) {
		if rerr := s.reset.Out(gpio.Low); rerr != nil {
			glog.Warningf("Failed to assert reset after cancellation: %v", rerr)
		}
	}

	return err
}

func (s *Session) requireReady() error {
	switch s.state {
	case StateReady, StateLoadingPage, StateCommittingPage:
		return nil
	case StateDone, StateFailed:
		return ErrorSessionClosed
	}
	return errors.Annotatef(ErrorInvalidState, "session is %s", s.state)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setReset(level gpio.Level) error {
	if err := s.reset.Out(level); err != nil {
		return &TransportError{Op: "set reset line", Err: err}
	}
	return nil
}

func (s *Session) pulseReset(ctx context.Context) error {
	if err := s.setReset(s.cfg.ResetPulse); err != nil {
		return err
	}
	if err := sleep(ctx, s.cfg.PulseWidth); err != nil {
		return err
	}
	return s.setReset(!s.cfg.ResetPulse)
}

func (s *Session) send(ctx context.Context, ins Instruction, addr uint16, data byte) ([4]byte, error) {
	resp, err := s.ch.SendInstruction(ctx, ins.Frame(addr, data))
	if err != nil {
		return resp, s.fail(errors.Annotatef(err, "%s", ins.Name))
	}
	return resp, nil
}

func (s *Session) programmingEnable(ctx context.Context) (bool, error) {
	resp, err := s.send(ctx, ProgrammingEnable, 0, 0)
	if err != nil {
		return false, err
	}
	return resp[2] == syncEcho, nil
}

// ProgrammingEnable repeats the handshake on an already negotiated session.
func (s *Session) ProgrammingEnable(ctx context.Context) (bool, error) {
	if err := s.requireReady(); err != nil {
		return false, err
	}
	return s.programmingEnable(ctx)
}

func (s *Session) tryDivider(ctx context.Context, divider int) (bool, error) {
	s.state = StateResetting
	if err := s.pulseReset(ctx); err != nil {
		return false, s.fail(err)
	}
	if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
		return false, s.fail(err)
	}

	s.state = StateNegotiatingSpeed
	conn, err := s.port.Connect(Frequency(divider), s.cfg.Mode, 8)
	if err != nil {
		return false, s.fail(&TransportError{Op: "set clock", Err: err})
	}
	s.ch = NewChannel(conn)

	s.state = StateHandshakeWait
	return s.programmingEnable(ctx)
}

// Negotiate resets the target and searches for the highest clock speed at
// which it enters programming mode, starting at the fastest one.
func (s *Session) Negotiate(ctx context.Context) error {
	if s.state != StateIdle {
		if s.state == StateDone || s.state == StateFailed {
			return ErrorSessionClosed
		}
		return errors.Annotatef(ErrorInvalidState, "session is %s", s.state)
	}

	for divider := 0; divider < Speeds; divider++ {
		ok, err := s.tryDivider(ctx, divider)
		if err != nil {
			return err
		}

		if ok {
			s.divider = divider
			s.state = StateReady
			glog.Infof("Programming enabled @ %s", Frequency(divider))
			return nil
		}

		glog.V(1).Infof("No sync @ %s", Frequency(divider))
	}

	return s.fail(&SyncError{Attempts: Speeds})
}

// PollReady asks the device once whether it finished its last operation.
func (s *Session) PollReady(ctx context.Context) (bool, error) {
	if err := s.requireReady(); err != nil {
		return false, err
	}

	resp, err := s.send(ctx, PollReady, 0, 0)
	if err != nil {
		return false, err
	}
	return resp[3]&1 == 0, nil
}

// WaitReady polls until the device is ready.
func (s *Session) WaitReady(ctx context.Context) error {
	for polls := 1; ; polls++ {
		ready, err := s.PollReady(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		if s.cfg.MaxPolls > 0 && polls >= s.cfg.MaxPolls {
			return s.fail(errors.Annotatef(ErrorNotReady, "after %d polls", polls))
		}
	}
}

// LoadWord places a word in the page buffer. Bytes equal to 0xFF are not
// sent since the erased flash already reads as 0xFF.
func (s *Session) LoadWord(ctx context.Context, wordAddress uint16, value uint16) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	s.state = StateLoadingPage

	index := wordAddress & loadIndexMask
	low := byte(value)
	high := byte(value >> 8)

	/* Low byte must be loaded first */
	if low != erasedByte {
		if _, err := s.send(ctx, LoadLow, index, low); err != nil {
			return err
		}
	}
	if high != erasedByte {
		if _, err := s.send(ctx, LoadHigh, index, high); err != nil {
			return err
		}
	}

	return nil
}

// CommitPage writes the page buffer to the flash page at pageWordAddress.
func (s *Session) CommitPage(ctx context.Context, pageWordAddress uint16) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	s.state = StateCommittingPage

	if _, err := s.send(ctx, WritePage, pageWordAddress, 0); err != nil {
		return err
	}

	s.state = StateReady
	return nil
}

func (s *Session) report(p Progress) {
	if s.cfg.Progress != nil {
		s.cfg.Progress(p)
	}
}

// WritePages writes the pages in order, one at a time, and waits until the
// device finished the last one.
func (s *Session) WritePages(ctx context.Context, list []pages.Page) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	start := time.Now()
	for i, p := range list {
		if err := s.WaitReady(ctx); err != nil {
			return err
		}

		for _, w := range p.Words {
			if err := s.LoadWord(ctx, p.WordAddress+uint16(w.Offset), w.Value); err != nil {
				return err
			}
		}

		if err := s.CommitPage(ctx, p.WordAddress); err != nil {
			return err
		}

		glog.V(1).Infof("Wrote page @ %04x", p.WordAddress)
		s.report(Progress{
			Page:        i + 1,
			Pages:       len(list),
			WordAddress: p.WordAddress,
			Elapsed:     time.Since(start),
		})
	}

	return s.WaitReady(ctx)
}

// ChipErase erases the flash and waits for the device to finish.
func (s *Session) ChipErase(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	if _, err := s.send(ctx, ChipErase, 0, 0); err != nil {
		return err
	}
	return s.WaitReady(ctx)
}

// ReadMemoryRange reads numWords words starting at wordAddress.
func (s *Session) ReadMemoryRange(ctx context.Context, wordAddress uint16, numWords int) ([]uint16, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if numWords < 0 || int(wordAddress)+numWords > 0x10000 {
		return nil, ErrorRange
	}

	words := make([]uint16, 0, numWords)
	for len(words) < numWords {
		n := min(maxWordsPerRead, numWords-len(words))

		frames := make([][4]byte, 0, 2*n)
		for i := 0; i < n; i++ {
			addr := wordAddress + uint16(len(words)+i)
			frames = append(frames, ReadLow.Frame(addr, 0), ReadHigh.Frame(addr, 0))
		}

		resp, err := s.ch.Exchange(ctx, frames)
		if err != nil {
			return nil, s.fail(errors.Annotatef(err, "read memory"))
		}

		for i := 0; i < n; i++ {
			words = append(words, uint16(resp[2*i][3])|uint16(resp[2*i+1][3])<<8)
		}
	}

	return words, nil
}

func (s *Session) ReadSignature(ctx context.Context) ([3]byte, error) {
	var sig [3]byte

	if err := s.requireReady(); err != nil {
		return sig, err
	}

	for i := range sig {
		resp, err := s.send(ctx, ReadSignature, uint16(i), 0)
		if err != nil {
			return sig, err
		}
		sig[i] = resp[3]
	}

	return sig, nil
}

// Finalize releases the reset line so the target starts the new program.
func (s *Session) Finalize(ctx context.Context) error {
	if s.state == StateDone || s.state == StateFailed {
		return ErrorSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return s.fail(err)
	}

	s.state = StateFinalizing
	if err := s.setReset(gpio.High); err != nil {
		return s.fail(err)
	}

	s.state = StateDone
	return nil
}
