package isp

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/BertoldVdb/tinyflash/image"
	"github.com/BertoldVdb/tinyflash/isp/isptest"
	"github.com/BertoldVdb/tinyflash/pages"
)

func newSession(t *testing.T, target *isptest.Target, opts ...Option) *Session {
	opts = append([]Option{WithResetTiming(0, 0)}, opts...)
	return New(target, target, opts...)
}

func negotiated(t *testing.T, target *isptest.Target, opts ...Option) *Session {
	s := newSession(t, target, opts...)
	require.NoError(t, s.Negotiate(context.Background()))
	return s
}

func TestInstructionFrames(t *testing.T) {
	assert.Equal(t, [4]byte{0xac, 0x53, 0x00, 0x00}, ProgrammingEnable.Frame(0x1234, 0x56))
	assert.Equal(t, [4]byte{0xac, 0x80, 0x00, 0x00}, ChipErase.Frame(0, 0))
	assert.Equal(t, [4]byte{0xf0, 0x00, 0x00, 0x00}, PollReady.Frame(0, 0))
	assert.Equal(t, [4]byte{0x40, 0x00, 0x25, 0x56}, LoadLow.Frame(0x25, 0x56))
	assert.Equal(t, [4]byte{0x48, 0x00, 0x25, 0x56}, LoadHigh.Frame(0x25, 0x56))
	assert.Equal(t, [4]byte{0x4c, 0x12, 0x38, 0x00}, WritePage.Frame(0x1238, 0))
	assert.Equal(t, [4]byte{0x20, 0x01, 0x02, 0x00}, ReadLow.Frame(0x0102, 0))
	assert.Equal(t, [4]byte{0x28, 0x01, 0x02, 0x00}, ReadHigh.Frame(0x0102, 0))
	assert.Equal(t, [4]byte{0x30, 0x00, 0x02, 0x00}, ReadSignature.Frame(2, 0))
}

func TestFrequency(t *testing.T) {
	assert.Equal(t, 12*physic.MegaHertz, Frequency(0))
	assert.Equal(t, 1500*physic.KiloHertz, Frequency(3))
	assert.Equal(t, 93750*physic.Hertz, Frequency(7))
}

func TestNegotiate(t *testing.T) {
	target := isptest.NewTarget()
	target.MinDivider = 3

	s := newSession(t, target)
	require.NoError(t, s.Negotiate(context.Background()))

	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 3, s.Divider())
	assert.Equal(t, 1500*physic.KiloHertz, s.Frequency())
	assert.Equal(t, []int{0, 1, 2, 3}, target.Handshakes)
	assert.Equal(t, []physic.Frequency{
		12 * physic.MegaHertz, 6 * physic.MegaHertz, 3 * physic.MegaHertz, 1500 * physic.KiloHertz,
	}, target.Connects)

	/* Positive pulse per attempt, then held low for programming */
	require.Len(t, target.ResetLevels, 8)
	for i, l := range target.ResetLevels {
		assert.Equal(t, i%2 == 0, bool(l), "reset level %d", i)
	}

	for _, f := range target.Frames {
		assert.Equal(t, [4]byte{0xac, 0x53, 0x00, 0x00}, f)
	}

	/* Already negotiated */
	assert.True(t, errors.Is(s.Negotiate(context.Background()), ErrorInvalidState))
}

func TestNegotiateResetTiming(t *testing.T) {
	const (
		width  = 2 * time.Millisecond
		settle = 10 * time.Millisecond
	)

	target := isptest.NewTarget()
	target.MinDivider = 1

	s := New(target, target, WithResetTiming(width, settle))
	require.NoError(t, s.Negotiate(context.Background()))

	require.Len(t, target.ResetTimes, 4)
	require.Len(t, target.HandshakeTimes, 2)

	for i := range target.HandshakeTimes {
		pulse := target.ResetTimes[2*i]
		release := target.ResetTimes[2*i+1]

		assert.Equal(t, gpio.High, target.ResetLevels[2*i])
		assert.Equal(t, gpio.Low, target.ResetLevels[2*i+1])
		assert.GreaterOrEqual(t, release.Sub(pulse), width, "attempt %d", i)
		assert.GreaterOrEqual(t, target.HandshakeTimes[i].Sub(release), settle, "attempt %d", i)
	}
}

func TestProgrammingEnable(t *testing.T) {
	target := isptest.NewTarget()

	s := newSession(t, target)
	_, err := s.ProgrammingEnable(context.Background())
	assert.True(t, errors.Is(err, ErrorInvalidState))
	assert.Empty(t, target.Handshakes)

	require.NoError(t, s.Negotiate(context.Background()))
	ok, err := s.ProgrammingEnable(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{0, 0}, target.Handshakes)
	assert.Equal(t, StateReady, s.State())

	/* Out of sync once the target left reset */
	require.NoError(t, target.Out(gpio.High))
	ok, err = s.ProgrammingEnable(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNegotiateSyncError(t *testing.T) {
	target := isptest.NewTarget()
	target.MinDivider = Speeds

	s := newSession(t, target)
	err := s.Negotiate(context.Background())

	var serr *SyncError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, Speeds, serr.Attempts)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, target.Handshakes)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, -1, s.Divider())

	/* No further attempts on a failed session */
	assert.Equal(t, ErrorSessionClosed, s.Negotiate(context.Background()))
	_, err = s.PollReady(context.Background())
	assert.Equal(t, ErrorSessionClosed, err)
	assert.Len(t, target.Handshakes, Speeds)
}

func TestNotNegotiated(t *testing.T) {
	s := newSession(t, isptest.NewTarget())

	_, err := s.PollReady(context.Background())
	assert.True(t, errors.Is(err, ErrorInvalidState))
	assert.True(t, errors.Is(s.WritePages(context.Background(), nil), ErrorInvalidState))
	assert.Equal(t, StateIdle, s.State())
}

func TestWaitReady(t *testing.T) {
	target := isptest.NewTarget()
	s := negotiated(t, target)

	target.BusyPolls = 4
	require.NoError(t, s.CommitPage(context.Background(), 0))

	target.Frames = nil
	require.NoError(t, s.WaitReady(context.Background()))
	assert.Len(t, target.Frames, 5)
}

func TestWaitReadyBounded(t *testing.T) {
	target := isptest.NewTarget()
	s := negotiated(t, target, WithMaxPolls(3))

	target.BusyPolls = 10
	require.NoError(t, s.CommitPage(context.Background(), 0))

	err := s.WaitReady(context.Background())
	assert.True(t, errors.Is(err, ErrorNotReady))
	assert.Equal(t, StateFailed, s.State())
}

func TestLoadWord(t *testing.T) {
	target := isptest.NewTarget()
	s := negotiated(t, target)
	target.Frames = nil

	ctx := context.Background()
	require.NoError(t, s.LoadWord(ctx, 0x1234, 0xabcd))
	require.NoError(t, s.LoadWord(ctx, 0x0041, 0xff12))
	require.NoError(t, s.LoadWord(ctx, 0x0042, 0x34ff))
	require.NoError(t, s.LoadWord(ctx, 0x0043, 0xffff))
	assert.Equal(t, StateLoadingPage, s.State())

	assert.Equal(t, [][4]byte{
		{0x40, 0x00, 0x34, 0xcd},
		{0x48, 0x00, 0x34, 0xab},
		{0x40, 0x00, 0x01, 0x12},
		{0x48, 0x00, 0x02, 0x34},
	}, target.Frames)

	require.NoError(t, s.CommitPage(ctx, 0x1230))
	assert.Equal(t, [4]byte{0x4c, 0x12, 0x30, 0x00}, target.Frames[len(target.Frames)-1])
	assert.Equal(t, StateReady, s.State())
}

func randomImage(rng *rand.Rand, avoidFF bool) *image.Image {
	img := &image.Image{}
	addr := uint32(0)
	for i := 0; i < 6; i++ {
		addr += uint32(rng.Intn(40)) * 2
		data := make([]byte, 2+2*rng.Intn(30))
		for j := range data {
			data[j] = byte(rng.Intn(256))
			if avoidFF && data[j] == 0xff {
				data[j] = 0xfe
			}
		}
		img.Append(addr, data)
		addr += uint32(len(data))
	}
	return img
}

func TestWritePagesRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		for i := 0; i < 10; i++ {
			img := randomImage(rng, true)
			plan, err := pages.Split(img, order)
			require.NoError(t, err)

			target := isptest.NewTarget()
			target.BusyPolls = 2
			s := negotiated(t, target)

			var seen []Progress
			s.cfg.Progress = func(p Progress) { seen = append(seen, p) }

			require.NoError(t, s.WritePages(context.Background(), plan))
			assert.Equal(t, 0, target.Violations)
			assert.Len(t, seen, len(plan))

			commits := make([]uint16, len(plan))
			for j, p := range plan {
				commits[j] = p.WordAddress
			}
			assert.Equal(t, commits, target.Commits)

			/* Finished with a poll that reported ready */
			assert.Equal(t, byte(0xf0), target.Frames[len(target.Frames)-1][0])

			end := int(img.End())
			assert.Equal(t, img.Flatten(0, end), target.Bytes(order)[:end])
		}
	}
}

func TestWritePagesSkipsErased(t *testing.T) {
	img := &image.Image{Records: []image.Record{
		{Address: 0, Data: []byte{0xff, 0x01, 0x02, 0xff, 0xff, 0xff, 0x03, 0x04}},
	}}
	plan, err := pages.Split(img, binary.BigEndian)
	require.NoError(t, err)

	target := isptest.NewTarget()
	s := negotiated(t, target)
	target.Frames = nil

	require.NoError(t, s.WritePages(context.Background(), plan))

	loads := 0
	for _, f := range target.Frames {
		if f[0] == 0x40 || f[0] == 0x48 {
			loads++
			assert.NotEqual(t, byte(0xff), f[3])
		}
	}
	assert.Equal(t, 4, loads)
	assert.Equal(t, img.Flatten(0, 8), target.Bytes(binary.BigEndian)[:8])
}

func TestReadMemoryRange(t *testing.T) {
	target := isptest.NewTarget()
	for i := range target.Flash {
		target.Flash[i] = uint16(i*3 + 1)
	}

	s := negotiated(t, target)
	target.Transfers = 0
	target.Frames = nil

	words, err := s.ReadMemoryRange(context.Background(), 0x10, 70)
	require.NoError(t, err)
	require.Len(t, words, 70)
	for i, w := range words {
		assert.Equal(t, uint16((0x10+i)*3+1), w)
	}

	assert.Equal(t, 3, target.Transfers)
	assert.Len(t, target.Frames, 140)
	assert.Equal(t, [4]byte{0x20, 0x00, 0x10, 0x00}, target.Frames[0])
	assert.Equal(t, [4]byte{0x28, 0x00, 0x10, 0x00}, target.Frames[1])

	_, err = s.ReadMemoryRange(context.Background(), 0xfff0, 0x20)
	assert.Equal(t, ErrorRange, err)
}

func TestReadSignature(t *testing.T) {
	target := isptest.NewTarget()
	s := negotiated(t, target)

	sig, err := s.ReadSignature(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0x1e, 0x93, 0x15}, sig)

	dev, ok := DeviceLookup(sig)
	require.True(t, ok)
	assert.Equal(t, "ATtiny841", dev.Name)
	assert.Equal(t, 4096, dev.Words())

	_, ok = DeviceLookup([3]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestChipErase(t *testing.T) {
	target := isptest.NewTarget()
	target.Flash[5] = 0x1234
	target.BusyPolls = 3

	s := negotiated(t, target)
	require.NoError(t, s.ChipErase(context.Background()))
	assert.Equal(t, uint16(0xffff), target.Flash[5])
	assert.Equal(t, 0, target.Violations)
}

func TestTransportError(t *testing.T) {
	target := isptest.NewTarget()
	s := negotiated(t, target)

	target.FailAfter = len(target.Frames) + 2
	plan := []pages.Page{{WordAddress: 0, Words: []pages.WordWrite{{Offset: 0, Value: 0x1234}, {Offset: 1, Value: 0x5678}}}}

	err := s.WritePages(context.Background(), plan)
	var terr *TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.True(t, errors.Is(err, isptest.ErrorInjected))
	assert.Equal(t, StateFailed, s.State())

	/* Reset line untouched */
	assert.Equal(t, gpio.Low, target.ResetLevel())
	assert.Equal(t, ErrorSessionClosed, s.Finalize(context.Background()))
}

func TestCancel(t *testing.T) {
	target := isptest.NewTarget()
	target.BusyPolls = 2
	s := negotiated(t, target)

	ctx, cancel := context.WithCancel(context.Background())
	s.cfg.Progress = func(p Progress) { cancel() }

	plan := []pages.Page{
		{WordAddress: 0, Words: []pages.WordWrite{{Offset: 0, Value: 0x1234}}},
		{WordAddress: 8, Words: []pages.WordWrite{{Offset: 0, Value: 0x5678}}},
	}

	err := s.WritePages(ctx, plan)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, gpio.Low, target.ResetLevel())
	assert.Equal(t, []uint16{0}, target.Commits)
}

func TestCancelDuringNegotiation(t *testing.T) {
	target := isptest.NewTarget()
	target.MinDivider = Speeds

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newSession(t, target)
	err := s.Negotiate(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, target.Handshakes)
	assert.Equal(t, gpio.Low, target.ResetLevel())
}

func TestFinalize(t *testing.T) {
	target := isptest.NewTarget()
	s := negotiated(t, target)

	require.NoError(t, s.Finalize(context.Background()))
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, gpio.High, target.ResetLevel())

	_, err := s.PollReady(context.Background())
	assert.Equal(t, ErrorSessionClosed, err)
}
