// Package isptasks combines decoding, planning and the programming session
// into complete flash and read operations.
package isptasks

import (
	"context"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/BertoldVdb/tinyflash/image"
	"github.com/BertoldVdb/tinyflash/isp"
	"github.com/BertoldVdb/tinyflash/pages"
	"github.com/BertoldVdb/tinyflash/srec"
)

var (
	ErrorUnknownDevice = errors.New("unknown device signature")
	ErrorTooLarge      = errors.New("image does not fit in the device")
	ErrorVerify        = errors.New("flash contents differ from the image")
)

type Config struct {
	/* Byte order of the words in the image, big endian when nil */
	Order binary.ByteOrder

	/* Skip malformed S-record lines */
	SkipInvalid bool

	Erase  bool
	Verify bool

	/* Program devices with an unknown signature, without a size check */
	Force bool
}

type ISPTasks struct {
	s   *isp.Session
	cfg Config

	Device isp.Device
}

func New(s *isp.Session, cfg Config) *ISPTasks {
	if cfg.Order == nil {
		cfg.Order = binary.BigEndian
	}

	return &ISPTasks{
		s:   s,
		cfg: cfg,
	}
}

// Plan decodes and splits the image without touching the device.
func (t *ISPTasks) Plan(text string) (*image.Image, []pages.Page, error) {
	d := srec.Decoder{SkipInvalid: t.cfg.SkipInvalid}
	img, err := d.Decode(text)
	if err != nil {
		return nil, nil, err
	}
	if len(d.Rejected) > 0 {
		glog.Warningf("Skipped %d invalid lines", len(d.Rejected))
	}

	if err := image.Validate(img); err != nil {
		return nil, nil, errors.Trace(err)
	}

	list, err := pages.Split(img, t.cfg.Order)
	if err != nil {
		return nil, nil, err
	}

	return img, list, nil
}

func (t *ISPTasks) start(ctx context.Context) error {
	if t.s.State() != isp.StateIdle {
		return nil
	}
	return t.s.Negotiate(ctx)
}

// abort releases the target after an error that left the session usable.
func (t *ISPTasks) abort(ctx context.Context, err error) error {
	if t.s.State() != isp.StateFailed {
		if ferr := t.s.Finalize(ctx); ferr != nil {
			glog.Warningf("Failed to release target: %v", ferr)
		}
	}
	return err
}

func (t *ISPTasks) identify(ctx context.Context) error {
	sig, err := t.s.ReadSignature(ctx)
	if err != nil {
		return err
	}

	dev, ok := isp.DeviceLookup(sig)
	if !ok {
		if !t.cfg.Force {
			return errors.Annotatef(ErrorUnknownDevice, "%02x %02x %02x", sig[0], sig[1], sig[2])
		}
		glog.Warningf("Unknown signature %02x %02x %02x, continuing", sig[0], sig[1], sig[2])
		dev = isp.Device{Signature: sig, Name: "unknown"}
	}

	glog.Infof("Found %s", dev.Name)
	t.Device = dev
	return nil
}

func fits(list []pages.Page, dev isp.Device) bool {
	if dev.Pages == 0 || len(list) == 0 {
		return true
	}
	last := list[len(list)-1]
	return int(last.WordAddress)+pages.PageWords <= dev.Words()
}

// Signature reads the device signature and releases the target.
func (t *ISPTasks) Signature(ctx context.Context) ([3]byte, error) {
	if err := t.start(ctx); err != nil {
		return [3]byte{}, err
	}

	sig, err := t.s.ReadSignature(ctx)
	if err != nil {
		return sig, err
	}

	if dev, ok := isp.DeviceLookup(sig); ok {
		t.Device = dev
	}
	return sig, t.s.Finalize(ctx)
}

// Flash programs an S-record image and starts the new program.
func (t *ISPTasks) Flash(ctx context.Context, text string) error {
	img, list, err := t.Plan(text)
	if err != nil {
		return err
	}
	glog.Infof("Image: %d bytes in %d pages, CRC %08x", img.Size(), len(list), img.Checksum())

	if err := t.start(ctx); err != nil {
		return err
	}

	if err := t.identify(ctx); err != nil {
		return t.abort(ctx, err)
	}
	if !fits(list, t.Device) {
		return t.abort(ctx, errors.Annotatef(ErrorTooLarge, "%s has %d words", t.Device.Name, t.Device.Words()))
	}

	if t.cfg.Erase {
		glog.Infof("Erasing chip")
		if err := t.s.ChipErase(ctx); err != nil {
			return err
		}
	}

	if err := t.s.WritePages(ctx, list); err != nil {
		return err
	}

	if t.cfg.Verify {
		if err := t.verify(ctx, img); err != nil {
			return t.abort(ctx, err)
		}
		glog.Infof("Verified")
	}

	return t.s.Finalize(ctx)
}

func (t *ISPTasks) readBytes(ctx context.Context, wordAddress uint16, words int) ([]byte, error) {
	values, err := t.s.ReadMemoryRange(ctx, wordAddress, words)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(values)*pages.WordSize)
	for i, m := range values {
		t.cfg.Order.PutUint16(out[i*pages.WordSize:], m)
	}
	return out, nil
}

func (t *ISPTasks) verify(ctx context.Context, img *image.Image) error {
	for _, m := range img.Records {
		data, err := t.readBytes(ctx, uint16(m.Address/pages.WordSize), len(m.Data)/pages.WordSize)
		if err != nil {
			return err
		}

		want := image.Checksum(m.Data)
		if got := image.Checksum(data); got != want {
			return errors.Annotatef(ErrorVerify, "record @ %06x: CRC %08x, expected %08x", m.Address, got, want)
		}
	}
	return nil
}

// Read returns words of flash starting at wordAddress as an image and
// releases the target.
func (t *ISPTasks) Read(ctx context.Context, wordAddress uint16, words int) (*image.Image, error) {
	if err := t.start(ctx); err != nil {
		return nil, err
	}

	data, err := t.readBytes(ctx, wordAddress, words)
	if err != nil {
		return nil, t.abort(ctx, err)
	}

	img := &image.Image{Records: []image.Record{}}
	img.Append(uint32(wordAddress)*pages.WordSize, data)

	return img, t.s.Finalize(ctx)
}
