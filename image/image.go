package image

import (
	"errors"
)

// Record is a contiguous run of bytes starting at Address.
type Record struct {
	Address uint32
	Data    []byte
}

// End returns the address after the last byte. It does not wrap at 4 GiB.
func (r Record) End() uint64 {
	return uint64(r.Address) + uint64(len(r.Data))
}

// Image is a decoded memory image. Records are sorted by address and do
// not overlap.
type Image struct {
	Header  []byte
	Records []Record
}

var (
	ErrorNoRecords   = errors.New("image has no record list")
	ErrorEmptyRecord = errors.New("image record has no data")
	ErrorOutOfOrder  = errors.New("image records are out of order or overlapping")
)

// Validate checks the invariants the page planner relies on. It does not
// trust whatever produced the image.
func Validate(img *Image) error {
	if img == nil || img.Records == nil {
		return ErrorNoRecords
	}

	address := uint64(0)
	for _, m := range img.Records {
		if uint64(m.Address) < address {
			return ErrorOutOfOrder
		}
		if len(m.Data) == 0 {
			return ErrorEmptyRecord
		}
		address = m.End()
	}

	return nil
}

func IsValid(img *Image) bool {
	return Validate(img) == nil
}

// End returns the address after the last byte of the image.
func (img *Image) End() uint64 {
	if len(img.Records) == 0 {
		return 0
	}
	return img.Records[len(img.Records)-1].End()
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, m := range img.Records {
		n += len(m.Data)
	}
	return n
}

// Flatten copies the image into a buffer covering [base, base+length).
// Bytes not covered by any record read as 0xFF, like erased flash.
func (img *Image) Flatten(base uint32, length int) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = 0xff
	}

	end := uint64(base) + uint64(length)
	for _, m := range img.Records {
		if uint64(m.Address) >= end || m.End() <= uint64(base) {
			continue
		}

		src := m.Data
		dst := int64(m.Address) - int64(base)
		if dst < 0 {
			src = src[-dst:]
			dst = 0
		}
		copy(out[dst:], src)
	}

	return out
}

// Append adds data at address, merging it into the last record when it
// directly follows it.
func (img *Image) Append(address uint32, data []byte) {
	if len(data) == 0 {
		return
	}

	if n := len(img.Records); n > 0 && img.Records[n-1].End() == uint64(address) {
		img.Records[n-1].Data = append(img.Records[n-1].Data, data...)
		return
	}

	img.Records = append(img.Records, Record{
		Address: address,
		Data:    append([]byte(nil), data...),
	})
}
