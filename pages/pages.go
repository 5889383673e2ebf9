// Package pages maps a byte addressed memory image onto the word based flash
// pages of the target.
package pages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/BertoldVdb/tinyflash/image"
)

const (
	WordSize  = 2
	PageWords = 8
	PageBytes = PageWords * WordSize
)

// WordWrite is one word to be loaded into the page buffer.
type WordWrite struct {
	Offset uint8
	Value  uint16
}

// Page is the set of words to commit to one flash page. WordAddress is the
// word address of the first word of the page.
type Page struct {
	WordAddress uint16
	Words       []WordWrite
}

// Word returns the value that ends up in flash at offset. Later writes to
// the same offset replace earlier ones, as in the hardware page buffer.
func (p Page) Word(offset uint8) (uint16, bool) {
	for i := len(p.Words) - 1; i >= 0; i-- {
		if p.Words[i].Offset == offset {
			return p.Words[i].Value, true
		}
	}
	return 0, false
}

// AlignmentError is returned for records that do not start or end on a
// word boundary.
type AlignmentError struct {
	Address uint32
	Length  int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("record at 0x%x with length %d is not word aligned", e.Address, e.Length)
}

var ErrorAddressRange = errors.New("record is outside the 16-bit word address space")

// Split plans the pages needed to write img. order selects which byte of
// each pair is the most significant one.
func Split(img *image.Image, order binary.ByteOrder) ([]Page, error) {
	var result []Page
	var current *Page

	flush := func() {
		if current != nil && len(current.Words) > 0 {
			result = append(result, *current)
		}
		current = nil
	}

	for _, m := range img.Records {
		if m.Address&1 != 0 || len(m.Data)&1 != 0 {
			return nil, &AlignmentError{Address: m.Address, Length: len(m.Data)}
		}
		if uint64(m.Address)+uint64(len(m.Data)) > 0x10000*WordSize {
			return nil, ErrorAddressRange
		}

		for offset := 0; offset < len(m.Data); offset += WordSize {
			addr := m.Address + uint32(offset)
			base := addr &^ (PageBytes - 1)

			if current == nil || uint32(current.WordAddress)*WordSize != base {
				flush()
				current = &Page{WordAddress: uint16(base / WordSize)}
			}

			current.Words = append(current.Words, WordWrite{
				Offset: uint8((addr - base) / WordSize),
				Value:  order.Uint16(m.Data[offset:]),
			})
		}
	}
	flush()

	return result, nil
}
