// Package srec decodes Motorola S-record text into a memory image.
package srec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/BertoldVdb/tinyflash/image"
)

// Decoder turns S-record text into an image. The zero value rejects the
// whole input on the first malformed line.
type Decoder struct {
	/* Skip malformed lines instead of failing. Addresses going backwards
	 * are always fatal. */
	SkipInvalid bool

	/* Lines skipped by the last Decode call when SkipInvalid is set */
	Rejected []*ParseError
}

// Decode parses text with the default (strict) decoder.
func Decode(text string) (*image.Image, error) {
	var d Decoder
	return d.Decode(text)
}

// DecodeReader reads r fully and decodes it.
func DecodeReader(r io.Reader) (*image.Image, error) {
	text, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Decode(string(text))
}

func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		/* Lone CR needs one more byte to tell it apart from CRLF */
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

const maxLineLength = 1024 * 1024

func (d *Decoder) Decode(text string) (*image.Image, error) {
	d.Rejected = nil

	img := &image.Image{Records: []image.Record{}}
	currentAddr := uint64(0)

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(nil, maxLineLength)
	scanner.Split(splitLines)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		s := scanner.Text()
		if s == "" {
			continue
		}

		l, perr := parseLine(s)
		if perr != nil {
			perr.Line = lineNo
			perr.Text = s
			if d.SkipInvalid {
				glog.V(1).Infof("Skipping %v", perr)
				d.Rejected = append(d.Rejected, perr)
				continue
			}
			return nil, perr
		}

		if l.typ == 0 {
			img.Header = append([]byte(nil), l.data...)
			continue
		}
		if !isDataType(l.typ) {
			continue
		}

		if uint64(l.address) < currentAddr {
			return nil, &ParseError{
				Line: lineNo,
				Kind: KindOutOfOrder,
				Text: s,
				Msg:  "address is below the end of the previous record",
			}
		}

		img.Append(l.address, l.data)
		currentAddr = uint64(l.address) + uint64(len(l.data))
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ParseError{
				Line: lineNo + 1,
				Kind: KindSyntax,
				Msg:  fmt.Sprintf("line longer than %d bytes", maxLineLength),
			}
		}
		return nil, errors.Trace(err)
	}

	return img, nil
}
