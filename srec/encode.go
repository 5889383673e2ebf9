package srec

import (
	"fmt"
	"io"

	"github.com/juju/errors"

	"github.com/BertoldVdb/tinyflash/image"
)

const bytesPerLine = 16

func writeLine(w io.Writer, typ byte, address uint32, data []byte) error {
	addrBytes := addressDigits[typ] / 2

	payload := make([]byte, 0, addrBytes+len(data))
	for i := addrBytes - 1; i >= 0; i-- {
		payload = append(payload, byte(address>>(8*i)))
	}
	payload = append(payload, data...)

	length := byte(len(payload) + 1)
	sum := int(length)
	for _, m := range payload {
		sum += int(m)
	}

	_, err := fmt.Fprintf(w, "S%d%02X%X%02X\n", typ, length, payload, 0xff^byte(sum))
	return err
}

// Encode writes img as S-record text. The record type is chosen by the
// highest address in the image.
func Encode(w io.Writer, img *image.Image) error {
	dataType, endType := byte(1), byte(9)
	if end := img.End(); end > 0x1000000 {
		dataType, endType = 3, 7
	} else if end > 0x10000 {
		dataType, endType = 2, 8
	}

	if img.Header != nil {
		if err := writeLine(w, 0, 0, img.Header); err != nil {
			return errors.Trace(err)
		}
	}

	for _, m := range img.Records {
		for offset := 0; offset < len(m.Data); offset += bytesPerLine {
			chunk := m.Data[offset:min(offset+bytesPerLine, len(m.Data))]
			if err := writeLine(w, dataType, m.Address+uint32(offset), chunk); err != nil {
				return errors.Trace(err)
			}
		}
	}

	return errors.Trace(writeLine(w, endType, 0, nil))
}
