package image

import (
	"github.com/snksoft/crc"
)

var crcTable *crc.Table

func init() {
	crcTable = crc.NewTable(crc.CRC32)
}

// Checksum returns the CRC-32 of data.
func Checksum(data []byte) uint32 {
	h := crc.NewHashWithTable(crcTable)
	h.Update(data)
	return h.CRC32()
}

// Checksum returns the CRC-32 of the image contents between its first and
// last address, with gaps filled with 0xFF.
func (img *Image) Checksum() uint32 {
	if len(img.Records) == 0 {
		return Checksum(nil)
	}

	base := img.Records[0].Address
	return Checksum(img.Flatten(base, int(img.End()-uint64(base))))
}
