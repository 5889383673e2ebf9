package srec

import (
	"encoding/hex"
	"fmt"
)

// line is a single decoded S-record.
type line struct {
	typ     byte
	address uint32
	data    []byte
}

// addressDigits is the width of the address field in hex digits, by record
// type. Type 4 is reserved.
var addressDigits = [10]int{4, 4, 6, 8, 0, 4, 6, 8, 6, 4}

func isDataType(typ byte) bool {
	return typ >= 1 && typ <= 3
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func reject(kind Kind, format string, params ...any) *ParseError {
	return &ParseError{Kind: kind, Msg: fmt.Sprintf(format, params...)}
}

func parseLine(s string) (*line, *ParseError) {
	/* S, type, 2 length digits, at least 2 payload bytes, 2 checksum digits */
	if len(s) < 10 || s[0] != 'S' {
		return nil, reject(KindSyntax, "not an S-record")
	}

	if s[1] < '0' || s[1] > '9' || s[1] == '4' {
		return nil, reject(KindSyntax, "unsupported record type %q", s[1])
	}
	typ := s[1] - '0'

	if len(s)%2 != 0 || !isHex(s[2:]) {
		return nil, reject(KindSyntax, "malformed hex fields")
	}

	raw, _ := hex.DecodeString(s[2:])
	length := raw[0]
	payload := raw[1 : len(raw)-1]
	checksum := raw[len(raw)-1]

	if int(length)*2 != len(payload)*2+2 {
		return nil, reject(KindLength, "length field %d does not match %d payload bytes", length, len(payload))
	}

	digits := addressDigits[typ]
	if len(payload)*2 < digits {
		return nil, reject(KindAddress, "payload shorter than %d address digits", digits)
	}

	sum := int(length)
	for _, m := range payload {
		sum += int(m)
	}
	if actual := 0xff ^ byte(sum%0x100); actual != checksum {
		return nil, reject(KindChecksum, "expected %02X, calculated %02X", checksum, actual)
	}

	l := &line{typ: typ}
	for _, m := range payload[:digits/2] {
		l.address = l.address<<8 | uint32(m)
	}
	l.data = payload[digits/2:]

	return l, nil
}
