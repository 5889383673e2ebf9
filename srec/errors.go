package srec

import (
	"fmt"
)

// Kind classifies why a line was rejected.
type Kind int

const (
	KindSyntax Kind = iota
	KindAddress
	KindLength
	KindChecksum
	KindOutOfOrder
)

func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "syntax"
	case KindAddress:
		return "address"
	case KindLength:
		return "length"
	case KindChecksum:
		return "checksum"
	case KindOutOfOrder:
		return "out of order"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseError reports a rejected line. Line numbers start at 1.
type ParseError struct {
	Line int
	Kind Kind
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("srec: line %d: %s error: %s", e.Line, e.Kind, e.Msg)
}
