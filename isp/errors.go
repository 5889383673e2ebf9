package isp

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrorSessionClosed = errors.New("session is finished or failed")
	ErrorInvalidState  = errors.New("operation not allowed in this session state")
	ErrorNotReady      = errors.New("device did not become ready")
	ErrorRange         = errors.New("word range outside of the address space")
)

// SyncError is returned when the device did not answer the programming
// enable handshake at any clock speed.
type SyncError struct {
	Attempts int
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to sync with the device after %d attempts", e.Attempts)
}

// TransportError wraps a failure of the underlying exchange.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
