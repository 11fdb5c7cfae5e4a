package defs

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation matches every *ProtocolViolation via errors.Is.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnknownCommand is returned for command values >= CommandLast. It is
	// detected before any state is touched and does not halt the device.
	ErrUnknownCommand = errors.New("unknown command")
)

// ProtocolViolation reports that the two sides of the protocol no longer
// agree on device state. It is not recoverable: the side that detects it
// stops serving requests.
type ProtocolViolation struct {
	Op     string // command name or access kind
	Reason string
	Status Status
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s: %s (status %s)", v.Op, v.Reason, v.Status)
}

func (v *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Violation builds a ProtocolViolation.
func Violation(op string, status Status, format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{
		Op:     op,
		Reason: fmt.Sprintf(format, args...),
		Status: status,
	}
}

// AsViolation extracts a *ProtocolViolation from an error chain.
func AsViolation(err error) (*ProtocolViolation, bool) {
	var v *ProtocolViolation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
