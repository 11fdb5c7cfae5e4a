// Package trace records bus traffic between the host and its devices as a
// stream of CBOR events, and reads such streams back.
package trace

import (
	"fmt"
	"time"
)

// Kind classifies an event.
type Kind uint8

const (
	KindRead  Kind = 0
	KindWrite Kind = 1
	KindIRQ   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindIRQ:
		return "IRQ"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one recorded access or interrupt line change.
// CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Kind      Kind      `cbor:"2,keyasint"`

	// Addr and Data are set for accesses. Data is what was written, or what
	// the read returned.
	Addr uint64 `cbor:"3,keyasint,omitempty"`
	Data []byte `cbor:"4,keyasint,omitempty"`

	// Line and Level are set for interrupt events.
	Line  uint8 `cbor:"5,keyasint,omitempty"`
	Level bool  `cbor:"6,keyasint,omitempty"`

	// Err holds the error text if the access failed.
	Err string `cbor:"7,keyasint,omitempty"`
}

// Width returns the access width in bytes.
func (e Event) Width() int {
	return len(e.Data)
}

func (e Event) String() string {
	ts := e.Timestamp.Format("15:04:05.000000")
	if e.Kind == KindIRQ {
		level := "low"
		if e.Level {
			level = "high"
		}
		return fmt.Sprintf("%s IRQ   line=%d %s", ts, e.Line, level)
	}
	s := fmt.Sprintf("%s %-5s addr=0x%x width=%d data=% x", ts, e.Kind, e.Addr, e.Width(), e.Data)
	if e.Err != "" {
		s += " err=" + e.Err
	}
	return s
}
