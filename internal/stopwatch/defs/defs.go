// Package defs holds the register layout and command set shared by the
// stopwatch device and its host-side driver. Both sides must be built from
// the same definitions; a mismatch is a deployment error.
package defs

import (
	"encoding/binary"
	"fmt"
)

// Command is a value written to the command register.
type Command uint64

const (
	CommandReset      Command = 0
	CommandStart      Command = 1
	CommandPause      Command = 2
	CommandUpdate     Command = 3
	CommandTimeout    Command = 4
	CommandTimeoutAck Command = 5

	// CommandLast is one past the highest valid command.
	CommandLast Command = 6
)

// Valid reports whether c falls in [0, CommandLast).
func (c Command) Valid() bool {
	return c < CommandLast
}

func (c Command) String() string {
	switch c {
	case CommandReset:
		return "RESET"
	case CommandStart:
		return "START"
	case CommandPause:
		return "PAUSE"
	case CommandUpdate:
		return "UPDATE"
	case CommandTimeout:
		return "TIMEOUT"
	case CommandTimeoutAck:
		return "TIMEOUT_ACK"
	default:
		return fmt.Sprintf("Command(0x%x)", uint64(c))
	}
}

// Status is the value exposed by the status register.
type Status uint64

const (
	StatusReset   Status = 0
	StatusRunning Status = 1
	StatusPaused  Status = 2
)

func (s Status) Valid() bool {
	return s <= StatusPaused
}

func (s Status) String() string {
	switch s {
	case StatusReset:
		return "RESET"
	case StatusRunning:
		return "RUNNING"
	case StatusPaused:
		return "PAUSED"
	default:
		return fmt.Sprintf("Status(0x%x)", uint64(s))
	}
}

const (
	// MaxTextLen is the capacity of the text field, terminator included.
	MaxTextLen = 128

	// MaxTimeout is the longest timeout, in seconds, the device accepts.
	MaxTimeout = 60
)

// Register region layout. All registers are 64 bits wide, native endian.
const (
	RegCommand = 0x00 // command (W)
	RegStatus  = 0x08 // status (R)

	RegWidth = 8
	RegsSize = 0x10
)

// Scratch region layout.
const (
	MemText        = 0x00       // text, MaxTextLen bytes
	MemLengthField = MaxTextLen // data length (out) / timeout seconds (in)

	MemSize = MaxTextLen + 8
)

// ByteOrder is the order in which 64-bit register and buffer values are
// stored.
var ByteOrder = binary.NativeEndian

// EncodeU64 returns v as an 8-byte register value.
func EncodeU64(v uint64) []byte {
	buf := make([]byte, RegWidth)
	ByteOrder.PutUint64(buf, v)
	return buf
}

// DecodeU64 decodes an 8-byte register value.
func DecodeU64(data []byte) uint64 {
	return ByteOrder.Uint64(data)
}
