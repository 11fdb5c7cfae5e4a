package defs

import (
	"bytes"
	"fmt"
)

// Scratch is a view over the shared scratch buffer.
//
// The 64-bit field at MemLengthField carries two logically distinct values:
// the rendered text length after UPDATE, and the requested timeout in
// seconds before TIMEOUT. They are exposed through separate accessors so
// callers name the role they mean.
type Scratch []byte

// NewScratch validates that b is large enough to hold the buffer layout.
func NewScratch(b []byte) (Scratch, error) {
	if len(b) < MemSize {
		return nil, fmt.Errorf("scratch buffer too small: %d < %d", len(b), MemSize)
	}
	return Scratch(b[:MemSize]), nil
}

// Text returns the full text field, terminator and trailing bytes included.
func (s Scratch) Text() []byte {
	return s[MemText : MemText+MaxTextLen]
}

// SetText stores text NUL-terminated, truncating it to fit, and returns the
// number of bytes written including the terminator.
func (s Scratch) SetText(text string) uint64 {
	field := s.Text()
	n := copy(field[:MaxTextLen-1], text)
	field[n] = 0
	return uint64(n + 1)
}

// String returns the text up to the first NUL.
func (s Scratch) String() string {
	field := s.Text()
	if i := bytes.IndexByte(field, 0); i >= 0 {
		return string(field[:i])
	}
	return string(field)
}

// DataLen reads the length field as the output of UPDATE.
func (s Scratch) DataLen() uint64 {
	return s.lengthField()
}

// SetDataLen writes the length field as the output of UPDATE.
func (s Scratch) SetDataLen(n uint64) {
	s.setLengthField(n)
}

// TimeoutSeconds reads the length field as the input of TIMEOUT.
func (s Scratch) TimeoutSeconds() uint64 {
	return s.lengthField()
}

// SetTimeoutSeconds writes the length field as the input of TIMEOUT.
func (s Scratch) SetTimeoutSeconds(seconds uint64) {
	s.setLengthField(seconds)
}

func (s Scratch) lengthField() uint64 {
	return ByteOrder.Uint64(s[MemLengthField : MemLengthField+8])
}

func (s Scratch) setLengthField(v uint64) {
	ByteOrder.PutUint64(s[MemLengthField:MemLengthField+8], v)
}

// FormatElapsed renders elapsed seconds the way UPDATE does.
func FormatElapsed(seconds float64) string {
	return fmt.Sprintf("%.2f seconds", seconds)
}
