package driver

import (
	"context"
	"io"
)

// ElapsedFile is a read-only view of the elapsed time taken when it was
// opened. Reads return the text as the device wrote it, terminator included.
type ElapsedFile struct {
	data []byte
	off  int
}

// Open snapshots the current elapsed time.
func (c *Client) Open(ctx context.Context) (*ElapsedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.readElapsedLocked(ctx)
	if err != nil {
		return nil, err
	}
	return &ElapsedFile{data: raw}, nil
}

// Read copies at most len(p) of the remaining bytes.
func (f *ElapsedFile) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

// Size returns the snapshot length, terminator included.
func (f *ElapsedFile) Size() int {
	return len(f.data)
}

func (f *ElapsedFile) Close() error {
	return nil
}

var _ io.ReadCloser = (*ElapsedFile)(nil)
