//go:build !unix

package stopwatch

func allocScratch(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
