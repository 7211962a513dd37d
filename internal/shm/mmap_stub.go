//go:build !linux

package shm

import "os"

func createMapping(path string, size int) (*os.File, []byte, error) {
	return nil, nil, ErrUnsupported
}

func openMapping(path string, minSize int) (*os.File, []byte, error) {
	return nil, nil, ErrUnsupported
}

func readFileHeader(path string, n int) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmapMemory(data []byte) error {
	return ErrUnsupported
}
