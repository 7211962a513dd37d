//go:build linux

/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// createMapping exclusively creates the file at path, sizes it and maps it
// shared. The file is removed again if any step fails.
func createMapping(path string, size int) (*os.File, []byte, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil, resourceError(ErrExists, err, "create %s", path)
		}
		return nil, nil, resourceError(ErrUnavailable, err, "create %s", path)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := unix.Ftruncate(int(file.Fd()), int64(size)); err != nil {
		cleanup()
		return nil, nil, resourceError(ErrUnavailable, err, "resize %s", path)
	}

	mem, err := mmapFile(file, size)
	if err != nil {
		cleanup()
		return nil, nil, resourceError(ErrUnavailable, err, "map %s", path)
	}
	return file, mem, nil
}

// openMapping maps an existing file at path. The file must be at least
// minSize bytes long.
func openMapping(path string, minSize int) (*os.File, []byte, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, resourceError(ErrNotFound, err, "open %s", path)
		}
		return nil, nil, resourceError(ErrUnavailable, err, "open %s", path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, resourceError(ErrUnavailable, err, "stat %s", path)
	}
	size := info.Size()
	if size < int64(minSize) {
		file.Close()
		return nil, nil, errors.Wrapf(ErrUnavailable, "%s too small: %d bytes", path, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, nil, resourceError(ErrUnavailable, err, "map %s", path)
	}
	return file, mem, nil
}

// readFileHeader reads the first n bytes of the file currently at path
// without mapping it.
func readFileHeader(path string, n int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, resourceError(ErrNotFound, err, "open %s", path)
		}
		return nil, resourceError(ErrUnavailable, err, "open %s", path)
	}
	defer file.Close()

	buf := make([]byte, n)
	got, err := unix.Pread(int(file.Fd()), buf, 0)
	if err != nil {
		return nil, resourceError(ErrUnavailable, err, "read %s", path)
	}
	if got < n {
		return nil, errors.Wrapf(ErrUnavailable, "%s too small: %d bytes", path, got)
	}
	return buf, nil
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return data, nil
}

func unmapMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return errors.Wrap(err, "munmap")
	}
	return nil
}
