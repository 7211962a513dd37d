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
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	regionPrefix    = "shmrdv_"
	semaphorePrefix = "sem."
	maxNameLen      = 200
)

// ResolveDir returns the directory holding the named files. An empty dir
// selects /dev/shm when available and the temporary directory otherwise.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if isDevShmAvailable() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// ValidateName reports whether name can be used as a key or semaphore name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.Wrap(ErrInvalidName, "empty name")
	case len(name) > maxNameLen:
		return errors.Wrapf(ErrInvalidName, "name longer than %d bytes", maxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return errors.Wrapf(ErrInvalidName, "%q contains a path separator or NUL", name)
	case name == "." || name == "..":
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// RegionPath returns the file path of the region named key.
func RegionPath(dir, key string) string {
	return filepath.Join(ResolveDir(dir), regionPrefix+key)
}

// SemaphorePath returns the file path of the semaphore called name. The
// layout mirrors POSIX named semaphores ("sem.<name>").
func SemaphorePath(dir, name string) string {
	return filepath.Join(ResolveDir(dir), semaphorePrefix+name)
}

// removeFile unlinks path, reporting ErrNotFound if nothing was there.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return resourceError(ErrNotFound, err, "remove %s", path)
		}
		return resourceError(ErrUnavailable, err, "remove %s", path)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
