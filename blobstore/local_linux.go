//go:build linux

package blobstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncData flushes file data without forcing a metadata flush.
func syncData(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
