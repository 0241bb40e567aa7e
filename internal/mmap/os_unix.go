//go:build unix

package mmap

import (
	"errors"

	"golang.org/x/sys/unix"
)

func osMap(f Descriptor, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func osUnmap(data []byte) error { return unix.Munmap(data) }

func osAdvise(data []byte, a Advice) error {
	advice := unix.MADV_NORMAL
	if a == AdviceWillNeed {
		advice = unix.MADV_WILLNEED
	}
	// EINVAL means the platform rejects the hint; it is advisory only.
	if err := unix.Madvise(data, advice); err != nil && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return nil
}
