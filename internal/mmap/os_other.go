//go:build !unix

package mmap

import (
	"fmt"
	"runtime"
)

func osMap(Descriptor, int) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, runtime.GOOS)
}

func osUnmap([]byte) error { return nil }

func osAdvise([]byte, Advice) error { return nil }
