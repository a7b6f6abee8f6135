//go:build unix

package bucket

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapRegion(size int) (unsafe.Pointer, error) {
	mem, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(unsafe.SliceData(mem)), nil
}

func unmapRegion(p unsafe.Pointer, size int) error {
	return unix.Munmap(unsafe.Slice((*byte)(p), size))
}
