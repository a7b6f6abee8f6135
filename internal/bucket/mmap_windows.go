//go:build windows

package bucket

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapRegion(size int) (unsafe.Pointer, error) {
	addr, err := windows.VirtualAlloc(
		0,
		uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addr), nil
}

func unmapRegion(p unsafe.Pointer, _ int) error {
	return windows.VirtualFree(uintptr(p), 0, windows.MEM_RELEASE)
}
