// Package bucket implements the lowest layer of the pool allocator: a single
// anonymous OS mapping partitioned into equal-size blocks, with the free
// blocks linked through 16-bit indices embedded in the blocks themselves.
package bucket

import (
	"fmt"
	"unsafe"
)

const (
	// Bytes is the size of every bucket mapping. It is the largest region
	// for which every block index, including the one-past-the-end sentinel,
	// fits in a uint16 for any block size >= MinBlockSize.
	Bytes = 2 * (1<<16 - 1)

	// MinBlockSize is the smallest effective block size. The embedded free
	// list stores uint16 indices inside the blocks, so a block can never be
	// smaller than one index.
	MinBlockSize = 2
)

// Bucket owns one mapping of Bytes bytes split into numBlocks blocks of
// blockSize bytes each. Unused blocks form a singly linked list; each link is
// a uint16 stored at the block's first 2-byte-aligned offset. Used blocks are
// entirely owned by the caller, including the link word.
//
// The zero value is not usable; call Init first. A Bucket is copied by value
// when its containing slice grows or compacts, which is safe because it holds
// no interior pointers into itself.
type Bucket struct {
	data        unsafe.Pointer
	blockSize   uint16
	numBlocks   uint16
	usedBlocks  uint16
	firstUnused uint16 // numBlocks acts as the end-of-list sentinel
}

// node returns the embedded free-list link of the given block. The mapping
// base is page-aligned, so for blocks starting at an odd address the link
// lives one byte in.
func (b *Bucket) node(idx uint16) *uint16 {
	p := unsafe.Add(b.data, uintptr(idx)*uintptr(b.blockSize))
	if uintptr(p)%2 != 0 {
		p = unsafe.Add(p, 1)
	}
	return (*uint16)(p)
}

// Init maps a fresh region from the OS and threads the free list through it.
// Block sizes below MinBlockSize are clamped. Returns an error if the block
// size exceeds Bytes or the OS refuses the mapping; in either case the Bucket
// is left untouched.
func (b *Bucket) Init(blockSize int) error {
	if blockSize < MinBlockSize {
		blockSize = MinBlockSize
	}
	if blockSize > Bytes {
		return fmt.Errorf("bucket: block size %d exceeds bucket size %d", blockSize, Bytes)
	}

	data, err := mapRegion(Bytes)
	if err != nil {
		return fmt.Errorf("bucket: mapping %d bytes: %w", Bytes, err)
	}

	b.data = data
	b.blockSize = uint16(blockSize)
	b.numBlocks = uint16(Bytes / blockSize)
	b.usedBlocks = 0
	b.firstUnused = 0

	for i := 0; i < int(b.numBlocks); i++ {
		*b.node(uint16(i)) = uint16(i + 1)
	}
	return nil
}

// Release returns the mapping to the OS. Every block must have been
// deallocated first.
func (b *Bucket) Release() error {
	if b.data == nil {
		panic("bucket: release of uninitialized bucket")
	}
	if b.usedBlocks != 0 {
		panic(fmt.Sprintf("bucket: release with %d blocks still in use", b.usedBlocks))
	}
	err := unmapRegion(b.data, Bytes)
	b.data = nil
	return err
}

// Allocate pops the head of the free list and returns the block's address.
// The caller must ensure the bucket is not full.
func (b *Bucket) Allocate() unsafe.Pointer {
	if b.usedBlocks >= b.numBlocks {
		panic("bucket: allocate from full bucket")
	}
	idx := b.firstUnused
	b.firstUnused = *b.node(idx)
	b.usedBlocks++
	return unsafe.Add(b.data, uintptr(idx)*uintptr(b.blockSize))
}

// Deallocate pushes the block at p back onto the free list. p must be a
// block address previously returned by Allocate on this bucket. Double frees
// are not detected here; the allocheck registry covers that in debug runs.
func (b *Bucket) Deallocate(p unsafe.Pointer) {
	if !b.Contains(p) {
		panic("bucket: deallocate of pointer outside bucket")
	}
	off := uintptr(p) - uintptr(b.data)
	if off%uintptr(b.blockSize) != 0 {
		panic("bucket: deallocate of pointer not on a block boundary")
	}
	idx := uint16(off / uintptr(b.blockSize))
	*b.node(idx) = b.firstUnused
	b.firstUnused = idx
	b.usedBlocks--
}

// Contains reports whether p falls inside this bucket's mapping.
func (b *Bucket) Contains(p unsafe.Pointer) bool {
	return uintptr(p) >= uintptr(b.data) && uintptr(p) < uintptr(b.data)+Bytes
}

// IsEmpty reports whether no blocks are in use.
func (b *Bucket) IsEmpty() bool {
	return b.usedBlocks == 0
}

// IsFull reports whether every block is in use.
func (b *Bucket) IsFull() bool {
	return b.usedBlocks == b.numBlocks
}

// BlockSize returns the effective per-block size in bytes.
func (b *Bucket) BlockSize() int {
	return int(b.blockSize)
}

// NumBlocks returns the total number of blocks in the bucket.
func (b *Bucket) NumBlocks() int {
	return int(b.numBlocks)
}

// UsedBlocks returns the number of currently allocated blocks.
func (b *Bucket) UsedBlocks() int {
	return int(b.usedBlocks)
}

// Base returns the mapping's base address.
func (b *Bucket) Base() unsafe.Pointer {
	return b.data
}
