// Package fixedalloc manages a growable collection of buckets that all serve
// one block size. It keeps hot indices for the most recent allocation,
// deallocation and empty bucket so the common churn patterns stay O(1).
package fixedalloc

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/garethgeorge/smallpool/internal/bucket"
)

const noBucket = -1

// Allocator serves blocks of a single size from a slice of buckets. It is not
// safe for concurrent use; the dispatcher above serializes access.
//
// At most one bucket is ever empty, and when one exists it is the last
// element of the slice. That lets deallocation retain a reservoir bucket
// (avoiding map/unmap churn when the caller alternates between allocating
// and freeing the last block) while still popping surplus empties in O(1).
type Allocator struct {
	blockSize int
	buckets   []bucket.Bucket

	// Hot indices into buckets; noBucket means unset. Indices survive slice
	// growth, but they are still conservatively reset at the same points the
	// algorithm calls for so the empty-at-tail invariant cannot be violated.
	lastAlloc   int
	lastDealloc int
	lastEmpty   int

	mapped   uint64
	unmapped uint64

	logger *zap.Logger

	// OnUnmap is invoked just before a bucket's mapping is returned to the
	// OS. The debug checker uses it to drop bookkeeping for the region.
	OnUnmap func(base unsafe.Pointer, size int)
}

// New returns an allocator for the given block size. The logger must be
// non-nil; pass zap.NewNop() to disable logging.
func New(blockSize int, logger *zap.Logger) *Allocator {
	return &Allocator{
		blockSize:   blockSize,
		lastAlloc:   noBucket,
		lastDealloc: noBucket,
		lastEmpty:   noBucket,
		logger:      logger,
	}
}

// Allocate returns the address of a free block, growing by one bucket when
// every existing bucket is full. On mapping failure the allocator is left
// exactly as it was.
func (a *Allocator) Allocate() (unsafe.Pointer, error) {
	if a.lastAlloc == noBucket || a.buckets[a.lastAlloc].IsFull() {
		found := noBucket
		for i := range a.buckets {
			if !a.buckets[i].IsFull() {
				found = i
				break
			}
		}
		if found != noBucket {
			a.lastAlloc = found
		} else {
			var b bucket.Bucket
			if err := b.Init(a.blockSize); err != nil {
				return nil, err
			}
			a.buckets = append(a.buckets, b)
			a.mapped++
			a.lastAlloc = len(a.buckets) - 1
			a.lastDealloc = noBucket
			a.lastEmpty = noBucket
			a.logger.Debug("mapped bucket",
				zap.Int("block_size", b.BlockSize()),
				zap.Int("num_blocks", b.NumBlocks()),
				zap.Int("buckets", len(a.buckets)),
			)
		}
	}

	// The bucket chosen for allocation is about to stop being empty.
	if a.lastAlloc == a.lastEmpty {
		a.lastEmpty = noBucket
	}

	return a.buckets[a.lastAlloc].Allocate(), nil
}

// Deallocate returns the block at p to its bucket. When that empties the
// bucket, the previously retained empty bucket (if any) is unmapped and the
// freshly emptied one is swapped to the tail so it becomes the new reservoir.
func (a *Allocator) Deallocate(p unsafe.Pointer) {
	if a.lastDealloc == noBucket || !a.buckets[a.lastDealloc].Contains(p) {
		found := noBucket
		for i := range a.buckets {
			if a.buckets[i].Contains(p) {
				found = i
				break
			}
		}
		if found == noBucket {
			panic(fmt.Sprintf("fixedalloc: pointer %#x does not belong to any bucket of size %d", uintptr(p), a.blockSize))
		}
		a.lastDealloc = found
	}

	a.buckets[a.lastDealloc].Deallocate(p)

	if a.buckets[a.lastDealloc].IsEmpty() {
		if a.lastEmpty != noBucket {
			if a.lastEmpty != len(a.buckets)-1 {
				panic("fixedalloc: retained empty bucket is not at the tail")
			}
			a.releaseBucket(len(a.buckets) - 1)
			a.buckets = a.buckets[:len(a.buckets)-1]
		}

		tail := len(a.buckets) - 1
		a.buckets[a.lastDealloc], a.buckets[tail] = a.buckets[tail], a.buckets[a.lastDealloc]
		a.lastAlloc = noBucket
		a.lastDealloc = tail
		a.lastEmpty = tail
	}
}

// Release unmaps every bucket. All blocks must have been deallocated.
func (a *Allocator) Release() error {
	var firstErr error
	for i := range a.buckets {
		if err := a.releaseBucket(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.buckets = nil
	a.lastAlloc = noBucket
	a.lastDealloc = noBucket
	a.lastEmpty = noBucket
	return firstErr
}

func (a *Allocator) releaseBucket(i int) error {
	b := &a.buckets[i]
	if a.OnUnmap != nil {
		a.OnUnmap(b.Base(), bucket.Bytes)
	}
	a.logger.Debug("unmapped bucket", zap.Int("block_size", b.BlockSize()))
	a.unmapped++
	return b.Release()
}

// BlockSize returns the byte size this allocator serves.
func (a *Allocator) BlockSize() int {
	return a.blockSize
}

// NumBuckets returns the number of currently mapped buckets.
func (a *Allocator) NumBuckets() int {
	return len(a.buckets)
}

// UsedBlocks returns the total number of live blocks across all buckets.
func (a *Allocator) UsedBlocks() int {
	n := 0
	for i := range a.buckets {
		n += a.buckets[i].UsedBlocks()
	}
	return n
}

// MappedBuckets returns the cumulative number of bucket mappings created.
func (a *Allocator) MappedBuckets() uint64 {
	return a.mapped
}

// UnmappedBuckets returns the cumulative number of bucket mappings released.
func (a *Allocator) UnmappedBuckets() uint64 {
	return a.unmapped
}
