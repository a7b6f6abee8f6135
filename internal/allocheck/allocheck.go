// Package allocheck is the extra-checks companion to the pool. It mirrors
// every live allocation in an ordered interval index and fingerprints freed
// blocks so that double frees, foreign pointers, overlapping handouts and
// writes to freed memory are caught at the point of misuse instead of
// surfacing later as silent corruption. It is far too expensive for release
// use and is only wired in when the pool is built with extra checks enabled.
package allocheck

import (
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// poisonByte fills freed blocks. 0xDD mirrors the fill patterns debug heaps
// traditionally use, making stale reads easy to spot in a debugger too.
const poisonByte = 0xDD

type interval struct {
	start uintptr
	end   uintptr
}

type fingerprint struct {
	size int
	sum  uint64
}

// Registry tracks the live and recently-freed blocks of one pool. It relies
// on the pool's mutex for synchronization.
type Registry struct {
	live *btree.BTreeG[interval]
	// freed maps a block base to the xxhash of its poison fill. Entries are
	// verified and removed when the block is handed out again, or dropped
	// wholesale when the containing bucket is unmapped.
	freed map[uintptr]fingerprint
}

func NewRegistry() *Registry {
	return &Registry{
		live: btree.NewG(32, func(a, b interval) bool {
			return a.start < b.start
		}),
		freed: make(map[uintptr]fingerprint),
	}
}

// linkBytes returns the byte range within a block that holds the embedded
// free-list link. Those bytes are owned by the allocator while the block is
// free and are excluded from poisoning.
func linkBytes(base uintptr) (uintptr, uintptr) {
	if base%2 != 0 {
		return base + 1, base + 3
	}
	return base, base + 2
}

// NoteAlloc records a block handed out at p spanning size bytes, verifying
// that it overlaps no live allocation and that nobody scribbled on it while
// it sat on the free list.
func (r *Registry) NoteAlloc(p unsafe.Pointer, size int) {
	start := uintptr(p)
	end := start + uintptr(size)

	var clash interval
	found := false
	r.live.DescendLessOrEqual(interval{start: end - 1}, func(item interval) bool {
		if item.end > start {
			clash = item
			found = true
		}
		return false
	})
	if found {
		panic(fmt.Sprintf("allocheck: block [%#x,%#x) overlaps live allocation [%#x,%#x)",
			start, end, clash.start, clash.end))
	}

	if fp, ok := r.freed[start]; ok {
		if fp.size == size && poisonSum(p, size) != fp.sum {
			panic(fmt.Sprintf("allocheck: freed block at %#x was written to while on the free list", start))
		}
		delete(r.freed, start)
	}

	r.live.ReplaceOrInsert(interval{start: start, end: end})
}

// CheckFree validates that p is the base of a live block of exactly size
// bytes and removes it from the live set. Call before the allocator reclaims
// the block.
func (r *Registry) CheckFree(p unsafe.Pointer, size int) {
	start := uintptr(p)
	item, ok := r.live.Delete(interval{start: start})
	if !ok {
		panic(fmt.Sprintf("allocheck: free of %#x which is not a live pool block (double free or foreign pointer)", start))
	}
	if item.end-item.start != uintptr(size) {
		panic(fmt.Sprintf("allocheck: free of %#x with size %d, allocated size was %d",
			start, size, item.end-item.start))
	}
}

// MarkFreed poisons the freed block and records its fingerprint. Call after
// the allocator has written the free-list link into the block.
func (r *Registry) MarkFreed(p unsafe.Pointer, size int) {
	start := uintptr(p)
	end := start + uintptr(size)
	linkLo, linkHi := linkBytes(start)
	for addr := start; addr < end; addr++ {
		if addr >= linkLo && addr < linkHi {
			continue
		}
		*(*byte)(unsafe.Pointer(addr)) = poisonByte
	}
	r.freed[start] = fingerprint{size: size, sum: poisonSum(p, size)}
}

// DropRegion forgets all bookkeeping for [base, base+size). Called when a
// bucket mapping is returned to the OS; any address inside it may be handed
// back by a future mapping.
func (r *Registry) DropRegion(base unsafe.Pointer, size int) {
	start := uintptr(base)
	end := start + uintptr(size)

	var doomed []interval
	r.live.AscendGreaterOrEqual(interval{start: start}, func(item interval) bool {
		if item.start >= end {
			return false
		}
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		r.live.Delete(item)
	}

	for addr := range r.freed {
		if addr >= start && addr < end {
			delete(r.freed, addr)
		}
	}
}

// LiveCount returns the number of tracked live blocks.
func (r *Registry) LiveCount() int {
	return r.live.Len()
}

// poisonSum hashes the poisonable bytes of a free block, skipping the link
// word the allocator owns.
func poisonSum(p unsafe.Pointer, size int) uint64 {
	start := uintptr(p)
	linkLo, linkHi := linkBytes(start)

	d := xxhash.New()
	var buf [1]byte
	for addr := start; addr < start+uintptr(size); addr++ {
		if addr >= linkLo && addr < linkHi {
			continue
		}
		buf[0] = *(*byte)(unsafe.Pointer(addr))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
