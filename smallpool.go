// Package smallpool is a segregated pool allocator for workloads that create
// very large numbers of small, short-lived objects. Memory comes from
// anonymous OS mappings rather than the Go heap: each size class from 1 to
// MaxBlockSize bytes is served by its own set of buckets, and requests above
// the threshold fall through to an ordinary heap allocation.
//
// Returned slices point into off-heap memory. They are never garbage
// collected and must be handed back with Free, and they must not be used to
// store Go pointers (the collector cannot see them).
package smallpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/garethgeorge/smallpool/internal/allocheck"
	"github.com/garethgeorge/smallpool/internal/bucket"
	"github.com/garethgeorge/smallpool/internal/fixedalloc"
)

// DefaultMaxBlockSize is the largest request served from pool buckets unless
// overridden with WithMaxBlockSize.
const DefaultMaxBlockSize = 128

type config struct {
	maxBlockSize int
	logger       *zap.Logger
	extraChecks  bool
}

type Option func(*config)

// WithMaxBlockSize sets the largest request size served from pool buckets.
// There is one fixed-size allocator per byte size from 1 to n; sizes
// above n go to the heap.
func WithMaxBlockSize(n int) Option {
	return func(c *config) {
		if n < 1 {
			panic("smallpool: max block size must be at least 1")
		}
		c.maxBlockSize = n
	}
}

// WithLogger attaches a logger for pool lifecycle and bucket map/unmap
// events. Nothing is logged on the block hot path.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithExtraChecks enables the allocation registry: every Alloc and Free is
// validated against the set of live blocks and freed blocks are poisoned, so
// double frees, foreign pointers and writes to freed memory panic at the
// call that commits them. Orders of magnitude slower; test builds only.
func WithExtraChecks() Option {
	return func(c *config) {
		c.extraChecks = true
	}
}

// Stats is a snapshot of a pool's counters.
type Stats struct {
	Allocs          uint64
	Frees           uint64
	OversizeAllocs  uint64
	BucketsMapped   uint64
	BucketsUnmapped uint64
	BucketsLive     int
}

// Pool routes allocation requests by size to fixed-size allocators. A single
// mutex serializes all pool-path operations; oversize requests bypass it.
type Pool struct {
	mu           sync.Mutex
	maxBlockSize int
	allocators   []*fixedalloc.Allocator
	checker      *allocheck.Registry
	logger       *zap.Logger
	closed       bool

	allocs         atomic.Uint64
	frees          atomic.Uint64
	oversizeAllocs atomic.Uint64
}

// New creates a pool. Most callers want the process-wide Default pool
// instead; separate instances exist for tests and for workloads that need
// isolated lifetimes.
func New(opts ...Option) *Pool {
	cfg := config{
		maxBlockSize: DefaultMaxBlockSize,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool{
		maxBlockSize: cfg.maxBlockSize,
		allocators:   make([]*fixedalloc.Allocator, cfg.maxBlockSize),
		logger:       cfg.logger,
	}
	if cfg.extraChecks {
		p.checker = allocheck.NewRegistry()
	}
	for i := range p.allocators {
		a := fixedalloc.New(i+1, cfg.logger)
		if p.checker != nil {
			a.OnUnmap = p.checker.DropRegion
		}
		p.allocators[i] = a
	}

	p.logger.Info("small-size pool created",
		zap.Int("max_block_size", cfg.maxBlockSize),
		zap.Int("bucket_bytes", bucket.Bytes),
		zap.Bool("extra_checks", cfg.extraChecks),
	)
	return p
}

// Alloc returns a slice of exactly n bytes. Requests of up to the pool's max
// block size come from pool buckets and must be released with Free; larger
// requests are plain heap allocations that the garbage collector reclaims.
// Pool memory is not zeroed on reuse.
//
// Alloc(0) returns nil.
func (p *Pool) Alloc(n int) ([]byte, error) {
	if n < 0 {
		panic("smallpool: negative allocation size")
	}
	if n == 0 {
		return nil, nil
	}
	if n > p.maxBlockSize {
		p.oversizeAllocs.Add(1)
		return make([]byte, n), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	ptr, err := p.allocators[n-1].Allocate()
	if err != nil {
		p.logger.Error("bucket mapping failed", zap.Int("block_size", n), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	if p.checker != nil {
		p.checker.NoteAlloc(ptr, effectiveBlockSize(n))
	}
	p.allocs.Add(1)
	return unsafe.Slice((*byte)(ptr), n), nil
}

// Free returns buf to its pool. buf must be a slice obtained from Alloc on
// this pool, passed back with its original capacity. Oversize buffers are
// left to the garbage collector. Freeing anything else is a programming
// error: with extra checks enabled it panics with a diagnostic, without them
// behavior is undefined.
func (p *Pool) Free(buf []byte) {
	n := cap(buf)
	if n == 0 {
		return
	}
	if n > p.maxBlockSize {
		return
	}
	ptr := unsafe.Pointer(unsafe.SliceData(buf))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		panic("smallpool: free on closed pool")
	}

	if p.checker != nil {
		p.checker.CheckFree(ptr, effectiveBlockSize(n))
	}
	p.allocators[n-1].Deallocate(ptr)
	if p.checker != nil {
		p.checker.MarkFreed(ptr, effectiveBlockSize(n))
	}
	p.frees.Add(1)
}

// Close releases every bucket mapping. All pool blocks must have been freed;
// a close with live blocks is a programming error and panics. Subsequent
// pooled Alloc calls fail with ErrPoolClosed; zero-size and oversize requests
// are still answered as before.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for _, a := range p.allocators {
		if err := a.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Allocs:         p.allocs.Load(),
		Frees:          p.frees.Load(),
		OversizeAllocs: p.oversizeAllocs.Load(),
	}
	for _, a := range p.allocators {
		s.BucketsMapped += a.MappedBuckets()
		s.BucketsUnmapped += a.UnmappedBuckets()
		s.BucketsLive += a.NumBuckets()
	}
	return s
}

// MaxBlockSize returns the pool's size-class threshold.
func (p *Pool) MaxBlockSize() int {
	return p.maxBlockSize
}

// effectiveBlockSize maps a request size to the bucket's per-block stride.
// The embedded free-list link forces a 2-byte minimum.
func effectiveBlockSize(n int) int {
	if n < bucket.MinBlockSize {
		return bucket.MinBlockSize
	}
	return n
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the process-wide pool, creating it on first use. It lives
// for the remainder of the process and is never closed.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New()
	})
	return defaultPool
}

// Alloc allocates from the Default pool.
func Alloc(n int) ([]byte, error) {
	return Default().Alloc(n)
}

// Free releases a buffer obtained from the package-level Alloc.
func Free(buf []byte) {
	Default().Free(buf)
}
