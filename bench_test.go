package smallpool

import (
	"fmt"
	"testing"
)

func BenchmarkAllocFree(b *testing.B) {
	for _, size := range []int{2, 8, 32, 128} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			p := New()
			defer p.Close()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				buf, err := p.Alloc(size)
				if err != nil {
					b.Fatal(err)
				}
				p.Free(buf)
			}
		})
	}
}

func BenchmarkAllocFree_Heap(b *testing.B) {
	// Baseline: the same churn against the Go heap.
	for _, size := range []int{2, 8, 32, 128} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			var sink []byte
			for i := 0; i < b.N; i++ {
				sink = make([]byte, size)
			}
			_ = sink
		})
	}
}

func BenchmarkTypedPool(b *testing.B) {
	type node struct {
		Key, Value uint64
		Next       uint32
	}
	p := New()
	defer p.Close()
	tp := NewTyped[node](p)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v, err := tp.Get()
		if err != nil {
			b.Fatal(err)
		}
		v.Key = uint64(i)
		tp.Put(v)
	}
}
