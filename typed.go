package smallpool

import (
	"fmt"
	"reflect"
	"unsafe"
)

// TypedPool places values of a single type in pool blocks. The type must be
// pointer-free: the blocks live outside the Go heap, so the garbage
// collector never scans them and any pointer stored there would not keep its
// target alive.
//
// Alignment holds without any rounding: a Go type's size is always a
// multiple of its alignment, bucket bases are page-aligned, and blocks are
// laid out at multiples of the size, so every block base is aligned for T.
type TypedPool[T any] struct {
	pool *Pool
	size int
}

// NewTyped creates a typed front end over pool, or over the Default pool
// when pool is nil. Creating the front end touches the default pool so it
// exists before the first Get, mirroring how long-lived owners of typed
// values should hold a front end for as long as any value is live. Panics if
// T contains pointers.
func NewTyped[T any](pool *Pool) *TypedPool[T] {
	def := Default()
	if pool == nil {
		pool = def
	}
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	if typeHasPointers(t) {
		panic(fmt.Sprintf("smallpool: type %s contains pointers and cannot live in pool memory", t))
	}
	return &TypedPool[T]{
		pool: pool,
		size: int(unsafe.Sizeof(zero)),
	}
}

// Get returns a zeroed *T backed by pool memory. The value must be returned
// with Put; it is not garbage collected.
func (tp *TypedPool[T]) Get() (*T, error) {
	if tp.size == 0 {
		return new(T), nil
	}
	buf, err := tp.pool.Alloc(tp.size)
	if err != nil {
		return nil, err
	}
	ptr := (*T)(unsafe.Pointer(unsafe.SliceData(buf)))
	var zero T
	*ptr = zero
	return ptr, nil
}

// Put returns a value obtained from Get to the pool.
func (tp *TypedPool[T]) Put(v *T) {
	if tp.size == 0 || v == nil {
		return
	}
	tp.pool.Free(unsafe.Slice((*byte)(unsafe.Pointer(v)), tp.size))
}

func typeHasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr, reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && typeHasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if typeHasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
