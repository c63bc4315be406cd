package llmc

import (
	"fmt"
	"sync"
	"unsafe"
)

// MemcpyKind specifies the direction of memory transfer. In the unified
// memory model these are provided for API compatibility and treated
// identically since all memory is CPU-accessible.
type MemcpyKind int

const (
	MemcpyHostToHost     MemcpyKind = iota // Host to host transfer
	MemcpyHostToDevice                     // Host to device transfer
	MemcpyDeviceToHost                     // Device to host transfer
	MemcpyDeviceToDevice                   // Device to device transfer
)

// DevicePtr is an opaque handle to device memory. Use the typed view
// methods (Float32, Uint32, Bytes) to access the underlying data, and
// Offset for pointer arithmetic. The zero value is the nil pointer.
type DevicePtr struct {
	buf  []byte // backing storage, roots the allocation for the GC
	ptr  unsafe.Pointer
	size int
}

// MemoryPool manages device memory allocation with reuse of freed
// blocks. It backs Context.Malloc; the scratch allocator implements its
// own best-fit policy on top of it.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	buf  []byte
	ptr  unsafe.Pointer
	size int
	used bool
}

// NewMemoryPool creates a new memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		allocated: make(map[uintptr]*allocation),
	}
}

// Malloc allocates device memory of the specified size in bytes,
// aligned to MemAlignment.
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	return ctx.memory.Allocate(size)
}

// Free releases device memory allocated by Malloc. The memory may be
// retained in the pool for future allocations.
func (ctx *Context) Free(ptr DevicePtr) error {
	return ctx.memory.Free(ptr)
}

// Allocate allocates memory from the pool, reusing a freed block when a
// large enough one exists.
func (mp *MemoryPool) Allocate(size int) (DevicePtr, error) {
	if size <= 0 {
		return DevicePtr{}, ErrInvalidSize
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alignedSize := (size + MemAlignment - 1) &^ (MemAlignment - 1)

	// Try to reuse from free list
	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			mp.totalAlloc += int64(alloc.size)
			if mp.totalAlloc > mp.peakAlloc {
				mp.peakAlloc = mp.totalAlloc
			}
			return DevicePtr{buf: alloc.buf, ptr: alloc.ptr, size: size}, nil
		}
	}

	// Allocate new memory, over-sized so the start can be aligned.
	buf := make([]byte, alignedSize+MemAlignment)
	base := uintptr(unsafe.Pointer(&buf[0]))
	pad := 0
	if rem := int(base % MemAlignment); rem != 0 {
		pad = MemAlignment - rem
	}
	aligned := buf[pad : pad+alignedSize]
	ptr := unsafe.Pointer(&aligned[0])

	alloc := &allocation{
		buf:  aligned,
		ptr:  ptr,
		size: alignedSize,
		used: true,
	}
	mp.allocated[uintptr(ptr)] = alloc

	mp.totalAlloc += int64(alignedSize)
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}

	return DevicePtr{buf: aligned, ptr: ptr, size: size}, nil
}

// Free returns memory to the pool
func (mp *MemoryPool) Free(ptr DevicePtr) error {
	if ptr.ptr == nil {
		return nil
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[uintptr(ptr.ptr)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.size)

	return nil
}

// Stats returns current and peak allocated bytes.
func (mp *MemoryPool) Stats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// Memcpy copies memory between host slices and device pointers. All
// transfers are plain copies; the kind argument exists for API parity.
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	dstBytes, err := asBytes(dst, size, "dst")
	if err != nil {
		return err
	}
	srcBytes, err := asBytes(src, size, "src")
	if err != nil {
		return err
	}
	copy(dstBytes[:size], srcBytes[:size])
	return nil
}

func asBytes(v interface{}, size int, role string) ([]byte, error) {
	switch x := v.(type) {
	case DevicePtr:
		if x.ptr == nil {
			return nil, ErrNilPointer
		}
		return x.Bytes(), nil
	case []byte:
		return x, nil
	case []float32:
		if len(x) == 0 {
			return nil, NewInvalidArgError("Memcpy", "empty "+role+" slice")
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x)*4), nil
	case []uint32:
		if len(x) == 0 {
			return nil, NewInvalidArgError("Memcpy", "empty "+role+" slice")
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x)*4), nil
	case []uint16:
		if len(x) == 0 {
			return nil, NewInvalidArgError("Memcpy", "empty "+role+" slice")
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x)*2), nil
	default:
		return nil, NewInvalidArgError("Memcpy", fmt.Sprintf("unsupported %s type: %T", role, v))
	}
}

// DevicePtr methods

// IsNil reports whether the pointer is the zero pointer.
func (d DevicePtr) IsNil() bool {
	return d.ptr == nil
}

// Size returns the requested allocation size in bytes.
func (d DevicePtr) Size() int {
	return d.size
}

// ID returns an identity token for the buffer, stable for its lifetime.
// It is used as a map key, never dereferenced.
func (d DevicePtr) ID() uintptr {
	return uintptr(d.ptr)
}

// Offset returns a pointer advanced by n bytes.
func (d DevicePtr) Offset(n int) DevicePtr {
	if d.ptr == nil || n < 0 || n > d.size {
		return DevicePtr{}
	}
	return DevicePtr{
		buf:  d.buf,
		ptr:  unsafe.Add(d.ptr, n),
		size: d.size - n,
	}
}

// Bytes returns the raw byte view of the device memory.
func (d DevicePtr) Bytes() []byte {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(d.ptr), d.size)
}

// Float32 returns a float32 slice view of the device memory.
func (d DevicePtr) Float32() []float32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(d.ptr), d.size/4)
}

// Uint32 returns a uint32 slice view of the device memory.
func (d DevicePtr) Uint32() []uint32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*uint32)(d.ptr), d.size/4)
}

// Uint16 returns a uint16 slice view of the device memory.
func (d DevicePtr) Uint16() []uint16 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*uint16)(d.ptr), d.size/2)
}

// Memset fills n bytes of device memory with a value.
func (ctx *Context) Memset(d DevicePtr, value byte, n int) error {
	if d.ptr == nil {
		return ErrNilPointer
	}
	if n > d.size {
		return NewInvalidArgError("Memset", fmt.Sprintf("fill of %d bytes exceeds allocation of %d", n, d.size))
	}
	b := d.Bytes()
	for i := 0; i < n; i++ {
		b[i] = value
	}
	return nil
}
