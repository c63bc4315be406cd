package llmc

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScratchAllocator hands out reusable device buffers for transient work
// such as FP8 conversions. Released buffers are kept, not freed, and
// satisfy later requests by best fit; records are only dropped all at
// once by Teardown. Each context owns one allocator.
//
// Host-side orchestration is expected to be serial; the internal lock
// only keeps concurrent callers from corrupting the record list, it
// does not make acquire/release sequences atomic.
type ScratchAllocator struct {
	mu     sync.Mutex
	ctx    *Context
	allocs []*scratchAlloc // in creation order; ties break to the earliest record
	total  int64
}

type scratchAlloc struct {
	ptr   DevicePtr
	size  int
	inUse bool
}

func newScratchAllocator(ctx *Context) *ScratchAllocator {
	return &ScratchAllocator{ctx: ctx}
}

// Acquire returns a free buffer of at least size bytes (exactly size
// bytes if exact is set), choosing the smallest free record that
// satisfies the request. If none does, a new device buffer is allocated
// and registered. The buffer stays out of circulation until Release.
func (s *ScratchAllocator) Acquire(size int, exact bool) (DevicePtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *scratchAlloc
	for _, a := range s.allocs {
		if a.inUse || a.size < size {
			continue
		}
		if exact && a.size != size {
			continue
		}
		if best == nil || a.size < best.size {
			best = a
		}
	}
	if best != nil {
		best.inUse = true
		return best.ptr, nil
	}

	ptr, err := s.ctx.Malloc(size)
	if err != nil {
		return DevicePtr{}, errors.Wrapf(err, "scratch allocation of %d bytes", size)
	}
	s.allocs = append(s.allocs, &scratchAlloc{ptr: ptr, size: size, inUse: true})
	s.total += int64(size)
	klog.Infof("allocated scratch memory: %s (%#x) => total allocated: %s",
		humanize.IBytes(uint64(size)), ptr.ID(), humanize.IBytes(uint64(s.total)))
	return ptr, nil
}

// Release marks the record owning ptr free for reuse without freeing
// device memory. Unknown and nil pointers are ignored.
func (s *ScratchAllocator) Release(ptr DevicePtr) {
	if ptr.IsNil() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.allocs {
		if a.ptr.ID() == ptr.ID() {
			a.inUse = false
			return
		}
	}
}

// Teardown frees all tracked device memory and clears every record.
// Intended to run once at context shutdown.
func (s *ScratchAllocator) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.allocs {
		if err := s.ctx.Free(a.ptr); err != nil {
			klog.Errorf("scratch teardown: %v", err)
		}
	}
	s.allocs = nil
	s.total = 0
}

// TotalAllocated returns the cumulative bytes of device memory backing
// the allocator's records.
func (s *ScratchAllocator) TotalAllocated() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
