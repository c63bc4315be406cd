package llmc

import (
	"sync"
)

// TransposedCache remembers transposed copies of weight tensors so they
// are not recomputed every training step. Entries are keyed by the
// source buffer's identity together with an owner token (weights can be
// shared between owners that need independent transposes). The only
// invalidation signal is a size mismatch: the source's shape is not
// tracked, so a request whose byte size differs from the cached entry
// recomputes it in place.
type TransposedCache struct {
	mu      sync.Mutex
	ctx     *Context
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	src   uintptr
	owner Handle
}

type cacheEntry struct {
	ptr  DevicePtr
	size int
}

// NewTransposedCache creates a cache drawing buffers from the context's
// scratch allocator.
func (ctx *Context) NewTransposedCache() *TransposedCache {
	return &TransposedCache{
		ctx:     ctx,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// GetTransposed returns the cached transpose of src (rows by cols,
// row-major) for the given owner. On a miss — no entry, or an entry
// whose size no longer matches rows*cols — it acquires an exact-size
// scratch buffer, transposes into it unless compute is false, records
// it, and returns it. With findOnly set, a miss returns ok=false and
// nothing is computed.
func (c *TransposedCache) GetTransposed(src Tensor, owner Handle, rows, cols int, compute, findOnly bool, stream *Stream) (DevicePtr, bool, error) {
	key := cacheKey{src: src.Data.ID(), owner: owner}
	size := rows * cols * src.DType.Size()

	c.mu.Lock()
	entry, hit := c.entries[key]
	c.mu.Unlock()
	if hit && entry.size == size {
		return entry.ptr, true, nil
	}
	if findOnly {
		return DevicePtr{}, false, nil
	}
	if hit {
		// Stale size means the source shape changed; the old buffer goes
		// back to scratch before the entry is replaced.
		c.ctx.Scratch().Release(entry.ptr)
	}

	ptr, err := c.ctx.Scratch().Acquire(size, true)
	if err != nil {
		return DevicePtr{}, false, err
	}
	if compute {
		dst := Tensor{Data: ptr, DType: src.DType, Len: rows * cols}
		err = c.ctx.CopyOrTranspose(true, dst, src, rows, cols, &TransposeOpts{Stream: stream})
		if err != nil {
			c.ctx.Scratch().Release(ptr)
			return DevicePtr{}, false, err
		}
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{ptr: ptr, size: size}
	c.mu.Unlock()
	return ptr, true, nil
}

// Clear releases every cached buffer back to the scratch allocator and
// empties the key table.
func (c *TransposedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		c.ctx.Scratch().Release(entry.ptr)
	}
	c.entries = make(map[cacheKey]cacheEntry)
}

// Len returns the number of cached entries.
func (c *TransposedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
