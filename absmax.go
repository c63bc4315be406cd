package llmc

import (
	"math"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// The absmax accumulator is the bit pattern of a non-negative float32.
// IEEE-754 magnitude ordering matches unsigned integer ordering for
// non-negative values, so an integer max on bit patterns is a float max
// on the values they encode.

// localAbsmax folds |v| into a thread-local running maximum held as a
// bit pattern.
func localAbsmax(cur uint32, v float32) uint32 {
	bits := math.Float32bits(v) &^ (1 << 31)
	if bits > cur {
		return bits
	}
	return cur
}

// atomicAbsmaxUpdate folds candidate bits into the global accumulator
// with a compare-and-swap retry loop. Only strictly larger candidates
// write; the loop terminates when the candidate's value or a larger one
// is installed. The accumulator is monotonically non-decreasing until
// explicitly reset.
func atomicAbsmaxUpdate(addr *uint32, candidate uint32) {
	for {
		cur := atomic.LoadUint32(addr)
		if candidate <= cur {
			return
		}
		if atomic.CompareAndSwapUint32(addr, cur, candidate) {
			return
		}
	}
}

// absmaxKernel scans a tensor without producing output: each thread
// walks AbsmaxIterations packed units in a strided loop, and the block
// folds its threads' maxima into the global accumulator with a single
// atomic update. Values are taken raw, with no descaling.
func absmaxKernel(t Tensor, blockSize int) blockFunc {
	pack := t.DType.PackSize()
	data := t.Data.Bytes()
	out := &t.Absmax.Uint32()[0]
	n := t.Len
	return func(blockIdx Dim3) {
		local := uint32(0)
		for tidx := 0; tidx < blockSize; tidx++ {
			idx := (blockIdx.X*blockSize*AbsmaxIterations + tidx) * pack
			if idx >= n {
				continue
			}
			for i := 0; i < AbsmaxIterations; i++ {
				for k := 0; k < pack && idx+k < n; k++ {
					local = localAbsmax(local, t.DType.Load(data, idx+k))
				}
				idx += blockSize * pack
			}
		}
		atomicAbsmaxUpdate(out, local)
	}
}

// RefreshAbsmax recomputes max(|x|) over a tensor into its absmax
// accumulator, optionally resetting the accumulator first. A no-op for
// empty tensors and tensors without an absmax pointer. The element
// count must admit a block size of at least MinAbsmaxBlockSize whose
// full sweep (block size times packed unit times AbsmaxIterations)
// divides it; anything else is a caller bug and panics.
func (ctx *Context) RefreshAbsmax(t Tensor, reset bool, stream *Stream) error {
	if t.Len == 0 || t.Absmax.IsNil() {
		return nil
	}
	if stream == nil {
		stream = ctx.defaultStream
	}

	// Find the largest block size whose sweep divides the element count.
	pack := t.DType.PackSize()
	blockSize := DefaultAbsmaxBlockSize
	for t.Len%(blockSize*pack*AbsmaxIterations) != 0 {
		blockSize /= 2
		if blockSize < MinAbsmaxBlockSize {
			exceptions.Panicf("RefreshAbsmax: no block size >= %d whose sweep divides %d %s elements",
				MinAbsmaxBlockSize, t.Len, t.DType)
		}
	}

	if reset {
		acc := t.Absmax
		stream.Submit(func() {
			ResetAbsmax(acc)
		})
	}

	grid := Dim3{X: ceilDiv(t.Len, blockSize*AbsmaxIterations*pack), Y: 1, Z: 1}
	return ctx.launchBlocks(grid, stream, absmaxKernel(t, blockSize))
}

// RefreshAbsmax recomputes a tensor's absmax on the default context.
func RefreshAbsmax(t Tensor, reset bool, stream *Stream) error {
	return Default().RefreshAbsmax(t, reset, stream)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
