package llmc

import (
	"github.com/gomlx/exceptions"
)

// CopyOpts are the optional parameters of CopyConvert. The zero value
// (or nil) means: identity elementwise function, direct scale, forward
// block order, default stream and block size.
type CopyOpts struct {
	// Elementwise is applied after descaling; nil means identity.
	Elementwise ElementwiseFunc
	// Reciprocal applies 1/scale instead of scale (quantize direction).
	Reciprocal bool
	// Reversed processes blocks in reverse order, diversifying memory
	// access timing when independent copies overlap.
	Reversed bool
	// Stream is the execution stream; nil means the default stream.
	Stream *Stream
	// BlockSize overrides DefaultCopyBlockSize when nonzero.
	BlockSize int
}

// copyVariant keys the kernel dispatch table. The variants differ only
// in which side channels are wired in, so the common case pays no
// per-element cost for the ones it does not use.
type copyVariant struct {
	scaling bool
	absmax  bool
}

type copyParams struct {
	dst, src   Tensor
	f          ElementwiseFunc
	reciprocal bool
	reversed   bool
	blockSize  int
	grid       int
	vec        int
}

var copyKernels = map[copyVariant]func(copyParams) blockFunc{
	{scaling: false, absmax: false}: func(p copyParams) blockFunc { return copyKernel(p, false, false) },
	{scaling: true, absmax: false}:  func(p copyParams) blockFunc { return copyKernel(p, true, false) },
	{scaling: false, absmax: true}:  func(p copyParams) blockFunc { return copyKernel(p, false, true) },
	{scaling: true, absmax: true}:   func(p copyParams) blockFunc { return copyKernel(p, true, true) },
}

// copyKernel builds the elementwise copy/convert kernel: each thread
// handles exactly one packed unit; out[i] = scale * f(in[i] * descale)
// with the output type's rounding. The absmax of f(in[i] * descale) is
// taken before scaling; each block contributes one atomic update.
func copyKernel(p copyParams, scaling, absmax bool) blockFunc {
	in := p.src.Data.Bytes()
	out := p.dst.Data.Bytes()
	srcT, dstT := p.src.DType, p.dst.DType
	f := elementwiseOrIdentity(p.f)
	var accum *uint32
	if absmax {
		accum = &p.dst.Absmax.Uint32()[0]
	}
	n := p.src.Len

	return func(blockIdx Dim3) {
		// Scale pointers are read at execution time, not launch time:
		// the host may queue a scale update ahead of this launch on the
		// same stream.
		descale, scale := float32(1), float32(1)
		if scaling {
			descale = p.src.descaleFactor()
			scale = p.dst.scaleFactor(p.reciprocal)
		}
		bx := blockIdx.X
		if p.reversed {
			bx = p.grid - bx - 1
		}

		local := uint32(0)
		for tidx := 0; tidx < p.blockSize; tidx++ {
			idx := (bx*p.blockSize + tidx) * p.vec
			if idx >= n {
				continue
			}
			for k := 0; k < p.vec; k++ {
				v := f(srcT.Load(in, idx+k) * descale)
				if absmax {
					local = localAbsmax(local, v)
				}
				dstT.Store(out, idx+k, v*scale)
			}
		}
		if absmax {
			atomicAbsmaxUpdate(accum, local)
		}
	}
}

// CopyConvert copies src into dst elementwise, converting between
// element types and applying the optional elementwise function and
// scale factors. If dst carries an absmax pointer, the kernel also
// accumulates max|f(in*descale)| into it. The element count must be
// divisible by the packing size of the wider of the two types.
func (ctx *Context) CopyConvert(dst, src Tensor, opts *CopyOpts) error {
	if opts == nil {
		opts = &CopyOpts{}
	}
	if dst.Data.IsNil() || src.Data.IsNil() {
		return NewInvalidArgError("CopyConvert", "nil tensor data")
	}
	if dst.Len != src.Len {
		exceptions.Panicf("CopyConvert: length mismatch, src %d vs dst %d", src.Len, dst.Len)
	}

	// One packed unit of the wider type per thread.
	vec := src.DType.PackSize()
	if d := dst.DType.PackSize(); d < vec {
		vec = d
	}
	if src.Len%vec != 0 {
		exceptions.Panicf("CopyConvert: %d elements not divisible by packed unit of %d (%s -> %s)",
			src.Len, vec, src.DType, dst.DType)
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultCopyBlockSize
	}
	grid := ceilDiv(src.Len, blockSize*vec)

	p := copyParams{
		dst:        dst,
		src:        src,
		f:          opts.Elementwise,
		reciprocal: opts.Reciprocal,
		reversed:   opts.Reversed,
		blockSize:  blockSize,
		grid:       grid,
		vec:        vec,
	}
	variant := copyVariant{
		scaling: hasScaling(src, dst),
		absmax:  !dst.Absmax.IsNil(),
	}
	return ctx.launchBlocks(Dim3{X: grid, Y: 1, Z: 1}, opts.Stream, copyKernels[variant](p))
}

// CopyConvert copies src into dst on the default context.
func CopyConvert(dst, src Tensor, opts *CopyOpts) error {
	return Default().CopyConvert(dst, src, opts)
}
