package llmc

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// TransposeOpts are the optional parameters of Transpose. The zero
// value (or nil) means: identity elementwise function, direct scale,
// default stream and block budget, no untransposed copy.
type TransposeOpts struct {
	// Elementwise is applied after descaling; nil means identity.
	Elementwise ElementwiseFunc
	// Reciprocal applies 1/scale instead of scale (quantize direction).
	Reciprocal bool
	// Stream is the execution stream; nil means the default stream.
	Stream *Stream
	// BlockSize is the thread budget per block, overriding
	// DefaultTransposeBlockSize when nonzero. The tile-row count is
	// derived from it.
	BlockSize int
	// Copy, when set, receives a non-transposed converted copy of the
	// input, written directly during the read phase. Must have the
	// output element type.
	Copy *Tensor
}

type transposeParams struct {
	dst, src   Tensor
	copyOut    *Tensor
	f          ElementwiseFunc
	reciprocal bool
	scaling    bool
	absmax     bool
	w, h       int
}

// transposeKernels maps the supported tile-row counts to kernel
// builders. The row count is computed at launch time from the block
// budget and the input element width; other counts would need new
// entries here.
var transposeKernels = map[int]func(p transposeParams) blockFunc{
	16: func(p transposeParams) blockFunc { return transposeKernel(16, p) },
	32: func(p transposeParams) blockFunc { return transposeKernel(32, p) },
	64: func(p transposeParams) blockFunc { return transposeKernel(64, p) },
}

// transposeKernel builds the tiled transpose kernel. Each block owns
// one TileDim x TileDim tile of the source.
//
// Phase one reads horizontal strips with packed loads, applies the
// elementwise function and descale, optionally accumulates absmax,
// converts to the output type and stages into the tile buffer. The
// tile rows are padded by one 4-byte word of output elements so that
// phase two's column walks stagger across memory banks instead of
// serializing on one. A non-transposed copy, if requested, is written
// straight from the strip without touching the tile.
//
// Phase two re-derives the thread mapping: a packed store of the
// output type covers t1e elements, so when the output type is narrower
// than the input type fewer store lanes are needed than load lanes.
// Surplus x-lanes fold into extra y-rows (ratio), keeping every lane
// of a full warp active. If the width ratio exceeds what the row count
// can absorb, the leftover lanes idle rather than double-write.
func transposeKernel(blockRows int, p transposeParams) blockFunc {
	srcT, dstT := p.src.DType, p.dst.DType
	size1, size2 := dstT.Size(), srcT.Size()
	t1e, t2e := dstT.PackSize(), srcT.PackSize()
	copyVectors := 1
	if size1 >= size2 {
		copyVectors = size1 / size2
	}
	blockSizeX := (TileDim * size2) / BytesPerVector
	padded := TileDim + 4/size1
	width, height := p.w, p.h
	in := p.src.Data.Bytes()
	out := p.dst.Data.Bytes()
	var copyBytes []byte
	if p.copyOut != nil {
		copyBytes = p.copyOut.Data.Bytes()
	}
	f := elementwiseOrIdentity(p.f)
	var accum *uint32
	if p.absmax {
		accum = &p.dst.Absmax.Uint32()[0]
	}

	// Phase-two lane re-mapping: eliminate threads in y first, then x.
	desiredRatio := 1
	if size2 >= size1 {
		desiredRatio = size2 / size1
	}
	ratio := desiredRatio
	if ratio > blockRows {
		ratio = blockRows
	}
	bsxDivR := blockSizeX / ratio
	bsyDivR := blockRows / ratio

	return func(blockIdx Dim3) {
		tile := make([]byte, TileDim*padded*size1)
		descale, scale := float32(1), float32(1)
		if p.scaling {
			descale = p.src.descaleFactor()
			scale = p.dst.scaleFactor(p.reciprocal)
		}
		local := uint32(0)

		// Phase one: strip reads into the tile.
		for tidY := 0; tidY < blockRows; tidY++ {
			y := blockIdx.Y*TileDim + tidY
			for tidX := 0; tidX < blockSizeX; tidX++ {
				x := blockIdx.X*TileDim + tidX*t2e
				for j := 0; j < TileDim; j += blockRows {
					base := x + (y+j)*width
					tileRow := (tidY + j) * padded
					for k := 0; k < t2e; k++ {
						v := f(srcT.Load(in, base+k) * descale)
						if p.absmax {
							local = localAbsmax(local, v)
						}
						ov := v * scale
						if copyBytes != nil {
							dstT.Store(copyBytes, base+k, ov)
						}
						dstT.Store(tile, tileRow+tidX*t2e+k, ov)
					}
				}
			}
		}

		// The absmax reduction stands in for the phase barrier in the
		// original protocol; here the block's threads already ran in
		// program order, so the barrier is implicit either way.
		if p.absmax {
			atomicAbsmaxUpdate(accum, local)
		}

		// Phase two: transposed packed stores.
		for tidY := 0; tidY < bsyDivR; tidY++ {
			for tidX := 0; tidX < blockSizeX; tidX++ {
				adjX := tidX % bsxDivR
				adjY := tidY*ratio + tidX/bsxDivR
				if ratio != desiredRatio && adjX >= TileDim/t1e {
					continue // lane idles, ratio could not be matched exactly
				}
				x := blockIdx.Y*TileDim + adjX*t1e
				y := blockIdx.X*TileDim + adjY
				for j := 0; j < TileDim; j += blockRows {
					for o := 0; o < copyVectors; o++ {
						dstBase := x + o*blockSizeX*t1e + (y+j)*height
						tileCol := adjY + j
						for k := 0; k < t1e; k++ {
							row := k + (adjX+o*blockSizeX)*t1e
							dstT.Store(out, dstBase+k, dstT.Load(tile, row*padded+tileCol))
						}
					}
				}
			}
		}
	}
}

// Transpose writes the transpose of src (h rows by w columns,
// row-major) into dst (w rows by h columns), converting element types
// and applying the optional elementwise function and scale factors. If
// dst carries an absmax pointer, max|f(in*descale)| is accumulated into
// it. Both dimensions must be multiples of TileDim.
func (ctx *Context) Transpose(dst, src Tensor, w, h int, opts *TransposeOpts) error {
	if opts == nil {
		opts = &TransposeOpts{}
	}
	if dst.Data.IsNil() || src.Data.IsNil() {
		return NewInvalidArgError("Transpose", "nil tensor data")
	}
	if w%TileDim != 0 || h%TileDim != 0 {
		exceptions.Panicf("Transpose: dimensions %dx%d must be multiples of the %d tile size", w, h, TileDim)
	}
	if src.Len != w*h || dst.Len != w*h {
		exceptions.Panicf("Transpose: %dx%d needs %d elements, have src %d dst %d", w, h, w*h, src.Len, dst.Len)
	}
	if opts.Copy != nil {
		if opts.Copy.Data.IsNil() || opts.Copy.Len != w*h {
			exceptions.Panicf("Transpose: copy output needs %d elements", w*h)
		}
		if opts.Copy.DType != dst.DType {
			exceptions.Panicf("Transpose: copy output type %s does not match output type %s", opts.Copy.DType, dst.DType)
		}
	}

	budget := opts.BlockSize
	if budget == 0 {
		budget = DefaultTransposeBlockSize
	}
	blockSizeX := (TileDim * src.DType.Size()) / BytesPerVector
	blockRows := floorPow2(budget / blockSizeX)
	if blockRows > TileDim {
		blockRows = TileDim
	}
	build, ok := transposeKernels[blockRows]
	if !ok {
		klog.Exitf("invalid transpose tile-row count %d (block size %d, %s input; might be easy to add)",
			blockRows, budget, src.DType)
	}

	p := transposeParams{
		dst:        dst,
		src:        src,
		copyOut:    opts.Copy,
		f:          opts.Elementwise,
		reciprocal: opts.Reciprocal,
		scaling:    hasScaling(src, dst),
		absmax:     !dst.Absmax.IsNil(),
		w:          w,
		h:          h,
	}
	grid := Dim3{X: w / TileDim, Y: h / TileDim, Z: 1}
	return ctx.launchBlocks(grid, opts.Stream, build(p))
}

// CopyAndTranspose performs the transpose and emits a parallel
// untransposed converted copy in one pass, sharing the transpose
// kernel's read phase.
func (ctx *Context) CopyAndTranspose(transposed, copyOut, src Tensor, w, h int, opts *TransposeOpts) error {
	o := TransposeOpts{}
	if opts != nil {
		o = *opts
	}
	o.Copy = &copyOut
	return ctx.Transpose(transposed, src, w, h, &o)
}

// CopyOrTranspose dispatches to the tiled transpose or the elementwise
// copy depending on the runtime flag, with the matching default block
// size for either path.
func (ctx *Context) CopyOrTranspose(transposing bool, dst, src Tensor, w, h int, opts *TransposeOpts) error {
	o := TransposeOpts{}
	if opts != nil {
		o = *opts
	}
	if transposing {
		o.Copy = nil
		return ctx.Transpose(dst, src, w, h, &o)
	}
	return ctx.CopyConvert(dst, src, &CopyOpts{
		Elementwise: o.Elementwise,
		Reciprocal:  o.Reciprocal,
		Stream:      o.Stream,
		BlockSize:   o.BlockSize,
	})
}

// floorPow2 returns the largest power of two not exceeding v.
func floorPow2(v int) int {
	if v < 1 {
		return 0
	}
	return 1 << (bits.Len(uint(v)) - 1)
}

// Default-context wrappers.

// Transpose writes the transpose of src into dst on the default context.
func Transpose(dst, src Tensor, w, h int, opts *TransposeOpts) error {
	return Default().Transpose(dst, src, w, h, opts)
}

// CopyAndTranspose transposes and copies in one pass on the default context.
func CopyAndTranspose(transposed, copyOut, src Tensor, w, h int, opts *TransposeOpts) error {
	return Default().CopyAndTranspose(transposed, copyOut, src, w, h, opts)
}

// CopyOrTranspose picks the copy or transpose path on the default context.
func CopyOrTranspose(transposing bool, dst, src Tensor, w, h int, opts *TransposeOpts) error {
	return Default().CopyOrTranspose(transposing, dst, src, w, h, opts)
}
