package llmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransposeFloat32(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 128, 64

	src, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	fillRandom(src, 10, 1)

	require.NoError(t, ctx.Transpose(dst, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, transposeReference(F32, src, w, h), dst.Bytes()[:dst.SizeBytes()])
}

// A 64x64 sequence 0..4095 transposed into float16 must satisfy
// out[i][j] == float16(in[j][i]) and leave 4095 in the absmax
// accumulator.
func TestTransposeSequenceToFloat16(t *testing.T) {
	ctx := newTestContext(t)
	n := TileDim * TileDim

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F16, n)
	require.NoError(t, err)
	fillSequence(src)
	dst.Absmax = newAbsmaxAccumulator(t, ctx)

	require.NoError(t, ctx.Transpose(dst, src, TileDim, TileDim, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, transposeReference(F16, src, TileDim, TileDim), dst.Bytes()[:dst.SizeBytes()])
	assert.Equal(t, float32(4095), AbsmaxValue(dst.Absmax))
}

func TestTransposeToFP8(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 64, 128

	for _, dtype := range []DType{E4M3, E5M2} {
		t.Run(dtype.String(), func(t *testing.T) {
			src, err := ctx.NewTensor(F32, w*h)
			require.NoError(t, err)
			dst, err := ctx.NewTensor(dtype, w*h)
			require.NoError(t, err)
			fillRandom(src, 400, 2)
			dst.Absmax = newAbsmaxAccumulator(t, ctx)

			require.NoError(t, ctx.Transpose(dst, src, w, h, nil))
			require.NoError(t, ctx.Synchronize())

			assert.Equal(t, transposeReference(dtype, src, w, h), dst.Bytes()[:dst.SizeBytes()])
			assert.Equal(t, hostAbsmax(src), AbsmaxValue(dst.Absmax))
		})
	}
}

func TestTransposeNarrowToWide(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 128, 64

	// fp8 input, float32 output: the store phase covers four packed
	// vectors of input per vector of output.
	src, err := ctx.NewTensor(E4M3, w*h)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	fillConverted(src, 400, 3)

	require.NoError(t, ctx.Transpose(dst, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, transposeReference(F32, src, w, h), dst.Bytes()[:dst.SizeBytes()])
}

func TestTransposeFromFloat16(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 64, 64

	src, err := ctx.NewTensor(F16, w*h)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F16, w*h)
	require.NoError(t, err)
	fillConverted(src, 100, 4)

	require.NoError(t, ctx.Transpose(dst, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, transposeReference(F16, src, w, h), dst.Bytes()[:dst.SizeBytes()])
}

func TestTransposeWithScaling(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 64, 64

	src, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	fillRandom(src, 10, 5)

	src.Descale = mustMallocFloat32(t, ctx, 0.5)
	dst.Scale = mustMallocFloat32(t, ctx, 2)

	require.NoError(t, ctx.Transpose(dst, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())

	conv := convertReference(F32, src, nil, 0.5, 2)
	want := make([]byte, len(conv))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			F32.Store(want, x*h+y, F32.Load(conv, y*w+x))
		}
	}
	assert.Equal(t, want, dst.Bytes()[:dst.SizeBytes()])
}

func TestTransposeBlockSizes(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 128, 128

	src, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	fillRandom(src, 10, 6)
	want := transposeReference(F32, src, w, h)

	// 256/512/1024 thread budgets select 16/32/64 tile rows for a
	// float32 input.
	for _, blockSize := range []int{256, 512, 1024} {
		dst, err := ctx.NewTensor(F32, w*h)
		require.NoError(t, err)

		require.NoError(t, ctx.Transpose(dst, src, w, h, &TransposeOpts{BlockSize: blockSize}))
		require.NoError(t, ctx.Synchronize())

		assert.Equal(t, want, dst.Bytes()[:dst.SizeBytes()], "block size %d", blockSize)
	}
}

func TestCopyAndTranspose(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 128, 64

	src, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	transposed, err := ctx.NewTensor(F16, w*h)
	require.NoError(t, err)
	copyOut, err := ctx.NewTensor(F16, w*h)
	require.NoError(t, err)
	fillRandom(src, 10, 7)
	transposed.Absmax = newAbsmaxAccumulator(t, ctx)

	require.NoError(t, ctx.CopyAndTranspose(transposed, copyOut, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, transposeReference(F16, src, w, h), transposed.Bytes()[:transposed.SizeBytes()])
	assert.Equal(t, convertReference(F16, src, nil, 1, 1), copyOut.Bytes()[:copyOut.SizeBytes()])
	assert.Equal(t, hostAbsmax(src), AbsmaxValue(transposed.Absmax))
}

func TestCopyOrTranspose(t *testing.T) {
	ctx := newTestContext(t)
	w, h := 64, 64

	src, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	fillRandom(src, 10, 8)

	transposed, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	require.NoError(t, ctx.CopyOrTranspose(true, transposed, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())
	assert.Equal(t, transposeReference(F32, src, w, h), transposed.Bytes()[:transposed.SizeBytes()])

	copied, err := ctx.NewTensor(F32, w*h)
	require.NoError(t, err)
	require.NoError(t, ctx.CopyOrTranspose(false, copied, src, w, h, nil))
	require.NoError(t, ctx.Synchronize())
	assert.Equal(t, src.Bytes()[:src.SizeBytes()], copied.Bytes()[:copied.SizeBytes()])
}

func TestTransposeArgumentChecks(t *testing.T) {
	ctx := newTestContext(t)

	src, err := ctx.NewTensor(F32, TileDim*TileDim)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F32, TileDim*TileDim)
	require.NoError(t, err)

	err = ctx.Transpose(dst, Tensor{}, TileDim, TileDim, nil)
	require.Error(t, err)

	assert.Panics(t, func() {
		_ = ctx.Transpose(dst, src, TileDim+1, TileDim, nil)
	})
	assert.Panics(t, func() {
		_ = ctx.Transpose(dst, src, 2*TileDim, 2*TileDim, nil)
	})
	assert.Panics(t, func() {
		wrongType := Tensor{Data: dst.Data, DType: F16, Len: dst.Len}
		_ = ctx.Transpose(dst, src, TileDim, TileDim, &TransposeOpts{Copy: &wrongType})
	})
}

// mustMallocFloat32 allocates a single device float32 scalar.
func mustMallocFloat32(t *testing.T, ctx *Context, v float32) DevicePtr {
	t.Helper()
	ptr, err := ctx.Malloc(4)
	require.NoError(t, err)
	ptr.Float32()[0] = v
	return ptr
}
