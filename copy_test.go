package llmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyConvertIdentity(t *testing.T) {
	ctx := newTestContext(t)
	n := 4096

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 100, 1)

	require.NoError(t, ctx.CopyConvert(dst, src, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, src.Bytes()[:src.SizeBytes()], dst.Bytes()[:dst.SizeBytes()])
}

func TestCopyConvertTypes(t *testing.T) {
	ctx := newTestContext(t)
	n := 2048

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 300, 2)

	for _, dtype := range []DType{F16, BF16, E4M3, E5M2} {
		t.Run(dtype.String(), func(t *testing.T) {
			dst, err := ctx.NewTensor(dtype, n)
			require.NoError(t, err)

			require.NoError(t, ctx.CopyConvert(dst, src, nil))
			require.NoError(t, ctx.Synchronize())

			assert.Equal(t, convertReference(dtype, src, nil, 1, 1), dst.Bytes()[:dst.SizeBytes()])
		})
	}
}

func TestCopyConvertRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	n := 1024

	// fp8 values survive a widen-narrow round trip unchanged.
	src, err := ctx.NewTensor(E4M3, n)
	require.NoError(t, err)
	wide, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	back, err := ctx.NewTensor(E4M3, n)
	require.NoError(t, err)
	fillConverted(src, 400, 3)

	require.NoError(t, ctx.CopyConvert(wide, src, nil))
	require.NoError(t, ctx.CopyConvert(back, wide, nil))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, src.Bytes()[:src.SizeBytes()], back.Bytes()[:back.SizeBytes()])
}

func TestCopyConvertGelu(t *testing.T) {
	ctx := newTestContext(t)
	n := 2048

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	dst, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 4, 4)

	require.NoError(t, ctx.CopyConvert(dst, src, &CopyOpts{Elementwise: GeluForward}))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, convertReference(F32, src, GeluForward, 1, 1), dst.Bytes()[:dst.SizeBytes()])
}

func TestCopyConvertScaling(t *testing.T) {
	ctx := newTestContext(t)
	n := 1024

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 100, 5)
	src.Descale = mustMallocFloat32(t, ctx, 0.25)

	dst, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	dst.Scale = mustMallocFloat32(t, ctx, 8)

	require.NoError(t, ctx.CopyConvert(dst, src, nil))
	require.NoError(t, ctx.Synchronize())
	assert.Equal(t, convertReference(F32, src, nil, 0.25, 8), dst.Bytes()[:dst.SizeBytes()])

	// Reciprocal flips the scale to 1/8 without touching the descale.
	require.NoError(t, ctx.CopyConvert(dst, src, &CopyOpts{Reciprocal: true}))
	require.NoError(t, ctx.Synchronize())
	assert.Equal(t, convertReference(F32, src, nil, 0.25, 0.125), dst.Bytes()[:dst.SizeBytes()])
}

func TestCopyConvertAbsmax(t *testing.T) {
	ctx := newTestContext(t)
	n := 4096

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 100, 6)
	src.Descale = mustMallocFloat32(t, ctx, 0.5)

	dst, err := ctx.NewTensor(E4M3, n)
	require.NoError(t, err)
	dst.Scale = mustMallocFloat32(t, ctx, 2)
	dst.Absmax = newAbsmaxAccumulator(t, ctx)

	require.NoError(t, ctx.CopyConvert(dst, src, nil))
	require.NoError(t, ctx.Synchronize())

	// The accumulator sees descaled values before the output scale.
	want := float32(0)
	for _, v := range src.Data.Float32()[:n] {
		v *= 0.5
		if v < 0 {
			v = -v
		}
		if v > want {
			want = v
		}
	}
	assert.Equal(t, want, AbsmaxValue(dst.Absmax))
}

func TestCopyConvertReversed(t *testing.T) {
	ctx := newTestContext(t)
	n := 8192

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 100, 7)

	forward, err := ctx.NewTensor(F16, n)
	require.NoError(t, err)
	reversed, err := ctx.NewTensor(F16, n)
	require.NoError(t, err)

	require.NoError(t, ctx.CopyConvert(forward, src, nil))
	require.NoError(t, ctx.CopyConvert(reversed, src, &CopyOpts{Reversed: true}))
	require.NoError(t, ctx.Synchronize())

	assert.Equal(t, forward.Bytes()[:forward.SizeBytes()], reversed.Bytes()[:reversed.SizeBytes()])
}

func TestCopyConvertBlockSizeOverride(t *testing.T) {
	ctx := newTestContext(t)
	n := 4096

	src, err := ctx.NewTensor(F32, n)
	require.NoError(t, err)
	fillRandom(src, 100, 8)
	want := convertReference(F16, src, nil, 1, 1)

	for _, blockSize := range []int{32, 64, 1024} {
		dst, err := ctx.NewTensor(F16, n)
		require.NoError(t, err)

		require.NoError(t, ctx.CopyConvert(dst, src, &CopyOpts{BlockSize: blockSize}))
		require.NoError(t, ctx.Synchronize())

		assert.Equal(t, want, dst.Bytes()[:dst.SizeBytes()], "block size %d", blockSize)
	}
}

func TestCopyConvertArgumentChecks(t *testing.T) {
	ctx := newTestContext(t)

	src, err := ctx.NewTensor(F32, 64)
	require.NoError(t, err)
	short, err := ctx.NewTensor(F32, 32)
	require.NoError(t, err)

	err = ctx.CopyConvert(Tensor{}, src, nil)
	require.Error(t, err)

	assert.Panics(t, func() {
		_ = ctx.CopyConvert(short, src, nil)
	})

	// 30 elements do not divide into float32 packed units of 4.
	odd, err := ctx.NewTensor(F32, 30)
	require.NoError(t, err)
	oddDst, err := ctx.NewTensor(F32, 30)
	require.NoError(t, err)
	assert.Panics(t, func() {
		_ = ctx.CopyConvert(oddDst, odd, nil)
	})
}
