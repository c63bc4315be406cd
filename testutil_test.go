package llmc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestContext returns a context torn down with the test.
func newTestContext(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	t.Cleanup(func() {
		if err := ctx.Destroy(); err != nil {
			t.Errorf("context destroy: %v", err)
		}
	})
	return ctx
}

// newAbsmaxAccumulator allocates a zeroed absmax accumulator.
func newAbsmaxAccumulator(t *testing.T, ctx *Context) DevicePtr {
	t.Helper()
	acc, err := ctx.Malloc(4)
	require.NoError(t, err)
	ResetAbsmax(acc)
	return acc
}

// fillRandom writes uniform values in [-limit, limit) into a float32 tensor.
func fillRandom(t Tensor, limit float32, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	data := t.Data.Float32()[:t.Len]
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
}

// fillConverted stores uniform values in [-limit, limit) through the
// tensor's own element type, so the tensor holds exactly representable
// values of that type.
func fillConverted(t Tensor, limit float32, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	b := t.Data.Bytes()
	for i := 0; i < t.Len; i++ {
		t.DType.Store(b, i, (rng.Float32()*2-1)*limit)
	}
}

// fillSequence writes 0..n-1 into a float32 tensor.
func fillSequence(t Tensor) {
	data := t.Data.Float32()[:t.Len]
	for i := range data {
		data[i] = float32(i)
	}
}

// convertReference converts src elementwise through the same rounding
// path the kernels use, into a fresh byte buffer of dst's type.
func convertReference(dstT DType, src Tensor, f ElementwiseFunc, descale, scale float32) []byte {
	f = elementwiseOrIdentity(f)
	out := make([]byte, src.Len*dstT.Size())
	in := src.Data.Bytes()
	for i := 0; i < src.Len; i++ {
		dstT.Store(out, i, f(src.DType.Load(in, i)*descale)*scale)
	}
	return out
}

// transposeReference computes the transpose of src (h rows by w cols)
// with conversion to dstT, one element at a time.
func transposeReference(dstT DType, src Tensor, w, h int) []byte {
	out := make([]byte, src.Len*dstT.Size())
	in := src.Data.Bytes()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dstT.Store(out, x*h+y, src.DType.Load(in, y*w+x))
		}
	}
	return out
}

// mustBitsToFloat decodes an absmax bit pattern.
func mustBitsToFloat(bits uint32) float32 {
	return math.Float32frombits(bits)
}

// hostAbsmax computes max|x| over a tensor on the host.
func hostAbsmax(t Tensor) float32 {
	in := t.Data.Bytes()
	max := float32(0)
	for i := 0; i < t.Len; i++ {
		v := t.DType.Load(in, i)
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return max
}
