package llmc

import (
	"math"
	"sync/atomic"
)

// Tensor is a flat typed view over caller-owned device memory, plus the
// optional side-channel pointers the kernels consume: scalar descale
// and scale factors (float32) and an absmax accumulator (the bit
// pattern of a non-negative float32, stored as uint32 so integer atomic
// max applies). The subsystem never allocates or frees a tensor's
// primary storage.
type Tensor struct {
	Data  DevicePtr
	DType DType
	Len   int // element count

	Scale   DevicePtr // optional *float32, applied after the elementwise function
	Descale DevicePtr // optional *float32, applied before the elementwise function
	Absmax  DevicePtr // optional *uint32 accumulator
}

// NewTensor allocates a tensor's primary storage from the context.
func (ctx *Context) NewTensor(dtype DType, n int) (Tensor, error) {
	ptr, err := ctx.Malloc(n * dtype.Size())
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Data: ptr, DType: dtype, Len: n}, nil
}

// SizeBytes returns the byte size of the tensor's primary storage.
func (t Tensor) SizeBytes() int {
	return t.Len * t.DType.Size()
}

// Bytes returns the raw view of the tensor's primary storage.
func (t Tensor) Bytes() []byte {
	return t.Data.Bytes()
}

// descaleFactor reads the descale scalar, defaulting to 1.
func (t Tensor) descaleFactor() float32 {
	if t.Descale.IsNil() {
		return 1
	}
	return t.Descale.Float32()[0]
}

// scaleFactor reads the scale scalar, defaulting to 1. reciprocal
// inverts a nonzero factor, matching the quantize direction where the
// stored scalar is the descale of the round trip.
func (t Tensor) scaleFactor(reciprocal bool) float32 {
	if t.Scale.IsNil() {
		return 1
	}
	s := t.Scale.Float32()[0]
	if reciprocal && s != 0 {
		return 1 / s
	}
	return s
}

// hasScaling reports whether either scale pointer is wired.
func hasScaling(src, dst Tensor) bool {
	return !src.Descale.IsNil() || !dst.Scale.IsNil()
}

// AbsmaxValue decodes an absmax accumulator into the float32 maximum it
// represents.
func AbsmaxValue(p DevicePtr) float32 {
	bits := atomic.LoadUint32(&p.Uint32()[0])
	return math.Float32frombits(bits)
}

// ResetAbsmax zeroes an absmax accumulator. The accumulator is
// monotonically non-decreasing between resets, so a caller reusing one
// across passes must reset it or serialize the passes on one stream.
func ResetAbsmax(p DevicePtr) {
	atomic.StoreUint32(&p.Uint32()[0], 0)
}

// Handle is an opaque identity token for a tensor-owning collaborator.
// It is generated, never derived from an address, so it cannot be
// accidentally dereferenced.
type Handle uint64

var handleCounter uint64

// NewHandle issues a process-unique identity token.
func NewHandle() Handle {
	return Handle(atomic.AddUint64(&handleCounter, 1))
}
