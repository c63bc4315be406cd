package llmc

import "math"

// ElementwiseFunc is applied to each value during a copy or transpose,
// after descaling and before the absmax update and output scaling.
type ElementwiseFunc func(float32) float32

// Identity passes values through unchanged.
func Identity(x float32) float32 {
	return x
}

const sqrt2OverPi = 0.7978845608028654

// GeluForward computes the tanh-approximation GELU,
// 0.5*x*(1+tanh(sqrt(2/pi)*(x+0.044715*x^3))).
func GeluForward(x float32) float32 {
	cube := 0.044715 * x * x * x
	tanhOut := float32(math.Tanh(float64(sqrt2OverPi * (x + cube))))
	halfX := 0.5 * x
	return halfX*tanhOut + halfX
}

func elementwiseOrIdentity(f ElementwiseFunc) ElementwiseFunc {
	if f == nil {
		return Identity
	}
	return f
}
