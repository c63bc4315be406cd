package llmc

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// DType identifies the element type of a tensor. Conversion between
// types goes through float32 with the destination type's rounding
// behavior (round to nearest even, saturating for the 8-bit floats).
type DType int

const (
	// F32 is IEEE-754 binary32.
	F32 DType = iota
	// F16 is IEEE-754 binary16.
	F16
	// BF16 is bfloat16: 1 sign, 8 exponent, 7 mantissa bits.
	BF16
	// E4M3 is the 8-bit float with 4 exponent and 3 mantissa bits
	// (bias 7, no infinities, max finite 448). Used for activations
	// and weights.
	E4M3
	// E5M2 is the 8-bit float with 5 exponent and 2 mantissa bits
	// (bias 15, IEEE-style infinities, max finite 57344). Used for
	// gradients.
	E5M2
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case E4M3, E5M2:
		return 1
	default:
		return 0
	}
}

// PackSize returns the number of elements that fit in one vectorized
// memory transaction of BytesPerVector bytes.
func (d DType) PackSize() int {
	return BytesPerVector / d.Size()
}

// String returns the conventional name of the type.
func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case E4M3:
		return "e4m3"
	case E5M2:
		return "e5m2"
	default:
		return "invalid"
	}
}

// ParseDType maps a name as printed by String back to a DType.
func ParseDType(s string) (DType, bool) {
	switch s {
	case "f32":
		return F32, true
	case "f16":
		return F16, true
	case "bf16":
		return BF16, true
	case "e4m3":
		return E4M3, true
	case "e5m2":
		return E5M2, true
	}
	return F32, false
}

// Load reads element i of a byte buffer holding values of this type.
func (d DType) Load(b []byte, i int) float32 {
	switch d {
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	case F16:
		return float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
	case BF16:
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[i*2:])) << 16)
	case E4M3:
		return fp8Decode(b[i], 3, 7, false)
	case E5M2:
		return fp8Decode(b[i], 2, 15, true)
	default:
		return float32(math.NaN())
	}
}

// Store writes element i of a byte buffer holding values of this type,
// rounding v to the type's precision.
func (d DType) Store(b []byte, i int, v float32) {
	switch d {
	case F32:
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	case F16:
		binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(v).Bits())
	case BF16:
		binary.LittleEndian.PutUint16(b[i*2:], bf16FromFloat32(v))
	case E4M3:
		b[i] = fp8Encode(v, 3, 7, 0x7E, 0x7F, 0)
	case E5M2:
		b[i] = fp8Encode(v, 2, 15, 0x7B, 0x7E, 0x7C)
	}
}

// bf16FromFloat32 truncates a float32 to bfloat16 with round to
// nearest even.
func bf16FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7FFFFFFF > 0x7F800000 {
		// NaN, force the quiet bit so rounding cannot silence it
		return uint16(bits>>16) | 0x0040
	}
	bits += 0x7FFF + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}

// rneShift shifts x right by sh bits, rounding to nearest even.
func rneShift(x uint32, sh uint32) uint32 {
	if sh == 0 {
		return x
	}
	if sh > 31 {
		return 0
	}
	half := uint32(1) << (sh - 1)
	rem := x & ((uint32(1) << sh) - 1)
	q := x >> sh
	if rem > half || (rem == half && q&1 == 1) {
		q++
	}
	return q
}

// fp8Encode converts a float32 to an 8-bit float with mantBits mantissa
// bits and the given exponent bias. Rounds to nearest even; finite
// overflow saturates to maxFinite. infCode of zero means the format has
// no infinities (e4m3) and infinite inputs also saturate.
func fp8Encode(f float32, mantBits uint32, bias int32, maxFinite, nan, infCode uint8) uint8 {
	bits := math.Float32bits(f)
	sign := uint8(bits>>31) << 7
	abs := bits & 0x7FFFFFFF

	if abs > 0x7F800000 {
		return sign | nan
	}
	if abs == 0x7F800000 {
		if infCode != 0 {
			return sign | infCode
		}
		return sign | maxFinite
	}
	if abs == 0 {
		return sign
	}

	exp := int32(abs>>23) - 127
	mant := abs & 0x7FFFFF
	shift := 23 - mantBits

	// First non-finite code of the format; anything that rounds onto or
	// past it saturates.
	maxCode := uint32(infCode)
	if maxCode == 0 {
		maxCode = uint32(nan)
	}

	var code uint32
	if newExp := exp + bias; newExp <= 0 {
		// Subnormal target: shift the implicit bit in. A round-up that
		// carries into the exponent produces the smallest normal, which
		// is exactly what the carry encodes.
		sh := shift + uint32(1-newExp)
		if sh > 31 {
			return sign
		}
		code = rneShift(mant|0x800000, sh)
	} else {
		// Rounding carry out of the mantissa spills into the exponent.
		code = uint32(newExp)<<mantBits + rneShift(mant, shift)
	}
	if code >= maxCode {
		return sign | maxFinite
	}
	return sign | uint8(code)
}

// fp8Decode expands an 8-bit float exactly. ieee selects IEEE-style
// infinity/NaN handling (e5m2); otherwise only 0x7f/0xff are NaN (e4m3).
func fp8Decode(code uint8, mantBits uint32, bias int32, ieee bool) float32 {
	sign := float32(1)
	if code&0x80 != 0 {
		sign = -1
	}
	expField := int32(code>>mantBits) & ((1 << (7 - mantBits)) - 1)
	mant := uint32(code) & ((1 << mantBits) - 1)

	if ieee && expField == (1<<(7-mantBits))-1 {
		if mant == 0 {
			return sign * float32(math.Inf(1))
		}
		return float32(math.NaN())
	}
	if !ieee && code&0x7F == 0x7F {
		return float32(math.NaN())
	}

	var v float64
	if expField == 0 {
		v = float64(mant) * math.Ldexp(1, int(1-bias)-int(mantBits))
	} else {
		v = (1 + float64(mant)/float64(uint32(1)<<mantBits)) * math.Ldexp(1, int(expField-bias))
	}
	return sign * float32(v)
}
