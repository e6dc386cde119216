package nn

import "fmt"

// FloatType identifies the element encoding of a tensor or pipe.
type FloatType uint32

const (
	FloatUnknown FloatType = iota
	F32
	F16
	Q40
	Q80
)

const (
	// QuantBlockSize is the number of elements per quantized block for
	// both Q40 and Q80.
	QuantBlockSize = 32

	// BlockQ40Bytes is 2 scale bytes + 16 packed nibble bytes.
	BlockQ40Bytes = 18
	// BlockQ80Bytes is 2 scale bytes + 32 int8 bytes.
	BlockQ80Bytes = 34
)

func (t FloatType) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case Q40:
		return "q40"
	case Q80:
		return "q80"
	default:
		return fmt.Sprintf("floatType(%d)", uint32(t))
	}
}

// ParseFloatType parses the CLI spelling of a float type.
func ParseFloatType(s string) (FloatType, error) {
	switch s {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	case "q40":
		return Q40, nil
	case "q80":
		return Q80, nil
	}
	return FloatUnknown, fmt.Errorf("invalid float type: %q", s)
}

// BlockSize returns the number of elements per storage block: 1 for float
// types, 32 for the quantized types.
func (t FloatType) BlockSize() int {
	switch t {
	case F32, F16:
		return 1
	case Q40, Q80:
		return QuantBlockSize
	}
	panic("nn: block size of unknown float type")
}

// Bytes returns the storage size of n elements. n must be divisible by the
// type's block size.
func (t FloatType) Bytes(n int) int {
	switch t {
	case F32:
		return n * 4
	case F16:
		return n * 2
	case Q40:
		if n%QuantBlockSize != 0 {
			panic(fmt.Sprintf("nn: %d elements not divisible by q40 block size", n))
		}
		return (n / QuantBlockSize) * BlockQ40Bytes
	case Q80:
		if n%QuantBlockSize != 0 {
			panic(fmt.Sprintf("nn: %d elements not divisible by q80 block size", n))
		}
		return (n / QuantBlockSize) * BlockQ80Bytes
	}
	panic("nn: bytes of unknown float type")
}

// OpQuantType names an <input>_<weight>_<output> kernel variant.
type OpQuantType uint32

const (
	F32F32F32 OpQuantType = iota
	F32Q40F32
	F32Q40Q80
	F32F32Q80
	Q80Q80Q80
	Q80Q80F32
	Q80Q40F32
	Q80F32F32
)

func (q OpQuantType) String() string {
	switch q {
	case F32F32F32:
		return "F32_F32_F32"
	case F32Q40F32:
		return "F32_Q40_F32"
	case F32Q40Q80:
		return "F32_Q40_Q80"
	case F32F32Q80:
		return "F32_F32_Q80"
	case Q80Q80Q80:
		return "Q80_Q80_Q80"
	case Q80Q80F32:
		return "Q80_Q80_F32"
	case Q80Q40F32:
		return "Q80_Q40_F32"
	case Q80F32F32:
		return "Q80_F32_F32"
	}
	return fmt.Sprintf("opQuant(%d)", uint32(q))
}

// QuantTypeOf resolves the kernel variant for an input/weight/output
// combination. An unknown weight type stands in for "no weight" and
// resolves as if the weight matched the input.
func QuantTypeOf(input, weight, output FloatType) (OpQuantType, error) {
	if input == F32 && output == F32 {
		if weight == FloatUnknown || weight == F32 {
			return F32F32F32, nil
		}
		if weight == Q40 {
			return F32Q40F32, nil
		}
	}
	if input == F32 && output == Q80 {
		if weight == FloatUnknown || weight == F32 {
			return F32F32Q80, nil
		}
		if weight == Q40 {
			return F32Q40Q80, nil
		}
	}
	if input == Q80 && output == F32 {
		switch weight {
		case FloatUnknown, Q80:
			return Q80Q80F32, nil
		case F32:
			return Q80F32F32, nil
		case Q40:
			return Q80Q40F32, nil
		}
	}
	if input == Q80 && output == Q80 && (weight == FloatUnknown || weight == Q80) {
		return Q80Q80Q80, nil
	}
	return 0, fmt.Errorf("%w: no kernel variant for %s/%s/%s", ErrOpInit, input, weight, output)
}
