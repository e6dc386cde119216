package exec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

func TestQ80RoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	n := 4 * nn.QuantBlockSize
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(rng.NormFloat64())
	}

	encoded := make([]byte, nn.Q80.Bytes(n))
	quantizeQ80Row(src, encoded, n)
	decoded := make([]float32, n)
	dequantizeQ80Row(encoded, decoded, n)

	for i := range src {
		diff := math.Abs(float64(src[i] - decoded[i]))
		// Q80 resolution is amax/127 per block plus the f16 scale error.
		if diff > 0.05 {
			t.Fatalf("element %d: %f -> %f (diff %f)", i, src[i], decoded[i], diff)
		}
	}
}

func TestQ80ZeroBlock(t *testing.T) {
	t.Parallel()

	src := make([]float32, nn.QuantBlockSize)
	encoded := make([]byte, nn.BlockQ80Bytes)
	quantizeQ80Row(src, encoded, nn.QuantBlockSize)
	decoded := make([]float32, nn.QuantBlockSize)
	dequantizeQ80Row(encoded, decoded, nn.QuantBlockSize)
	for i, v := range decoded {
		if v != 0 {
			t.Fatalf("element %d: want 0, got %f", i, v)
		}
	}
}
