package exec

import (
	"math"
	"testing"

	"github.com/x448/float16"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

func float16Bits(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func quantNibble(v float32) byte {
	q := int(math.Round(float64(v))) + 8
	if q < 0 {
		q = 0
	}
	if q > 15 {
		q = 15
	}
	return byte(q)
}

// opHarness builds a single-node, single-op graph over the given buffers
// and returns the compiled segment and its device.
type opHarness struct {
	device  *CpuDevice
	segment DeviceSegment
}

func newOpHarness(t *testing.T, nBatches int, buffers []nn.BufferConfig, op nn.OpConfig) *opHarness {
	t.Helper()
	netConfig := nn.NetConfig{NBatches: nBatches, NNodes: 1}
	nodeConfig := nn.NodeConfig{
		NodeIndex: 0,
		Buffers:   buffers,
		Segments:  []nn.SegmentConfig{{Ops: []nn.OpConfig{op}}},
	}
	execution := NewExecution(1, &netConfig)
	device := NewCpuDevice(&netConfig, &nodeConfig, execution)
	segment, err := device.NewSegment(0)
	if err != nil {
		t.Fatal(err)
	}
	return &opHarness{device: device, segment: segment}
}

func (h *opHarness) setBuffer(index int, values []float32) {
	copy(bytesToFloats(h.device.Buffer(index)), values)
}

func (h *opHarness) buffer(index int) []float32 {
	return bytesToFloats(h.device.Buffer(index))
}

func almostEqual(a, b []float32, tolerance float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tolerance {
			return false
		}
	}
	return true
}

func TestMatmulF32(t *testing.T) {
	t.Parallel()

	buffers := []nn.BufferConfig{
		{Name: "in", Size: nn.Size2D(nn.F32, 1, 4)},
		{Name: "out", Size: nn.Size2D(nn.F32, 1, 3)},
	}
	h := newOpHarness(t, 1, buffers, nn.OpConfig{
		Code:       nn.OpMatmul,
		Name:       "matmul",
		Input:      nn.PointerBatch(nn.SrcBuffer, 0),
		Output:     nn.PointerBatch(nn.SrcBuffer, 1),
		WeightSize: nn.Size2D(nn.F32, 3, 4),
	})

	// 3 output rows of 4 input columns.
	weight := []float32{
		1, 0, 0, 0,
		0, 2, 0, 0,
		1, 1, 1, 1,
	}
	if err := h.segment.LoadWeight(0, 0, floatsToBytes(weight)); err != nil {
		t.Fatal(err)
	}
	h.setBuffer(0, []float32{1, 2, 3, 4})
	h.segment.Forward(0, 1, 0, 1)

	want := []float32{1, 4, 10}
	if got := h.buffer(1); !almostEqual(got, want, 1e-6) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMatmulQ40MatchesF32(t *testing.T) {
	t.Parallel()

	inDim := nn.QuantBlockSize * 2
	outDim := 4
	weightF32 := make([]float32, outDim*inDim)
	input := make([]float32, inDim)
	for i := range weightF32 {
		weightF32[i] = float32((i%17)-8) / 8.0
	}
	for i := range input {
		input[i] = float32((i%13)-6) / 6.0
	}
	weightQ40 := quantizeQ40ForTest(weightF32, inDim)

	buffers := []nn.BufferConfig{
		{Name: "in", Size: nn.Size2D(nn.F32, 1, inDim)},
		{Name: "out", Size: nn.Size2D(nn.F32, 1, outDim)},
	}
	h := newOpHarness(t, 1, buffers, nn.OpConfig{
		Code:       nn.OpMatmul,
		Name:       "matmul",
		Input:      nn.PointerBatch(nn.SrcBuffer, 0),
		Output:     nn.PointerBatch(nn.SrcBuffer, 1),
		WeightSize: nn.Size2D(nn.Q40, outDim, inDim),
	})
	if err := h.segment.LoadWeight(0, 0, weightQ40); err != nil {
		t.Fatal(err)
	}
	h.setBuffer(0, input)
	h.segment.Forward(0, 1, 0, 1)

	want := make([]float32, outDim)
	for o := 0; o < outDim; o++ {
		for i := 0; i < inDim; i++ {
			want[o] += input[i] * weightF32[o*inDim+i]
		}
	}
	if got := h.buffer(1); !almostEqual(got, want, 0.5) {
		t.Errorf("q40 matmul drifted: got %v, want %v", got, want)
	}
}

// quantizeQ40ForTest packs rows of f32 into the q40 block layout the
// kernel expects.
func quantizeQ40ForTest(values []float32, rowLen int) []byte {
	nRows := len(values) / rowLen
	rowBytes := nn.Q40.Bytes(rowLen)
	out := make([]byte, nRows*rowBytes)
	for r := 0; r < nRows; r++ {
		row := values[r*rowLen : (r+1)*rowLen]
		for blk := 0; blk < rowLen/nn.QuantBlockSize; blk++ {
			block := row[blk*nn.QuantBlockSize : (blk+1)*nn.QuantBlockSize]
			amax, maxVal := float32(0), float32(0)
			for _, v := range block {
				if a := float32(math.Abs(float64(v))); a > amax {
					amax = a
					maxVal = v
				}
			}
			scale := maxVal / -8.0
			inv := float32(0)
			if scale != 0 {
				inv = 1.0 / scale
			}
			dst := out[r*rowBytes+blk*nn.BlockQ40Bytes:]
			bits := float16Bits(scale)
			dst[0] = byte(bits)
			dst[1] = byte(bits >> 8)
			for j := 0; j < nn.QuantBlockSize/2; j++ {
				lo := quantNibble(block[j] * inv)
				hi := quantNibble(block[j+nn.QuantBlockSize/2] * inv)
				dst[2+j] = lo | hi<<4
			}
		}
	}
	return out
}

func TestInvRmsAndRmsNorm(t *testing.T) {
	t.Parallel()

	dim := 8
	buffers := []nn.BufferConfig{
		{Name: "x", Size: nn.Size2D(nn.F32, 1, dim)},
		{Name: "inv", Size: nn.Size2D(nn.F32, 1, 1)},
		{Name: "y", Size: nn.Size2D(nn.F32, 1, dim)},
	}
	hInv := newOpHarness(t, 1, buffers, nn.OpConfig{
		Code:   nn.OpInvRms,
		Name:   "inv_rms",
		Input:  nn.PointerBatch(nn.SrcBuffer, 0),
		Output: nn.PointerBatch(nn.SrcBuffer, 1),
		Params: nn.InvRmsParams{Epsilon: 1e-5, NColumns: 1},
	})
	x := []float32{1, -2, 3, -4, 5, -6, 7, -8}
	hInv.setBuffer(0, x)
	hInv.segment.Forward(0, 1, 0, 1)

	sum := float64(0)
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	wantInv := float32(1.0 / math.Sqrt(sum/float64(dim)+1e-5))
	if got := hInv.buffer(1)[0]; math.Abs(float64(got-wantInv)) > 1e-5 {
		t.Errorf("inv rms = %f, want %f", got, wantInv)
	}

	hNorm := newOpHarness(t, 1, buffers, nn.OpConfig{
		Code:       nn.OpRmsNorm,
		Name:       "rms_norm",
		Input:      nn.PointerBatch(nn.SrcBuffer, 0),
		Output:     nn.PointerBatch(nn.SrcBuffer, 2),
		WeightSize: nn.Size1D(nn.F32, dim),
		Params:     nn.RmsNormParams{InvRmsBufferIndex: 1, NColumns: 1},
	})
	weights := make([]float32, dim)
	for i := range weights {
		weights[i] = 2
	}
	if err := hNorm.segment.LoadWeight(0, 0, floatsToBytes(weights)); err != nil {
		t.Fatal(err)
	}
	hNorm.setBuffer(0, x)
	hNorm.buffer(1)[0] = wantInv
	hNorm.segment.Forward(0, 1, 0, 1)

	want := make([]float32, dim)
	for i := range want {
		want[i] = x[i] * wantInv * 2
	}
	if got := hNorm.buffer(2); !almostEqual(got, want, 1e-5) {
		t.Errorf("rms norm: got %v, want %v", got, want)
	}
}

func TestMergeAddAccumulatesSlots(t *testing.T) {
	t.Parallel()

	dim := 4
	nSlots := 3
	netConfig := nn.NetConfig{
		NBatches: 1,
		NNodes:   1,
		Pipes:    []nn.PipeConfig{{Name: "ZQ", Size: nn.Size2D(nn.F32, 1, dim*nSlots), Slicing: nn.SliceSlots}},
	}
	nodeConfig := nn.NodeConfig{
		Buffers: []nn.BufferConfig{{Name: "x", Size: nn.Size2D(nn.F32, 1, dim)}},
		Segments: []nn.SegmentConfig{{Ops: []nn.OpConfig{{
			Code:   nn.OpMergeAdd,
			Name:   "merge_add",
			Input:  nn.PointerBatch(nn.SrcPipe, 0),
			Output: nn.PointerBatch(nn.SrcBuffer, 0),
		}}}},
	}
	execution := NewExecution(1, &netConfig)
	device := NewCpuDevice(&netConfig, &nodeConfig, execution)
	segment, err := device.NewSegment(0)
	if err != nil {
		t.Fatal(err)
	}

	pipe := execution.PipeFloats(0)
	for s := 0; s < nSlots; s++ {
		for i := 0; i < dim; i++ {
			pipe[s*dim+i] = float32(s + 1)
		}
	}
	x := bytesToFloats(device.Buffer(0))
	for i := range x {
		x[i] = 10
	}
	segment.Forward(0, 1, 0, 1)

	// 10 + 1 + 2 + 3 per element.
	for i := range x {
		if x[i] != 16 {
			t.Fatalf("element %d: got %f, want 16", i, x[i])
		}
	}
}

func TestSoftmaxRow(t *testing.T) {
	t.Parallel()

	v := []float32{1, 2, 3, 4}
	softmaxInPlace(v)
	sum := float32(0)
	for i := 1; i < len(v); i++ {
		if v[i] <= v[i-1] {
			t.Errorf("softmax not monotone at %d", i)
		}
	}
	for _, p := range v {
		sum += p
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sums to %f", sum)
	}
}

func TestOpInitErrorForUnknownKernel(t *testing.T) {
	t.Parallel()

	// A SiLU op with an F32 input and a Q80 output has no registered kernel.
	netConfig := nn.NetConfig{NBatches: 1, NNodes: 1}
	nodeConfig := nn.NodeConfig{
		Buffers: []nn.BufferConfig{
			{Name: "in", Size: nn.Size2D(nn.F32, 1, nn.QuantBlockSize)},
			{Name: "out", Size: nn.Size2D(nn.Q80, 1, nn.QuantBlockSize)},
		},
		Segments: []nn.SegmentConfig{{Ops: []nn.OpConfig{{
			Code:   nn.OpSilu,
			Name:   "act",
			Input:  nn.PointerBatch(nn.SrcBuffer, 0),
			Output: nn.PointerBatch(nn.SrcBuffer, 1),
		}}}},
	}
	execution := NewExecution(1, &netConfig)
	device := NewCpuDevice(&netConfig, &nodeConfig, execution)
	if _, err := device.NewSegment(0); err == nil {
		t.Fatal("expected an op init error")
	}
}
