package exec

import (
	"math"
	"sort"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// opForward runs one op for one thread of the fan-out. Kernels split work
// along batch rows or output rows; a thread with no share returns
// immediately so the join stays cheap.
type opForward func(nThreads, threadIndex, batchSize int, ctx *OpContext)

type opImpl struct {
	init    func(ctx *OpContext) error
	forward opForward
}

type opKey struct {
	code  nn.OpCode
	quant nn.OpQuantType
}

var cpuOps = map[opKey]opImpl{
	{nn.OpEmbedding, nn.F32F32F32}:    {forward: forwardEmbedding},
	{nn.OpMergeAdd, nn.F32F32F32}:     {forward: forwardMergeAddF32},
	{nn.OpMergeAdd, nn.Q80Q80F32}:     {forward: forwardMergeAddQ80},
	{nn.OpMergeSum, nn.F32F32F32}:     {forward: forwardMergeSum},
	{nn.OpInvRms, nn.F32F32F32}:       {forward: forwardInvRms},
	{nn.OpRmsNorm, nn.F32F32F32}:      {forward: forwardRmsNorm},
	{nn.OpMatmul, nn.F32F32F32}:       {forward: forwardMatmulF32},
	{nn.OpMatmul, nn.F32Q40F32}:       {forward: forwardMatmulQ40},
	{nn.OpRope, nn.F32F32F32}:         {init: initRope, forward: forwardRope},
	{nn.OpMultiheadAtt, nn.F32F32F32}: {forward: forwardMultiheadAtt},
	{nn.OpSilu, nn.F32F32F32}:         {forward: forwardSilu},
	{nn.OpGelu, nn.F32F32F32}:         {forward: forwardGelu},
	{nn.OpMul, nn.F32F32F32}:          {forward: forwardMul},
	{nn.OpScale, nn.F32F32F32}:        {forward: forwardScale},
	{nn.OpCast, nn.F32F32F32}:         {forward: forwardCastF32},
	{nn.OpCast, nn.F32F32Q80}:         {forward: forwardCastQ80},
	{nn.OpCast, nn.Q80Q80F32}:         {forward: forwardCastDequantQ80},
	{nn.OpRepeatZ, nn.F32F32F32}:      {forward: forwardRepeatZ},
	{nn.OpShift, nn.F32F32F32}:        {forward: forwardShift},
	{nn.OpSoftmax, nn.F32F32F32}:      {forward: forwardSoftmax},
	{nn.OpMoeGate, nn.F32F32F32}:      {forward: forwardMoeGate},
}

// batchShare gives thread t the half-open row range it owns of n rows.
func batchShare(n, nThreads, threadIndex int) (int, int) {
	per := (n + nThreads - 1) / nThreads
	start := threadIndex * per
	end := start + per
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	return start, end
}

func forwardEmbedding(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	dim := ctx.OutputSize.X
	weight := bytesToFloats(ctx.Weight)
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		token := int(bytesToFloats(ctx.Input[b])[0])
		row := weight[token*dim : (token+1)*dim]
		copy(bytesToFloats(ctx.Output[b]), row)
	}
}

func forwardMergeAddF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	outX := ctx.OutputSize.X
	nSlices := ctx.InputSize.X / outX
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		in := bytesToFloats(ctx.Input[b])
		out := bytesToFloats(ctx.Output[b])
		for s := 0; s < nSlices; s++ {
			slice := in[s*outX : (s+1)*outX]
			for i := range out {
				out[i] += slice[i]
			}
		}
	}
}

func forwardMergeAddQ80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	outX := ctx.OutputSize.X
	nSlices := ctx.InputSize.X / outX
	scratch := make([]float32, outX)
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		out := bytesToFloats(ctx.Output[b])
		for s := 0; s < nSlices; s++ {
			block := ctx.Input[b][s*nn.Q80.Bytes(outX) : (s+1)*nn.Q80.Bytes(outX)]
			dequantizeQ80Row(block, scratch, outX)
			for i := range out {
				out[i] += scratch[i]
			}
		}
	}
}

func forwardMergeSum(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	nZ := ctx.InputSize.Z
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		out := bytesToFloats(ctx.Output[b])
		for i := range out {
			out[i] = 0
		}
		for z := 0; z < nZ; z++ {
			in := bytesToFloats(ctx.Input[z*ctx.NBatches+b])
			for i := range out {
				out[i] += in[i]
			}
		}
	}
}

func forwardInvRms(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.InvRmsParams)
	colWidth := ctx.InputSize.X / params.NColumns
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		in := bytesToFloats(ctx.Input[b])
		out := bytesToFloats(ctx.Output[b])
		for c := 0; c < params.NColumns; c++ {
			col := in[c*colWidth : (c+1)*colWidth]
			sum := float32(0)
			for _, v := range col {
				sum += v * v
			}
			out[c] = 1.0 / float32(math.Sqrt(float64(sum/float32(colWidth))+float64(params.Epsilon)))
		}
	}
}

func forwardRmsNorm(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.RmsNormParams)
	colWidth := ctx.InputSize.X / params.NColumns
	weight := bytesToFloats(ctx.Weight)
	invRows := ctx.BufferConfigs[params.InvRmsBufferIndex].Size
	invBytes := invRows.FloatType.Bytes(invRows.X)
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		in := bytesToFloats(ctx.Input[b])
		out := bytesToFloats(ctx.Output[b])
		inv := bytesToFloats(ctx.Buffers[params.InvRmsBufferIndex][b*invBytes : (b+1)*invBytes])
		for c := 0; c < params.NColumns; c++ {
			for j := 0; j < colWidth; j++ {
				out[c*colWidth+j] = in[c*colWidth+j] * inv[c] * weight[j%len(weight)]
			}
		}
	}
}

// matmulExpert resolves which weight plane a z-plane of a MoE input uses.
func matmulExpert(ctx *OpContext, params nn.MatmulParams, z, b int) int {
	if params.NExperts == 0 {
		return 0
	}
	idxCfg := ctx.BufferConfigs[params.ExpertsBufferIndex].Size
	rowBytes := idxCfg.FloatType.Bytes(idxCfg.X)
	row := bytesToFloats(ctx.Buffers[params.ExpertsBufferIndex][b*rowBytes : (b+1)*rowBytes])
	return int(row[z])
}

func forwardMatmulF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params, _ := ctx.Params.(nn.MatmulParams)
	inX := ctx.InputSize.X
	outX := ctx.OutputSize.X
	weight := bytesToFloats(ctx.Weight)
	planeLen := outX * inX
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			in := bytesToFloats(ctx.Input[z*ctx.NBatches+b])
			out := bytesToFloats(ctx.Output[z*ctx.NBatches+b])
			w := weight[matmulExpert(ctx, params, z, b)*planeLen:]
			start, end := batchShare(outX, nThreads, threadIndex)
			for o := start; o < end; o++ {
				row := w[o*inX : (o+1)*inX]
				sum := float32(0)
				for i, v := range in {
					sum += v * row[i]
				}
				out[o] = sum
			}
		}
	}
}

func forwardMatmulQ40(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params, _ := ctx.Params.(nn.MatmulParams)
	inX := ctx.InputSize.X
	outX := ctx.OutputSize.X
	rowBytes := nn.Q40.Bytes(inX)
	planeBytes := outX * rowBytes
	var block [nn.QuantBlockSize]float32
	for z := 0; z < ctx.OutputSize.Z; z++ {
		for b := 0; b < batchSize; b++ {
			in := bytesToFloats(ctx.Input[z*ctx.NBatches+b])
			out := bytesToFloats(ctx.Output[z*ctx.NBatches+b])
			w := ctx.Weight[matmulExpert(ctx, params, z, b)*planeBytes:]
			start, end := batchShare(outX, nThreads, threadIndex)
			for o := start; o < end; o++ {
				row := w[o*rowBytes : (o+1)*rowBytes]
				sum := float32(0)
				for blk := 0; blk < inX/nn.QuantBlockSize; blk++ {
					dequantizeQ40Row(row[blk*nn.BlockQ40Bytes:(blk+1)*nn.BlockQ40Bytes], block[:], nn.QuantBlockSize)
					base := blk * nn.QuantBlockSize
					for j := 0; j < nn.QuantBlockSize; j++ {
						sum += in[base+j] * block[j]
					}
				}
				out[o] = sum
			}
		}
	}
}

func initRope(ctx *OpContext) error {
	params := ctx.Params.(nn.RopeParams)
	cache := bytesToFloats(ctx.Buffers[params.RopeCacheBufferIndex])
	nn.FillRopeCache(&params, cache)
	return nil
}

func forwardRope(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.RopeParams)
	slice := &params.Slice
	cache := bytesToFloats(ctx.Buffers[params.RopeCacheBufferIndex])
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		pos := ctx.PositionAt(params.PositionPipeIndex, b)
		v := bytesToFloats(ctx.Input[b])
		switch params.Type {
		case nn.RopeLlama, nn.RopeLlama31:
			shift := 0
			if params.IsQ {
				shift = slice.QShift
			}
			row := cache[pos*slice.SliceDim:]
			for i := 0; i+1 < len(v); i += 2 {
				fcr := row[i+shift]
				fci := row[i+shift+1]
				v0, v1 := v[i], v[i+1]
				v[i] = v0*fcr - v1*fci
				v[i+1] = v0*fci + v1*fcr
			}
		case nn.RopeFalcon:
			half := slice.HeadDim / 2
			row := cache[pos*slice.HeadDim:]
			for h := 0; h*slice.HeadDim < len(v); h++ {
				head := v[h*slice.HeadDim : (h+1)*slice.HeadDim]
				for j := 0; j < half; j++ {
					fcr := row[j]
					fci := row[j+half]
					v0, v1 := head[j], head[j+half]
					head[j] = v0*fcr - v1*fci
					head[j+half] = v0*fci + v1*fcr
				}
			}
		}
	}
}

func forwardMultiheadAtt(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.MultiheadAttParams)
	headDim := params.HeadDim
	nHeads0 := params.NHeads0
	gqaGroup := params.NHeads / params.NKvHeads
	invSqrt := float32(1.0 / math.Sqrt(float64(headDim)))

	qCfg := ctx.BufferConfigs[params.QueryBufferIndex].Size
	qRowBytes := qCfg.FloatType.Bytes(qCfg.X)
	attCfg := ctx.BufferConfigs[params.AttBufferIndex].Size
	attRowBytes := attCfg.FloatType.Bytes(attCfg.X)
	keyCache := bytesToFloats(ctx.Buffers[params.KeyCacheBufferIndex])
	valueCache := bytesToFloats(ctx.Buffers[params.ValueCacheBufferIndex])

	for b := 0; b < batchSize; b++ {
		pos := ctx.PositionAt(params.PositionPipeIndex, b)
		q := bytesToFloats(ctx.Buffers[params.QueryBufferIndex][b*qRowBytes : (b+1)*qRowBytes])
		att := bytesToFloats(ctx.Buffers[params.AttBufferIndex][b*attRowBytes : (b+1)*attRowBytes])
		out := bytesToFloats(ctx.Output[b])

		start, end := batchShare(nHeads0, nThreads, threadIndex)
		for h := start; h < end; h++ {
			qHead := q[h*headDim : (h+1)*headDim]
			kvOff := (h / gqaGroup) * headDim
			scores := att[h*params.SeqLen : h*params.SeqLen+pos+1]
			for t := 0; t <= pos; t++ {
				k := keyCache[t*params.KvDim0+kvOff : t*params.KvDim0+kvOff+headDim]
				sum := float32(0)
				for i := range qHead {
					sum += qHead[i] * k[i]
				}
				scores[t] = sum * invSqrt
			}
			softmaxInPlace(scores)

			oHead := out[h*headDim : (h+1)*headDim]
			for i := range oHead {
				oHead[i] = 0
			}
			for t := 0; t <= pos; t++ {
				v := valueCache[t*params.KvDim0+kvOff : t*params.KvDim0+kvOff+headDim]
				p := scores[t]
				for i := range oHead {
					oHead[i] += p * v[i]
				}
			}
		}
	}
}

func forwardSilu(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	forEachRow(nThreads, threadIndex, batchSize, ctx, func(_, out []float32) {
		for i, v := range out {
			out[i] = v / (1.0 + float32(math.Exp(float64(-v))))
		}
	})
}

func forwardGelu(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	const c = 0.797884560802865 // sqrt(2/pi)
	forEachRow(nThreads, threadIndex, batchSize, ctx, func(_, out []float32) {
		for i, v := range out {
			x := float64(v)
			out[i] = float32(0.5 * x * (1.0 + math.Tanh(c*(x+0.044715*x*x*x))))
		}
	})
}

// forEachRow applies fn to every (z, batch) row pair owned by the thread.
func forEachRow(nThreads, threadIndex, batchSize int, ctx *OpContext, fn func(in, out []float32)) {
	for z := 0; z < ctx.OutputSize.Z; z++ {
		start, end := batchShare(batchSize, nThreads, threadIndex)
		for b := start; b < end; b++ {
			fn(bytesToFloats(ctx.Input[z*ctx.NBatches+b]), bytesToFloats(ctx.Output[z*ctx.NBatches+b]))
		}
	}
}

func forwardMul(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.MulParams)
	mulCfg := ctx.BufferConfigs[params.MultiplierBufferIndex].Size
	rowBytes := mulCfg.FloatType.Bytes(mulCfg.X)
	for z := 0; z < ctx.OutputSize.Z; z++ {
		start, end := batchShare(batchSize, nThreads, threadIndex)
		for b := start; b < end; b++ {
			out := bytesToFloats(ctx.Output[z*ctx.NBatches+b])
			mul := bytesToFloats(ctx.Buffers[params.MultiplierBufferIndex][(z*mulCfg.Y+b)*rowBytes : (z*mulCfg.Y+b+1)*rowBytes])
			for i := range out {
				out[i] *= mul[i]
			}
		}
	}
}

func forwardScale(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.ScaleParams)
	scaleCfg := ctx.BufferConfigs[params.ScaleBufferIndex].Size
	for z := 0; z < ctx.OutputSize.Z; z++ {
		start, end := batchShare(batchSize, nThreads, threadIndex)
		for b := start; b < end; b++ {
			scales := bytesToFloats(ctx.Buffers[params.ScaleBufferIndex])
			s := scales[z*scaleCfg.Y+b]
			out := bytesToFloats(ctx.Output[z*ctx.NBatches+b])
			for i := range out {
				out[i] *= s
			}
		}
	}
}

func forwardCastF32(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	for z := 0; z < ctx.OutputSize.Z; z++ {
		start, end := batchShare(batchSize, nThreads, threadIndex)
		for b := start; b < end; b++ {
			copy(bytesToFloats(ctx.Output[z*ctx.NBatches+b]), bytesToFloats(ctx.Input[z*ctx.NBatches+b]))
		}
	}
}

func forwardCastQ80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	for z := 0; z < ctx.OutputSize.Z; z++ {
		start, end := batchShare(batchSize, nThreads, threadIndex)
		for b := start; b < end; b++ {
			in := bytesToFloats(ctx.Input[z*ctx.NBatches+b])
			quantizeQ80Row(in, ctx.Output[z*ctx.NBatches+b], len(in))
		}
	}
}

func forwardCastDequantQ80(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	for z := 0; z < ctx.OutputSize.Z; z++ {
		start, end := batchShare(batchSize, nThreads, threadIndex)
		for b := start; b < end; b++ {
			out := bytesToFloats(ctx.Output[z*ctx.NBatches+b])
			dequantizeQ80Row(ctx.Input[z*ctx.NBatches+b], out, len(out))
		}
	}
}

func forwardRepeatZ(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		in := bytesToFloats(ctx.Input[b])
		for z := 0; z < ctx.OutputSize.Z; z++ {
			copy(bytesToFloats(ctx.Output[z*ctx.NBatches+b]), in)
		}
	}
}

func forwardShift(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.ShiftParams)
	rowLen := ctx.InputSize.X
	out := bytesToFloats(ctx.Output[0])
	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		pos := ctx.PositionAt(params.IndexPipeIndex, b)
		copy(out[pos*rowLen:(pos+1)*rowLen], bytesToFloats(ctx.Input[b]))
	}
}

func softmaxInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	maxVal := v[0]
	for _, x := range v[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	sum := float32(0)
	for i, x := range v {
		e := float32(math.Exp(float64(x - maxVal)))
		v[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range v {
		v[i] /= sum
	}
}

func forwardSoftmax(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	forEachRow(nThreads, threadIndex, batchSize, ctx, func(_, out []float32) {
		softmaxInPlace(out)
	})
}

func forwardMoeGate(nThreads, threadIndex, batchSize int, ctx *OpContext) {
	params := ctx.Params.(nn.MoeGateParams)
	idxCfg := ctx.BufferConfigs[params.IndexesBufferIndex].Size
	idxRowBytes := idxCfg.FloatType.Bytes(idxCfg.X)

	start, end := batchShare(batchSize, nThreads, threadIndex)
	for b := start; b < end; b++ {
		probs := bytesToFloats(ctx.Input[b])
		order := make([]int, len(probs))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

		top := order[:params.K]
		total := float32(0)
		for _, e := range top {
			total += probs[e]
		}
		idxRow := bytesToFloats(ctx.Buffers[params.IndexesBufferIndex][b*idxRowBytes : (b+1)*idxRowBytes])
		for a, e := range top {
			idxRow[a] = float32(e)
			weight := probs[e]
			if params.NormTopk && total > 0 {
				weight /= total
			}
			bytesToFloats(ctx.Output[a*ctx.NBatches+b])[0] = weight
		}
	}
}
