package exec

import (
	"fmt"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// CpuDevice owns a node's scratch buffers and compiles graph segments
// into kernel invocations.
type CpuDevice struct {
	netConfig  *nn.NetConfig
	nodeConfig *nn.NodeConfig
	execution  *Execution
	buffers    [][]byte
}

func NewCpuDevice(netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, execution *Execution) *CpuDevice {
	buffers := make([][]byte, len(nodeConfig.Buffers))
	for i, cfg := range nodeConfig.Buffers {
		buffers[i] = make([]byte, cfg.Size.NBytes)
	}
	return &CpuDevice{
		netConfig:  netConfig,
		nodeConfig: nodeConfig,
		execution:  execution,
		buffers:    buffers,
	}
}

// Buffer exposes a scratch buffer for tests and the weight loaders.
func (d *CpuDevice) Buffer(index int) []byte {
	return d.buffers[index]
}

// OpContext is everything a kernel needs for one op: resolved operand
// rows, weight storage, and the shared buffer/pipe tables for indirect
// operands (position pipe, KV caches, gating buffers).
type OpContext struct {
	Name       string
	Index      int
	Params     nn.OpParams
	WeightSize nn.Size
	NBatches   int

	Pipes         [][]byte
	PipeConfigs   []nn.PipeConfig
	Buffers       [][]byte
	BufferConfigs []nn.BufferConfig

	Input      [][]byte
	InputSize  nn.Size
	Output     [][]byte
	OutputSize nn.Size

	Weight []byte
}

// PositionAt reads a batch row's position from the position pipe.
func (c *OpContext) PositionAt(pipeIndex, batchIndex int) int {
	return int(bytesToFloats(c.Pipes[pipeIndex])[batchIndex])
}

type cpuSegment struct {
	forwards []opForward
	contexts []OpContext
}

func (d *CpuDevice) NewSegment(segmentIndex int) (DeviceSegment, error) {
	segConfig := &d.nodeConfig.Segments[segmentIndex]
	seg := &cpuSegment{
		forwards: make([]opForward, len(segConfig.Ops)),
		contexts: make([]OpContext, len(segConfig.Ops)),
	}
	for opIndex := range segConfig.Ops {
		opConfig := &segConfig.Ops[opIndex]
		ctx := &seg.contexts[opIndex]
		ctx.Name = opConfig.Name
		ctx.Index = opConfig.Index
		ctx.Params = opConfig.Params
		ctx.WeightSize = opConfig.WeightSize
		ctx.NBatches = d.netConfig.NBatches
		ctx.Pipes = d.execution.Pipes
		ctx.PipeConfigs = d.netConfig.Pipes
		ctx.Buffers = d.buffers
		ctx.BufferConfigs = d.nodeConfig.Buffers

		ctx.Input, ctx.InputSize = d.resolvePointer(&opConfig.Input)
		ctx.Output, ctx.OutputSize = d.resolvePointer(&opConfig.Output)

		quant, err := nn.QuantTypeOf(ctx.InputSize.FloatType, opConfig.WeightSize.FloatType, ctx.OutputSize.FloatType)
		if err != nil {
			return nil, fmt.Errorf("op %s %d: %w", opConfig.Name, opConfig.Index, err)
		}
		impl, ok := cpuOps[opKey{opConfig.Code, quant}]
		if !ok {
			return nil, fmt.Errorf("%w: no CPU kernel for %s/%s (op %s %d)",
				nn.ErrOpInit, opConfig.Code, quant, opConfig.Name, opConfig.Index)
		}
		if opConfig.WeightSize.NBytes > 0 {
			ctx.Weight = make([]byte, opConfig.WeightSize.NBytes)
		}
		if impl.init != nil {
			if err := impl.init(ctx); err != nil {
				return nil, fmt.Errorf("op %s %d: %w", opConfig.Name, opConfig.Index, err)
			}
		}
		seg.forwards[opIndex] = impl.forward
	}
	return seg, nil
}

// resolvePointer expands an operand into per-row byte slices. Raw
// operands are one slice covering the whole tensor; batched operands get
// one slice per (z, batch) row; batched-slice operands are additionally
// narrowed to this node's span of the row.
func (d *CpuDevice) resolvePointer(cfg *nn.PointerConfig) ([][]byte, nn.Size) {
	var source []byte
	var sourceSize nn.Size
	var slicing nn.PipeSlicing

	switch cfg.Source {
	case nn.SrcBuffer:
		source = d.buffers[cfg.Index]
		sourceSize = d.nodeConfig.Buffers[cfg.Index].Size
	case nn.SrcPipe:
		source = d.execution.Pipes[cfg.Index]
		sourceSize = d.netConfig.Pipes[cfg.Index].Size
		slicing = d.netConfig.Pipes[cfg.Index].Slicing
	default:
		panic("exec: unsupported pointer source")
	}

	switch cfg.Type {
	case nn.PntrRaw:
		return [][]byte{source}, nn.Size1D(sourceSize.FloatType, sourceSize.Length)

	case nn.PntrBatch, nn.PntrBatchedSlice:
		if sourceSize.Y != d.netConfig.NBatches {
			panic(fmt.Sprintf("exec: batched operand has %d rows, net has %d batches",
				sourceSize.Y, d.netConfig.NBatches))
		}
		rowBytes := sourceSize.FloatType.Bytes(sourceSize.X)
		rows := make([][]byte, sourceSize.Z*sourceSize.Y)
		for z := 0; z < sourceSize.Z; z++ {
			for y := 0; y < sourceSize.Y; y++ {
				off := (z*sourceSize.Y + y) * rowBytes
				rows[z*sourceSize.Y+y] = source[off : off+rowBytes]
			}
		}
		size := sourceSize
		if cfg.Type == nn.PntrBatchedSlice {
			offset, length := nn.SpanOf(d.nodeConfig.Plan, slicing,
				d.nodeConfig.NodeIndex, d.netConfig.NNodes, sourceSize.X)
			offBytes := sourceSize.FloatType.Bytes(offset)
			lenBytes := sourceSize.FloatType.Bytes(length)
			for i := range rows {
				rows[i] = rows[i][offBytes : offBytes+lenBytes]
			}
			size = nn.Size3D(sourceSize.FloatType, sourceSize.Z, sourceSize.Y, length)
		}
		return rows, size
	}
	panic("exec: unsupported pointer type")
}

func (s *cpuSegment) LoadWeight(opIndex, offset int, data []byte) error {
	ctx := &s.contexts[opIndex]
	if offset+len(data) > len(ctx.Weight) {
		return fmt.Errorf("%w: weight write of %d bytes at %d exceeds %d allocated for op %s %d",
			nn.ErrWeightStreamMisaligned, len(data), offset, len(ctx.Weight), ctx.Name, ctx.Index)
	}
	copy(ctx.Weight[offset:], data)
	return nil
}

func (s *cpuSegment) Forward(opIndex, nThreads, threadIndex, batchSize int) {
	s.forwards[opIndex](nThreads, threadIndex, batchSize, &s.contexts[opIndex])
}
