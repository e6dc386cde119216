package netsync

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// The config push serializes NetConfig and NodeConfig field by field in
// declaration order, strings length-prefixed, each config ack-bracketed.
// All integers are little-endian u32 unless noted.

type wireWriter struct {
	buf bytes.Buffer
}

func (w *wireWriter) u32(v int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *wireWriter) f32(v float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	w.buf.Write(b[:])
}

func (w *wireWriter) boolean(v bool) {
	if v {
		w.u32(1)
	} else {
		w.u32(0)
	}
}

func (w *wireWriter) str(s string) {
	payload := append([]byte(s), 0)
	w.u32(len(payload))
	w.buf.Write(payload)
}

func (w *wireWriter) size(s nn.Size) {
	w.u32(int(s.FloatType))
	w.u32(s.Z)
	w.u32(s.Y)
	w.u32(s.X)
}

func (w *wireWriter) pointer(p nn.PointerConfig) {
	w.u32(int(p.Source))
	w.u32(p.Index)
	w.u32(int(p.Type))
}

type wireReader struct {
	buf *bytes.Reader
}

func (r *wireReader) u32() (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, transferErr(err)
	}
	return int(binary.LittleEndian.Uint32(b[:])), nil
}

func (r *wireReader) f32() (float32, error) {
	v, err := r.u32()
	return math.Float32frombits(uint32(v)), err
}

func (r *wireReader) boolean() (bool, error) {
	v, err := r.u32()
	return v != 0, err
}

func (r *wireReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.buf, payload); err != nil {
		return "", transferErr(err)
	}
	return string(trimNul(payload)), nil
}

func (r *wireReader) size() (nn.Size, error) {
	t, err := r.u32()
	if err != nil {
		return nn.Size{}, err
	}
	z, err := r.u32()
	if err != nil {
		return nn.Size{}, err
	}
	y, err := r.u32()
	if err != nil {
		return nn.Size{}, err
	}
	x, err := r.u32()
	if err != nil {
		return nn.Size{}, err
	}
	if nn.FloatType(t) == nn.FloatUnknown {
		return nn.Size{FloatType: nn.FloatUnknown}, nil
	}
	return nn.Size3D(nn.FloatType(t), z, y, x), nil
}

func (r *wireReader) pointer() (nn.PointerConfig, error) {
	source, err := r.u32()
	if err != nil {
		return nn.PointerConfig{}, err
	}
	index, err := r.u32()
	if err != nil {
		return nn.PointerConfig{}, err
	}
	typ, err := r.u32()
	if err != nil {
		return nn.PointerConfig{}, err
	}
	return nn.PointerConfig{Source: nn.PointerSource(source), Index: index, Type: nn.PointerType(typ)}, nil
}

// Op params carry a leading type tag.
const (
	paramsNone = iota
	paramsInvRms
	paramsRmsNorm
	paramsMatmul
	paramsRope
	paramsMultiheadAtt
	paramsMul
	paramsScale
	paramsShift
	paramsMoeGate
)

func (w *wireWriter) params(p nn.OpParams) {
	switch v := p.(type) {
	case nil:
		w.u32(paramsNone)
	case nn.InvRmsParams:
		w.u32(paramsInvRms)
		w.f32(v.Epsilon)
		w.u32(v.NColumns)
	case nn.RmsNormParams:
		w.u32(paramsRmsNorm)
		w.u32(v.InvRmsBufferIndex)
		w.u32(v.NColumns)
	case nn.MatmulParams:
		w.u32(paramsMatmul)
		w.u32(v.NExperts)
		w.u32(v.NActiveExperts)
		w.u32(v.ExpertsBufferIndex)
	case nn.RopeParams:
		w.u32(paramsRope)
		w.u32(int(v.Type))
		w.boolean(v.IsQ)
		w.u32(v.PositionPipeIndex)
		w.u32(v.RopeCacheBufferIndex)
		w.f32(v.ScalingFactor)
		w.f32(v.ScalingLowFreq)
		w.f32(v.ScalingHighFreq)
		w.u32(v.ScalingOrigMaxSeqLen)
		w.ropeSlice(v.Slice)
	case nn.MultiheadAttParams:
		w.u32(paramsMultiheadAtt)
		w.u32(v.NHeads)
		w.u32(v.NHeads0)
		w.u32(v.NKvHeads)
		w.u32(v.HeadDim)
		w.u32(v.SeqLen)
		w.u32(v.QSliceD0)
		w.u32(v.KvDim0)
		w.u32(v.PositionPipeIndex)
		w.u32(v.QueryBufferIndex)
		w.u32(v.KeyCacheBufferIndex)
		w.u32(v.ValueCacheBufferIndex)
		w.u32(v.AttBufferIndex)
	case nn.MulParams:
		w.u32(paramsMul)
		w.u32(v.MultiplierBufferIndex)
	case nn.ScaleParams:
		w.u32(paramsScale)
		w.u32(v.ScaleBufferIndex)
	case nn.ShiftParams:
		w.u32(paramsShift)
		w.u32(v.IndexPipeIndex)
	case nn.MoeGateParams:
		w.u32(paramsMoeGate)
		w.u32(v.K)
		w.boolean(v.NormTopk)
		w.u32(v.IndexesBufferIndex)
	default:
		panic(fmt.Sprintf("netsync: unknown op params %T", p))
	}
}

func (w *wireWriter) ropeSlice(s nn.RopeSlice) {
	w.u32(s.QDimStart)
	w.u32(s.QDimLen)
	w.u32(s.QShift)
	w.u32(s.KvDim)
	w.u32(s.KvDimStart)
	w.u32(s.KvDimLen)
	w.u32(s.SliceDim)
	w.u32(s.SeqLen)
	w.u32(s.HeadDim)
	w.u32(s.NKvHeads)
	w.f32(s.RopeTheta)
	w.size(s.CacheSize)
}

func (r *wireReader) ropeSlice() (nn.RopeSlice, error) {
	var s nn.RopeSlice
	var err error
	read := func(dst *int) {
		if err == nil {
			*dst, err = r.u32()
		}
	}
	read(&s.QDimStart)
	read(&s.QDimLen)
	read(&s.QShift)
	read(&s.KvDim)
	read(&s.KvDimStart)
	read(&s.KvDimLen)
	read(&s.SliceDim)
	read(&s.SeqLen)
	read(&s.HeadDim)
	read(&s.NKvHeads)
	if err != nil {
		return s, err
	}
	if s.RopeTheta, err = r.f32(); err != nil {
		return s, err
	}
	s.CacheSize, err = r.size()
	return s, err
}

func (r *wireReader) params() (nn.OpParams, error) {
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	switch tag {
	case paramsNone:
		return nil, nil
	case paramsInvRms:
		var p nn.InvRmsParams
		if p.Epsilon, err = r.f32(); err != nil {
			return nil, err
		}
		p.NColumns, err = r.u32()
		return p, err
	case paramsRmsNorm:
		var p nn.RmsNormParams
		if p.InvRmsBufferIndex, err = r.u32(); err != nil {
			return nil, err
		}
		p.NColumns, err = r.u32()
		return p, err
	case paramsMatmul:
		var p nn.MatmulParams
		if p.NExperts, err = r.u32(); err != nil {
			return nil, err
		}
		if p.NActiveExperts, err = r.u32(); err != nil {
			return nil, err
		}
		p.ExpertsBufferIndex, err = r.u32()
		return p, err
	case paramsRope:
		var p nn.RopeParams
		t, err := r.u32()
		if err != nil {
			return nil, err
		}
		p.Type = nn.RopeType(t)
		if p.IsQ, err = r.boolean(); err != nil {
			return nil, err
		}
		if p.PositionPipeIndex, err = r.u32(); err != nil {
			return nil, err
		}
		if p.RopeCacheBufferIndex, err = r.u32(); err != nil {
			return nil, err
		}
		if p.ScalingFactor, err = r.f32(); err != nil {
			return nil, err
		}
		if p.ScalingLowFreq, err = r.f32(); err != nil {
			return nil, err
		}
		if p.ScalingHighFreq, err = r.f32(); err != nil {
			return nil, err
		}
		if p.ScalingOrigMaxSeqLen, err = r.u32(); err != nil {
			return nil, err
		}
		p.Slice, err = r.ropeSlice()
		return p, err
	case paramsMultiheadAtt:
		var p nn.MultiheadAttParams
		fields := []*int{
			&p.NHeads, &p.NHeads0, &p.NKvHeads, &p.HeadDim, &p.SeqLen,
			&p.QSliceD0, &p.KvDim0, &p.PositionPipeIndex, &p.QueryBufferIndex,
			&p.KeyCacheBufferIndex, &p.ValueCacheBufferIndex, &p.AttBufferIndex,
		}
		for _, f := range fields {
			if *f, err = r.u32(); err != nil {
				return nil, err
			}
		}
		return p, nil
	case paramsMul:
		var p nn.MulParams
		p.MultiplierBufferIndex, err = r.u32()
		return p, err
	case paramsScale:
		var p nn.ScaleParams
		p.ScaleBufferIndex, err = r.u32()
		return p, err
	case paramsShift:
		var p nn.ShiftParams
		p.IndexPipeIndex, err = r.u32()
		return p, err
	case paramsMoeGate:
		var p nn.MoeGateParams
		if p.K, err = r.u32(); err != nil {
			return nil, err
		}
		if p.NormTopk, err = r.boolean(); err != nil {
			return nil, err
		}
		p.IndexesBufferIndex, err = r.u32()
		return p, err
	}
	return nil, fmt.Errorf("%w: unknown op params tag %d", nn.ErrTransfer, tag)
}

// EncodeNetConfig and EncodeNodeConfig produce the wire form; the
// decoders are their exact inverses. Encoding is separated from socket
// I/O so round-trips are testable without a mesh.
func EncodeNetConfig(config *nn.NetConfig) []byte {
	var w wireWriter
	w.u32(config.NBatches)
	w.u32(config.NNodes)
	w.u32(len(config.Pipes))
	for _, pipe := range config.Pipes {
		w.size(pipe.Size)
		w.u32(int(pipe.Slicing))
		w.str(pipe.Name)
	}
	w.u32(len(config.PreSyncs))
	for _, pipeIndex := range config.PreSyncs {
		w.u32(pipeIndex)
	}
	return w.buf.Bytes()
}

func DecodeNetConfig(data []byte) (nn.NetConfig, error) {
	r := wireReader{buf: bytes.NewReader(data)}
	var config nn.NetConfig
	var err error
	if config.NBatches, err = r.u32(); err != nil {
		return config, err
	}
	if config.NNodes, err = r.u32(); err != nil {
		return config, err
	}
	nPipes, err := r.u32()
	if err != nil {
		return config, err
	}
	config.Pipes = make([]nn.PipeConfig, nPipes)
	for i := range config.Pipes {
		if config.Pipes[i].Size, err = r.size(); err != nil {
			return config, err
		}
		slicing, err := r.u32()
		if err != nil {
			return config, err
		}
		config.Pipes[i].Slicing = nn.PipeSlicing(slicing)
		if config.Pipes[i].Name, err = r.str(); err != nil {
			return config, err
		}
	}
	nPreSyncs, err := r.u32()
	if err != nil {
		return config, err
	}
	config.PreSyncs = make([]int, nPreSyncs)
	for i := range config.PreSyncs {
		if config.PreSyncs[i], err = r.u32(); err != nil {
			return config, err
		}
	}
	return config, nil
}

func EncodeNodeConfig(config *nn.NodeConfig) []byte {
	var w wireWriter
	w.u32(config.NodeIndex)
	w.u32(len(config.Buffers))
	w.u32(len(config.Segments))
	for _, buffer := range config.Buffers {
		w.size(buffer.Size)
		w.str(buffer.Name)
	}
	for _, segment := range config.Segments {
		w.u32(len(segment.Syncs))
		w.u32(len(segment.Ops))
		for _, sync := range segment.Syncs {
			w.u32(sync.PipeIndex)
			w.u32(int(sync.SyncType))
		}
		for _, op := range segment.Ops {
			w.u32(int(op.Code))
			w.u32(op.Index)
			w.size(op.WeightSize)
			w.str(op.Name)
			w.pointer(op.Input)
			w.pointer(op.Output)
			w.params(op.Params)
		}
	}
	return w.buf.Bytes()
}

func DecodeNodeConfig(data []byte) (nn.NodeConfig, error) {
	r := wireReader{buf: bytes.NewReader(data)}
	var config nn.NodeConfig
	var err error
	if config.NodeIndex, err = r.u32(); err != nil {
		return config, err
	}
	nBuffers, err := r.u32()
	if err != nil {
		return config, err
	}
	nSegments, err := r.u32()
	if err != nil {
		return config, err
	}
	config.Buffers = make([]nn.BufferConfig, nBuffers)
	config.Segments = make([]nn.SegmentConfig, nSegments)
	for i := range config.Buffers {
		if config.Buffers[i].Size, err = r.size(); err != nil {
			return config, err
		}
		if config.Buffers[i].Name, err = r.str(); err != nil {
			return config, err
		}
	}
	for i := range config.Segments {
		nSyncs, err := r.u32()
		if err != nil {
			return config, err
		}
		nOps, err := r.u32()
		if err != nil {
			return config, err
		}
		segment := &config.Segments[i]
		segment.Syncs = make([]nn.SyncConfig, nSyncs)
		segment.Ops = make([]nn.OpConfig, nOps)
		for j := range segment.Syncs {
			if segment.Syncs[j].PipeIndex, err = r.u32(); err != nil {
				return config, err
			}
			syncType, err := r.u32()
			if err != nil {
				return config, err
			}
			segment.Syncs[j].SyncType = nn.SyncType(syncType)
		}
		for j := range segment.Ops {
			op := &segment.Ops[j]
			code, err := r.u32()
			if err != nil {
				return config, err
			}
			op.Code = nn.OpCode(code)
			if op.Index, err = r.u32(); err != nil {
				return config, err
			}
			if op.WeightSize, err = r.size(); err != nil {
				return config, err
			}
			if op.Name, err = r.str(); err != nil {
				return config, err
			}
			if op.Input, err = r.pointer(); err != nil {
				return config, err
			}
			if op.Output, err = r.pointer(); err != nil {
				return config, err
			}
			if op.Params, err = r.params(); err != nil {
				return config, err
			}
		}
	}
	return config, nil
}

// RootConfigWriter pushes the net and node configs to every worker.
type RootConfigWriter struct {
	network *Network
}

func NewRootConfigWriter(network *Network) *RootConfigWriter {
	return &RootConfigWriter{network: network}
}

func (w *RootConfigWriter) writeBlob(socketIndex int, payload []byte) error {
	if err := w.network.WriteAck(socketIndex); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := w.network.Write(socketIndex, lenBuf[:]); err != nil {
		return err
	}
	if err := w.network.Write(socketIndex, payload); err != nil {
		return err
	}
	return w.network.ReadAck(socketIndex)
}

func (w *RootConfigWriter) WriteToWorkers(netConfig *nn.NetConfig, plan *nn.PartitionPlan, nodeConfigs []nn.NodeConfig) error {
	netPayload := EncodeNetConfig(netConfig)
	planPayload := EncodePlan(plan)
	for nodeIndex := 1; nodeIndex < netConfig.NNodes; nodeIndex++ {
		socketIndex := nodeIndex - 1
		if err := w.writeBlob(socketIndex, netPayload); err != nil {
			return err
		}
		if err := w.writeBlob(socketIndex, planPayload); err != nil {
			return err
		}
		if err := w.writeBlob(socketIndex, EncodeNodeConfig(&nodeConfigs[nodeIndex])); err != nil {
			return err
		}
	}
	return nil
}

// WorkerConfigReader receives the configs pushed by the root.
type WorkerConfigReader struct {
	network *Network
}

func NewWorkerConfigReader(network *Network) *WorkerConfigReader {
	return &WorkerConfigReader{network: network}
}

func (r *WorkerConfigReader) readBlob() ([]byte, error) {
	if err := r.network.ReadAck(RootSocketIndex); err != nil {
		return nil, err
	}
	var lenBuf [4]byte
	if err := r.network.Read(RootSocketIndex, lenBuf[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if err := r.network.Read(RootSocketIndex, payload); err != nil {
		return nil, err
	}
	return payload, r.network.WriteAck(RootSocketIndex)
}

func (r *WorkerConfigReader) ReadNet() (nn.NetConfig, error) {
	payload, err := r.readBlob()
	if err != nil {
		return nn.NetConfig{}, err
	}
	return DecodeNetConfig(payload)
}

func (r *WorkerConfigReader) ReadPlan() (*nn.PartitionPlan, error) {
	payload, err := r.readBlob()
	if err != nil {
		return nil, err
	}
	return DecodePlan(payload)
}

func (r *WorkerConfigReader) ReadNode() (nn.NodeConfig, error) {
	payload, err := r.readBlob()
	if err != nil {
		return nn.NodeConfig{}, err
	}
	return DecodeNodeConfig(payload)
}

// EncodePlan serializes the partition plan pushed alongside the net
// config; workers need it to resolve slice offsets without re-deriving
// the topology from the model file.
func EncodePlan(plan *nn.PartitionPlan) []byte {
	var w wireWriter
	w.u32(plan.NNodes)
	w.u32(len(plan.Stages))
	for _, stage := range plan.Stages {
		w.u32(stage.StageIndex)
		w.u32(stage.StartLayer)
		w.u32(stage.EndLayer)
		w.u32(stage.NLayers)
		w.u32(stage.RootNode)
		w.u32(len(stage.NodeIndices))
		for _, node := range stage.NodeIndices {
			w.u32(node)
		}
	}
	for _, split := range []nn.DimSplit{plan.HeadSplit, plan.KvHeadSplit, plan.VocabSplit, plan.FfnSplit, plan.DimSplit} {
		for _, v := range split.Starts {
			w.u32(v)
		}
		for _, v := range split.Lengths {
			w.u32(v)
		}
	}
	return w.buf.Bytes()
}

func DecodePlan(data []byte) (*nn.PartitionPlan, error) {
	r := wireReader{buf: bytes.NewReader(data)}
	plan := &nn.PartitionPlan{}
	var err error
	if plan.NNodes, err = r.u32(); err != nil {
		return nil, err
	}
	nStages, err := r.u32()
	if err != nil {
		return nil, err
	}
	plan.Stages = make([]nn.StageConfig, nStages)
	for i := range plan.Stages {
		stage := &plan.Stages[i]
		fields := []*int{&stage.StageIndex, &stage.StartLayer, &stage.EndLayer, &stage.NLayers, &stage.RootNode}
		for _, f := range fields {
			if *f, err = r.u32(); err != nil {
				return nil, err
			}
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		stage.NNodes = n
		stage.NodeIndices = make([]int, n)
		for j := range stage.NodeIndices {
			if stage.NodeIndices[j], err = r.u32(); err != nil {
				return nil, err
			}
		}
	}
	for _, split := range []*nn.DimSplit{&plan.HeadSplit, &plan.KvHeadSplit, &plan.VocabSplit, &plan.FfnSplit, &plan.DimSplit} {
		split.Starts = make([]int, plan.NNodes)
		split.Lengths = make([]int, plan.NNodes)
		for i := range split.Starts {
			if split.Starts[i], err = r.u32(); err != nil {
				return nil, err
			}
		}
		for i := range split.Lengths {
			if split.Lengths[i], err = r.u32(); err != nil {
				return nil, err
			}
		}
	}
	return plan, nil
}
