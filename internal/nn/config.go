package nn

import "fmt"

// OpCode is the closed set of graph operations.
type OpCode uint32

const (
	OpEmbedding OpCode = iota
	OpMergeAdd
	OpMergeSum
	OpInvRms
	OpRmsNorm
	OpMatmul
	OpRope
	OpMultiheadAtt
	OpSilu
	OpGelu
	OpMul
	OpScale
	OpCast
	OpRepeatZ
	OpShift
	OpSoftmax
	OpMoeGate

	NOpCodes = int(OpMoeGate) + 1
)

func (c OpCode) String() string {
	switch c {
	case OpEmbedding:
		return "EMBEDDING"
	case OpMergeAdd:
		return "MERGE_ADD"
	case OpMergeSum:
		return "MERGE_SUM"
	case OpInvRms:
		return "INV_RMS"
	case OpRmsNorm:
		return "RMS_NORM"
	case OpMatmul:
		return "MATMUL"
	case OpRope:
		return "ROPE"
	case OpMultiheadAtt:
		return "MULTIHEAD_ATT"
	case OpSilu:
		return "SILU"
	case OpGelu:
		return "GELU"
	case OpMul:
		return "MUL"
	case OpScale:
		return "SCALE"
	case OpCast:
		return "CAST"
	case OpRepeatZ:
		return "REPEAT_Z"
	case OpShift:
		return "SHIFT"
	case OpSoftmax:
		return "SOFTMAX"
	case OpMoeGate:
		return "MOE_GATE"
	}
	return fmt.Sprintf("opCode(%d)", uint32(c))
}

// PointerSource selects whether an op operand lives in a shared pipe or a
// node-local buffer.
type PointerSource uint32

const (
	SrcPipe PointerSource = iota
	SrcBuffer
)

// PointerType selects how an operand is addressed per batch row.
type PointerType uint32

const (
	// PntrRaw addresses the whole tensor.
	PntrRaw PointerType = iota
	// PntrBatch addresses one row per batch index.
	PntrBatch
	// PntrBatchedSlice addresses this node's slice of each batch row,
	// offset by the matching dimension split.
	PntrBatchedSlice
)

// PointerConfig locates one op operand.
type PointerConfig struct {
	Source PointerSource
	Index  int
	Type   PointerType
}

func PointerRaw(source PointerSource, index int) PointerConfig {
	return PointerConfig{Source: source, Index: index, Type: PntrRaw}
}

func PointerBatch(source PointerSource, index int) PointerConfig {
	return PointerConfig{Source: source, Index: index, Type: PntrBatch}
}

func PointerBatchedSlice(source PointerSource, index int) PointerConfig {
	return PointerConfig{Source: source, Index: index, Type: PntrBatchedSlice}
}

// Continuous reports whether the operand's batch rows are contiguous in
// memory (sliced operands are not).
func (p PointerConfig) Continuous() bool {
	return p.Type == PntrRaw || p.Type == PntrBatch
}

// SyncType is the communication pattern a sync directive performs.
type SyncType uint32

const (
	// SyncWithRoot broadcasts the full pipe from the group root.
	SyncWithRoot SyncType = iota
	// SyncNodeSlices all-gathers: every node sends its slice to every peer.
	SyncNodeSlices
	// SyncNodeSlicesExceptRoot gathers worker slices at the root only.
	SyncNodeSlicesExceptRoot
	// SyncPpSend sends the pipe from this stage's root to the next stage's root.
	SyncPpSend
	// SyncPpRecv receives the pipe from the prior stage's root.
	SyncPpRecv
)

func (t SyncType) String() string {
	switch t {
	case SyncWithRoot:
		return "WITH_ROOT"
	case SyncNodeSlices:
		return "NODE_SLICES"
	case SyncNodeSlicesExceptRoot:
		return "NODE_SLICES_EXCEPT_ROOT"
	case SyncPpSend:
		return "PP_SEND"
	case SyncPpRecv:
		return "PP_RECV"
	}
	return fmt.Sprintf("syncType(%d)", uint32(t))
}

// PipeSlicing selects how a pipe row is carved across nodes by sliced
// pointers and the NODE_SLICES sync family.
type PipeSlicing uint32

const (
	// SliceAuto matches the row against the plan's dimension splits
	// (vocab, ffn, dim, head, kv-head, in that order) and falls back to a
	// uniform carve.
	SliceAuto PipeSlicing = iota
	// SliceSlots gives every global node one equal full-width slot. Used
	// by the reduction pipe, whose per-node contributions are full-width
	// partials to be summed, not dimension slices.
	SliceSlots
)

// PipeConfig declares a named inter-node shared buffer.
type PipeConfig struct {
	Name    string
	Size    Size
	Slicing PipeSlicing
}

// BufferConfig declares a named node-local scratch buffer.
type BufferConfig struct {
	Name string
	Size Size
}

// OpParams carries the typed per-op parameters. Concrete types are listed
// below; an op with no parameters uses nil.
type OpParams interface{ opParams() }

type InvRmsParams struct {
	Epsilon  float32
	NColumns int
}

type RmsNormParams struct {
	InvRmsBufferIndex int
	NColumns          int
}

type MatmulParams struct {
	NExperts           int
	NActiveExperts     int
	ExpertsBufferIndex int
}

type RopeParams struct {
	Type                 RopeType
	IsQ                  bool
	PositionPipeIndex    int
	RopeCacheBufferIndex int
	ScalingFactor        float32
	ScalingLowFreq       float32
	ScalingHighFreq      float32
	ScalingOrigMaxSeqLen int
	Slice                RopeSlice
}

type MultiheadAttParams struct {
	NHeads                int
	NHeads0               int
	NKvHeads              int
	HeadDim               int
	SeqLen                int
	QSliceD0              int
	KvDim0                int
	PositionPipeIndex     int
	QueryBufferIndex      int
	KeyCacheBufferIndex   int
	ValueCacheBufferIndex int
	AttBufferIndex        int
}

type MulParams struct {
	MultiplierBufferIndex int
}

type ScaleParams struct {
	ScaleBufferIndex int
}

type ShiftParams struct {
	IndexPipeIndex int
}

type MoeGateParams struct {
	K                  int
	NormTopk           bool
	IndexesBufferIndex int
}

func (InvRmsParams) opParams()       {}
func (RmsNormParams) opParams()      {}
func (MatmulParams) opParams()       {}
func (RopeParams) opParams()         {}
func (MultiheadAttParams) opParams() {}
func (MulParams) opParams()          {}
func (ScaleParams) opParams()        {}
func (ShiftParams) opParams()        {}
func (MoeGateParams) opParams()      {}

// OpConfig declares one graph operation.
type OpConfig struct {
	Code       OpCode
	Name       string
	Index      int
	Input      PointerConfig
	Output     PointerConfig
	WeightSize Size
	Params     OpParams
}

// SyncConfig declares one sync directive on a pipe.
type SyncConfig struct {
	PipeIndex int
	SyncType  SyncType
}

// SegmentConfig is an ordered op sequence followed by an ordered sync
// sequence. All ops complete before any sync fires; all syncs complete
// before the next segment starts.
type SegmentConfig struct {
	Ops   []OpConfig
	Syncs []SyncConfig
}

// NetConfig declares the cluster-global execution shape: batches, nodes
// and the shared pipes.
type NetConfig struct {
	NBatches int
	NNodes   int
	Pipes    []PipeConfig
	PreSyncs []int // pipe indices replicated by control, not by directives
}

// NodeConfig is one node's executable graph. Plan is a non-owning
// reference valid for the lifetime of a single inference session.
type NodeConfig struct {
	NodeIndex int
	Buffers   []BufferConfig
	Segments  []SegmentConfig
	Plan      *PartitionPlan
}

// NetConfigBuilder accumulates the cluster-global config.
type NetConfigBuilder struct {
	config NetConfig
}

func NewNetConfigBuilder(nNodes, nBatches int) *NetConfigBuilder {
	return &NetConfigBuilder{config: NetConfig{NBatches: nBatches, NNodes: nNodes}}
}

func (b *NetConfigBuilder) AddPipe(name string, size Size) int {
	b.config.Pipes = append(b.config.Pipes, PipeConfig{Name: name, Size: size})
	return len(b.config.Pipes) - 1
}

func (b *NetConfigBuilder) AddSlottedPipe(name string, size Size) int {
	b.config.Pipes = append(b.config.Pipes, PipeConfig{Name: name, Size: size, Slicing: SliceSlots})
	return len(b.config.Pipes) - 1
}

func (b *NetConfigBuilder) AddPreSync(pipeIndex int) {
	b.config.PreSyncs = append(b.config.PreSyncs, pipeIndex)
}

func (b *NetConfigBuilder) Build() NetConfig {
	return b.config
}

// NodeConfigBuilder accumulates one node's buffers and segments.
type NodeConfigBuilder struct {
	config NodeConfig
}

func NewNodeConfigBuilder(nodeIndex int) *NodeConfigBuilder {
	return &NodeConfigBuilder{config: NodeConfig{NodeIndex: nodeIndex}}
}

func (b *NodeConfigBuilder) AddBuffer(name string, size Size) int {
	b.config.Buffers = append(b.config.Buffers, BufferConfig{Name: name, Size: size})
	return len(b.config.Buffers) - 1
}

func (b *NodeConfigBuilder) AddSegment(segment SegmentConfig) {
	b.config.Segments = append(b.config.Segments, segment)
}

func (b *NodeConfigBuilder) Build() NodeConfig {
	return b.config
}

// SegmentBuilder accumulates one segment's ops and syncs.
type SegmentBuilder struct {
	segment SegmentConfig
}

func (b *SegmentBuilder) AddOp(code OpCode, name string, index int, input, output PointerConfig, weightSize Size, params OpParams) {
	b.segment.Ops = append(b.segment.Ops, OpConfig{
		Code:       code,
		Name:       name,
		Index:      index,
		Input:      input,
		Output:     output,
		WeightSize: weightSize,
		Params:     params,
	})
}

func (b *SegmentBuilder) AddSync(pipeIndex int, syncType SyncType) {
	b.segment.Syncs = append(b.segment.Syncs, SyncConfig{PipeIndex: pipeIndex, SyncType: syncType})
}

func (b *SegmentBuilder) Build() SegmentConfig {
	return b.segment
}
