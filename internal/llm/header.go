package llm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// Model file layout: u32 magic, u32 header size (counting magic and the
// size field itself), then (key, value) s32 pairs, then the flat tensor
// stream. All integers little-endian.
const (
	ModelMagic = 0x0A00ABCD

	// Obsolete magics, rejected with a dedicated message.
	oldMagic1 = 0xABCD00
	oldMagic2 = 0xABCD01
)

// Header keys. The set is closed; an unknown key fails loading.
const (
	keyVersion = iota
	keyArchType
	keyDim
	keyHiddenDim
	keyNLayers
	keyNHeads
	keyNKvHeads
	keyNExperts
	keyNActiveExperts
	keyVocabSize
	keySeqLen
	keyHiddenAct
	keyRopeTheta
	keyWeightFloatType
	keyRopeScalingFactor
	keyRopeScalingLowFreqFactor
	keyRopeScalingHighFreqFactor
	keyRopeScalingOrigMaxSeqLen
	keyRopeType
	keyHeadDim
	keyNormEpsilon
	keyMoeHiddenDim
)

// ArchType identifies the transformer family.
type ArchType uint32

const (
	ArchLlama ArchType = iota + 1
	ArchQwen3
	ArchQwen3Moe
)

func (a ArchType) String() string {
	switch a {
	case ArchLlama:
		return "llama"
	case ArchQwen3:
		return "qwen3"
	case ArchQwen3Moe:
		return "qwen3-moe"
	}
	return fmt.Sprintf("arch(%d)", uint32(a))
}

// IsQwen reports whether the arch carries per-head Q/K norms.
func (a ArchType) IsQwen() bool {
	return a == ArchQwen3 || a == ArchQwen3Moe
}

// HiddenAct selects the FFN activation.
type HiddenAct uint32

const (
	ActGelu HiddenAct = iota
	ActSilu
)

// Header is the decoded model file header plus the derived dimensions the
// planner and graph builder consume.
type Header struct {
	Version        int
	ArchType       ArchType
	Dim            int
	HiddenDim      int
	NLayers        int
	NHeads         int
	NKvHeads       int
	NExperts       int
	NActiveExperts int
	VocabSize      int
	SeqLen         int
	OrigSeqLen     int
	HiddenAct      HiddenAct
	RopeTheta      float32
	WeightType     nn.FloatType
	RopeType       nn.RopeType
	HeadDim        int
	NormEpsilon    float32
	MoeHiddenDim   int

	RopeScalingFactor        float32
	RopeScalingLowFreq       float32
	RopeScalingHighFreq      float32
	RopeScalingOrigMaxSeqLen int

	HeaderSize int
	FileSize   int64

	// Derived.
	QDim     int
	KvDim    int
	SyncType nn.FloatType
}

// FfnDim is the feed-forward width a node shards: the MoE expert width
// for MoE models, the dense hidden dim otherwise.
func (h *Header) FfnDim() int {
	if h.ArchType == ArchQwen3Moe {
		return h.MoeHiddenDim
	}
	return h.HiddenDim
}

// Dims projects the header onto the planner's input.
func (h *Header) Dims() nn.ModelDims {
	return nn.ModelDims{
		NLayers:   h.NLayers,
		NHeads:    h.NHeads,
		NKvHeads:  h.NKvHeads,
		VocabSize: h.VocabSize,
		FfnDim:    h.FfnDim(),
		HiddenDim: h.Dim,
	}
}

func convertNormEpsilon(value int) (float32, error) {
	switch value {
	case 5:
		return 1e-5, nil
	case 6:
		return 1e-6, nil
	}
	return 0, fmt.Errorf("%w: unsupported norm epsilon code %d", nn.ErrUnsupportedModel, value)
}

// LoadHeader decodes the header of the model file at path. maxSeqLen
// caps the context length when positive; syncType is the float type of
// inter-node transfers.
func LoadHeader(path string, maxSeqLen int, syncType nn.FloatType) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open model file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var prefix [8]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: cannot read model prefix: %v", nn.ErrUnsupportedModel, err)
	}
	magic := binary.LittleEndian.Uint32(prefix[:4])
	if magic == oldMagic1 || magic == oldMagic2 {
		return nil, fmt.Errorf("%w: old model format is not supported", nn.ErrUnsupportedModel)
	}
	if magic != ModelMagic {
		return nil, fmt.Errorf("%w: unsupported magic number %#x", nn.ErrUnsupportedModel, magic)
	}
	headerSize := int(binary.LittleEndian.Uint32(prefix[4:]))
	if headerSize < 8 || (headerSize-8)%8 != 0 {
		return nil, fmt.Errorf("%w: malformed header size %d", nn.ErrUnsupportedModel, headerSize)
	}

	kvBytes := make([]byte, headerSize-8)
	if _, err := io.ReadFull(f, kvBytes); err != nil {
		return nil, fmt.Errorf("%w: cannot read header values: %v", nn.ErrUnsupportedModel, err)
	}

	h := &Header{
		HiddenAct:         ActSilu,
		RopeType:          nn.RopeLlama,
		RopeTheta:         10000.0,
		RopeScalingFactor: 1.0,
		NormEpsilon:       1e-5,
		HeaderSize:        headerSize,
		SyncType:          syncType,
	}
	for off := 0; off < len(kvBytes); off += 8 {
		key := int(int32(binary.LittleEndian.Uint32(kvBytes[off:])))
		value := int(int32(binary.LittleEndian.Uint32(kvBytes[off+4:])))
		switch key {
		case keyVersion:
			h.Version = value
		case keyArchType:
			h.ArchType = ArchType(value)
		case keyDim:
			h.Dim = value
		case keyHiddenDim:
			h.HiddenDim = value
		case keyNLayers:
			h.NLayers = value
		case keyNHeads:
			h.NHeads = value
		case keyNKvHeads:
			h.NKvHeads = value
		case keyNExperts:
			h.NExperts = value
		case keyNActiveExperts:
			h.NActiveExperts = value
		case keyVocabSize:
			h.VocabSize = value
		case keySeqLen:
			h.SeqLen = value
		case keyHiddenAct:
			h.HiddenAct = HiddenAct(value)
		case keyRopeTheta:
			h.RopeTheta = float32(value)
		case keyWeightFloatType:
			h.WeightType = nn.FloatType(value)
		case keyRopeScalingFactor:
			h.RopeScalingFactor = float32(value)
		case keyRopeScalingLowFreqFactor:
			h.RopeScalingLowFreq = float32(value)
		case keyRopeScalingHighFreqFactor:
			h.RopeScalingHighFreq = float32(value)
		case keyRopeScalingOrigMaxSeqLen:
			h.RopeScalingOrigMaxSeqLen = value
		case keyRopeType:
			h.RopeType = nn.RopeType(value)
		case keyHeadDim:
			h.HeadDim = value
		case keyNormEpsilon:
			if h.NormEpsilon, err = convertNormEpsilon(value); err != nil {
				return nil, err
			}
		case keyMoeHiddenDim:
			h.MoeHiddenDim = value
		default:
			return nil, fmt.Errorf("%w: unsupported header key %d", nn.ErrUnsupportedModel, key)
		}
	}

	if h.WeightType == nn.FloatUnknown {
		return nil, fmt.Errorf("%w: model does not specify a weight type", nn.ErrUnsupportedModel)
	}
	h.OrigSeqLen = h.SeqLen
	if maxSeqLen > 0 && h.SeqLen > maxSeqLen {
		h.SeqLen = maxSeqLen
	}
	if h.HeadDim == 0 {
		h.HeadDim = h.Dim / h.NHeads
	}
	h.QDim = h.HeadDim * h.NHeads
	h.KvDim = h.HeadDim * h.NKvHeads
	if h.ArchType.IsQwen() {
		h.RopeType = nn.RopeFalcon
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat model file: %w", err)
	}
	h.FileSize = stat.Size()
	return h, nil
}
