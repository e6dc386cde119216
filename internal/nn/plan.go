package nn

import (
	"fmt"
	"math"
)

// DimAlignment is the alignment unit for the hidden, FFN, and vocab
// dimensions: shards must land on quantization block boundaries.
const DimAlignment = 32

// DimSplit records how one model dimension is carved across the cluster.
// Both slices are indexed by global node index. Within a stage the nodes
// of that stage together cover the full dimension; nodes outside the
// stage being filled keep their own stage's values.
type DimSplit struct {
	Starts  []int
	Lengths []int
}

// Total sums the lengths over every node.
func (s DimSplit) Total() int {
	total := 0
	for _, l := range s.Lengths {
		total += l
	}
	return total
}

// StageConfig describes one pipeline stage: a contiguous layer range owned
// by a tensor-parallel group of nodes.
type StageConfig struct {
	StageIndex  int
	StartLayer  int
	EndLayer    int // exclusive
	NLayers     int
	RootNode    int // first node of the stage
	NNodes      int
	NodeIndices []int
}

// Contains reports whether the stage owns the given global node index.
func (s *StageConfig) Contains(nodeIndex int) bool {
	for _, n := range s.NodeIndices {
		if n == nodeIndex {
			return true
		}
	}
	return false
}

// PartitionPlan is the static output of the planner: stage topology plus
// one DimSplit per sharded model dimension. It is immutable after
// construction and owned by the inference session.
type PartitionPlan struct {
	NNodes int
	Stages []StageConfig

	HeadSplit   DimSplit
	KvHeadSplit DimSplit
	VocabSplit  DimSplit
	FfnSplit    DimSplit
	DimSplit    DimSplit
}

// StageFor returns the stage owning nodeIndex, or nil if the plan has no
// stage covering it.
func (p *PartitionPlan) StageFor(nodeIndex int) *StageConfig {
	if p == nil {
		return nil
	}
	for i := range p.Stages {
		if p.Stages[i].Contains(nodeIndex) {
			return &p.Stages[i]
		}
	}
	return nil
}

// StageIndexFor returns the stage index owning nodeIndex, defaulting to 0.
func (p *PartitionPlan) StageIndexFor(nodeIndex int) int {
	if s := p.StageFor(nodeIndex); s != nil {
		return s.StageIndex
	}
	return 0
}

// ModelDims carries the global model dimensions the planner shards.
type ModelDims struct {
	NLayers   int
	NHeads    int
	NKvHeads  int
	VocabSize int
	FfnDim    int
	HiddenDim int
}

// NewPartitionPlan turns parsed stage definitions into a partition plan.
// Within each stage the TP ratios decide every dimension split; Q heads
// are always derived from the KV-head split so a GQA group never crosses
// nodes.
func NewPartitionPlan(stages []StageDef, dims ModelDims) (*PartitionPlan, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages defined", ErrBadTopology)
	}
	nNodes := 0
	for _, st := range stages {
		if len(st.TpRatios) == 0 {
			return nil, fmt.Errorf("%w: stage must have nodes", ErrBadTopology)
		}
		nNodes += len(st.TpRatios)
	}
	if dims.NKvHeads == 0 || dims.NHeads%dims.NKvHeads != 0 {
		return nil, fmt.Errorf("%w: nHeads (%d) must be divisible by nKvHeads (%d)",
			ErrUnsupportedModel, dims.NHeads, dims.NKvHeads)
	}
	if dims.NKvHeads < nNodes {
		return nil, fmt.Errorf("%w: too many nodes (%d) for %d KV heads",
			ErrUnsupportedModel, nNodes, dims.NKvHeads)
	}
	gqaGroup := dims.NHeads / dims.NKvHeads

	plan := &PartitionPlan{
		NNodes:      nNodes,
		Stages:      make([]StageConfig, len(stages)),
		HeadSplit:   newDimSplit(nNodes),
		KvHeadSplit: newDimSplit(nNodes),
		VocabSplit:  newDimSplit(nNodes),
		FfnSplit:    newDimSplit(nNodes),
		DimSplit:    newDimSplit(nNodes),
	}

	nodeOffset := 0
	layerOffset := 0
	for s, def := range stages {
		cfg := &plan.Stages[s]
		cfg.StageIndex = s
		cfg.StartLayer = layerOffset
		cfg.NLayers = def.NLayers
		cfg.EndLayer = layerOffset + def.NLayers
		cfg.NNodes = len(def.TpRatios)
		cfg.RootNode = nodeOffset
		cfg.NodeIndices = make([]int, cfg.NNodes)
		for i := range cfg.NodeIndices {
			cfg.NodeIndices[i] = nodeOffset + i
		}

		fillDimSplit(&plan.KvHeadSplit, nodeOffset, dims.NKvHeads, def.TpRatios, 1)
		for i := 0; i < cfg.NNodes; i++ {
			g := nodeOffset + i
			plan.HeadSplit.Starts[g] = plan.KvHeadSplit.Starts[g] * gqaGroup
			plan.HeadSplit.Lengths[g] = plan.KvHeadSplit.Lengths[g] * gqaGroup
		}
		fillDimSplit(&plan.FfnSplit, nodeOffset, dims.FfnDim, def.TpRatios, DimAlignment)
		fillDimSplit(&plan.DimSplit, nodeOffset, dims.HiddenDim, def.TpRatios, DimAlignment)
		// Only the last stage computes logits, but every stage gets a
		// vocab split so the loader can skip non-owned rows uniformly.
		fillDimSplit(&plan.VocabSplit, nodeOffset, dims.VocabSize, def.TpRatios, DimAlignment)

		nodeOffset += cfg.NNodes
		layerOffset += cfg.NLayers
	}

	for i := 0; i < nNodes; i++ {
		if plan.KvHeadSplit.Lengths[i] < 1 {
			return nil, fmt.Errorf("%w: node %d would own zero KV heads", ErrUnsupportedModel, i)
		}
	}
	return plan, nil
}

// UniformStages builds the stage definitions for the default partition:
// a single stage owning every layer, split evenly across nNodes.
func UniformStages(nNodes, nLayers int) []StageDef {
	ratios := make([]float64, nNodes)
	for i := range ratios {
		ratios[i] = 1
	}
	return []StageDef{{NLayers: nLayers, TpRatios: ratios}}
}

func newDimSplit(nNodes int) DimSplit {
	return DimSplit{
		Starts:  make([]int, nNodes),
		Lengths: make([]int, nNodes),
	}
}

// fillDimSplit allocates totalDim over the nodes of one stage, starting at
// global node index offset. Lengths round to the nearest multiple of align;
// the last node absorbs the rounding error so the stage always sums to
// totalDim. A node rounded to zero is bumped to one alignment unit.
// Dimensions too small to give every node an aligned share skip the
// alignment and split by plain rounding.
func fillDimSplit(split *DimSplit, offset, totalDim int, ratios []float64, align int) {
	ratioSum := 0.0
	for _, r := range ratios {
		ratioSum += r
	}
	if ratioSum < 1e-6 {
		panic("nn: ratio sum is too small")
	}
	if totalDim < len(ratios)*align {
		align = 1
	}

	start := 0
	remaining := totalDim
	for i, r := range ratios {
		g := offset + i
		split.Starts[g] = start

		var length int
		if i == len(ratios)-1 {
			length = remaining
		} else {
			length = int(math.Round(float64(totalDim) * (r / ratioSum)))
			if align > 1 {
				if rem := length % align; rem != 0 {
					if rem >= align/2 {
						length += align - rem
					} else if length > rem {
						length -= rem
					}
				}
			}
			// A node rounded to zero gets one unit of the effective
			// alignment (1 on the relaxed path) when the dimension can
			// afford it.
			if length == 0 && totalDim >= len(ratios)*align {
				length = align
			}
			if length > remaining {
				length = remaining
			}
		}
		split.Lengths[g] = length
		start += length
		remaining -= length
	}
}
