package nn

import "fmt"

// RopeType selects the rotary embedding layout.
type RopeType uint32

const (
	RopeLlama RopeType = iota
	RopeFalcon
	RopeLlama31
)

// KvCacheSlice is one node's share of the per-layer KV cache.
type KvCacheSlice struct {
	KvStart   int
	KvLen     int
	KeySize   Size
	ValueSize Size
}

// SliceKvCache derives a node's KV cache slab from the plan's KV-head split.
func SliceKvCache(seqLen, headDim int, plan *PartitionPlan, nodeIndex int) KvCacheSlice {
	start := plan.KvHeadSplit.Starts[nodeIndex] * headDim
	length := plan.KvHeadSplit.Lengths[nodeIndex] * headDim
	return KvCacheSlice{
		KvStart:   start,
		KvLen:     length,
		KeySize:   Size2D(F32, seqLen, length),
		ValueSize: Size2D(F32, seqLen, length),
	}
}

// MultiHeadAttSlice is one node's share of the attention heads.
type MultiHeadAttSlice struct {
	HeadStart int
	HeadLen   int
	NHeads    int
	AttSize   Size
}

func SliceMultiHeadAtt(nBatches, nHeads, seqLen int, plan *PartitionPlan, nodeIndex int) MultiHeadAttSlice {
	start := plan.HeadSplit.Starts[nodeIndex]
	length := plan.HeadSplit.Lengths[nodeIndex]
	return MultiHeadAttSlice{
		HeadStart: start,
		HeadLen:   length,
		NHeads:    nHeads,
		AttSize:   Size2D(F32, nBatches, length*seqLen),
	}
}

// RowMatmulSlice is a row shard of a weight matrix: the node owns output
// rows [InStart, InStart+InLen) of a matrix whose input width is N.
// Row shards are contiguous on disk.
type RowMatmulSlice struct {
	Type      FloatType
	InStart   int
	InLen     int
	N         int
	Size      Size
	SliceSize Size
}

// SliceRowMatmulHeads shards a head-structured projection (Wq/Wk/Wv) by the
// given head split.
func SliceRowMatmulHeads(t FloatType, inDim, headDim int, split *DimSplit, outDim, nodeIndex int) RowMatmulSlice {
	start := split.Starts[nodeIndex] * headDim
	length := split.Lengths[nodeIndex] * headDim
	return RowMatmulSlice{
		Type:      t,
		InStart:   start,
		InLen:     length,
		N:         inDim,
		Size:      Size2D(t, inDim, outDim),
		SliceSize: Size2D(t, inDim, length),
	}
}

// SliceRowMatmulFfn shards W1/W3 by the plan's FFN split.
func SliceRowMatmulFfn(t FloatType, inDim, ffnDim int, plan *PartitionPlan, nodeIndex int) RowMatmulSlice {
	start := plan.FfnSplit.Starts[nodeIndex]
	length := plan.FfnSplit.Lengths[nodeIndex]
	return RowMatmulSlice{
		Type:      t,
		InStart:   start,
		InLen:     length,
		N:         inDim,
		Size:      Size2D(t, inDim, ffnDim),
		SliceSize: Size2D(t, inDim, length),
	}
}

// SliceRowMatmulLogits shards the lm-head by the plan's vocab split.
func SliceRowMatmulLogits(t FloatType, inDim, vocabSize int, plan *PartitionPlan, nodeIndex int) RowMatmulSlice {
	start := plan.VocabSplit.Starts[nodeIndex]
	length := plan.VocabSplit.Lengths[nodeIndex]
	return RowMatmulSlice{
		Type:      t,
		InStart:   start,
		InLen:     length,
		N:         inDim,
		Size:      Size2D(t, inDim, vocabSize),
		SliceSize: Size2D(t, inDim, length),
	}
}

// ColMatmulSlice is a column shard: the node owns input columns
// [OutStart, OutStart+OutLen) of every output row. Column shards are
// strided on disk.
type ColMatmulSlice struct {
	Type      FloatType
	OutStart  int
	OutLen    int
	N         int
	N0        int
	D         int
	Size      Size
	SliceSize Size
}

// SliceColMatmulAtt shards Wo by the plan's head split.
func SliceColMatmulAtt(t FloatType, inDimQ, outDim, headDim int, plan *PartitionPlan, nodeIndex int) ColMatmulSlice {
	start := plan.HeadSplit.Starts[nodeIndex] * headDim
	length := plan.HeadSplit.Lengths[nodeIndex] * headDim
	return ColMatmulSlice{
		Type:      t,
		OutStart:  start,
		OutLen:    length,
		N:         inDimQ,
		N0:        length,
		D:         outDim,
		Size:      Size2D(t, inDimQ, outDim),
		SliceSize: Size2D(t, length, outDim),
	}
}

// SliceColMatmulFfn shards W2 by the plan's FFN split.
func SliceColMatmulFfn(t FloatType, ffnDim, outDim int, plan *PartitionPlan, nodeIndex int) ColMatmulSlice {
	start := plan.FfnSplit.Starts[nodeIndex]
	length := plan.FfnSplit.Lengths[nodeIndex]
	return ColMatmulSlice{
		Type:      t,
		OutStart:  start,
		OutLen:    length,
		N:         ffnDim,
		N0:        length,
		D:         outDim,
		Size:      Size2D(t, ffnDim, outDim),
		SliceSize: Size2D(t, length, outDim),
	}
}

// RopeSlice carries the per-node dimensions RoPE and the attention kernel
// need. SliceDim spans from the node's KV start to its Q end so one cache
// covers both rotations.
type RopeSlice struct {
	QDimStart  int
	QDimLen    int
	QShift     int
	KvDim      int
	KvDimStart int
	KvDimLen   int
	SliceDim   int
	SeqLen     int
	HeadDim    int
	NKvHeads   int
	RopeTheta  float32
	CacheSize  Size
}

func SliceRope(ropeType RopeType, seqLen, kvDim, nKvHeads, headDim int, theta float32, plan *PartitionPlan, nodeIndex int) (RopeSlice, error) {
	s := RopeSlice{
		QDimStart:  plan.HeadSplit.Starts[nodeIndex] * headDim,
		QDimLen:    plan.HeadSplit.Lengths[nodeIndex] * headDim,
		KvDim:      kvDim,
		KvDimStart: plan.KvHeadSplit.Starts[nodeIndex] * headDim,
		KvDimLen:   plan.KvHeadSplit.Lengths[nodeIndex] * headDim,
		SeqLen:     seqLen,
		HeadDim:    headDim,
		NKvHeads:   nKvHeads,
		RopeTheta:  theta,
	}
	switch ropeType {
	case RopeLlama, RopeLlama31:
		s.QShift = s.QDimStart - s.KvDimStart
		s.SliceDim = (s.QDimStart + s.QDimLen) - s.KvDimStart
		if s.SliceDim%2 != 0 {
			return RopeSlice{}, fmt.Errorf("%w: odd rope slice dim %d on node %d",
				ErrUnsupportedModel, s.SliceDim, nodeIndex)
		}
		s.CacheSize = Size2D(F32, seqLen, s.SliceDim)
	case RopeFalcon:
		s.SliceDim = headDim
		s.CacheSize = Size2D(F32, seqLen, headDim)
	default:
		return RopeSlice{}, fmt.Errorf("%w: unsupported rope type %d", ErrUnsupportedModel, ropeType)
	}
	return s, nil
}
