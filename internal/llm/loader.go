package llm

import (
	"fmt"

	"github.com/wansongcc/distributed-llama/internal/exec"
	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// WeightLoader abstracts where sliced weights go: straight into the local
// executor (shared-filesystem loading) or over sockets to the workers
// (legacy root distribution). Each method receives the full tensor bytes
// and returns the tensor's global size so the stream walk can advance.
type WeightLoader interface {
	// LoadAll feeds the whole tensor to this node only (embedding).
	LoadAll(opName string, opIndex int, data []byte) (int, error)
	// LoadReplicated feeds the whole tensor to every participating node
	// (norms, the MoE gate).
	LoadReplicated(opName string, opIndex int, data []byte) (int, error)
	// LoadRowShard distributes a row-sharded matrix.
	LoadRowShard(opName string, opIndex, expertIndex int, slicer func(nodeIndex int) nn.RowMatmulSlice, data []byte) (int, error)
	// LoadColShard distributes a column-sharded matrix.
	LoadColShard(opName string, opIndex, expertIndex int, slicer func(nodeIndex int) nn.ColMatmulSlice, data []byte) (int, error)
	// Finish flushes and releases any transfer state.
	Finish() error
}

// LocalLoader extracts this node's shards directly from the mapped model
// file. Row shards are contiguous on disk and feed the executor without
// an intermediate copy; column shards gather through scratch.
type LocalLoader struct {
	executor  *exec.Executor
	nodeIndex int
	temp      []byte
}

func NewLocalLoader(executor *exec.Executor, nodeIndex int) *LocalLoader {
	return &LocalLoader{executor: executor, nodeIndex: nodeIndex}
}

func (l *LocalLoader) LoadAll(opName string, opIndex int, data []byte) (int, error) {
	return len(data), l.executor.LoadWeight(opName, opIndex, 0, data)
}

func (l *LocalLoader) LoadReplicated(opName string, opIndex int, data []byte) (int, error) {
	return len(data), l.executor.LoadWeight(opName, opIndex, 0, data)
}

func (l *LocalLoader) LoadRowShard(opName string, opIndex, expertIndex int, slicer func(nodeIndex int) nn.RowMatmulSlice, data []byte) (int, error) {
	slice := slicer(l.nodeIndex)
	shard := slice.Shard()
	offset := expertIndex * slice.SliceSize.NBytes
	if err := l.executor.LoadWeight(opName, opIndex, offset, shard.View(data)); err != nil {
		return 0, err
	}
	return slice.Size.NBytes, nil
}

func (l *LocalLoader) LoadColShard(opName string, opIndex, expertIndex int, slicer func(nodeIndex int) nn.ColMatmulSlice, data []byte) (int, error) {
	slice := slicer(l.nodeIndex)
	shard := slice.Shard()
	if cap(l.temp) < shard.NBytes() {
		l.temp = make([]byte, shard.NBytes())
	}
	payload := l.temp[:shard.NBytes()]
	shard.Copy(payload, data)
	offset := expertIndex * slice.SliceSize.NBytes
	if err := l.executor.LoadWeight(opName, opIndex, offset, payload); err != nil {
		return 0, err
	}
	return slice.Size.NBytes, nil
}

func (l *LocalLoader) Finish() error {
	l.temp = nil
	return nil
}

// CalculateLayerBytes is the size of one layer's tensor section; the
// stream walk uses it both to skip non-owned layers and as a per-layer
// checksum.
func CalculateLayerBytes(h *Header) int {
	w := h.WeightType
	bytes := 0
	bytes += w.Bytes(h.Dim * h.QDim)
	bytes += w.Bytes(h.Dim*h.KvDim) * 2
	bytes += w.Bytes(h.QDim * h.Dim)

	ffDim := h.FfnDim()
	if h.NExperts > 0 {
		bytes += nn.F32.Bytes(h.NExperts * h.Dim)
		bytes += h.NExperts * (w.Bytes(h.Dim*ffDim)*2 + w.Bytes(ffDim*h.Dim))
	} else {
		bytes += w.Bytes(h.Dim*ffDim)*2 + w.Bytes(ffDim*h.Dim)
	}

	if h.ArchType.IsQwen() {
		bytes += nn.F32.Bytes(h.HeadDim) * 2
	}
	bytes += nn.F32.Bytes(h.Dim) * 2
	return bytes
}

// finalBytes is the final-norm plus lm-head section size.
func finalBytes(h *Header) int {
	return nn.F32.Bytes(h.Dim) + h.WeightType.Bytes(h.Dim*h.VocabSize)
}

// LoadWeights walks the model file's tensor stream once for one node,
// feeding owned tensors through the loader and skipping the rest. Every
// layer's consumed byte count is checked against CalculateLayerBytes.
func LoadWeights(file *ModelFile, h *Header, plan *nn.PartitionPlan, loader WeightLoader, nodeIndex int, log logger.Logger) error {
	embeddingBytes := nn.F32.Bytes(h.VocabSize * h.Dim)
	moeGateBytes := nn.F32.Bytes(h.NExperts * h.Dim)
	rmsNormBytes := nn.F32.Bytes(h.Dim)
	qkRmsNormBytes := nn.F32.Bytes(h.HeadDim)

	stage := plan.StageFor(nodeIndex)
	if stage == nil {
		return fmt.Errorf("%w: node %d has no stage in the plan", nn.ErrUnsupportedModel, nodeIndex)
	}
	startLayer, endLayer := stage.StartLayer, stage.EndLayer
	isFirstStage := stage.StageIndex == 0
	isLastStage := stage.StageIndex == len(plan.Stages)-1
	log.Info("loading weights",
		"node", nodeIndex, "startLayer", startLayer, "endLayer", endLayer)

	data := file.Data
	cursor := h.HeaderSize
	advance := func(n int, err error) error {
		if err != nil {
			return err
		}
		cursor += n
		return nil
	}
	tensor := func() []byte { return data[cursor:] }

	ffDim := h.FfnDim()
	layerBytes := CalculateLayerBytes(h)
	if int64(h.HeaderSize)+int64(h.NLayers)*int64(layerBytes)+int64(embeddingBytes)+int64(finalBytes(h)) != h.FileSize {
		return fmt.Errorf("%w: file holds %d bytes, layout expects %d",
			nn.ErrWeightStreamMisaligned,
			h.FileSize,
			int64(h.HeaderSize)+int64(h.NLayers)*int64(layerBytes)+int64(embeddingBytes)+int64(finalBytes(h)))
	}

	// Embedding: only the node running the embedding op keeps it.
	if isFirstStage && nodeIndex == 0 {
		if err := advance(loader.LoadAll("embedding", 0, tensor()[:embeddingBytes])); err != nil {
			return err
		}
	} else {
		cursor += embeddingBytes
	}

	rowSlicers := map[string]func(int) nn.RowMatmulSlice{
		"block_matmul_q": func(i int) nn.RowMatmulSlice {
			return nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.HeadSplit, h.QDim, i)
		},
		"block_matmul_k": func(i int) nn.RowMatmulSlice {
			return nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, i)
		},
		"block_matmul_v": func(i int) nn.RowMatmulSlice {
			return nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, i)
		},
		"block_matmul_w1": func(i int) nn.RowMatmulSlice {
			return nn.SliceRowMatmulFfn(h.WeightType, h.Dim, ffDim, plan, i)
		},
		"block_matmul_w3": func(i int) nn.RowMatmulSlice {
			return nn.SliceRowMatmulFfn(h.WeightType, h.Dim, ffDim, plan, i)
		},
		"final_matmul_logits": func(i int) nn.RowMatmulSlice {
			return nn.SliceRowMatmulLogits(h.WeightType, h.Dim, h.VocabSize, plan, i)
		},
	}
	colSlicers := map[string]func(int) nn.ColMatmulSlice{
		"block_matmul_wo": func(i int) nn.ColMatmulSlice {
			return nn.SliceColMatmulAtt(h.WeightType, h.QDim, h.Dim, h.HeadDim, plan, i)
		},
		"block_matmul_w2": func(i int) nn.ColMatmulSlice {
			return nn.SliceColMatmulFfn(h.WeightType, ffDim, h.Dim, plan, i)
		},
	}

	for layerIndex := 0; layerIndex < h.NLayers; layerIndex++ {
		if layerIndex < startLayer || layerIndex >= endLayer {
			cursor += layerBytes
			continue
		}
		layerStart := cursor

		if err := advance(loader.LoadRowShard("block_matmul_q", layerIndex, 0, rowSlicers["block_matmul_q"], tensor())); err != nil {
			return err
		}
		if err := advance(loader.LoadRowShard("block_matmul_k", layerIndex, 0, rowSlicers["block_matmul_k"], tensor())); err != nil {
			return err
		}
		if err := advance(loader.LoadRowShard("block_matmul_v", layerIndex, 0, rowSlicers["block_matmul_v"], tensor())); err != nil {
			return err
		}
		if err := advance(loader.LoadColShard("block_matmul_wo", layerIndex, 0, colSlicers["block_matmul_wo"], tensor())); err != nil {
			return err
		}

		if h.NExperts > 0 {
			if err := advance(loader.LoadReplicated("block_moe_gate", layerIndex, tensor()[:moeGateBytes])); err != nil {
				return err
			}
			for expert := 0; expert < h.NExperts; expert++ {
				if err := advance(loader.LoadRowShard("block_matmul_w1", layerIndex, expert, rowSlicers["block_matmul_w1"], tensor())); err != nil {
					return err
				}
				if err := advance(loader.LoadColShard("block_matmul_w2", layerIndex, expert, colSlicers["block_matmul_w2"], tensor())); err != nil {
					return err
				}
				if err := advance(loader.LoadRowShard("block_matmul_w3", layerIndex, expert, rowSlicers["block_matmul_w3"], tensor())); err != nil {
					return err
				}
			}
		} else {
			if err := advance(loader.LoadRowShard("block_matmul_w1", layerIndex, 0, rowSlicers["block_matmul_w1"], tensor())); err != nil {
				return err
			}
			if err := advance(loader.LoadColShard("block_matmul_w2", layerIndex, 0, colSlicers["block_matmul_w2"], tensor())); err != nil {
				return err
			}
			if err := advance(loader.LoadRowShard("block_matmul_w3", layerIndex, 0, rowSlicers["block_matmul_w3"], tensor())); err != nil {
				return err
			}
		}

		if h.ArchType.IsQwen() {
			if err := advance(loader.LoadReplicated("block_norm_q", layerIndex, tensor()[:qkRmsNormBytes])); err != nil {
				return err
			}
			if err := advance(loader.LoadReplicated("block_norm_k", layerIndex, tensor()[:qkRmsNormBytes])); err != nil {
				return err
			}
		}
		if err := advance(loader.LoadReplicated("block_norm_0", layerIndex, tensor()[:rmsNormBytes])); err != nil {
			return err
		}
		if err := advance(loader.LoadReplicated("block_norm_1", layerIndex, tensor()[:rmsNormBytes])); err != nil {
			return err
		}

		if consumed := cursor - layerStart; consumed != layerBytes {
			return fmt.Errorf("%w: layer %d consumed %d bytes, expected %d",
				nn.ErrWeightStreamMisaligned, layerIndex, consumed, layerBytes)
		}
	}

	if isLastStage {
		if err := advance(loader.LoadReplicated("final_norm", 0, tensor()[:rmsNormBytes])); err != nil {
			return err
		}
		if err := advance(loader.LoadRowShard("final_matmul_logits", 0, 0, rowSlicers["final_matmul_logits"], tensor())); err != nil {
			return err
		}
	} else {
		cursor += finalBytes(h)
	}

	if int64(cursor) != h.FileSize {
		return fmt.Errorf("%w: stream cursor drifted by %d bytes",
			nn.ErrWeightStreamMisaligned, int64(cursor)-h.FileSize)
	}
	log.Info("weights loaded", "node", nodeIndex)
	return loader.Finish()
}
