package llm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// WriteModel serializes a model file in the flat stream layout the loader
// reads back. fill is called once per tensor with its op name, instance
// index, and destination; it is the source of the weight values. Only F32
// weights can be written, which covers converter output and test
// fixtures.
func WriteModel(path string, h *Header, fill func(opName string, opIndex int, dst []float32)) error {
	if h.WeightType != nn.F32 {
		return fmt.Errorf("%w: model writer only emits f32 weights", nn.ErrUnsupportedModel)
	}

	type kv struct{ key, value int }
	pairs := []kv{
		{keyVersion, h.Version},
		{keyArchType, int(h.ArchType)},
		{keyDim, h.Dim},
		{keyHiddenDim, h.HiddenDim},
		{keyNLayers, h.NLayers},
		{keyNHeads, h.NHeads},
		{keyNKvHeads, h.NKvHeads},
		{keyVocabSize, h.VocabSize},
		{keySeqLen, h.SeqLen},
		{keyWeightFloatType, int(nn.F32)},
		{keyHiddenAct, int(h.HiddenAct)},
		{keyRopeType, int(h.RopeType)},
		{keyRopeTheta, int(h.RopeTheta)},
	}
	if h.HeadDim > 0 {
		pairs = append(pairs, kv{keyHeadDim, h.HeadDim})
	}
	if h.NExperts > 0 {
		pairs = append(pairs, kv{keyNExperts, h.NExperts})
		pairs = append(pairs, kv{keyNActiveExperts, h.NActiveExperts})
		pairs = append(pairs, kv{keyMoeHiddenDim, h.MoeHiddenDim})
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	headerSize := 8 + len(pairs)*8
	head := make([]byte, 0, headerSize)
	head = binary.LittleEndian.AppendUint32(head, ModelMagic)
	head = binary.LittleEndian.AppendUint32(head, uint32(headerSize))
	for _, p := range pairs {
		head = binary.LittleEndian.AppendUint32(head, uint32(p.key))
		head = binary.LittleEndian.AppendUint32(head, uint32(p.value))
	}
	if _, err := f.Write(head); err != nil {
		return err
	}

	writeTensor := func(opName string, opIndex, n int) error {
		values := make([]float32, n)
		fill(opName, opIndex, values)
		buf := make([]byte, n*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		_, err := f.Write(buf)
		return err
	}

	headDim := h.HeadDim
	if headDim == 0 {
		headDim = h.Dim / h.NHeads
	}
	qDim := headDim * h.NHeads
	kvDim := headDim * h.NKvHeads
	ffDim := h.FfnDim()

	if err := writeTensor("embedding", 0, h.VocabSize*h.Dim); err != nil {
		return err
	}
	for layer := 0; layer < h.NLayers; layer++ {
		if err := writeTensor("block_matmul_q", layer, qDim*h.Dim); err != nil {
			return err
		}
		if err := writeTensor("block_matmul_k", layer, kvDim*h.Dim); err != nil {
			return err
		}
		if err := writeTensor("block_matmul_v", layer, kvDim*h.Dim); err != nil {
			return err
		}
		if err := writeTensor("block_matmul_wo", layer, h.Dim*qDim); err != nil {
			return err
		}
		if h.NExperts > 0 {
			if err := writeTensor("block_moe_gate", layer, h.NExperts*h.Dim); err != nil {
				return err
			}
			for expert := 0; expert < h.NExperts; expert++ {
				if err := writeTensor("block_matmul_w1", layer*1000+expert, ffDim*h.Dim); err != nil {
					return err
				}
				if err := writeTensor("block_matmul_w2", layer*1000+expert, h.Dim*ffDim); err != nil {
					return err
				}
				if err := writeTensor("block_matmul_w3", layer*1000+expert, ffDim*h.Dim); err != nil {
					return err
				}
			}
		} else {
			if err := writeTensor("block_matmul_w1", layer, ffDim*h.Dim); err != nil {
				return err
			}
			if err := writeTensor("block_matmul_w2", layer, h.Dim*ffDim); err != nil {
				return err
			}
			if err := writeTensor("block_matmul_w3", layer, ffDim*h.Dim); err != nil {
				return err
			}
		}
		if h.ArchType.IsQwen() {
			if err := writeTensor("block_norm_q", layer, headDim); err != nil {
				return err
			}
			if err := writeTensor("block_norm_k", layer, headDim); err != nil {
				return err
			}
		}
		if err := writeTensor("block_norm_0", layer, h.Dim); err != nil {
			return err
		}
		if err := writeTensor("block_norm_1", layer, h.Dim); err != nil {
			return err
		}
	}
	if err := writeTensor("final_norm", 0, h.Dim); err != nil {
		return err
	}
	return writeTensor("final_matmul_logits", 0, h.VocabSize*h.Dim)
}
