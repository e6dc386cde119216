package llm

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"testing"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// testHeader is the S1 model shape: tiny but fully structured.
func testHeader() *Header {
	return &Header{
		Version:    1,
		ArchType:   ArchLlama,
		Dim:        8,
		HiddenDim:  16,
		NLayers:    2,
		NHeads:     2,
		NKvHeads:   2,
		VocabSize:  32,
		SeqLen:     16,
		HiddenAct:  ActSilu,
		RopeTheta:  10000,
		WeightType: nn.F32,
		RopeType:   nn.RopeLlama,
	}
}

// fillTensor produces deterministic small weights: norms are ones, the
// rest a hash-seeded ramp.
func fillTensor(opName string, opIndex int, dst []float32) {
	if opName == "block_norm_0" || opName == "block_norm_1" ||
		opName == "final_norm" || opName == "block_norm_q" || opName == "block_norm_k" {
		for i := range dst {
			dst[i] = 1
		}
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(opName))
	seed := h.Sum32() + uint32(opIndex)*2654435761
	for i := range dst {
		seed = seed*1664525 + 1013904223
		dst[i] = (float32(seed%2000)/1000.0 - 1.0) * 0.1
	}
}

func writeTestModel(t *testing.T, h *Header) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.m")
	if err := WriteModel(path, h, fillTensor); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeTestModel(t, testHeader())
	h, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if h.ArchType != ArchLlama || h.Dim != 8 || h.NLayers != 2 ||
		h.NHeads != 2 || h.NKvHeads != 2 || h.VocabSize != 32 || h.SeqLen != 16 {
		t.Errorf("header mismatch: %+v", h)
	}
	if h.HeadDim != 4 || h.QDim != 8 || h.KvDim != 8 {
		t.Errorf("derived dims mismatch: headDim=%d qDim=%d kvDim=%d", h.HeadDim, h.QDim, h.KvDim)
	}
	if h.WeightType != nn.F32 || h.SyncType != nn.F32 {
		t.Errorf("float types mismatch: %v/%v", h.WeightType, h.SyncType)
	}
}

func TestLoadHeaderMaxSeqLen(t *testing.T) {
	t.Parallel()

	path := writeTestModel(t, testHeader())
	h, err := LoadHeader(path, 4, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if h.SeqLen != 4 || h.OrigSeqLen != 16 {
		t.Errorf("seqLen=%d origSeqLen=%d, want 4/16", h.SeqLen, h.OrigSeqLen)
	}
}

func TestLoadHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, tc := range []struct {
		name  string
		magic uint32
	}{
		{"garbage", 0xDEADBEEF},
		{"obsolete v0", oldMagic1},
		{"obsolete v1", oldMagic2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			buf := make([]byte, 16)
			binary.LittleEndian.PutUint32(buf, tc.magic)
			binary.LittleEndian.PutUint32(buf[4:], 16)
			if err := os.WriteFile(path, buf, 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadHeader(path, 0, nn.F32); !errors.Is(err, nn.ErrUnsupportedModel) {
				t.Fatalf("expected ErrUnsupportedModel, got %v", err)
			}
		})
	}
}

func TestLoadHeaderRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.m")
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf, ModelMagic)
	binary.LittleEndian.PutUint32(buf[4:], 16)
	binary.LittleEndian.PutUint32(buf[8:], 9999) // no such key
	binary.LittleEndian.PutUint32(buf[12:], 1)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHeader(path, 0, nn.F32); !errors.Is(err, nn.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}
