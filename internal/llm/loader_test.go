package llm

import (
	"errors"
	"os"
	"testing"

	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// recordingLoader tracks the byte ranges each call covered, reconstructed
// from the shared backing array of the mapped file.
type recordingLoader struct {
	file    *ModelFile
	plan    *nn.PartitionPlan
	node    int
	covered []int // parallel offset/size pairs of bytes actually consumed
}

func (l *recordingLoader) mark(data []byte, n int) {
	offset := cap(l.file.Data) - cap(data)
	l.covered = append(l.covered, offset, n)
}

func (l *recordingLoader) LoadAll(opName string, opIndex int, data []byte) (int, error) {
	l.mark(data, len(data))
	return len(data), nil
}

func (l *recordingLoader) LoadReplicated(opName string, opIndex int, data []byte) (int, error) {
	l.mark(data, len(data))
	return len(data), nil
}

func (l *recordingLoader) LoadRowShard(opName string, opIndex, expertIndex int, slicer func(int) nn.RowMatmulSlice, data []byte) (int, error) {
	slice := slicer(l.node)
	l.mark(data, slice.Size.NBytes)
	return slice.Size.NBytes, nil
}

func (l *recordingLoader) LoadColShard(opName string, opIndex, expertIndex int, slicer func(int) nn.ColMatmulSlice, data []byte) (int, error) {
	slice := slicer(l.node)
	l.mark(data, slice.Size.NBytes)
	return slice.Size.NBytes, nil
}

func (l *recordingLoader) Finish() error { return nil }

func buildTestPlan(t *testing.T, h *Header, ratios string, nNodes int) *nn.PartitionPlan {
	t.Helper()
	var stages []nn.StageDef
	var err error
	if ratios == "" {
		stages = nn.UniformStages(nNodes, h.NLayers)
	} else if stages, err = nn.ParseTopology(ratios, nNodes, h.NLayers); err != nil {
		t.Fatal(err)
	}
	plan, err := nn.NewPartitionPlan(stages, h.Dims())
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

// TestLoaderCoversWholeStream walks the stream for every node of a
// pipelined plan; per node, LoadWeights must accept the walk (owned plus
// skipped ranges end exactly at fileSize), and the consumed ranges must
// be in stream order, disjoint and inside the file.
func TestLoaderCoversWholeStream(t *testing.T) {
	t.Parallel()

	header := testHeader()
	path := writeTestModel(t, header)
	h, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	plan := buildTestPlan(t, h, "1*1", 2)

	file, err := OpenModelFile(path, h.FileSize)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	for node := 0; node < plan.NNodes; node++ {
		loader := &recordingLoader{file: file, plan: plan, node: node}
		if err := LoadWeights(file, h, plan, loader, node, logger.Discard()); err != nil {
			t.Fatalf("node %d: %v", node, err)
		}

		// Ranges must be in stream order and disjoint.
		prevEnd := h.HeaderSize
		for i := 0; i < len(loader.covered); i += 2 {
			offset, size := loader.covered[i], loader.covered[i+1]
			if offset < prevEnd {
				t.Errorf("node %d: tensor at %d overlaps previous end %d", node, offset, prevEnd)
			}
			prevEnd = offset + size
		}
		if int64(prevEnd) > h.FileSize {
			t.Errorf("node %d: coverage runs past the file: %d > %d", node, prevEnd, h.FileSize)
		}
	}
}

// TestLocalLoaderRoundTrip checks the layer checksum passes against a
// real executor and that every op with a weight accepts its full
// allocation.
func TestLocalLoaderRoundTrip(t *testing.T) {
	t.Parallel()

	header := testHeader()
	path := writeTestModel(t, header)
	h, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	plan := buildTestPlan(t, h, "", 1)
	rig := newForwardRig(t, h, plan, path)
	defer rig.Close()
	// Loading happened inside the rig; a second pass is equally valid
	// because weights are write-once per session.
	file, err := OpenModelFile(path, h.FileSize)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := LoadWeights(file, h, plan, NewLocalLoader(rig.executor, 0), 0, logger.Discard()); err != nil {
		t.Fatal(err)
	}
}

// TestTruncatedModelFails feeds a model whose tensor stream lost one
// block; every participating node must abort with the misalignment
// error.
func TestTruncatedModelFails(t *testing.T) {
	t.Parallel()

	header := testHeader()
	path := writeTestModel(t, header)
	_, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	truncated := path + ".truncated"
	if err := os.WriteFile(truncated, data[:len(data)-64], 0o644); err != nil {
		t.Fatal(err)
	}
	hTrunc, err := LoadHeader(truncated, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}

	plan := buildTestPlan(t, hTrunc, "1,1", 2)
	file, err := OpenModelFile(truncated, hTrunc.FileSize)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	for node := 0; node < 2; node++ {
		loader := &recordingLoader{file: file, plan: plan, node: node}
		err := LoadWeights(file, hTrunc, plan, loader, node, logger.Discard())
		if !errors.Is(err, nn.ErrWeightStreamMisaligned) {
			t.Errorf("node %d: expected ErrWeightStreamMisaligned, got %v", node, err)
		}
	}
}

func TestCalculateLayerBytes(t *testing.T) {
	t.Parallel()

	header := testHeader()
	path := writeTestModel(t, header)
	loaded, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}

	layerBytes := CalculateLayerBytes(loaded)
	embedding := nn.F32.Bytes(loaded.VocabSize * loaded.Dim)
	total := int64(loaded.HeaderSize) + int64(embedding) +
		int64(loaded.NLayers)*int64(layerBytes) +
		int64(nn.F32.Bytes(loaded.Dim)) + int64(nn.F32.Bytes(loaded.Dim*loaded.VocabSize))
	if total != loaded.FileSize {
		t.Errorf("layout math covers %d bytes, file has %d", total, loaded.FileSize)
	}
}
