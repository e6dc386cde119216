package nn

import (
	"errors"
	"testing"
)

func testDims() ModelDims {
	return ModelDims{
		NLayers:   8,
		NHeads:    16,
		NKvHeads:  8,
		VocabSize: 32000,
		FfnDim:    1024,
		HiddenDim: 512,
	}
}

func mustPlan(t *testing.T, ratios string, nNodes int, dims ModelDims) *PartitionPlan {
	t.Helper()
	stages, err := ParseTopology(ratios, nNodes, dims.NLayers)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := NewPartitionPlan(stages, dims)
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func checkStageSplit(t *testing.T, name string, split DimSplit, stage *StageConfig, totalDim, align int) {
	t.Helper()
	sum := 0
	for _, g := range stage.NodeIndices {
		length := split.Lengths[g]
		if length <= 0 {
			t.Errorf("%s: node %d has non-positive length %d", name, g, length)
		}
		sum += length
	}
	if sum != totalDim {
		t.Errorf("%s: stage %d sums to %d, want %d", name, stage.StageIndex, sum, totalDim)
	}
	// Every non-last node of the stage must land on the alignment; the
	// last node absorbs rounding.
	for i, g := range stage.NodeIndices {
		if i == len(stage.NodeIndices)-1 {
			continue
		}
		if split.Lengths[g]%align != 0 {
			t.Errorf("%s: node %d length %d not aligned to %d", name, g, split.Lengths[g], align)
		}
		if split.Starts[g]+split.Lengths[g] != split.Starts[stage.NodeIndices[i+1]] {
			t.Errorf("%s: node %d start/length not contiguous", name, g)
		}
	}
}

func TestPartitionPlanInvariants(t *testing.T) {
	t.Parallel()

	dims := testDims()
	topologies := []struct {
		ratios string
		nNodes int
	}{
		{"1", 1},
		{"1,1", 2},
		{"1*1", 2},
		{"1,1*1,1", 4},
		{"1:2*1:1*2:3", 4},
		{"2,1,1", 3},
	}

	for _, tc := range topologies {
		t.Run(tc.ratios, func(t *testing.T) {
			t.Parallel()
			plan := mustPlan(t, tc.ratios, tc.nNodes, dims)
			if plan.NNodes != tc.nNodes {
				t.Fatalf("plan has %d nodes, want %d", plan.NNodes, tc.nNodes)
			}

			// Stages cover [0, nLayers) contiguously and disjointly; the
			// node indices partition [0, nNodes).
			layer := 0
			node := 0
			for i := range plan.Stages {
				st := &plan.Stages[i]
				if st.StartLayer != layer {
					t.Errorf("stage %d starts at layer %d, want %d", i, st.StartLayer, layer)
				}
				layer = st.EndLayer
				if st.RootNode != st.NodeIndices[0] {
					t.Errorf("stage %d root %d is not its first node %d", i, st.RootNode, st.NodeIndices[0])
				}
				for _, g := range st.NodeIndices {
					if g != node {
						t.Errorf("stage %d: node index %d, want %d", i, g, node)
					}
					node++
				}
				checkStageSplit(t, "kvHeadSplit", plan.KvHeadSplit, st, dims.NKvHeads, 1)
				checkStageSplit(t, "headSplit", plan.HeadSplit, st, dims.NHeads, 1)
				checkStageSplit(t, "dimSplit", plan.DimSplit, st, dims.HiddenDim, DimAlignment)
				checkStageSplit(t, "ffnSplit", plan.FfnSplit, st, dims.FfnDim, DimAlignment)
				checkStageSplit(t, "vocabSplit", plan.VocabSplit, st, dims.VocabSize, DimAlignment)
			}
			if layer != dims.NLayers {
				t.Errorf("stages cover %d layers, want %d", layer, dims.NLayers)
			}
			if node != tc.nNodes {
				t.Errorf("stages cover %d nodes, want %d", node, tc.nNodes)
			}

			// GQA coupling: Q heads are the KV split scaled by the group size.
			group := dims.NHeads / dims.NKvHeads
			for i := 0; i < plan.NNodes; i++ {
				if plan.HeadSplit.Lengths[i] != plan.KvHeadSplit.Lengths[i]*group {
					t.Errorf("node %d: headLen %d != kvLen %d x %d",
						i, plan.HeadSplit.Lengths[i], plan.KvHeadSplit.Lengths[i], group)
				}
				if plan.HeadSplit.Starts[i] != plan.KvHeadSplit.Starts[i]*group {
					t.Errorf("node %d: headStart misaligned with kv start", i)
				}
			}
		})
	}
}

func TestPartitionPlanHybridSplit(t *testing.T) {
	t.Parallel()

	dims := testDims()
	dims.NLayers = 4
	plan := mustPlan(t, "1:2*1:1*2:3", 4, dims)

	if got := plan.Stages[0]; got.StartLayer != 0 || got.EndLayer != 1 {
		t.Errorf("stage 0 layers [%d,%d), want [0,1)", got.StartLayer, got.EndLayer)
	}
	if got := plan.Stages[1]; got.StartLayer != 1 || got.EndLayer != 4 {
		t.Errorf("stage 1 layers [%d,%d), want [1,4)", got.StartLayer, got.EndLayer)
	}

	// Stage 1 nodes {2,3} with ratios 2:3 over hidden dim 512:
	// round(512*2/5)=205, aligned down to 192; node 3 absorbs 320.
	if got := plan.DimSplit.Lengths[2]; got != 192 {
		t.Errorf("node 2 dim length %d, want 192", got)
	}
	if got := plan.DimSplit.Lengths[3]; got != 320 {
		t.Errorf("node 3 dim length %d, want 320", got)
	}
}

func TestPartitionPlanSkewedRatiosKeepEveryNode(t *testing.T) {
	t.Parallel()

	// Dimensions too small for aligned shares split by plain rounding; a
	// heavily skewed ratio must still leave the starved node one unit.
	dims := ModelDims{
		NLayers:   2,
		NHeads:    4,
		NKvHeads:  4,
		VocabSize: 64,
		FfnDim:    8,
		HiddenDim: 8,
	}
	plan := mustPlan(t, "1,100", 2, dims)

	splits := map[string]struct {
		split    DimSplit
		totalDim int
	}{
		"kvHeadSplit": {plan.KvHeadSplit, dims.NKvHeads},
		"headSplit":   {plan.HeadSplit, dims.NHeads},
		"dimSplit":    {plan.DimSplit, dims.HiddenDim},
		"ffnSplit":    {plan.FfnSplit, dims.FfnDim},
		"vocabSplit":  {plan.VocabSplit, dims.VocabSize},
	}
	for name, s := range splits {
		sum := 0
		for node, length := range s.split.Lengths {
			if length <= 0 {
				t.Errorf("%s: node %d has non-positive length %d", name, node, length)
			}
			sum += length
		}
		if sum != s.totalDim {
			t.Errorf("%s: lengths sum to %d, want %d", name, sum, s.totalDim)
		}
	}
	if got := plan.DimSplit.Lengths[0]; got != 1 {
		t.Errorf("node 0 dim length %d, want the single-unit bump", got)
	}
}

func TestPartitionPlanTooManyNodes(t *testing.T) {
	t.Parallel()

	dims := testDims()
	dims.NKvHeads = 2
	dims.NHeads = 4
	stages, err := ParseTopology("1,1,1", 3, dims.NLayers)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewPartitionPlan(stages, dims); !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestPartitionPlanGqaIndivisible(t *testing.T) {
	t.Parallel()

	dims := testDims()
	dims.NHeads = 10
	dims.NKvHeads = 4
	if _, err := NewPartitionPlan(UniformStages(2, dims.NLayers), dims); !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestSpanOfCoversPipe(t *testing.T) {
	t.Parallel()

	dims := testDims()
	plan := mustPlan(t, "2,1,1", 3, dims)

	for _, totalUnits := range []int{
		dims.VocabSize,
		dims.FfnDim,
		dims.HiddenDim,
		dims.NHeads * 48,
		dims.NKvHeads * 7,
		999, // no split matches: uniform fallback
	} {
		covered := 0
		for i := 0; i < plan.NNodes; i++ {
			offset, length := SpanOf(plan, SliceAuto, i, plan.NNodes, totalUnits)
			if offset != covered {
				t.Errorf("totalUnits=%d: node %d offset %d, want %d", totalUnits, i, offset, covered)
			}
			covered += length
		}
		if covered != totalUnits {
			t.Errorf("totalUnits=%d: spans cover %d units", totalUnits, covered)
		}
	}
}

func TestSpanOfChecksEveryDimension(t *testing.T) {
	t.Parallel()

	dims := testDims()
	plan := mustPlan(t, "1,1", 2, dims)

	// A pipe sized by heads must resolve through the head split even
	// though vocab/ffn/dim are tried first.
	perHead := 48 // not a multiple of any other split total
	offset, length := SpanOf(plan, SliceAuto, 1, 2, dims.NHeads*perHead)
	if length != plan.HeadSplit.Lengths[1]*perHead {
		t.Errorf("head span length %d, want %d", length, plan.HeadSplit.Lengths[1]*perHead)
	}
	if offset != plan.HeadSplit.Starts[1]*perHead {
		t.Errorf("head span offset %d, want %d", offset, plan.HeadSplit.Starts[1]*perHead)
	}
}

func TestSpanOfSlots(t *testing.T) {
	t.Parallel()

	dims := testDims()
	plan := mustPlan(t, "3,1", 2, dims)

	// Slot-sliced pipes ignore every dimension split: each node owns one
	// equal full-width slot.
	totalUnits := dims.HiddenDim * 2
	for i := 0; i < 2; i++ {
		offset, length := SpanOf(plan, SliceSlots, i, 2, totalUnits)
		if length != dims.HiddenDim || offset != i*dims.HiddenDim {
			t.Errorf("node %d slot [%d,%d), want [%d,%d)",
				i, offset, offset+length, i*dims.HiddenDim, (i+1)*dims.HiddenDim)
		}
	}
}
