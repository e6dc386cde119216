package llm

import (
	"math"
	"testing"

	"github.com/wansongcc/distributed-llama/internal/exec"
	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// forwardRig is a single-node in-process execution of a built graph,
// weights loaded from a model file on disk.
type forwardRig struct {
	net        *Net
	execution  *exec.Execution
	executor   *exec.Executor
	dispatcher *exec.Dispatcher
}

func newForwardRig(t *testing.T, h *Header, plan *nn.PartitionPlan, path string) *forwardRig {
	t.Helper()
	net, err := BuildNet(h, 4, plan)
	if err != nil {
		t.Fatal(err)
	}
	execution := exec.NewExecution(1, &net.NetConfig)
	dispatcher := exec.NewDispatcher(1)
	device := exec.NewCpuDevice(&net.NetConfig, &net.NodeConfigs[0], execution)
	executor, err := exec.NewExecutor(&net.NetConfig, &net.NodeConfigs[0], device, execution, exec.NopSynchronizer{}, dispatcher, false)
	if err != nil {
		dispatcher.Close()
		t.Fatal(err)
	}
	file, err := OpenModelFile(path, h.FileSize)
	if err != nil {
		dispatcher.Close()
		t.Fatal(err)
	}
	defer file.Close()
	if err := LoadWeights(file, h, plan, NewLocalLoader(executor, 0), 0, logger.Discard()); err != nil {
		dispatcher.Close()
		t.Fatal(err)
	}
	return &forwardRig{net: net, execution: execution, executor: executor, dispatcher: dispatcher}
}

func (r *forwardRig) Close() {
	r.dispatcher.Close()
}

func (r *forwardRig) forward(t *testing.T, position, token int) []float32 {
	t.Helper()
	r.execution.SetBatchSize(1)
	r.execution.PipeFloats(r.net.PositionPipeIndex)[0] = float32(position)
	r.execution.PipeFloats(r.net.TokenPipeIndex)[0] = float32(token)
	if err := r.executor.Forward(); err != nil {
		t.Fatal(err)
	}
	logits := r.execution.PipeFloats(r.net.LogitsPipeIndex)[:r.net.Header.VocabSize]
	out := make([]float32, len(logits))
	copy(out, logits)
	return out
}

func runPrompt(t *testing.T, rig *forwardRig, tokens []int) []float32 {
	t.Helper()
	var logits []float32
	for pos, token := range tokens {
		logits = rig.forward(t, pos, token)
	}
	return logits
}

// TestSingleNodeForward drives the S1 scenario: one node, two layers,
// prompt [1 5 7]; after the forward at position 2 the logits pipe holds
// one finite value per vocab entry.
func TestSingleNodeForward(t *testing.T) {
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

	logits := runPrompt(t, rig, []int{1, 5, 7})
	if len(logits) != 32 {
		t.Fatalf("got %d logits, want 32", len(logits))
	}
	allEqual := true
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d is not finite: %f", i, v)
		}
		if v != logits[0] {
			allEqual = false
		}
	}
	if allEqual {
		t.Fatal("logits are flat; the forward did nothing")
	}
}

// TestForwardIsDeterministic rebuilds the whole session and replays the
// prompt; argmax decoding depends on bit-identical logits.
func TestForwardIsDeterministic(t *testing.T) {
	t.Parallel()

	header := testHeader()
	path := writeTestModel(t, header)
	h, err := LoadHeader(path, 0, nn.F32)
	if err != nil {
		t.Fatal(err)
	}
	tokens := []int{1, 5, 7}

	var runs [2][]float32
	for i := range runs {
		plan := buildTestPlan(t, h, "", 1)
		rig := newForwardRig(t, h, plan, path)
		runs[i] = runPrompt(t, rig, tokens)
		rig.Close()
	}
	for i := range runs[0] {
		if runs[0][i] != runs[1][i] {
			t.Fatalf("logit %d differs between runs: %f != %f", i, runs[0][i], runs[1][i])
		}
	}
}

// TestKvCacheAffectsLaterPositions: feeding the same token at a later position must
// give different logits once the KV cache holds history.
func TestKvCacheAffectsLaterPositions(t *testing.T) {
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

	first := rig.forward(t, 0, 5)
	second := rig.forward(t, 1, 5)
	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("logits ignored the cached context")
	}
}
