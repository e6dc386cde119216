package exec

import (
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// Execution holds the per-session mutable state shared by every segment:
// the pipe storage and the current batch size. Pipes exist on every node;
// sync directives decide which ranges hold live data.
type Execution struct {
	NThreads  int
	NBatches  int
	BatchSize int
	Pipes     [][]byte
}

func NewExecution(nThreads int, netConfig *nn.NetConfig) *Execution {
	pipes := make([][]byte, len(netConfig.Pipes))
	for i, pipe := range netConfig.Pipes {
		pipes[i] = make([]byte, pipe.Size.NBytes)
	}
	return &Execution{
		NThreads:  nThreads,
		NBatches:  netConfig.NBatches,
		BatchSize: 1,
		Pipes:     pipes,
	}
}

// SetBatchSize bounds how many batch rows the next forward processes.
func (e *Execution) SetBatchSize(batchSize int) {
	if batchSize < 1 || batchSize > e.NBatches {
		panic("exec: batch size out of range")
	}
	e.BatchSize = batchSize
}

// PipeFloats returns a pipe as a float32 view. Only valid for F32 pipes.
func (e *Execution) PipeFloats(pipeIndex int) []float32 {
	return bytesToFloats(e.Pipes[pipeIndex])
}
