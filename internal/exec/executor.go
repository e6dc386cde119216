package exec

import (
	"fmt"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// StepKind keys the executor's per-forward timers.
type StepKind int

const (
	StepExecuteOp StepKind = iota
	StepSyncNodes

	nStepKinds = int(StepSyncNodes) + 1
)

// Synchronizer fires one sync directive of a segment. The network
// implementation partitions its socket set across the fan-out threads; a
// single-node run uses NopSynchronizer. The executor joins all threads
// between directives so wire order matches directive order.
type Synchronizer interface {
	Sync(segmentIndex, syncIndex, nThreads, threadIndex int) error
}

// NopSynchronizer satisfies Synchronizer for single-node execution.
type NopSynchronizer struct{}

func (NopSynchronizer) Sync(int, int, int, int) error { return nil }

// Executor drives one node's segments in order: every op of a segment is
// fanned out across the dispatcher and joined, then the segment's sync
// directives fire. Timings accumulate per step kind and reset at the start
// of each forward.
type Executor struct {
	netConfig    *nn.NetConfig
	nodeConfig   *nn.NodeConfig
	execution    *Execution
	synchronizer Synchronizer
	dispatcher   *Dispatcher
	segments     []DeviceSegment
	totalUs      [nStepKinds]uint32
	profile      bool
}

// NewExecutor compiles every segment of the node's graph. A missing
// kernel surfaces here as ErrOpInit.
func NewExecutor(netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, device Device, execution *Execution, synchronizer Synchronizer, dispatcher *Dispatcher, profile bool) (*Executor, error) {
	segments := make([]DeviceSegment, len(nodeConfig.Segments))
	for i := range nodeConfig.Segments {
		if len(nodeConfig.Segments[i].Ops) == 0 {
			continue
		}
		seg, err := device.NewSegment(i)
		if err != nil {
			return nil, err
		}
		segments[i] = seg
	}
	return &Executor{
		netConfig:    netConfig,
		nodeConfig:   nodeConfig,
		execution:    execution,
		synchronizer: synchronizer,
		dispatcher:   dispatcher,
		segments:     segments,
		profile:      profile,
	}, nil
}

// LoadWeight feeds weight bytes to the op with the given name and
// instance index, wherever it lives in the graph.
func (e *Executor) LoadWeight(opName string, opIndex, offset int, data []byte) error {
	for segIndex := range e.nodeConfig.Segments {
		seg := &e.nodeConfig.Segments[segIndex]
		for i := range seg.Ops {
			if seg.Ops[i].Name == opName && seg.Ops[i].Index == opIndex {
				return e.segments[segIndex].LoadWeight(i, offset, data)
			}
		}
	}
	return fmt.Errorf("%w: op %s %d not found in graph", nn.ErrWeightStreamMisaligned, opName, opIndex)
}

// Forward runs every segment once at the current batch size.
func (e *Executor) Forward() error {
	for k := range e.totalUs {
		e.totalUs[k] = 0
	}
	batchSize := e.execution.BatchSize

	var opTimer, syncTimer nn.Timer
	for segIndex := range e.nodeConfig.Segments {
		if seg := e.segments[segIndex]; seg != nil {
			for opIndex := range e.nodeConfig.Segments[segIndex].Ops {
				if e.profile {
					opTimer.Reset()
				}
				e.dispatcher.Run(func(threadIndex, nThreads int) {
					seg.Forward(opIndex, nThreads, threadIndex, batchSize)
				})
				if e.profile {
					e.totalUs[StepExecuteOp] += opTimer.ElapsedMicroseconds()
				}
			}
		}
		for syncIndex := range e.nodeConfig.Segments[segIndex].Syncs {
			if e.profile {
				syncTimer.Reset()
			}
			errs := make([]error, e.dispatcher.NThreads())
			e.dispatcher.Run(func(threadIndex, nThreads int) {
				errs[threadIndex] = e.synchronizer.Sync(segIndex, syncIndex, nThreads, threadIndex)
			})
			if e.profile {
				e.totalUs[StepSyncNodes] += syncTimer.ElapsedMicroseconds()
			}
			for _, err := range errs {
				if err != nil {
					return fmt.Errorf("segment %d: %w", segIndex, err)
				}
			}
		}
	}
	return nil
}

// TotalTime reports the microseconds accumulated for one step kind during
// the last forward.
func (e *Executor) TotalTime(kind StepKind) uint32 {
	return e.totalUs[kind]
}
