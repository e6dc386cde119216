package netsync

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/wansongcc/distributed-llama/internal/exec"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// Synchronizer fires a segment's sync directives over the mesh. It is
// invoked once per dispatcher thread; threads partition the socket set of
// each directive between them.
type Synchronizer struct {
	network    *Network
	execution  *exec.Execution
	netConfig  *nn.NetConfig
	nodeConfig *nn.NodeConfig
	plan       *nn.PartitionPlan
	myStage    *nn.StageConfig
}

func NewSynchronizer(network *Network, execution *exec.Execution, netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, plan *nn.PartitionPlan) *Synchronizer {
	return &Synchronizer{
		network:    network,
		execution:  execution,
		netConfig:  netConfig,
		nodeConfig: nodeConfig,
		plan:       plan,
		myStage:    plan.StageFor(nodeConfig.NodeIndex),
	}
}

// threadShare hands thread t its contiguous share of n work items.
func threadShare(n, nThreads, threadIndex int) (int, int) {
	per := (n + nThreads - 1) / nThreads
	start := threadIndex * per
	if start > n {
		start = n
	}
	end := start + per
	if end > n {
		end = n
	}
	return start, end
}

func (s *Synchronizer) Sync(segmentIndex, syncIndex, nThreads, threadIndex int) error {
	sync := s.nodeConfig.Segments[segmentIndex].Syncs[syncIndex]
	pipeConfig := &s.netConfig.Pipes[sync.PipeIndex]
	pipe := s.execution.Pipes[sync.PipeIndex]
	batchBytes := pipeConfig.Size.FloatType.Bytes(pipeConfig.Size.X)

	for batchIndex := 0; batchIndex < s.execution.BatchSize; batchIndex++ {
		pipeBatch := pipe[batchIndex*batchBytes : (batchIndex+1)*batchBytes]

		var err error
		switch sync.SyncType {
		case nn.SyncWithRoot:
			err = s.syncWithRoot(pipeBatch, nThreads, threadIndex)
		case nn.SyncNodeSlices:
			err = s.syncNodeSlices(pipeConfig, pipeBatch, nThreads, threadIndex)
		case nn.SyncNodeSlicesExceptRoot:
			err = s.syncLogitsGather(pipeConfig, pipeBatch, nThreads, threadIndex)
		case nn.SyncPpSend:
			if threadIndex == 0 {
				err = s.syncPpSend(pipeBatch)
			}
		case nn.SyncPpRecv:
			if threadIndex == 0 {
				err = s.syncPpRecv(pipeBatch)
			}
		default:
			panic("netsync: unknown sync type")
		}
		if err != nil {
			return fmt.Errorf("pipe %s: %w", pipeConfig.Name, err)
		}
	}
	return nil
}

// group returns the node indices participating in an intra-group sync:
// this node's TP stage, or the whole cluster without a stage.
func (s *Synchronizer) group() []int {
	if s.myStage != nil {
		return s.myStage.NodeIndices
	}
	all := make([]int, s.netConfig.NNodes)
	for i := range all {
		all[i] = i
	}
	return all
}

func (s *Synchronizer) groupRoot() int {
	if s.myStage != nil {
		return s.myStage.RootNode
	}
	return 0
}

// syncWithRoot broadcasts the pipe from the group root to every other
// group member.
func (s *Synchronizer) syncWithRoot(pipeBatch []byte, nThreads, threadIndex int) error {
	me := s.nodeConfig.NodeIndex
	root := s.groupRoot()

	if me != root {
		if threadIndex != 0 {
			return nil
		}
		return s.network.Read(s.network.SocketIndexForNode(root), pipeBatch)
	}

	var targets []int
	for _, node := range s.group() {
		if node != me {
			targets = append(targets, s.network.SocketIndexForNode(node))
		}
	}
	start, end := threadShare(len(targets), nThreads, threadIndex)
	if start == end {
		return nil
	}
	ios := make([]SocketIO, 0, end-start)
	for _, socketIndex := range targets[start:end] {
		ios = append(ios, SocketIO{SocketIndex: socketIndex, Data: pipeBatch})
	}
	return s.network.WriteMany(ios)
}

// span converts one node's pipe slice to a byte range of the batch row.
func span(pipeConfig *nn.PipeConfig, plan *nn.PartitionPlan, node, nNodes int) (int, int) {
	offset, length := nn.SpanOf(plan, pipeConfig.Slicing, node, nNodes, pipeConfig.Size.X)
	return pipeConfig.Size.FloatType.Bytes(offset), pipeConfig.Size.FloatType.Bytes(length)
}

// syncNodeSlices all-gathers within the TP group: every member sends its
// slice to every peer and receives each peer's slice at the peer's
// offset.
func (s *Synchronizer) syncNodeSlices(pipeConfig *nn.PipeConfig, pipeBatch []byte, nThreads, threadIndex int) error {
	me := s.nodeConfig.NodeIndex
	nNodes := s.netConfig.NNodes

	var peers []int
	for _, node := range s.group() {
		if node != me {
			peers = append(peers, node)
		}
	}
	start, end := threadShare(len(peers), nThreads, threadIndex)
	if start == end {
		return nil
	}
	mine := peers[start:end]

	myOff, myLen := span(pipeConfig, s.plan, me, nNodes)
	writes := make([]SocketIO, 0, len(mine))
	reads := make([]SocketIO, 0, len(mine))
	for _, node := range mine {
		writes = append(writes, SocketIO{
			SocketIndex: s.network.SocketIndexForNode(node),
			Data:        pipeBatch[myOff : myOff+myLen],
		})
		off, length := span(pipeConfig, s.plan, node, nNodes)
		reads = append(reads, SocketIO{
			SocketIndex: s.network.SocketIndexForNode(node),
			Data:        pipeBatch[off : off+length],
		})
	}
	// Writes and reads run concurrently; a sequential write-then-read
	// would deadlock two peers pushing slices larger than the socket
	// buffers at each other.
	var g errgroup.Group
	g.Go(func() error { return s.network.WriteMany(writes) })
	g.Go(func() error { return s.network.ReadMany(reads) })
	return g.Wait()
}

// syncLogitsGather moves the final logits slices from the last stage's
// nodes to global node 0, which only reads.
func (s *Synchronizer) syncLogitsGather(pipeConfig *nn.PipeConfig, pipeBatch []byte, nThreads, threadIndex int) error {
	me := s.nodeConfig.NodeIndex
	nNodes := s.netConfig.NNodes

	senders := s.group()
	if s.plan != nil && len(s.plan.Stages) > 0 {
		senders = s.plan.Stages[len(s.plan.Stages)-1].NodeIndices
	}

	if me != 0 {
		// A last-stage worker sends its slice to the root, once.
		if threadIndex != 0 {
			return nil
		}
		off, length := span(pipeConfig, s.plan, me, nNodes)
		return s.network.Write(s.network.SocketIndexForNode(0), pipeBatch[off:off+length])
	}

	var sources []int
	for _, node := range senders {
		if node != 0 {
			sources = append(sources, node)
		}
	}
	start, end := threadShare(len(sources), nThreads, threadIndex)
	if start == end {
		return nil
	}
	reads := make([]SocketIO, 0, end-start)
	for _, node := range sources[start:end] {
		off, length := span(pipeConfig, s.plan, node, nNodes)
		reads = append(reads, SocketIO{
			SocketIndex: s.network.SocketIndexForNode(node),
			Data:        pipeBatch[off : off+length],
		})
	}
	return s.network.ReadMany(reads)
}

// syncPpSend forwards the pipe from this stage's root to the next
// stage's root. Non-root members skip.
func (s *Synchronizer) syncPpSend(pipeBatch []byte) error {
	if s.myStage == nil || s.myStage.RootNode != s.nodeConfig.NodeIndex {
		return nil
	}
	next := s.myStage.StageIndex + 1
	if next >= len(s.plan.Stages) {
		return nil
	}
	return s.network.SendToNode(s.plan.Stages[next].RootNode, pipeBatch)
}

// syncPpRecv receives the pipe from the prior stage's root.
func (s *Synchronizer) syncPpRecv(pipeBatch []byte) error {
	if s.myStage == nil || s.myStage.RootNode != s.nodeConfig.NodeIndex {
		return nil
	}
	prev := s.myStage.StageIndex - 1
	if prev < 0 {
		return nil
	}
	return s.network.RecvFromNode(s.plan.Stages[prev].RootNode, pipeBatch)
}
