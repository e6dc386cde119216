package inference

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wansongcc/distributed-llama/internal/exec"
	"github.com/wansongcc/distributed-llama/internal/llm"
	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/netsync"
	"github.com/wansongcc/distributed-llama/internal/nn"
	"github.com/wansongcc/distributed-llama/internal/status"
)

// Options configures a root inference session.
type Options struct {
	ModelPath string
	Ratios    string
	Workers   []string
	NThreads  int
	NBatches  int
	MaxSeqLen int
	SyncType  nn.FloatType
	NetTurbo  bool
	Benchmark bool

	// Metrics, when set, receives forward counts, latencies, and mesh
	// byte totals.
	Metrics *status.Metrics
}

// Session is the root side of one inference run. It owns, in
// construction order, the partition plan, the graph, and the network;
// all three live exactly as long as the session.
type Session struct {
	ID     uuid.UUID
	Header *llm.Header
	Plan   *nn.PartitionPlan
	Net    *llm.Net

	log        logger.Logger
	network    *netsync.Network
	execution  *exec.Execution
	executor   *exec.Executor
	dispatcher *exec.Dispatcher

	control  ControlPacket
	lastPerf []PerfPacket
	metrics  *status.Metrics
	profile  bool
	finished bool
}

// NewSession plans, builds, connects, and loads. Planning errors abort
// before any socket is opened.
func NewSession(log logger.Logger, opts Options) (*Session, error) {
	header, err := llm.LoadHeader(opts.ModelPath, opts.MaxSeqLen, opts.SyncType)
	if err != nil {
		return nil, err
	}
	nNodes := len(opts.Workers) + 1

	var stages []nn.StageDef
	if opts.Ratios != "" {
		if stages, err = nn.ParseTopology(opts.Ratios, nNodes, header.NLayers); err != nil {
			return nil, err
		}
	} else {
		stages = nn.UniformStages(nNodes, header.NLayers)
	}
	plan, err := nn.NewPartitionPlan(stages, header.Dims())
	if err != nil {
		return nil, err
	}
	net, err := llm.BuildNet(header, opts.NBatches, plan)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:         uuid.New(),
		Header:     header,
		Plan:       plan,
		Net:        net,
		log:        log,
		execution:  exec.NewExecution(opts.NThreads, &net.NetConfig),
		dispatcher: exec.NewDispatcher(opts.NThreads),
		metrics:    opts.Metrics,
		profile:    opts.Benchmark,
	}
	s.control.Flags = 0
	if opts.Benchmark {
		s.control.Flags |= ControlFlagProfile
	}

	var synchronizer exec.Synchronizer = exec.NopSynchronizer{}
	if nNodes > 1 {
		network, err := netsync.Connect(log, opts.Workers)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.network = network

		boot := BootstrapPacket{
			BenchmarkEnabled: opts.Benchmark,
			MaxSeqLen:        opts.MaxSeqLen,
			SyncType:         opts.SyncType,
			ModelPath:        opts.ModelPath,
			Ratios:           opts.Ratios,
		}
		for socketIndex := 0; socketIndex < network.NSockets(); socketIndex++ {
			if err := network.Write(socketIndex, boot.Encode()); err != nil {
				s.Close()
				return nil, err
			}
		}
		synchronizer = netsync.NewSynchronizer(network, s.execution, &net.NetConfig, &net.NodeConfigs[0], plan)
		if err := netsync.NewRootConfigWriter(network).WriteToWorkers(&net.NetConfig, plan, net.NodeConfigs); err != nil {
			s.Close()
			return nil, err
		}
	}

	device := exec.NewCpuDevice(&net.NetConfig, &net.NodeConfigs[0], s.execution)
	s.executor, err = exec.NewExecutor(&net.NetConfig, &net.NodeConfigs[0], device, s.execution, synchronizer, s.dispatcher, opts.Benchmark)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := s.loadWeights(opts); err != nil {
		s.Close()
		return nil, err
	}

	if s.network != nil && opts.NetTurbo {
		s.network.SetTurbo(true)
		log.Info("network is in non-blocking mode")
	}
	log.Info("session ready", "session", s.ID, "nodes", nNodes, "stages", len(plan.Stages))
	return s, nil
}

// loadWeights picks the shared-filesystem loader for any non-trivial
// partition plan (and single-node runs); the legacy socket distributor
// only serves the uniform multi-node case.
func (s *Session) loadWeights(opts Options) error {
	file, err := llm.OpenModelFile(opts.ModelPath, s.Header.FileSize)
	if err != nil {
		return err
	}
	defer file.Close()

	var loader llm.WeightLoader
	if opts.Ratios != "" || s.network == nil {
		s.log.Info("loading weights locally", "model", opts.ModelPath)
		loader = llm.NewLocalLoader(s.executor, 0)
	} else {
		s.log.Info("distributing weights to workers", "model", opts.ModelPath)
		loader = netsync.NewRootDistributor(s.executor, s.network, s.Plan.NNodes)
	}
	return llm.LoadWeights(file, s.Header, s.Plan, loader, 0, s.log)
}

func (s *Session) SetBatchSize(batchSize int) {
	s.execution.SetBatchSize(batchSize)
	s.control.BatchSize = uint32(batchSize)
}

func (s *Session) SetPosition(position int) {
	if position < 0 || position+s.execution.BatchSize-1 >= s.Header.SeqLen {
		panic(fmt.Sprintf("inference: position %d out of range", position))
	}
	s.control.Position = uint32(position)
	positions := s.execution.PipeFloats(s.Net.PositionPipeIndex)
	for i := 0; i < s.execution.BatchSize; i++ {
		positions[i] = float32(position + i)
	}
}

func (s *Session) SetToken(batchIndex, token int) {
	s.execution.PipeFloats(s.Net.TokenPipeIndex)[batchIndex] = float32(token)
}

// Forward broadcasts the control packet, runs the local graph to
// completion, and collects profile packets when enabled.
func (s *Session) Forward() error {
	started := time.Now()
	if s.network != nil {
		if err := s.network.WriteAll(s.control.Encode()); err != nil {
			return err
		}
	}
	if err := s.executor.Forward(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Forwards.Inc()
		s.metrics.ForwardSeconds.Observe(time.Since(started).Seconds())
		if s.network != nil {
			sent, recv := s.network.Stats()
			s.metrics.BytesSent.Add(float64(sent))
			s.metrics.BytesReceived.Add(float64(recv))
		}
	}
	if !s.profile {
		return nil
	}

	s.lastPerf = s.lastPerf[:0]
	s.lastPerf = append(s.lastPerf, PerfPacket{
		Position:   s.control.Position,
		BatchSize:  s.control.BatchSize,
		NodeIndex:  0,
		StageIndex: uint32(s.Plan.StageIndexFor(0)),
		ExecUs:     s.executor.TotalTime(exec.StepExecuteOp),
		SyncUs:     s.executor.TotalTime(exec.StepSyncNodes),
	})
	if s.network != nil {
		for socketIndex := 0; socketIndex < s.network.NSockets(); socketIndex++ {
			buf := make([]byte, PerfPacketBytes)
			if err := s.network.Read(socketIndex, buf); err != nil {
				return err
			}
			s.lastPerf = append(s.lastPerf, DecodePerfPacket(buf))
		}
	}
	return nil
}

// Logits exposes the gathered logits pipe after a forward.
func (s *Session) Logits() []float32 {
	return s.execution.PipeFloats(s.Net.LogitsPipeIndex)[:s.Header.VocabSize]
}

// LastPerf is the per-node profile of the latest forward.
func (s *Session) LastPerf() []PerfPacket {
	return s.lastPerf
}

// Finish sends the stop packet. Calling it again is a no-op; workers
// exit on the first one.
func (s *Session) Finish() {
	if s.finished {
		return
	}
	s.finished = true
	if s.network != nil {
		stop := ControlPacket{BatchSize: 0, Position: 0, Flags: s.control.Flags}
		if err := s.network.WriteAll(stop.Encode()); err != nil {
			s.log.Warn("stop packet failed", "err", err)
		}
	}
}

// Close releases the session's network and threads.
func (s *Session) Close() {
	s.Finish()
	if s.network != nil {
		s.network.Close()
		s.network = nil
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
}
