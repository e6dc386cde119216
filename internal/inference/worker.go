package inference

import (
	"errors"
	"time"

	"github.com/wansongcc/distributed-llama/internal/exec"
	"github.com/wansongcc/distributed-llama/internal/llm"
	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/netsync"
	"github.com/wansongcc/distributed-llama/internal/nn"
	"github.com/wansongcc/distributed-llama/internal/status"
)

// WorkerOptions configures the worker server.
type WorkerOptions struct {
	Port     int
	NThreads int
	NetTurbo bool

	// Metrics and Info, when set, feed the status endpoint.
	Metrics *status.Metrics
	Info    *status.Info
}

// controlReadAttempts bounds one turbo-mode poll for a control packet.
const controlReadAttempts = 10000

// RunWorker serves inference sessions forever: accept a mesh, receive
// bootstrap and configs, load weights, loop on control packets. Any
// session error drops the session and returns to accept; the next
// session renegotiates everything from scratch.
func RunWorker(log logger.Logger, opts WorkerOptions) error {
	dispatcher := exec.NewDispatcher(opts.NThreads)
	defer dispatcher.Close()

	for {
		if err := ServeSession(log, opts, dispatcher); err != nil {
			if errors.Is(err, nn.ErrTransfer) {
				log.Warn("session dropped", "err", err)
				continue
			}
			log.Error("session failed", "err", err)
		}
	}
}

// ServeSession accepts and runs exactly one session: mesh-up, bootstrap,
// configs, weights, then the control-packet loop until the stop packet or
// a transfer error.
func ServeSession(log logger.Logger, opts WorkerOptions, dispatcher *exec.Dispatcher) error {
	network, err := netsync.Serve(log, opts.Port)
	if err != nil {
		return err
	}
	defer network.Close()

	boot, err := DecodeBootstrapPacket(network, netsync.RootSocketIndex)
	if err != nil {
		return err
	}

	configReader := netsync.NewWorkerConfigReader(network)
	netConfig, err := configReader.ReadNet()
	if err != nil {
		return err
	}
	plan, err := configReader.ReadPlan()
	if err != nil {
		return err
	}
	nodeConfig, err := configReader.ReadNode()
	if err != nil {
		return err
	}
	nodeConfig.Plan = plan
	log.Info("configs received", "nodeIndex", nodeConfig.NodeIndex,
		"segments", len(nodeConfig.Segments), "stage", plan.StageIndexFor(nodeConfig.NodeIndex))
	if opts.Metrics != nil {
		opts.Metrics.Sessions.Inc()
	}
	if opts.Info != nil {
		opts.Info.Update(func(i *status.Info) {
			i.NodeIndex = nodeConfig.NodeIndex
			i.NNodes = netConfig.NNodes
			i.NStages = len(plan.Stages)
			i.ModelPath = boot.ModelPath
			i.Ready = false
		})
		defer opts.Info.Update(func(i *status.Info) { i.Ready = false })
	}

	execution := exec.NewExecution(opts.NThreads, &netConfig)
	device := exec.NewCpuDevice(&netConfig, &nodeConfig, execution)
	synchronizer := netsync.NewSynchronizer(network, execution, &netConfig, &nodeConfig, plan)
	executor, err := exec.NewExecutor(&netConfig, &nodeConfig, device, execution, synchronizer, dispatcher, boot.BenchmarkEnabled)
	if err != nil {
		return err
	}

	useLocalLoading := boot.ModelPath != "" && boot.Ratios != ""
	if useLocalLoading {
		log.Info("loading weights locally", "model", boot.ModelPath)
		header, err := llm.LoadHeader(boot.ModelPath, boot.MaxSeqLen, boot.SyncType)
		if err != nil {
			return err
		}
		file, err := llm.OpenModelFile(boot.ModelPath, header.FileSize)
		if err != nil {
			return err
		}
		loadErr := llm.LoadWeights(file, header, plan, llm.NewLocalLoader(executor, nodeConfig.NodeIndex), nodeConfig.NodeIndex, log)
		file.Close()
		if loadErr != nil {
			return loadErr
		}
	} else {
		log.Info("waiting for weights from root")
		if err := netsync.NewWorkerWeightReader(executor, network, log).Read(); err != nil {
			return err
		}
	}

	if opts.Info != nil {
		opts.Info.Update(func(i *status.Info) { i.Ready = true })
	}

	positions := execution.PipeFloats(0)
	turboEnabled := false
	idleSince := time.Now()
	firstAttempt := true
	var control [ControlPacketBytes]byte

	for {
		if firstAttempt {
			idleSince = time.Now()
		}
		ok, err := network.TryRead(netsync.RootSocketIndex, control[:], controlReadAttempts)
		if err != nil {
			return err
		}
		if !ok {
			// Idle: fall back to blocking reads to release the CPU.
			if turboEnabled && !firstAttempt && time.Since(idleSince) > time.Second {
				network.SetTurbo(false)
				turboEnabled = false
				log.Info("network is in blocking mode")
			}
			firstAttempt = false
			continue
		}
		packet := DecodeControlPacket(control[:])
		if packet.BatchSize == 0 {
			log.Info("stop packet received")
			return nil
		}

		if opts.NetTurbo && !turboEnabled {
			network.SetTurbo(true)
			turboEnabled = true
			log.Info("network is in non-blocking mode")
		}

		execution.SetBatchSize(int(packet.BatchSize))
		for i := 0; i < int(packet.BatchSize); i++ {
			positions[i] = float32(packet.Position) + float32(i)
		}
		forwardStart := time.Now()
		if err := executor.Forward(); err != nil {
			return err
		}
		if opts.Metrics != nil {
			opts.Metrics.Forwards.Inc()
			opts.Metrics.ForwardSeconds.Observe(time.Since(forwardStart).Seconds())
			sent, recv := network.Stats()
			opts.Metrics.BytesSent.Add(float64(sent))
			opts.Metrics.BytesReceived.Add(float64(recv))
		}

		if packet.Flags&ControlFlagProfile != 0 {
			perf := PerfPacket{
				Position:   packet.Position,
				BatchSize:  packet.BatchSize,
				NodeIndex:  uint32(nodeConfig.NodeIndex),
				StageIndex: uint32(plan.StageIndexFor(nodeConfig.NodeIndex)),
				ExecUs:     executor.TotalTime(exec.StepExecuteOp),
				SyncUs:     executor.TotalTime(exec.StepSyncNodes),
			}
			if err := network.Write(netsync.RootSocketIndex, perf.Encode()); err != nil {
				return err
			}
		}
		firstAttempt = true
	}
}
