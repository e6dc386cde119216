package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/wansongcc/distributed-llama/internal/config"
	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

var (
	modelPath     string
	tokenizerPath string
	workers       []string
	nThreads      int64
	maxSeqLen     int64
	bufferFloat   string
	ratios        string
	netTurbo      int64
	benchmark     bool
	statusAddr    string
	logLevel      string
	logFormat     string
	gpuIndex      int64
	gpuSegments   string
)

func inferenceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "path to the model file (memory-mapped)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to the tokenizer file",
			Destination: &tokenizerPath,
		},
		&cli.StringSliceFlag{
			Name:        "workers",
			Usage:       "worker addresses in host:port form",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "ratios",
			Usage:       "cluster topology (e.g. \"1,1\" or \"1:2*1:1*2:3\")",
			Destination: &ratios,
		},
		&cli.StringFlag{
			Name:        "buffer-float-type",
			Usage:       "dtype for inter-node transfers (f32, f16, q40, q80)",
			Value:       "f32",
			Destination: &bufferFloat,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Usage:       "cap the model context length",
			Destination: &maxSeqLen,
		},
		&cli.Int64Flag{
			Name:        "gpu-index",
			Usage:       "GPU device index (-1 = CPU only)",
			Value:       -1,
			Destination: &gpuIndex,
		},
		&cli.StringFlag{
			Name:        "gpu-segments",
			Usage:       "GPU segment range as FROM:TO",
			Destination: &gpuSegments,
		},
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "nthreads",
			Usage:       "worker threads per op",
			Value:       1,
			Destination: &nThreads,
		},
		&cli.Int64Flag{
			Name:        "net-turbo",
			Usage:       "non-blocking sockets with bounded retry (0/1)",
			Value:       1,
			Destination: &netTurbo,
		},
		&cli.BoolFlag{
			Name:        "benchmark",
			Usage:       "emit per-forward profile packets",
			Destination: &benchmark,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve /healthz, /status and /metrics on this address",
			Destination: &statusAddr,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

// applyConfig merges the config file into flag targets the user did not
// set explicitly.
func applyConfig(cmd *cli.Command) {
	cfg := config.Load()
	if cfg.ModelPath != "" && !cmd.IsSet("model") {
		modelPath = cfg.ModelPath
	}
	if cfg.TokenizerPath != "" && !cmd.IsSet("tokenizer") {
		tokenizerPath = cfg.TokenizerPath
	}
	if len(cfg.Workers) > 0 && !cmd.IsSet("workers") {
		workers = cfg.Workers
	}
	if cfg.NThreads != nil && !cmd.IsSet("nthreads") {
		nThreads = int64(*cfg.NThreads)
	}
	if cfg.MaxSeqLen != nil && !cmd.IsSet("max-seq-len") {
		maxSeqLen = int64(*cfg.MaxSeqLen)
	}
	if cfg.BufferFloatType != "" && !cmd.IsSet("buffer-float-type") {
		bufferFloat = cfg.BufferFloatType
	}
	if cfg.NetTurbo != nil && !cmd.IsSet("net-turbo") {
		netTurbo = 0
		if *cfg.NetTurbo {
			netTurbo = 1
		}
	}
	if cfg.StatusAddr != "" && !cmd.IsSet("status-addr") {
		statusAddr = cfg.StatusAddr
	}
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "pretty":
		return logger.Pretty(os.Stderr, level)
	default:
		return logger.Default()
	}
}

func parseBufferFloatType() (nn.FloatType, error) {
	return nn.ParseFloatType(bufferFloat)
}

func loggerFor(cmd *cli.Command) logger.Logger {
	applyConfig(cmd)
	return buildLogger()
}
