package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/wansongcc/distributed-llama/internal/inference"
	"github.com/wansongcc/distributed-llama/internal/status"
)

func workerCmd() *cli.Command {
	var port int64
	return &cli.Command{
		Name:  "worker",
		Usage: "Serve inference sessions as a cluster worker",
		Flags: append(commonFlags(),
			&cli.Int64Flag{
				Name:        "port",
				Usage:       "listen port for the mesh",
				Value:       9990,
				Destination: &port,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := loggerFor(cmd)

			var metrics *status.Metrics
			var info *status.Info
			if statusAddr != "" {
				metrics = status.NewMetrics()
				info = &status.Info{Role: "worker"}
				go func() {
					if err := status.Serve(ctx, log, statusAddr, info, metrics); err != nil {
						log.Warn("status server stopped", "err", err)
					}
				}()
			}

			return inference.RunWorker(log, inference.WorkerOptions{
				Port:     int(port),
				NThreads: int(nThreads),
				NetTurbo: netTurbo != 0,
				Metrics:  metrics,
				Info:     info,
			})
		},
	}
}
