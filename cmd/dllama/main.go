package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/wansongcc/distributed-llama/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "dllama",
		Usage: "Distributed LLM inference across a cluster of nodes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inferenceCmd(),
			chatCmd(),
			perplexityCmd(),
			workerCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}

	ctx := logger.WithContext(context.Background(), logger.Default())
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Critical error: %v\n", err)
		os.Exit(1)
	}
}
