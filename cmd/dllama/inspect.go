package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/wansongcc/distributed-llama/internal/llm"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

func inspectCmd() *cli.Command {
	var path string
	return &cli.Command{
		Name:  "inspect",
		Usage: "Dump a model file's header as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Usage:       "path to the model file",
				Destination: &path,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" {
				return fmt.Errorf("--model is required")
			}
			h, err := llm.LoadHeader(path, 0, nn.F32)
			if err != nil {
				return err
			}
			out := map[string]any{
				"arch":       h.ArchType.String(),
				"dim":        h.Dim,
				"hiddenDim":  h.HiddenDim,
				"nLayers":    h.NLayers,
				"nHeads":     h.NHeads,
				"nKvHeads":   h.NKvHeads,
				"headDim":    h.HeadDim,
				"vocabSize":  h.VocabSize,
				"seqLen":     h.SeqLen,
				"weightType": h.WeightType.String(),
				"fileSize":   h.FileSize,
			}
			if h.NExperts > 0 {
				out["nExperts"] = h.NExperts
				out["nActiveExperts"] = h.NActiveExperts
				out["moeHiddenDim"] = h.MoeHiddenDim
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
