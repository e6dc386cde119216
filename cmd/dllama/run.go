package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/wansongcc/distributed-llama/internal/inference"
	"github.com/wansongcc/distributed-llama/internal/logits"
	"github.com/wansongcc/distributed-llama/internal/status"
	"github.com/wansongcc/distributed-llama/internal/tokenizer"
)

const defaultNBatches = 32

// sessionContext bundles what every inference-mode command needs.
type sessionContext struct {
	session   *inference.Session
	tokenizer *tokenizer.Tokenizer
	sampler   *logits.Sampler
	template  string
	steps     int
}

func newSessionContext(ctx context.Context, cmd *cli.Command, steps int64, temperature, topP float64, seed uint64, chatTemplate string) (*sessionContext, error) {
	log := loggerFor(cmd)
	if modelPath == "" {
		return nil, fmt.Errorf("--model is required")
	}
	if tokenizerPath == "" {
		return nil, fmt.Errorf("--tokenizer is required")
	}
	if gpuIndex >= 0 {
		return nil, fmt.Errorf("this build does not support GPU")
	}
	syncType, err := parseBufferFloatType()
	if err != nil {
		return nil, err
	}

	var metrics *status.Metrics
	if statusAddr != "" {
		metrics = status.NewMetrics()
		info := &status.Info{Role: "root", ModelPath: modelPath, Ready: true}
		go func() {
			if err := status.Serve(ctx, log, statusAddr, info, metrics); err != nil {
				log.Warn("status server stopped", "err", err)
			}
		}()
	}

	session, err := inference.NewSession(log, inference.Options{
		ModelPath: modelPath,
		Ratios:    ratios,
		Workers:   workers,
		NThreads:  int(nThreads),
		NBatches:  defaultNBatches,
		MaxSeqLen: int(maxSeqLen),
		SyncType:  syncType,
		NetTurbo:  netTurbo != 0,
		Benchmark: benchmark,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(tokenizerPath)
	if err != nil {
		session.Close()
		return nil, err
	}
	if tok.VocabSize != session.Header.VocabSize {
		log.Warn("tokenizer vocab size does not match the model",
			"tokenizer", tok.VocabSize, "model", session.Header.VocabSize)
	}

	return &sessionContext{
		session:   session,
		tokenizer: tok,
		sampler: logits.NewSampler(logits.SamplerConfig{
			Temperature: float32(temperature),
			TopP:        float32(topP),
			Seed:        seed,
		}),
		template: chatTemplate,
		steps:    int(steps),
	}, nil
}

func (sc *sessionContext) close() {
	sc.session.Finish()
	sc.session.Close()
}

// forwardPrompt feeds the prompt tokens one position at a time and
// returns the logits of the last forward.
func (sc *sessionContext) forwardPrompt(tokens []int, startPos int) ([]float32, error) {
	sc.session.SetBatchSize(1)
	var out []float32
	for i, token := range tokens {
		sc.session.SetPosition(startPos + i)
		sc.session.SetToken(0, token)
		if err := sc.session.Forward(); err != nil {
			return nil, err
		}
		out = sc.session.Logits()
	}
	return out, nil
}

func (sc *sessionContext) printPerf() {
	for _, p := range sc.session.LastPerf() {
		fmt.Fprintf(os.Stderr, "node %d stage %d: exec %dus sync %dus\n",
			p.NodeIndex, p.StageIndex, p.ExecUs, p.SyncUs)
	}
}

func inferenceCmd() *cli.Command {
	var (
		prompt      string
		steps       int64
		temperature float64
		topP        float64
		seed        uint64
		chatTmpl    string
	)
	return &cli.Command{
		Name:  "inference",
		Usage: "Generate a completion for a prompt",
		Flags: append(append(inferenceFlags(), commonFlags()...),
			&cli.StringFlag{Name: "prompt", Usage: "prompt text", Destination: &prompt},
			&cli.Int64Flag{Name: "steps", Usage: "tokens to generate", Destination: &steps},
			&cli.Float64Flag{Name: "temperature", Value: 0.8, Destination: &temperature},
			&cli.Float64Flag{Name: "topp", Value: 0.9, Destination: &topP},
			&cli.Uint64Flag{Name: "seed", Usage: "sampler seed", Destination: &seed},
			&cli.StringFlag{Name: "chat-template", Usage: "llama2, llama3 or deepSeek3", Destination: &chatTmpl},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if prompt == "" {
				return fmt.Errorf("prompt is required")
			}
			if steps == 0 {
				return fmt.Errorf("number of steps is required")
			}
			sc, err := newSessionContext(ctx, cmd, steps, temperature, topP, seed, chatTmpl)
			if err != nil {
				return err
			}
			defer sc.close()

			tokens := sc.tokenizer.Encode(prompt, true, false)
			last, err := sc.forwardPrompt(tokens, 0)
			if err != nil {
				return err
			}
			fmt.Print(prompt)

			pos := len(tokens)
			for step := 0; step < sc.steps && pos < sc.session.Header.SeqLen; step++ {
				token := sc.sampler.Sample(last)
				fmt.Print(sc.tokenizer.Decode(token))
				sc.session.SetPosition(pos)
				sc.session.SetToken(0, token)
				if err := sc.session.Forward(); err != nil {
					return err
				}
				last = sc.session.Logits()
				pos++
				if benchmark {
					sc.printPerf()
				}
			}
			fmt.Println()
			return nil
		},
	}
}

func chatCmd() *cli.Command {
	var (
		temperature float64
		topP        float64
		seed        uint64
		chatTmpl    string
	)
	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive chat with template formatting",
		Flags: append(append(inferenceFlags(), commonFlags()...),
			&cli.Float64Flag{Name: "temperature", Value: 0.8, Destination: &temperature},
			&cli.Float64Flag{Name: "topp", Value: 0.9, Destination: &topP},
			&cli.Uint64Flag{Name: "seed", Usage: "sampler seed", Destination: &seed},
			&cli.StringFlag{Name: "chat-template", Value: "llama3", Usage: "llama2, llama3 or deepSeek3", Destination: &chatTmpl},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sc, err := newSessionContext(ctx, cmd, 0, temperature, topP, seed, chatTmpl)
			if err != nil {
				return err
			}
			defer sc.close()
			return runChat(sc)
		},
	}
}

func runChat(sc *sessionContext) error {
	templateType, err := tokenizer.ParseTemplateType(sc.template)
	if err != nil {
		return err
	}
	template := tokenizer.NewTemplate(templateType)
	reader := bufio.NewReader(os.Stdin)
	seqLen := sc.session.Header.SeqLen

	fmt.Print("System prompt (optional): ")
	system, _ := reader.ReadString('\n')
	system = strings.TrimSpace(system)

	var items []tokenizer.ChatItem
	if system != "" {
		items = append(items, tokenizer.ChatItem{Role: "system", Content: system})
	}

	pos := 0
	for pos < seqLen {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		items = append(items, tokenizer.ChatItem{Role: "user", Content: line})

		promptText := template.Render(items)
		tokens := sc.tokenizer.Encode(promptText, pos == 0, false)
		if pos+len(tokens) >= seqLen {
			fmt.Println("(end of context)")
			return nil
		}
		last, err := sc.forwardPrompt(tokens, pos)
		if err != nil {
			return err
		}
		pos += len(tokens)

		// The generated turn stays in the KV cache; only the delta items
		// are rendered next round.
		detector := tokenizer.NewStopDetector(template.Stops())
		for pos < seqLen {
			token := sc.sampler.Sample(last)
			piece := sc.tokenizer.Decode(token)
			text, stopped := detector.Feed(piece)
			fmt.Print(text)
			if stopped || token == sc.tokenizer.EosID {
				break
			}
			sc.session.SetPosition(pos)
			sc.session.SetToken(0, token)
			if err := sc.session.Forward(); err != nil {
				return err
			}
			last = sc.session.Logits()
			pos++
		}
		fmt.Println()
		items = items[:0]
	}
	fmt.Println("(end of context)")
	return nil
}

func perplexityCmd() *cli.Command {
	var prompt string
	return &cli.Command{
		Name:  "perplexity",
		Usage: "Measure prompt perplexity",
		Flags: append(append(inferenceFlags(), commonFlags()...),
			&cli.StringFlag{Name: "prompt", Usage: "evaluation text", Destination: &prompt},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if prompt == "" {
				return fmt.Errorf("prompt is required")
			}
			sc, err := newSessionContext(ctx, cmd, 0, 0, 0, 0, "")
			if err != nil {
				return err
			}
			defer sc.close()

			tokens := sc.tokenizer.Encode(prompt, true, false)
			if len(tokens) < 2 {
				return fmt.Errorf("prompt is too short to evaluate")
			}

			sc.session.SetBatchSize(1)
			totalLogProb := 0.0
			for pos := 0; pos < len(tokens)-1; pos++ {
				sc.session.SetPosition(pos)
				sc.session.SetToken(0, tokens[pos])
				if err := sc.session.Forward(); err != nil {
					return err
				}
				probs := softmax64(sc.session.Logits())
				p := math.Max(probs[tokens[pos+1]], 1e-30)
				totalLogProb += math.Log(p)
				fmt.Printf("%5d / %d, prob=%f\n", pos+1, len(tokens)-1, p)
			}

			avgLogProb := totalLogProb / float64(len(tokens)-1)
			fmt.Println("\nResults")
			fmt.Printf("   perplexity: %f (lower = better)\n", math.Exp(-avgLogProb))
			fmt.Printf("   avgLogProb: %f\n", avgLogProb)
			fmt.Printf("   bitPerToken: %f\n", -avgLogProb/math.Ln2)
			return nil
		},
	}
}

func softmax64(logits []float32) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64(v - maxLogit))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
