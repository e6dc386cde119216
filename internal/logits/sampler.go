package logits

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures token selection. Temperature zero means
// greedy argmax; TopP outside (0, 1) disables nucleus truncation.
type SamplerConfig struct {
	Temperature float32
	TopP        float32
	Seed        uint64
}

// Sampler draws the next token from a logits vector. One sampler lives
// per decoding session; it owns the RNG so runs are reproducible from
// the seed.
type Sampler struct {
	cfg    SamplerConfig
	rng    *rand.Rand
	greedy bool
	probs  []float64
	order  []int
}

func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(int64(cfg.Seed))),
		greedy: greedy,
	}
}

// Sample picks one token index from logits.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	if cap(s.probs) < len(logits) {
		s.probs = make([]float64, len(logits))
		s.order = make([]int, len(logits))
	}
	probs := s.probs[:len(logits)]

	// Softmax at the configured temperature.
	maxLogit := logits[argmax(logits)]
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(float64((v - maxLogit) / s.cfg.Temperature))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	if s.cfg.TopP < 1 {
		return s.sampleTopP(probs)
	}

	r := s.rng.Float64()
	cdf := 0.0
	for i, p := range probs {
		cdf += p
		if r < cdf {
			return i
		}
	}
	return len(probs) - 1
}

// sampleTopP draws from the smallest prefix of the sorted distribution
// whose mass reaches TopP.
func (s *Sampler) sampleTopP(probs []float64) int {
	order := s.order[:len(probs)]
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	mass := 0.0
	cut := len(order)
	for i, idx := range order {
		mass += probs[idx]
		if mass >= float64(s.cfg.TopP) {
			cut = i + 1
			break
		}
	}

	r := s.rng.Float64() * mass
	cdf := 0.0
	for _, idx := range order[:cut] {
		cdf += probs[idx]
		if r < cdf {
			return idx
		}
	}
	return order[cut-1]
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
