package logits

import "testing"

func TestGreedyIsArgmax(t *testing.T) {
	t.Parallel()

	s := NewSampler(SamplerConfig{Temperature: 0})
	logits := []float32{0.1, 2.5, -1.0, 2.4}
	for i := 0; i < 10; i++ {
		if got := s.Sample(logits); got != 1 {
			t.Fatalf("greedy sample = %d, want 1", got)
		}
	}
}

func TestSeedReproducibility(t *testing.T) {
	t.Parallel()

	logits := []float32{1, 2, 3, 2.5, 0.5}
	a := NewSampler(SamplerConfig{Temperature: 0.8, TopP: 0.9, Seed: 42})
	b := NewSampler(SamplerConfig{Temperature: 0.8, TopP: 0.9, Seed: 42})
	for i := 0; i < 50; i++ {
		if x, y := a.Sample(logits), b.Sample(logits); x != y {
			t.Fatalf("draw %d diverged: %d != %d", i, x, y)
		}
	}
}

func TestTopPExcludesTail(t *testing.T) {
	t.Parallel()

	// One dominant token; a tight nucleus must never pick the tail.
	logits := []float32{10, 0, 0, 0}
	s := NewSampler(SamplerConfig{Temperature: 1, TopP: 0.5, Seed: 7})
	for i := 0; i < 100; i++ {
		if got := s.Sample(logits); got != 0 {
			t.Fatalf("top-p sampled tail token %d", got)
		}
	}
}

func TestSamplingCoversSupport(t *testing.T) {
	t.Parallel()

	logits := []float32{1, 1, 1, 1}
	s := NewSampler(SamplerConfig{Temperature: 1, Seed: 3})
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[s.Sample(logits)] = true
	}
	if len(seen) != 4 {
		t.Fatalf("uniform sampling visited %d of 4 tokens", len(seen))
	}
}
