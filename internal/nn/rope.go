package nn

import "math"

// FillRopeCache precomputes cos/sin pairs for every position over the
// node's rope slice. The cache layout matches what the rope kernel
// consumes: llama-family caches interleave cos/sin per even dimension
// index, falcon caches split cos and sin halves per head.
func FillRopeCache(p *RopeParams, cache []float32) {
	switch p.Type {
	case RopeLlama, RopeLlama31:
		fillRopeLlamaCache(p, cache)
	case RopeFalcon:
		fillRopeFalconCache(p, cache)
	default:
		panic("nn: unsupported rope type")
	}
}

func scaleFrequencyLlama3(freq float64, p *RopeParams) float64 {
	waveLen := 2.0 * math.Pi / freq
	highFreqWavelen := float64(p.ScalingOrigMaxSeqLen) / float64(p.ScalingHighFreq)
	if waveLen < highFreqWavelen {
		return freq
	}
	lowFreqWavelen := float64(p.ScalingOrigMaxSeqLen) / float64(p.ScalingLowFreq)
	if waveLen > lowFreqWavelen {
		return freq / float64(p.ScalingFactor)
	}
	smooth := (float64(p.ScalingOrigMaxSeqLen)/waveLen - float64(p.ScalingLowFreq)) /
		(float64(p.ScalingHighFreq) - float64(p.ScalingLowFreq))
	return (1-smooth)*freq/float64(p.ScalingFactor) + smooth*freq
}

func fillRopeLlamaCache(p *RopeParams, cache []float32) {
	s := &p.Slice
	applyScaling := p.ScalingFactor != 1.0
	theta := float64(s.RopeTheta)
	qDimEnd := s.QDimStart + s.QDimLen
	for pos := 0; pos < s.SeqLen; pos++ {
		for i := s.KvDimStart; i < qDimEnd; i += 2 {
			h := i % s.HeadDim
			freq := 1.0 / math.Pow(theta, float64(h)/float64(s.HeadDim))
			if applyScaling {
				freq = scaleFrequencyLlama3(freq, p)
			}
			val := float64(pos) * freq
			cache[pos*s.SliceDim+(i-s.KvDimStart)] = float32(math.Cos(val))
			cache[pos*s.SliceDim+(i-s.KvDimStart)+1] = float32(math.Sin(val))
		}
	}
}

func fillRopeFalconCache(p *RopeParams, cache []float32) {
	s := &p.Slice
	half := s.HeadDim / 2
	for pos := 0; pos < s.SeqLen; pos++ {
		for j := 0; j < half; j++ {
			freq := 1.0 / math.Pow(float64(s.RopeTheta), 2.0*float64(j)/float64(s.HeadDim))
			val := float64(pos) * freq
			cache[pos*s.HeadDim+j] = float32(math.Cos(val))
			cache[pos*s.HeadDim+j+half] = float32(math.Sin(val))
		}
	}
}
