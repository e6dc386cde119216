package nn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StageDef is the parsed form of one stage in the topology string: its
// layer count (0 = assign automatically) and the TP ratios of its nodes.
type StageDef struct {
	NLayers  int
	TpRatios []float64
}

// ParseTopology parses a ratios string into stage definitions.
//
// Stages are separated by '*', ';' or '|'. Two grammars are auto-detected:
//
//	legacy:    "tp0*tp1*..."            stage weight = sum of its tp ratios
//	two-level: "stageWeights*tp0*tp1*..."
//
// Within a segment, ratios are separated by ',' or ':'. A stage may pin its
// layer count with "@N"; the legacy ":N" suffix is honored only when the
// ratios themselves use ',' (a trailing ":N" after ':'-separated ratios
// would be ambiguous). Layers not pinned explicitly are distributed in
// proportion to stage weight, with the last auto stage absorbing rounding.
func ParseTopology(ratios string, nNodes, nLayers int) ([]StageDef, error) {
	parts := splitStageSegments(ratios)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: ratios string is empty", ErrBadTopology)
	}

	// Legacy pass: every segment is a TP group.
	legacy := make([]StageDef, 0, len(parts))
	legacyNodes := 0
	for _, seg := range parts {
		tp, explicit, err := parseStageSegment(seg)
		if err != nil {
			return nil, err
		}
		legacy = append(legacy, StageDef{NLayers: explicit, TpRatios: tp})
		legacyNodes += len(tp)
	}
	if legacyNodes == nNodes {
		weights := make([]float64, len(legacy))
		for i, st := range legacy {
			for _, r := range st.TpRatios {
				weights[i] += r
			}
		}
		if err := assignLayers(legacy, weights, nLayers); err != nil {
			return nil, err
		}
		return legacy, nil
	}

	// The legacy interpretation parsed but covers the wrong node count.
	// A two-level reading may still fit; when it is not structurally
	// viable either, this is the error the caller sees.
	legacyErr := fmt.Errorf("%w: Ratios defined %d nodes, but expected %d",
		ErrBadTopology, legacyNodes, nNodes)

	// Two-level pass: first segment carries per-stage weights.
	if len(parts) < 2 {
		return nil, legacyErr
	}
	weights, explicit, err := parseStageSegment(parts[0])
	if err != nil {
		return nil, err
	}
	if explicit != 0 || len(parts) != 1+len(weights) {
		return nil, legacyErr
	}

	stages := make([]StageDef, 0, len(weights))
	total := 0
	for _, seg := range parts[1:] {
		tp, layers, err := parseStageSegment(seg)
		if err != nil {
			return nil, err
		}
		stages = append(stages, StageDef{NLayers: layers, TpRatios: tp})
		total += len(tp)
	}
	if total != nNodes {
		return nil, fmt.Errorf("%w: Ratios defined %d nodes, but expected %d",
			ErrBadTopology, total, nNodes)
	}
	if err := assignLayers(stages, weights, nLayers); err != nil {
		return nil, err
	}
	return stages, nil
}

func splitStageSegments(raw string) []string {
	normalized := strings.Map(func(r rune) rune {
		if r == ';' || r == '|' {
			return '*'
		}
		return r
	}, raw)
	var parts []string
	for _, seg := range strings.Split(normalized, "*") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseStageSegment parses "ratios[@N]" or the legacy "ratios:N" (commas
// only) into the ratio list and the explicit layer count (0 if absent).
func parseStageSegment(segment string) ([]float64, int, error) {
	explicit := 0
	ratioPart := segment

	if at := strings.LastIndexByte(segment, '@'); at >= 0 && at+1 < len(segment) {
		if tail := segment[at+1:]; isAllDigits(tail) {
			n, err := strconv.Atoi(tail)
			if err == nil {
				explicit = n
				ratioPart = segment[:at]
			}
		}
	}
	if explicit == 0 && strings.ContainsRune(segment, ',') {
		if colon := strings.LastIndexByte(segment, ':'); colon >= 0 && colon+1 < len(segment) {
			if tail := segment[colon+1:]; isAllDigits(tail) {
				n, err := strconv.Atoi(tail)
				if err == nil {
					explicit = n
					ratioPart = segment[:colon]
				}
			}
		}
	}

	normalized := strings.ReplaceAll(ratioPart, ",", ":")
	var ratios []float64
	for _, item := range strings.Split(normalized, ":") {
		if item == "" {
			continue
		}
		v, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: invalid ratio value: %q", ErrBadTopology, item)
		}
		ratios = append(ratios, v)
	}
	if len(ratios) == 0 {
		return nil, 0, fmt.Errorf("%w: empty ratio list in segment: %q", ErrBadTopology, segment)
	}
	return ratios, explicit, nil
}

// assignLayers distributes layers not pinned with an explicit count in
// proportion to stage weight. The last auto-assigned stage absorbs the
// rounding error.
func assignLayers(stages []StageDef, weights []float64, nLayers int) error {
	explicitTotal := 0
	var auto []int
	for i := range stages {
		if stages[i].NLayers == 0 {
			auto = append(auto, i)
		} else {
			explicitTotal += stages[i].NLayers
		}
	}
	if explicitTotal > nLayers {
		return fmt.Errorf("%w: explicit layer count %d exceeds model layers %d",
			ErrBadTopology, explicitTotal, nLayers)
	}
	remaining := nLayers - explicitTotal
	if len(auto) == 0 {
		if remaining != 0 {
			return fmt.Errorf("%w: explicit layers sum to %d, model has %d",
				ErrBadTopology, explicitTotal, nLayers)
		}
		return nil
	}

	totalWeight := 0.0
	autoWeights := make([]float64, len(auto))
	for i, idx := range auto {
		if idx < len(weights) {
			autoWeights[i] = weights[idx]
		}
		totalWeight += autoWeights[i]
	}
	if totalWeight <= 1e-6 {
		base := remaining / len(auto)
		rem := remaining % len(auto)
		for i, idx := range auto {
			stages[idx].NLayers = base
			if i < rem {
				stages[idx].NLayers++
			}
		}
		return nil
	}

	allocated := 0
	for i, idx := range auto {
		var n int
		if i == len(auto)-1 {
			n = remaining - allocated
		} else {
			n = int(math.Round(float64(remaining) * autoWeights[i] / totalWeight))
			if allocated+n > remaining {
				n = remaining - allocated
			}
		}
		stages[idx].NLayers = n
		allocated += n
	}
	return nil
}
