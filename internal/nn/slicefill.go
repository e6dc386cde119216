package nn

// splitsByPriority returns the dimension splits in the order slice
// resolution tries them. Vocab first (largest, logits), then FFN, hidden
// dim, heads, KV heads. Every dimension is checked before falling back to
// a uniform carve.
func (p *PartitionPlan) splitsByPriority() []DimSplit {
	return []DimSplit{p.VocabSplit, p.FfnSplit, p.DimSplit, p.HeadSplit, p.KvHeadSplit}
}

// SpanOf resolves one node's span, in elements, of a pipe row of
// totalUnits elements.
//
// Slot-sliced pipes carve uniformly into one slot per global node. Auto
// pipes match totalUnits against the plan's dimension splits restricted to
// the node's TP group: a split matches when the group's length sum evenly
// divides totalUnits. Without a plan or a match the carve is uniform over
// the group, the last member absorbing the remainder.
func SpanOf(p *PartitionPlan, slicing PipeSlicing, nodeIndex, nNodes, totalUnits int) (offset, length int) {
	if slicing == SliceSlots {
		slot := totalUnits / nNodes
		return nodeIndex * slot, slot
	}

	group := groupOf(p, nodeIndex, nNodes)
	if p != nil && p.NNodes == nNodes {
		for _, split := range p.splitsByPriority() {
			groupTotal := 0
			for _, g := range group {
				groupTotal += split.Lengths[g]
			}
			if groupTotal > 0 && totalUnits%groupTotal == 0 {
				mult := totalUnits / groupTotal
				return split.Starts[nodeIndex] * mult, split.Lengths[nodeIndex] * mult
			}
		}
	}

	rank := 0
	for i, g := range group {
		if g == nodeIndex {
			rank = i
			break
		}
	}
	avg := totalUnits / len(group)
	offset = rank * avg
	length = avg
	if rank == len(group)-1 {
		length = totalUnits - offset
	}
	return offset, length
}

func groupOf(p *PartitionPlan, nodeIndex, nNodes int) []int {
	if p != nil && p.NNodes == nNodes {
		if stage := p.StageFor(nodeIndex); stage != nil {
			return stage.NodeIndices
		}
	}
	group := make([]int, nNodes)
	for i := range group {
		group[i] = i
	}
	return group
}
