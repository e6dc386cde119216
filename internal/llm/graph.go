package llm

import (
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// Net is the built dataflow graph: the cluster-global config plus one
// NodeConfig per node. The driver owns it for the length of a session.
type Net struct {
	Header      *Header
	Plan        *nn.PartitionPlan
	NetConfig   nn.NetConfig
	NodeConfigs []nn.NodeConfig

	PositionPipeIndex int
	TokenPipeIndex    int
	XPipeIndex        int
	LogitsPipeIndex   int
	ZqPipeIndex       int

	TokenEmbeddingSize nn.Size
	RmsNormSize        nn.Size
	QkRmsNormSize      nn.Size
	MoeGateSize        nn.Size
}

// BuildNet emits the execution graph for every node of the plan. Weights
// are fed later by a weight loader; the graph only fixes shapes, op
// order, and sync placement.
func BuildNet(h *Header, nBatches int, plan *nn.PartitionPlan) (*Net, error) {
	nNodes := plan.NNodes
	n := &Net{
		Header:             h,
		Plan:               plan,
		TokenEmbeddingSize: nn.Size2D(nn.F32, h.VocabSize, h.Dim),
		RmsNormSize:        nn.Size1D(nn.F32, h.Dim),
		QkRmsNormSize:      nn.Size1D(nn.F32, h.HeadDim),
		MoeGateSize:        nn.Size2D(nn.F32, h.NExperts, h.Dim),
	}

	netBuilder := nn.NewNetConfigBuilder(nNodes, nBatches)
	n.PositionPipeIndex = netBuilder.AddPipe("POS", nn.Size2D(nn.F32, nBatches, 1))
	n.TokenPipeIndex = netBuilder.AddPipe("TOK", nn.Size2D(nn.F32, nBatches, 1))
	n.XPipeIndex = netBuilder.AddPipe("X", nn.Size2D(nn.F32, nBatches, h.Dim))
	n.LogitsPipeIndex = netBuilder.AddPipe("LG", nn.Size2D(nn.F32, nBatches, h.VocabSize))
	// One full-width partial slot per node; MERGE_ADD folds the slots.
	n.ZqPipeIndex = netBuilder.AddSlottedPipe("ZQ", nn.Size2D(h.SyncType, nBatches, h.Dim*nNodes))
	netBuilder.AddPreSync(n.PositionPipeIndex)
	n.NetConfig = netBuilder.Build()

	n.NodeConfigs = make([]nn.NodeConfig, nNodes)
	for nodeIndex := 0; nodeIndex < nNodes; nodeIndex++ {
		stage := plan.StageFor(nodeIndex)
		config, err := buildNode(h, n, plan, nBatches, nodeIndex, stage)
		if err != nil {
			return nil, err
		}
		config.Plan = plan
		n.NodeConfigs[nodeIndex] = config
	}
	return n, nil
}

func buildNode(h *Header, n *Net, plan *nn.PartitionPlan, nBatches, nodeIndex int, stage *nn.StageConfig) (nn.NodeConfig, error) {
	startLayer := stage.StartLayer
	endLayer := stage.EndLayer
	isFirstStage := stage.StageIndex == 0
	isLastStage := stage.StageIndex == len(plan.Stages)-1

	ffDim := h.FfnDim()
	nExperts := h.NExperts
	nActiveOr1 := max(h.NActiveExperts, 1)

	kvCache := nn.SliceKvCache(h.SeqLen, h.HeadDim, plan, nodeIndex)
	mhaSlice := nn.SliceMultiHeadAtt(nBatches, h.NHeads, h.SeqLen, plan, nodeIndex)
	qSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.HeadSplit, h.QDim, nodeIndex)
	kSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, nodeIndex)
	vSlice := nn.SliceRowMatmulHeads(h.WeightType, h.Dim, h.HeadDim, &plan.KvHeadSplit, h.KvDim, nodeIndex)
	woSlice := nn.SliceColMatmulAtt(h.WeightType, h.QDim, h.Dim, h.HeadDim, plan, nodeIndex)
	w1Slice := nn.SliceRowMatmulFfn(h.WeightType, h.Dim, ffDim, plan, nodeIndex)
	w2Slice := nn.SliceColMatmulFfn(h.WeightType, ffDim, h.Dim, plan, nodeIndex)
	w3Slice := nn.SliceRowMatmulFfn(h.WeightType, h.Dim, ffDim, plan, nodeIndex)
	wclsSlice := nn.SliceRowMatmulLogits(h.WeightType, h.Dim, h.VocabSize, plan, nodeIndex)

	ropeSlice, err := nn.SliceRope(h.RopeType, h.SeqLen, h.KvDim, h.NKvHeads, h.HeadDim, h.RopeTheta, plan, nodeIndex)
	if err != nil {
		return nn.NodeConfig{}, err
	}

	nQNormCols, nKNormCols, nInvCols := 1, 1, 1
	if h.ArchType.IsQwen() {
		nQNormCols = qSlice.InLen / h.HeadDim
		nKNormCols = kSlice.InLen / h.HeadDim
		nInvCols = max(nQNormCols, nKNormCols)
	}

	node := nn.NewNodeConfigBuilder(nodeIndex)

	xBuffer := node.AddBuffer("x", nn.Size2D(nn.F32, nBatches, h.Dim))
	yBuffer := node.AddBuffer("y", nn.Size2D(nn.F32, nBatches, h.Dim))
	mhaOutBuffer := node.AddBuffer("mha_out", nn.Size2D(nn.F32, nBatches, qSlice.InLen))
	qBuffer := node.AddBuffer("q", nn.Size2D(nn.F32, nBatches, qSlice.InLen))
	kTempBuffer := node.AddBuffer("k_temp", nn.Size2D(nn.F32, nBatches, kSlice.InLen))
	vTempBuffer := node.AddBuffer("v_temp", nn.Size2D(nn.F32, nBatches, vSlice.InLen))
	invRmsBuffer := node.AddBuffer("inv_rms", nn.Size2D(nn.F32, nBatches, nInvCols))
	ropeCacheBuffer := node.AddBuffer("rope_cache", ropeSlice.CacheSize)
	attBuffer := node.AddBuffer("att", mhaSlice.AttSize)
	logitsSliceBuffer := node.AddBuffer("lg", nn.Size2D(nn.F32, nBatches, wclsSlice.InLen))
	dBuffer := node.AddBuffer("d", nn.Size2D(nn.F32, nBatches, w1Slice.InLen))
	lBuffer := node.AddBuffer("l", nn.Size2D(nn.F32, nBatches, w3Slice.InLen))
	expertIndexesBuffer := node.AddBuffer("act_exp_ix", nn.Size2D(nn.F32, nBatches, nActiveOr1))

	moeGtBuffer, moeYBuffer, moeDBuffer, moeLBuffer, moeSBuffer := -1, -1, -1, -1, -1
	if nExperts > 0 {
		moeGtBuffer = node.AddBuffer("gt", nn.Size2D(nn.F32, nBatches, nExperts))
		moeYBuffer = node.AddBuffer("moe_y", nn.Size3D(nn.F32, nActiveOr1, nBatches, h.Dim))
		moeDBuffer = node.AddBuffer("moe_d", nn.Size3D(nn.F32, nActiveOr1, nBatches, w1Slice.InLen))
		moeLBuffer = node.AddBuffer("moe_l", nn.Size3D(nn.F32, nActiveOr1, nBatches, w3Slice.InLen))
		moeSBuffer = node.AddBuffer("moe_s", nn.Size3D(nn.F32, nActiveOr1, nBatches, 1))
	}

	matmulParams := nn.MatmulParams{ExpertsBufferIndex: expertIndexesBuffer}
	actCode := nn.OpSilu
	if h.HiddenAct == ActGelu {
		actCode = nn.OpGelu
	}

	// Start segment: the global root embeds the token batch, then the
	// first stage's TP group receives the broadcast hidden state.
	var start nn.SegmentBuilder
	if isFirstStage && nodeIndex == 0 {
		start.AddOp(nn.OpEmbedding, "embedding", 0,
			nn.PointerBatch(nn.SrcPipe, n.TokenPipeIndex),
			nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
			n.TokenEmbeddingSize, nil)
	}
	if isFirstStage {
		start.AddSync(n.XPipeIndex, nn.SyncWithRoot)
	}
	node.AddSegment(start.Build())

	if !isFirstStage {
		// The stage root receives the prior stage's activations, then
		// rebroadcasts them inside its own TP group.
		var ppRecv nn.SegmentBuilder
		ppRecv.AddSync(n.XPipeIndex, nn.SyncPpRecv)
		ppRecv.AddSync(n.XPipeIndex, nn.SyncWithRoot)
		node.AddSegment(ppRecv.Build())
	}

	for layerIndex := startLayer; layerIndex < endLayer; layerIndex++ {
		kBuffer := node.AddBuffer("k", kvCache.KeySize)
		vBuffer := node.AddBuffer("v", kvCache.ValueSize)

		var att nn.SegmentBuilder
		switch {
		case layerIndex == 0:
			att.AddOp(nn.OpCast, "block_cast_x", layerIndex,
				nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
				nn.PointerBatch(nn.SrcBuffer, xBuffer),
				nn.Size0(), nil)
		case layerIndex == startLayer && !isFirstStage:
			att.AddOp(nn.OpCast, "block_cast_x_pp", layerIndex,
				nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
				nn.PointerBatch(nn.SrcBuffer, xBuffer),
				nn.Size0(), nil)
		default:
			att.AddOp(nn.OpMergeAdd, "block_merge_add", layerIndex,
				nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
				nn.PointerBatch(nn.SrcBuffer, xBuffer),
				nn.Size0(), nil)
		}

		att.AddOp(nn.OpInvRms, "block_norm_pre_0", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
			nn.Size0(), nn.InvRmsParams{Epsilon: h.NormEpsilon, NColumns: 1})
		att.AddOp(nn.OpRmsNorm, "block_norm_0", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			n.RmsNormSize, nn.RmsNormParams{InvRmsBufferIndex: invRmsBuffer, NColumns: 1})

		att.AddOp(nn.OpMatmul, "block_matmul_q", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatch(nn.SrcBuffer, qBuffer),
			nn.Size2D(h.WeightType, qSlice.InLen, qSlice.N), matmulParams)
		att.AddOp(nn.OpMatmul, "block_matmul_k", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.Size2D(h.WeightType, kSlice.InLen, kSlice.N), matmulParams)
		att.AddOp(nn.OpMatmul, "block_matmul_v", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatch(nn.SrcBuffer, vTempBuffer),
			nn.Size2D(h.WeightType, vSlice.InLen, vSlice.N), matmulParams)

		if h.ArchType.IsQwen() {
			att.AddOp(nn.OpInvRms, "block_norm_pre_q", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, qBuffer),
				nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
				nn.Size0(), nn.InvRmsParams{Epsilon: h.NormEpsilon, NColumns: nQNormCols})
			att.AddOp(nn.OpRmsNorm, "block_norm_q", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, qBuffer),
				nn.PointerBatch(nn.SrcBuffer, qBuffer),
				nn.Size2D(nn.F32, 1, h.HeadDim), nn.RmsNormParams{InvRmsBufferIndex: invRmsBuffer, NColumns: nQNormCols})
			att.AddOp(nn.OpInvRms, "block_norm_pre_k", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
				nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
				nn.Size0(), nn.InvRmsParams{Epsilon: h.NormEpsilon, NColumns: nKNormCols})
			att.AddOp(nn.OpRmsNorm, "block_norm_k", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
				nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
				nn.Size2D(nn.F32, 1, h.HeadDim), nn.RmsNormParams{InvRmsBufferIndex: invRmsBuffer, NColumns: nKNormCols})
		}

		ropeParams := nn.RopeParams{
			Type:                 h.RopeType,
			PositionPipeIndex:    n.PositionPipeIndex,
			RopeCacheBufferIndex: ropeCacheBuffer,
			ScalingFactor:        h.RopeScalingFactor,
			ScalingLowFreq:       h.RopeScalingLowFreq,
			ScalingHighFreq:      h.RopeScalingHighFreq,
			ScalingOrigMaxSeqLen: h.RopeScalingOrigMaxSeqLen,
			Slice:                ropeSlice,
		}
		qRope := ropeParams
		qRope.IsQ = true
		att.AddOp(nn.OpRope, "block_rope_q", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, qBuffer),
			nn.PointerBatch(nn.SrcBuffer, qBuffer),
			nn.Size0(), qRope)
		att.AddOp(nn.OpRope, "block_rope_k", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.Size0(), ropeParams)

		att.AddOp(nn.OpShift, "block_shift_k", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, kTempBuffer),
			nn.PointerRaw(nn.SrcBuffer, kBuffer),
			nn.Size0(), nn.ShiftParams{IndexPipeIndex: n.PositionPipeIndex})
		att.AddOp(nn.OpShift, "block_shift_v", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, vTempBuffer),
			nn.PointerRaw(nn.SrcBuffer, vBuffer),
			nn.Size0(), nn.ShiftParams{IndexPipeIndex: n.PositionPipeIndex})

		att.AddOp(nn.OpMultiheadAtt, "block_multihead_att", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, mhaOutBuffer),
			nn.PointerBatch(nn.SrcBuffer, mhaOutBuffer),
			nn.Size0(), nn.MultiheadAttParams{
				NHeads:                h.NHeads,
				NHeads0:               mhaSlice.HeadLen,
				NKvHeads:              h.NKvHeads,
				HeadDim:               h.HeadDim,
				SeqLen:                h.SeqLen,
				QSliceD0:              qSlice.InLen,
				KvDim0:                kvCache.KvLen,
				PositionPipeIndex:     n.PositionPipeIndex,
				QueryBufferIndex:      qBuffer,
				KeyCacheBufferIndex:   kBuffer,
				ValueCacheBufferIndex: vBuffer,
				AttBufferIndex:        attBuffer,
			})

		att.AddOp(nn.OpMatmul, "block_matmul_wo", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, mhaOutBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.Size2D(h.WeightType, woSlice.D, woSlice.N0), matmulParams)
		att.AddOp(nn.OpCast, "block_cast_d", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatchedSlice(nn.SrcPipe, n.ZqPipeIndex),
			nn.Size0(), nil)
		att.AddSync(n.ZqPipeIndex, nn.SyncNodeSlices)

		var ff nn.SegmentBuilder
		ff.AddOp(nn.OpMergeAdd, "block_merge_add2", layerIndex,
			nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.Size0(), nil)
		ff.AddOp(nn.OpInvRms, "block_norm_pre_1", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
			nn.Size0(), nn.InvRmsParams{Epsilon: h.NormEpsilon, NColumns: 1})
		ff.AddOp(nn.OpRmsNorm, "block_norm_1", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			n.RmsNormSize, nn.RmsNormParams{InvRmsBufferIndex: invRmsBuffer, NColumns: 1})

		if nExperts > 0 {
			moeMatmulParams := nn.MatmulParams{
				NExperts:           nExperts,
				NActiveExperts:     h.NActiveExperts,
				ExpertsBufferIndex: expertIndexesBuffer,
			}
			ff.AddOp(nn.OpRepeatZ, "block_moe_y_repeat", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMatmul, "block_moe_gate", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				n.MoeGateSize, matmulParams)
			ff.AddOp(nn.OpSoftmax, "block_moe_softmax", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMoeGate, "block_moe_gate2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeGtBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeSBuffer),
				nn.Size0(), nn.MoeGateParams{K: h.NActiveExperts, NormTopk: true, IndexesBufferIndex: expertIndexesBuffer})
			ff.AddOp(nn.OpMatmul, "block_matmul_w1", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.Size3D(h.WeightType, nExperts, w1Slice.InLen, w1Slice.N), moeMatmulParams)
			ff.AddOp(nn.OpMatmul, "block_matmul_w3", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeLBuffer),
				nn.Size3D(h.WeightType, nExperts, w3Slice.InLen, w3Slice.N), moeMatmulParams)
			ff.AddOp(actCode, "block_act", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMul, "block_mul", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.Size0(), nn.MulParams{MultiplierBufferIndex: moeLBuffer})
			ff.AddOp(nn.OpMatmul, "block_matmul_w2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeDBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.Size3D(h.WeightType, nExperts, w2Slice.D, w2Slice.OutLen), moeMatmulParams)
			ff.AddOp(nn.OpScale, "block_moe_scale", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.Size0(), nn.ScaleParams{ScaleBufferIndex: moeSBuffer})
			ff.AddOp(nn.OpMergeSum, "block_moe_merge_sum", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, moeYBuffer),
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.Size0(), nil)
		} else {
			ff.AddOp(nn.OpMatmul, "block_matmul_w1", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.Size2D(h.WeightType, w1Slice.InLen, w1Slice.N), matmulParams)
			ff.AddOp(nn.OpMatmul, "block_matmul_w3", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.PointerBatch(nn.SrcBuffer, lBuffer),
				nn.Size2D(h.WeightType, w3Slice.InLen, w3Slice.N), matmulParams)
			ff.AddOp(actCode, "block_act", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.Size0(), nil)
			ff.AddOp(nn.OpMul, "block_mul", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.Size0(), nn.MulParams{MultiplierBufferIndex: lBuffer})
			ff.AddOp(nn.OpMatmul, "block_matmul_w2", layerIndex,
				nn.PointerBatch(nn.SrcBuffer, dBuffer),
				nn.PointerBatch(nn.SrcBuffer, yBuffer),
				nn.Size2D(h.WeightType, w2Slice.D, w2Slice.OutLen), matmulParams)
		}
		ff.AddOp(nn.OpCast, "block_cast_d3", layerIndex,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatchedSlice(nn.SrcPipe, n.ZqPipeIndex),
			nn.Size0(), nil)
		ff.AddSync(n.ZqPipeIndex, nn.SyncNodeSlices)

		node.AddSegment(att.Build())
		node.AddSegment(ff.Build())
	}

	if !isLastStage {
		// Fold this stage's final reduction and hand the full hidden
		// state to the next stage.
		var ppSend nn.SegmentBuilder
		ppSend.AddOp(nn.OpMergeAdd, "pp_stage_merge", endLayer-1,
			nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.Size0(), nil)
		ppSend.AddOp(nn.OpCast, "pp_cast_out", endLayer-1,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcPipe, n.XPipeIndex),
			nn.Size0(), nil)
		ppSend.AddSync(n.XPipeIndex, nn.SyncPpSend)
		node.AddSegment(ppSend.Build())
	}

	if isLastStage {
		var end nn.SegmentBuilder
		end.AddOp(nn.OpMergeAdd, "final_merge_add", 0,
			nn.PointerBatch(nn.SrcPipe, n.ZqPipeIndex),
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.Size0(), nil)
		end.AddOp(nn.OpInvRms, "final_norm_pre", 0,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, invRmsBuffer),
			nn.Size0(), nn.InvRmsParams{Epsilon: h.NormEpsilon, NColumns: 1})
		end.AddOp(nn.OpRmsNorm, "final_norm", 0,
			nn.PointerBatch(nn.SrcBuffer, xBuffer),
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			n.RmsNormSize, nn.RmsNormParams{InvRmsBufferIndex: invRmsBuffer, NColumns: 1})
		end.AddOp(nn.OpMatmul, "final_matmul_logits", 0,
			nn.PointerBatch(nn.SrcBuffer, yBuffer),
			nn.PointerBatch(nn.SrcBuffer, logitsSliceBuffer),
			nn.Size2D(h.WeightType, wclsSlice.InLen, wclsSlice.N), nn.MatmulParams{ExpertsBufferIndex: expertIndexesBuffer})
		end.AddOp(nn.OpCast, "final_cast_logits", 0,
			nn.PointerBatch(nn.SrcBuffer, logitsSliceBuffer),
			nn.PointerBatchedSlice(nn.SrcPipe, n.LogitsPipeIndex),
			nn.Size0(), nil)
		end.AddSync(n.LogitsPipeIndex, nn.SyncNodeSlicesExceptRoot)
		node.AddSegment(end.Build())
	} else if nodeIndex == 0 {
		// The driver waits for the last stage's logits even when it owns
		// an earlier stage.
		var wait nn.SegmentBuilder
		wait.AddSync(n.LogitsPipeIndex, nn.SyncNodeSlicesExceptRoot)
		node.AddSegment(wait.Build())
	}

	return node.Build(), nil
}
