package nn

import "errors"

// The error taxonomy is exhaustive. Session-level failures (ErrTransfer)
// terminate the current session only; the remaining errors abort before or
// during startup. Invariant violations panic instead.
var (
	// ErrBadTopology reports a malformed ratios string or a node-count
	// mismatch between the topology and the cluster.
	ErrBadTopology = errors.New("bad topology")

	// ErrUnsupportedModel reports a magic/version mismatch or a model that
	// cannot be partitioned over the requested cluster.
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrWeightStreamMisaligned reports a layer-byte checksum failure while
	// walking the weight stream.
	ErrWeightStreamMisaligned = errors.New("weight stream misaligned")

	// ErrTransfer reports a socket read/write failure or a closed or
	// mismatched peer.
	ErrTransfer = errors.New("transfer error")

	// ErrOpInit reports that no kernel is registered for an opcode and
	// quantization combination.
	ErrOpInit = errors.New("op init")

	// ErrResourceExhausted reports an allocation failure.
	ErrResourceExhausted = errors.New("resource exhausted")
)
