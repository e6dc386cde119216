package nn

// ShardDescriptor reduces every weight-shard copy to one shape: RowCount
// rows of RowBytes each, taken starting at StartRow from a source whose
// rows are RowStride bytes apart. A row shard degenerates to a single
// contiguous range (RowStride == RowBytes); a column shard copies one
// subrange per output row.
type ShardDescriptor struct {
	RowStride int
	RowBytes  int
	StartRow  int
	RowOffset int // byte offset of the shard within a source row
	RowCount  int
}

// Shard describes the contiguous byte range a RowMatmulSlice occupies
// on disk.
func (s RowMatmulSlice) Shard() ShardDescriptor {
	rowBytes := s.Type.Bytes(s.N)
	return ShardDescriptor{
		RowStride: rowBytes,
		RowBytes:  rowBytes,
		StartRow:  s.InStart,
		RowCount:  s.InLen,
	}
}

// Shard describes the strided ranges a ColMatmulSlice occupies on disk.
func (s ColMatmulSlice) Shard() ShardDescriptor {
	return ShardDescriptor{
		RowStride: s.Type.Bytes(s.N),
		RowBytes:  s.Type.Bytes(s.OutLen),
		StartRow:  0,
		RowOffset: s.Type.Bytes(s.OutStart),
		RowCount:  s.D,
	}
}

// Contiguous reports whether the shard is one unbroken byte range, which
// permits a single copy (or a zero-copy view of a memory-mapped source).
func (d ShardDescriptor) Contiguous() bool {
	return d.RowOffset == 0 && d.RowStride == d.RowBytes
}

// SrcOffset is the byte offset of the shard's first row in the source.
func (d ShardDescriptor) SrcOffset() int {
	return d.StartRow*d.RowStride + d.RowOffset
}

// NBytes is the total payload size of the shard.
func (d ShardDescriptor) NBytes() int {
	return d.RowCount * d.RowBytes
}

// Copy extracts the shard from src into dst. dst must hold NBytes. It
// returns the number of bytes written.
func (d ShardDescriptor) Copy(dst, src []byte) int {
	if d.Contiguous() {
		return copy(dst[:d.NBytes()], src[d.SrcOffset():d.SrcOffset()+d.NBytes()])
	}
	written := 0
	for row := 0; row < d.RowCount; row++ {
		srcOff := (d.StartRow+row)*d.RowStride + d.RowOffset
		written += copy(dst[row*d.RowBytes:(row+1)*d.RowBytes], src[srcOff:srcOff+d.RowBytes])
	}
	return written
}

// View returns a zero-copy slice of src covering the shard. It is only
// valid for contiguous shards.
func (d ShardDescriptor) View(src []byte) []byte {
	if !d.Contiguous() {
		panic("nn: view of a strided shard")
	}
	return src[d.SrcOffset() : d.SrcOffset()+d.NBytes()]
}
