package nn

// Size describes the shape and storage of a tensor with up to three
// dimensions (z planes of y rows by x columns). Byte counts are derived
// from the shape at construction time and never recomputed.
type Size struct {
	FloatType FloatType
	Z         int
	Y         int
	X         int
	Length    int
	NBytes    int
	NBytesXY  int
}

// Size0 is the empty size used for ops without weights.
func Size0() Size {
	return Size{FloatType: FloatUnknown}
}

func Size1D(t FloatType, x int) Size {
	return Size3D(t, 1, 1, x)
}

func Size2D(t FloatType, y, x int) Size {
	return Size3D(t, 1, y, x)
}

func Size3D(t FloatType, z, y, x int) Size {
	return Size{
		FloatType: t,
		Z:         z,
		Y:         y,
		X:         x,
		Length:    z * y * x,
		NBytes:    t.Bytes(z * y * x),
		NBytesXY:  t.Bytes(y * x),
	}
}
