package model

const (
	// NumDirections is the number of neighbour directions of a voxel.
	NumDirections = 26
	// NumOffsets is the number of gain taps per state (directions x dims).
	NumOffsets = NumDirections * 3
	// NoState marks a tap without an upstream state.
	NoState int32 = -1
)

// OffsetToGainIndex maps a neighbour offset (each component in -1..1)
// and an output dimension to a gain column. The zero offset has no tap.
func OffsetToGainIndex(x, y, z, d int) (int, bool) {
	if x == 0 && y == 0 && z == 0 {
		return 0, false
	}
	if x < -1 || x > 1 || y < -1 || y > 1 || z < -1 || z > 1 || d < 0 || d > 2 {
		return 0, false
	}
	idx := d + (z+1)*3 + (y+1)*9 + (x+1)*27
	if idx > 39 {
		idx -= 3
	}
	return idx, true
}

// GainIndexToOffset is the inverse of OffsetToGainIndex.
func GainIndexToOffset(idx int) (x, y, z, d int, ok bool) {
	if idx < 0 || idx >= NumOffsets {
		return 0, 0, 0, 0, false
	}
	if idx >= 39 {
		idx += 3
	}
	d = idx % 3
	z = (idx/3)%3 - 1
	y = (idx/9)%3 - 1
	x = idx/27 - 1
	return x, y, z, d, true
}

// OffsetToDelayIndex maps a neighbour offset to a coef/delay column.
func OffsetToDelayIndex(x, y, z int) (int, bool) {
	if x == 0 && y == 0 && z == 0 {
		return 0, false
	}
	if x < -1 || x > 1 || y < -1 || y > 1 || z < -1 || z > 1 {
		return 0, false
	}
	idx := (z + 1) + (y+1)*3 + (x+1)*9
	if idx > 13 {
		idx--
	}
	return idx, true
}

// DelayIndexToOffset is the inverse of OffsetToDelayIndex.
func DelayIndexToOffset(idx int) (x, y, z int, ok bool) {
	if idx < 0 || idx >= NumDirections {
		return 0, 0, 0, false
	}
	if idx > 12 {
		idx++
	}
	z = idx%3 - 1
	y = (idx/3)%3 - 1
	x = idx/9 - 1
	return x, y, z, true
}
