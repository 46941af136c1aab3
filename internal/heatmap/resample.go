package heatmap

// Output grid bounds for resampling requests.
const (
	MinCols      = 8
	MaxCols      = 240
	FallbackCols = 64
	MinRows      = 6
	MaxRows      = 180
	FallbackRows = 36
)

// ClampDim normalizes a requested output dimension: zero falls back to the
// default, anything else is clamped into [min, max].
func ClampDim(v, min, max, fallback int) int {
	if v == 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Resample buckets the 256x256 base grid into a cols x rows output grid.
// Every non-zero base cell lands in exactly one output cell, so the total
// count is preserved. Returns the output counts and the maximum cell value.
func Resample(grid []uint32, cols, rows int) ([]uint64, uint64) {
	out := make([]uint64, cols*rows)
	var max uint64
	for y := 0; y < BaseRows; y++ {
		for x := 0; x < BaseCols; x++ {
			idx := y*BaseCols + x
			if idx >= len(grid) {
				return out, max
			}
			count := uint64(grid[idx])
			if count == 0 {
				continue
			}
			tx := x * cols / BaseCols
			ty := y * rows / BaseRows
			tIdx := ty*cols + tx
			if tIdx < len(out) {
				out[tIdx] = satAddU64(out[tIdx], count)
				if out[tIdx] > max {
					max = out[tIdx]
				}
			}
		}
	}
	return out, max
}
