package analysis

import "math"

// varianceStabilize maps one normalized count to log2 scale: values below
// 0.5 become 0, everything else log2(v + 0.5).
func varianceStabilize(v float64) float64 {
	if v < 0.5 {
		return 0
	}
	return math.Log2(v + 0.5)
}

// vstMatrix applies varianceStabilize elementwise.
func vstMatrix(normalized [][]float64) [][]float64 {
	out := make([][]float64, len(normalized))
	for g, row := range normalized {
		o := make([]float64, len(row))
		for s, v := range row {
			o[s] = varianceStabilize(v)
		}
		out[g] = o
	}
	return out
}
