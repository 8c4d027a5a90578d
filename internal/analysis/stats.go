package analysis

import (
	"math"
	"sort"
)

// Abramowitz & Stegun 7.1.26 coefficients for the erf approximation.
const (
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
	erfP  = 0.3275911
)

// erf approximates the Gauss error function with the Abramowitz & Stegun
// 7.1.26 rational polynomial. Absolute error stays below 1.5e-7.
func erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1
		x = -x
	}
	t := 1 / (1 + erfP*x)
	y := 1 - ((((erfA5*t+erfA4)*t+erfA3)*t+erfA2)*t+erfA1)*t*math.Exp(-x*x)
	return sign * y
}

// normalCDF returns the standard normal CDF at t.
func normalCDF(t float64) float64 {
	return 0.5 * (1 + erf(t/math.Sqrt2))
}

// median returns the median of values; even-length inputs average the two
// middle values. The slice is sorted in place. Callers guard against
// empty input.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

// meanVar returns the arithmetic mean and population variance (dividing
// by n, not n-1) of values.
func meanVar(values []float64) (mean, variance float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= n
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, variance
}

// benjaminiHochberg computes BH-adjusted p-values, preserving input
// order: p*n/rank with a running minimum from the largest rank down.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	adjusted := make([]float64, n)
	if n == 0 {
		return adjusted
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return pvals[idx[a]] < pvals[idx[b]] })

	minAdj := 1.0
	for i := n - 1; i >= 0; i-- {
		adj := pvals[idx[i]] * float64(n) / float64(i+1)
		if adj < minAdj {
			minAdj = adj
		}
		adjusted[idx[i]] = minAdj
	}
	return adjusted
}
