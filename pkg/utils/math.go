package utils

import "math"

// Norm returns the Euclidean norm of a vector.
func Norm(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// SubVecs returns a - b element-wise. The slices must be the same length.
func SubVecs(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

// MulVecs returns the element-wise (Hadamard) product of a and b.
func MulVecs(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return out
}

// ScaleVec returns v scaled by s.
func ScaleVec(v []float64, s float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] * s
	}
	return out
}

// RelativeChange returns |(current - previous) / previous|.
func RelativeChange(current, previous float64) float64 {
	return math.Abs((current - previous) / previous)
}

// MinFloat64 returns the minimum of two float64 values
func MinFloat64(a, b float64) float64 {
	return math.Min(a, b)
}
