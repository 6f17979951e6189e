// Package stats computes order statistics and calendar-bucketed summaries
// over canonical run history.
//
// Selection is nearest-rank without interpolation. Inputs are never
// reordered; every function sorts a copy.
package stats

import (
	"math"
	"slices"
)

// Number is the set of element types the order statistics accept.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

func sorted[T Number](values []T) []T {
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}

// Deciles returns ten values: for i in 0..9 the element at floor((i+1)*n/10)
// of the sorted input. Indexes past the end (always the last decile, and
// more when n < 10) repeat the largest element. Nil for empty input.
func Deciles[T Number](values []T) []T {
	n := len(values)
	if n == 0 {
		return nil
	}
	s := sorted(values)
	out := make([]T, 10)
	for i := range out {
		idx := (i + 1) * n / 10
		if idx >= n {
			idx = n - 1
		}
		out[i] = s[idx]
	}
	return out
}

// Percentile returns the element at floor(p/100*n) of the sorted input.
// There is no clamping: the caller must pass a non-empty slice and p < 100.
func Percentile[T Number](values []T, p float64) T {
	s := sorted(values)
	return s[int(math.Floor(p/100*float64(len(s))))]
}

// StandardDeviation returns the population standard deviation computed in
// one pass over sum and sum of squares. Zero for fewer than two values.
func StandardDeviation[T Number](values []T) float64 {
	n := float64(len(values))
	if n <= 1 {
		return 0
	}
	var sum, sumSq float64
	for _, v := range values {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		// rounding on near-constant series
		return 0
	}
	return math.Sqrt(variance)
}

// Mean returns the arithmetic mean, or 0 for empty input.
func Mean[T Number](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}
