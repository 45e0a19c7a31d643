package engine

import (
	"math"
)

// Greedy returns the stable arg-max of logits (lowest id wins ties, NaN
// skipped) and its log-probability under softmax
func Greedy(logits []float32) (int, float64, error) {
	id := argMax(logits)
	if id < 0 {
		return 0, 0, ErrNoFiniteLogits
	}
	return id, logSoftmaxAt(logits, id), nil
}

func argMax(logits []float32) int {
	best := -1
	var bestVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		// strict > keeps the lowest id on ties
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

func logSoftmaxAt(logits []float32, idx int) float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if f := float64(v); !math.IsNaN(f) && f > maxVal {
			maxVal = f
		}
	}
	if math.IsInf(maxVal, 1) {
		if math.IsInf(float64(logits[idx]), 1) {
			return 0
		}
		return math.Inf(-1)
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	sum := 0.0
	for _, v := range logits {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		sum += math.Exp(f - maxVal)
	}
	return float64(logits[idx]) - maxVal - math.Log(sum)
}
