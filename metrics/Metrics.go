// Package metrics implements the point-forecast error metrics the
// experiment harness reports: RMSE, MAE, MAPE and sMAPE. Computation
// leans on gonum/floats elementwise reductions rather than hand-rolled
// loops, the same library ADGArrio-Influenza_Causality_AR_Project uses
// for its own time series error accounting.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// All bundles the four error metrics computed against one pair of
// (actual, predicted) series.
type All struct {
	RMSE  float64
	MAE   float64
	MAPE  float64
	SMAPE float64
}

// ComputeAll returns RMSE/MAE/MAPE/sMAPE for actual vs predicted. The
// two slices must be the same length; callers truncate to the
// shorter length before calling, as the harness does when aligning a
// forecast horizon against a shorter test tail.
func ComputeAll(actual, predicted []float64) All {
	return All{
		RMSE:  RMSE(actual, predicted),
		MAE:   MAE(actual, predicted),
		MAPE:  MAPE(actual, predicted),
		SMAPE: SMAPE(actual, predicted),
	}
}

// RMSE returns sqrt(mean((actual-predicted)^2)).
func RMSE(actual, predicted []float64) float64 {
	diff := diffOf(actual, predicted)
	sq := make([]float64, len(diff))
	for i, d := range diff {
		sq[i] = d * d
	}
	return math.Sqrt(floats.Sum(sq) / float64(len(sq)))
}

// MAE returns mean(|actual-predicted|).
func MAE(actual, predicted []float64) float64 {
	diff := diffOf(actual, predicted)
	abs := make([]float64, len(diff))
	for i, d := range diff {
		abs[i] = math.Abs(d)
	}
	return floats.Sum(abs) / float64(len(abs))
}

// MAPE returns 100*mean(|actual-predicted|/|actual|) over indices
// where actual != 0, or 0 if there are none.
func MAPE(actual, predicted []float64) float64 {
	var sum float64
	var n int
	for i, a := range actual {
		if a == 0 {
			continue
		}
		sum += math.Abs(a-predicted[i]) / math.Abs(a)
		n++
	}
	if n == 0 {
		return 0
	}
	return 100 * sum / float64(n)
}

// SMAPE returns 100*mean(|actual-predicted|/((|actual|+|predicted|)/2))
// over indices where the denominator is non-zero, or 0 if there are
// none.
func SMAPE(actual, predicted []float64) float64 {
	var sum float64
	var n int
	for i, a := range actual {
		p := predicted[i]
		denom := (math.Abs(a) + math.Abs(p)) / 2
		if denom == 0 {
			continue
		}
		sum += math.Abs(a-p) / denom
		n++
	}
	if n == 0 {
		return 0
	}
	return 100 * sum / float64(n)
}

func diffOf(actual, predicted []float64) []float64 {
	diff := make([]float64, len(actual))
	copy(diff, actual)
	floats.Sub(diff, predicted)
	return diff
}
