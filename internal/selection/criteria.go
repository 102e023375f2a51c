package selection

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// VarianceFloor keeps ln(variance) finite for perfect fits.
const VarianceFloor = 1e-12

// Information returns BIC = n ln(v) + k ln(n) and AIC = n ln(v) + 2k.
func Information(residualVariance float64, n, k int) (bic, aic float64) {
	if math.IsNaN(residualVariance) || n <= 0 {
		return math.Inf(1), math.Inf(1)
	}
	v := math.Max(residualVariance, VarianceFloor)
	fit := float64(n) * math.Log(v)
	return fit + float64(k)*math.Log(float64(n)), fit + 2*float64(k)
}

// ResidualVariance is the mean squared residual over the given rows and
// every output column.
func ResidualVariance(pred, Y *mat.Dense, rows []int) float64 {
	_, cols := Y.Dims()
	sq := make([]float64, 0, len(rows)*cols)
	for _, r := range rows {
		for c := 0; c < cols; c++ {
			d := pred.At(r, c) - Y.At(r, c)
			sq = append(sq, d*d)
		}
	}
	if len(sq) == 0 {
		return math.Inf(1)
	}
	v := stat.Mean(sq, nil)
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

// sanitize maps NaN to +Inf so it never wins a board.
func sanitize(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}
