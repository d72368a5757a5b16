package model

import (
	"errors"
	"math"
)

var errSingular = errors.New("singular system")

// leastSquares solves (XᵀX + ridge·I) w = Xᵀy.
func leastSquares(xs [][]float64, ys []float64) ([]float64, error) {
	n := len(xs[0])
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
	}
	for r, x := range xs {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				a[i][j] += x[i] * x[j]
			}
			a[i][n] += x[i] * ys[r]
		}
	}
	for i := 1; i < n; i++ {
		a[i][i] += ridge
	}
	return gaussJordan(a)
}

// gaussJordan solves the augmented n×(n+1) system in place with partial pivoting.
func gaussJordan(a [][]float64) ([]float64, error) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c <= n; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	w := make([]float64, n)
	for i := range w {
		w[i] = a[i][n] / a[i][i]
	}
	return w, nil
}
