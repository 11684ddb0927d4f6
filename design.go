// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// designMatrix is a fitted model's column layout: sample rows, named
// coefficient columns, column-major storage.
type designMatrix struct {
	names  []string
	cols   [][]float64
	n      int
	tested int // column index of the variable's coefficient
}

func (dm *designMatrix) ncol() int { return len(dm.cols) }

// matrix returns the design as a sample-rows gonum matrix.
func (dm *designMatrix) matrix() *mat.Dense {
	x := mat.NewDense(dm.n, len(dm.cols), nil)
	for j, col := range dm.cols {
		for i, v := range col {
			x.Set(i, j, v)
		}
	}
	return x
}

// covariateColumns expands covariates to numeric model columns:
// numeric, binary and ordered covariates contribute their simplified
// values; a categorical covariate with k levels contributes k-1
// indicator columns (first level as reference). Missing categorical
// values pad to all-zero indicators rather than dropping the row.
func covariateColumns(cvs *Covariates) ([]string, [][]float64) {
	var names []string
	var cols [][]float64
	if cvs == nil {
		return names, cols
	}
	for _, cv := range cvs.Columns {
		if cv.Kind == KindCategorical {
			for li, level := range cv.Levels[1:] {
				col := make([]float64, len(cv.Values))
				for i, v := range cv.Values {
					if v == float64(li+1) {
						col[i] = 1
					}
				}
				names = append(names, cv.Name+"."+level)
				cols = append(cols, col)
			}
			continue
		}
		names = append(names, cv.Name)
		cols = append(cols, append([]float64(nil), cv.Values...))
	}
	return names, cols
}

// buildDesign builds the regression design for one covariate set:
// [intercept, variable, covariates...]. When cell-count proportions
// are supplied the non-intercept columns are replaced by two blocks,
// each column scaled by the proportion ("target." prefix) and by one
// minus the proportion ("other." prefix), modeling
// Mi = A*Xi*pi + B*Xi*(1-pi) + e with a shared intercept. Constant
// (zero-variance) non-intercept columns are pruned; pruning the
// variable's own column is an error.
func buildDesign(variable Variable, cvs *Covariates, cellCounts []float64) (*designMatrix, error) {
	n := len(variable.Values)
	names := []string{"intercept", variable.Name}
	intercept := make([]float64, n)
	for i := range intercept {
		intercept[i] = 1
	}
	cols := [][]float64{intercept, append([]float64(nil), variable.Values...)}
	cvNames, cvCols := covariateColumns(cvs)
	names = append(names, cvNames...)
	cols = append(cols, cvCols...)
	tested := 1

	if cellCounts != nil {
		if len(cellCounts) != n {
			return nil, fmt.Errorf("cell counts length %d != sample count %d", len(cellCounts), n)
		}
		blockNames := []string{"intercept"}
		blockCols := [][]float64{intercept}
		for j := 1; j < len(cols); j++ {
			col := make([]float64, n)
			for i, v := range cols[j] {
				col[i] = v * cellCounts[i]
			}
			blockNames = append(blockNames, "target."+names[j])
			blockCols = append(blockCols, col)
		}
		for j := 1; j < len(cols); j++ {
			col := make([]float64, n)
			for i, v := range cols[j] {
				col[i] = v * (1 - cellCounts[i])
			}
			blockNames = append(blockNames, "other."+names[j])
			blockCols = append(blockCols, col)
		}
		names, cols = blockNames, blockCols
		tested = 1 // target block's variable column
	}

	dm := &designMatrix{n: n}
	testedName := names[tested]
	for j, col := range cols {
		if j > 0 && constantColumn(col) {
			if j == tested {
				return nil, fmt.Errorf("variable %q has no variance in the design", variable.Name)
			}
			continue
		}
		if j == tested {
			dm.tested = len(dm.cols)
		}
		dm.names = append(dm.names, names[j])
		dm.cols = append(dm.cols, col)
	}
	if dm.names[dm.tested] != testedName {
		return nil, fmt.Errorf("variable %q has no variance in the design", variable.Name)
	}
	return dm, nil
}

// buildModelMatrices builds the null (intercept + covariates) and full
// (null + variable) model matrices handed to the surrogate-variable
// estimators.
func buildModelMatrices(variable Variable, cvs *Covariates) (mod0, mod *designMatrix) {
	n := len(variable.Values)
	intercept := make([]float64, n)
	for i := range intercept {
		intercept[i] = 1
	}
	names := []string{"intercept"}
	cols := [][]float64{intercept}
	cvNames, cvCols := covariateColumns(cvs)
	names = append(names, cvNames...)
	cols = append(cols, cvCols...)
	mod0 = &designMatrix{names: names, cols: cols, n: n}
	mod = &designMatrix{
		names:  append(append([]string(nil), names...), variable.Name),
		cols:   append(append([][]float64(nil), cols...), append([]float64(nil), variable.Values...)),
		n:      n,
		tested: len(cols),
	}
	return mod0, mod
}

func constantColumn(col []float64) bool {
	for _, v := range col[1:] {
		if v != col[0] {
			return false
		}
	}
	return !math.IsNaN(col[0])
}
