// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"fmt"
	"io"
	"log"
	"math"
	"runtime"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// LogisticFit holds per-site logistic regression summaries: the Wald
// coefficient, standard error and z score for the methylation term,
// the likelihood-ratio p-value against the covariate-only null, and
// the non-missing sample count.
type LogisticFit struct {
	Coef   []float64
	SE     []float64
	Z      []float64
	PValue []float64
	N      []int
}

// FitLogistic runs a per-site logistic regression of the binary
// variable on [methylation, intercept, covariates...]. The p-value is
// a one degree of freedom likelihood ratio test of the methylation
// term; covariate columns are standardized before fitting. Sites with
// missing methylation refit the null on the same observed subset so
// the two likelihoods stay comparable. Singular or non-converging
// sites yield NaN statistics.
func FitLogistic(y [][]float64, variable []float64, covs [][]float64, covNames []string, threads int) (*LogisticFit, error) {
	nsites := len(y)
	n := len(variable)
	if nsites == 0 {
		return nil, fmt.Errorf("no sites to fit")
	}
	for _, v := range variable {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("logistic regression requires a binary variable, have value %g", v)
		}
	}
	outcome := make([]statmodel.Dtype, n)
	constants := make([]statmodel.Dtype, n)
	for i, v := range variable {
		outcome[i] = v
		constants[i] = 1
	}
	covData := make([][]statmodel.Dtype, len(covs))
	for c, col := range covs {
		if len(col) != n {
			return nil, fmt.Errorf("covariate column %d has %d values, variable has %d", c, len(col), n)
		}
		series := append([]statmodel.Dtype(nil), col...)
		normalize(series)
		covData[c] = series
	}

	nullLogLike, err := nullLogisticLogLike(outcome, constants, covData, covNames, nil)
	if err != nil {
		return nil, err
	}

	fit := &LogisticFit{
		Coef:   make([]float64, nsites),
		SE:     make([]float64, nsites),
		Z:      make([]float64, nsites),
		PValue: make([]float64, nsites),
		N:      make([]int, nsites),
	}
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	if threads > nsites {
		threads = nsites
	}
	th := throttle{Max: threads}
	for t := 0; t < threads; t++ {
		lo, hi := nsites*t/threads, nsites*(t+1)/threads
		th.Go(func() error {
			for site := lo; site < hi; site++ {
				fitLogisticSite(fit, site, y[site], outcome, constants, covData, covNames, nullLogLike)
			}
			return nil
		})
	}
	return fit, th.Wait()
}

// fitLogisticSite fills one row of the result. The IRLS fitter panics
// on singular or near-singular designs; that site becomes NaN.
func fitLogisticSite(fit *LogisticFit, site int, meth []float64, outcome, constants []statmodel.Dtype, covData [][]statmodel.Dtype, covNames []string, nullLogLike float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			fit.Coef[site] = math.NaN()
			fit.SE[site] = math.NaN()
			fit.Z[site] = math.NaN()
			fit.PValue[site] = math.NaN()
		}
	}()

	present := make([]int, 0, len(meth))
	for i, v := range meth {
		if !math.IsNaN(v) {
			present = append(present, i)
		}
	}
	fit.N[site] = len(present)
	if len(present) <= len(covData)+2 {
		fit.Coef[site] = math.NaN()
		fit.SE[site] = math.NaN()
		fit.Z[site] = math.NaN()
		fit.PValue[site] = math.NaN()
		return
	}

	logNull := nullLogLike
	var out, consts []statmodel.Dtype
	var cdata [][]statmodel.Dtype
	if len(present) == len(meth) {
		out, consts, cdata = outcome, constants, covData
	} else {
		out = subsetDtype(outcome, present)
		consts = subsetDtype(constants, present)
		cdata = make([][]statmodel.Dtype, len(covData))
		for c, col := range covData {
			cdata[c] = subsetDtype(col, present)
		}
		var err error
		logNull, err = nullLogisticLogLike(out, consts, cdata, covNames, present)
		if err != nil {
			fit.Coef[site] = math.NaN()
			fit.SE[site] = math.NaN()
			fit.Z[site] = math.NaN()
			fit.PValue[site] = math.NaN()
			return
		}
	}

	methSeries := make([]statmodel.Dtype, len(present))
	for r, i := range present {
		methSeries[r] = meth[i]
	}
	data := append([][]statmodel.Dtype{out, methSeries, consts}, cdata...)
	names := append([]string{"outcome", "methylation", "constants"}, covNames...)
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		fit.Coef[site] = math.NaN()
		fit.SE[site] = math.NaN()
		fit.Z[site] = math.NaN()
		fit.PValue[site] = math.NaN()
		return
	}
	result := model.Fit()
	fit.Coef[site] = result.Params()[0]
	fit.SE[site] = result.StdErr()[0]
	fit.Z[site] = result.ZScores()[0]
	dist := distuv.ChiSquared{K: 1}
	fit.PValue[site] = dist.Survival(-2 * (logNull - result.LogLike()))
}

// nullLogisticLogLike fits the covariate-only model. present is only
// for error context; nil means the full sample set.
func nullLogisticLogLike(outcome, constants []statmodel.Dtype, covData [][]statmodel.Dtype, covNames []string, present []int) (float64, error) {
	data := append([][]statmodel.Dtype{outcome, constants}, covData...)
	names := append([]string{"outcome", "constants"}, covNames...)
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		if present != nil {
			return 0, fmt.Errorf("null logistic model on %d samples: %w", len(present), err)
		}
		return 0, fmt.Errorf("null logistic model: %w", err)
	}
	return model.Fit().LogLike(), nil
}

func subsetDtype(x []statmodel.Dtype, idx []int) []statmodel.Dtype {
	out := make([]statmodel.Dtype, len(idx))
	for r, i := range idx {
		out[r] = x[i]
	}
	return out
}
