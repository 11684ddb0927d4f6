// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// EBayesOptions configures the empirical Bayes variance shrinkage.
type EBayesOptions struct {
	// Robust winsorizes the log variances before estimating the
	// prior, protecting it from hypervariable sites.
	Robust bool
	// Winsor tail proportions for Robust mode (defaults 0.05 and
	// 0.1).
	WinsorTailLo float64
	WinsorTailHi float64
}

// EBayesFit augments a LinearFit with moderated statistics for the
// tested coefficient: posterior variances shrunk toward a common
// prior, and the t statistics, p values, standard errors and 95%
// confidence intervals that follow.
type EBayesFit struct {
	*LinearFit
	DFPrior float64
	S2Prior float64
	S2Post  []float64
	DFTotal []float64
	T       []float64
	PValue  []float64
	SE      []float64
	CILow   []float64
	CIHigh  []float64
}

// EBayes squeezes the per-site residual variances toward a global
// prior estimated by fitting a scaled F distribution to them, then
// recomputes the tested coefficient's t statistic against the
// moderated variance and augmented degrees of freedom.
func EBayes(fit *LinearFit, opt EBayesOptions) *EBayesFit {
	nsites := len(fit.Sigma)
	ret := &EBayesFit{
		LinearFit: fit,
		S2Post:    make([]float64, nsites),
		DFTotal:   make([]float64, nsites),
		T:         make([]float64, nsites),
		PValue:    make([]float64, nsites),
		SE:        make([]float64, nsites),
		CILow:     make([]float64, nsites),
		CIHigh:    make([]float64, nsites),
	}
	tailLo, tailHi := opt.WinsorTailLo, opt.WinsorTailHi
	if tailLo <= 0 {
		tailLo = 0.05
	}
	if tailHi <= 0 {
		tailHi = 0.1
	}
	ret.DFPrior, ret.S2Prior = fitFDist(fit.Sigma, fit.ResidualDF, opt.Robust, tailLo, tailHi)

	dfPooled := 0.0
	for _, df := range fit.ResidualDF {
		dfPooled += df
	}
	d0, s02 := ret.DFPrior, ret.S2Prior
	for g := 0; g < nsites; g++ {
		df := fit.ResidualDF[g]
		s2 := fit.Sigma[g] * fit.Sigma[g]
		var s2post float64
		switch {
		case math.IsNaN(s2) && d0 > 0 && !math.IsNaN(s02):
			s2post = s02
		case math.IsNaN(s2):
			s2post = math.NaN()
		case math.IsInf(d0, 1):
			s2post = s02
		case d0 == 0 || math.IsNaN(d0):
			s2post = s2
		default:
			s2post = (d0*s02 + df*s2) / (d0 + df)
		}
		ret.S2Post[g] = s2post
		dftot := df + d0
		if math.IsNaN(d0) {
			dftot = df
		}
		if dftot > dfPooled {
			dftot = dfPooled
		}
		ret.DFTotal[g] = dftot

		coef := fit.Coef[g][fit.Tested]
		su := fit.StdevUnscaled[g][fit.Tested]
		se := su * math.Sqrt(s2post)
		ret.SE[g] = se
		t := coef / se
		ret.T[g] = t
		if dftot > 0 && !math.IsNaN(t) && !math.IsInf(t, 0) {
			dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dftot}
			ret.PValue[g] = 2 * dist.CDF(-math.Abs(t))
			q := dist.Quantile(0.975)
			ret.CILow[g] = coef - q*se
			ret.CIHigh[g] = coef + q*se
		} else {
			ret.PValue[g] = math.NaN()
			ret.CILow[g] = math.NaN()
			ret.CIHigh[g] = math.NaN()
		}
	}
	return ret
}

// fitFDist estimates the parameters of a scaled F distribution from
// the observed residual variances, by matching moments of the log
// variances adjusted for each site's chi-squared sampling noise.
func fitFDist(sigma, residualDF []float64, robust bool, tailLo, tailHi float64) (dfPrior, s2Prior float64) {
	var e, tri []float64
	for g, sg := range sigma {
		df := residualDF[g]
		s2 := sg * sg
		if df <= 0 || math.IsNaN(s2) || s2 <= 0 {
			continue
		}
		e = append(e, math.Log(s2)-digamma(df/2)+math.Log(df/2))
		tri = append(tri, trigamma(df/2))
	}
	if len(e) == 0 {
		return 0, math.NaN()
	}
	if robust && len(e) > 1 {
		winsorizeValues(e, tailLo, tailHi)
	}
	emean := mean(e)
	if len(e) == 1 {
		return math.Inf(1), math.Exp(emean)
	}
	evar := sampleVariance(e, emean) - mean(tri)
	if evar > 0 {
		d0 := 2 * trigammaInverse(evar)
		return d0, math.Exp(emean + digamma(d0/2) - math.Log(d0/2))
	}
	return math.Inf(1), math.Exp(emean)
}

// winsorizeValues clamps x in place at its empirical tailLo and
// 1-tailHi quantiles.
func winsorizeValues(x []float64, tailLo, tailHi float64) {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	lo := stat.Quantile(tailLo, stat.Empirical, sorted, nil)
	hi := stat.Quantile(1-tailHi, stat.Empirical, sorted, nil)
	for i, v := range x {
		if v < lo {
			x[i] = lo
		} else if v > hi {
			x[i] = hi
		}
	}
}

func mean(x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

func sampleVariance(x []float64, mean float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += (v - mean) * (v - mean)
	}
	return sum / float64(len(x)-1)
}

func digamma(x float64) float64 { return mathext.Digamma(x) }

// trigamma is the second derivative of log Gamma, via the Hurwitz
// zeta function.
func trigamma(x float64) float64 { return mathext.Zeta(2, x) }

// tetragamma is the third derivative of log Gamma.
func tetragamma(x float64) float64 { return -2 * mathext.Zeta(3, x) }

// trigammaInverse solves trigamma(y) == x by Newton iteration on a
// convexity-adjusted update.
func trigammaInverse(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return math.NaN()
	case x <= 0:
		return math.NaN()
	case x > 1e7:
		return 1 / math.Sqrt(x)
	case x < 1e-6:
		return 1 / x
	}
	y := 0.5 + 1/x
	for iter := 0; iter < 50; iter++ {
		tri := trigamma(y)
		dif := tri * (1 - tri/x) / tetragamma(y)
		y += dif
		if -dif/y < 1e-8 {
			break
		}
	}
	return y
}
