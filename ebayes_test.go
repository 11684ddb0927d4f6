// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"fmt"
	"math"

	"gopkg.in/check.v1"
)

type ebayesSuite struct{}

var _ = check.Suite(&ebayesSuite{})

// mkfit builds a per-site fit with the given residual scales and
// degrees of freedom, constant coefficient and unscaled stdev.
func (s *ebayesSuite) mkfit(sigma, df []float64, coef, su float64) *LinearFit {
	n := len(sigma)
	fit := &LinearFit{
		Columns:       []string{"intercept", "x"},
		Tested:        1,
		Coef:          make([][]float64, n),
		StdevUnscaled: make([][]float64, n),
		Sigma:         append([]float64(nil), sigma...),
		ResidualDF:    append([]float64(nil), df...),
		AMean:         make([]float64, n),
		N:             make([]int, n),
	}
	for g := 0; g < n; g++ {
		fit.Coef[g] = []float64{0.1, coef}
		fit.StdevUnscaled[g] = []float64{0.9, su}
	}
	return fit
}

func (s *ebayesSuite) TestGammaDerivatives(c *check.C) {
	c.Check(fmt.Sprintf("%.6f", digamma(1)), check.Equals, "-0.577216")
	c.Check(fmt.Sprintf("%.6f", trigamma(1)), check.Equals, "1.644934")
	c.Check(fmt.Sprintf("%.6f", tetragamma(1)), check.Equals, "-2.404114")
}

func (s *ebayesSuite) TestTrigammaInverse(c *check.C) {
	for _, y := range []float64{0.2, 0.7, 1.5, 4, 10} {
		x := trigamma(y)
		yi := trigammaInverse(x)
		c.Check(math.Abs(yi-y)/y < 1e-6, check.Equals, true, check.Commentf("y=%v x=%v yi=%v", y, x, yi))
	}
	c.Check(math.IsNaN(trigammaInverse(math.NaN())), check.Equals, true)
	c.Check(math.IsNaN(trigammaInverse(-1)), check.Equals, true)
	c.Check(trigammaInverse(4e14), check.Equals, 1/math.Sqrt(4e14))
	c.Check(trigammaInverse(math.Exp2(-24)), check.Equals, math.Exp2(24))
}

// Identical residual variances leave nothing to shrink between sites:
// the prior absorbs everything and every posterior variance equals it.
func (s *ebayesSuite) TestEqualVariances(c *check.C) {
	fit := s.mkfit(
		[]float64{0.2, 0.2, 0.2, 0.2, 0.2},
		[]float64{4, 4, 4, 4, 4},
		0.5, 0.45)
	eb := EBayes(fit, EBayesOptions{})
	c.Check(math.IsInf(eb.DFPrior, 1), check.Equals, true)
	want := math.Exp(math.Log(0.2*0.2) - digamma(2) + math.Log(2))
	c.Check(math.Abs(eb.S2Prior-want)/want < 1e-12, check.Equals, true, check.Commentf("prior %v want %v", eb.S2Prior, want))
	for g := 0; g < 5; g++ {
		c.Check(eb.S2Post[g], check.Equals, eb.S2Prior)
		// df+Inf caps at the pooled total
		c.Check(eb.DFTotal[g], check.Equals, 20.0)
		c.Check(eb.SE[g], check.Equals, 0.45*math.Sqrt(eb.S2Post[g]))
		c.Check(eb.T[g], check.Equals, 0.5/eb.SE[g])
		c.Check(eb.PValue[g] > 0 && eb.PValue[g] <= 1, check.Equals, true, check.Commentf("p=%v", eb.PValue[g]))
		c.Check(eb.CILow[g] < 0.5, check.Equals, true)
		c.Check(eb.CIHigh[g] > 0.5, check.Equals, true)
	}
}

// With varied variances the posterior is a weighted average: it always
// lands between the site variance and the prior.
func (s *ebayesSuite) TestSqueeze(c *check.C) {
	sigma := []float64{0.1, 0.15, 0.2, 0.3, 0.8, 0.05, 0.25, 0.12}
	df := []float64{10, 10, 10, 10, 10, 10, 10, 10}
	eb := EBayes(s.mkfit(sigma, df, 0.3, 0.5), EBayesOptions{})
	c.Check(eb.DFPrior > 0, check.Equals, true, check.Commentf("d0=%v", eb.DFPrior))
	c.Check(math.IsInf(eb.DFPrior, 1), check.Equals, false)
	c.Check(eb.S2Prior > 0, check.Equals, true)
	for g := range sigma {
		s2 := sigma[g] * sigma[g]
		lo, hi := s2, eb.S2Prior
		if lo > hi {
			lo, hi = hi, lo
		}
		c.Check(eb.S2Post[g] >= lo && eb.S2Post[g] <= hi, check.Equals, true,
			check.Commentf("site %d: s2=%v prior=%v post=%v", g, s2, eb.S2Prior, eb.S2Post[g]))
		c.Check(eb.DFTotal[g], check.Equals, 10+eb.DFPrior)
		c.Check(eb.PValue[g] > 0 && eb.PValue[g] <= 1, check.Equals, true)
		c.Check(eb.CILow[g] < 0.3 && 0.3 < eb.CIHigh[g], check.Equals, true)
	}
	// sites with smaller variance than the prior are pulled up,
	// hypervariable ones pulled down
	c.Check(eb.S2Post[5] > sigma[5]*sigma[5], check.Equals, true)
	c.Check(eb.S2Post[4] < sigma[4]*sigma[4], check.Equals, true)
}

func (s *ebayesSuite) TestUnfittableSite(c *check.C) {
	nan := math.NaN()
	fit := s.mkfit(
		[]float64{0.2, 0.2, 0.2, nan},
		[]float64{6, 6, 6, 0},
		0.5, 0.45)
	fit.Coef[3] = []float64{nan, nan}
	fit.StdevUnscaled[3] = []float64{nan, nan}
	eb := EBayes(fit, EBayesOptions{})
	// the prior fills in for the missing site variance
	c.Check(eb.S2Post[3], check.Equals, eb.S2Prior)
	c.Check(math.IsNaN(eb.T[3]), check.Equals, true)
	c.Check(math.IsNaN(eb.PValue[3]), check.Equals, true)
	c.Check(math.IsNaN(eb.CILow[3]), check.Equals, true)
	c.Check(math.IsNaN(eb.CIHigh[3]), check.Equals, true)
	// the good sites still get statistics
	c.Check(math.IsNaN(eb.PValue[0]), check.Equals, false)
}

func (s *ebayesSuite) TestNoUsableVariances(c *check.C) {
	nan := math.NaN()
	fit := s.mkfit([]float64{nan, 0}, []float64{0, 3}, 0.5, 0.45)
	eb := EBayes(fit, EBayesOptions{})
	c.Check(eb.DFPrior, check.Equals, 0.0)
	c.Check(math.IsNaN(eb.S2Prior), check.Equals, true)
	// NaN variance stays NaN; zero variance yields an infinite t and
	// therefore no p value
	c.Check(math.IsNaN(eb.S2Post[0]), check.Equals, true)
	c.Check(eb.S2Post[1], check.Equals, 0.0)
	c.Check(math.IsInf(eb.T[1], 0), check.Equals, true)
	c.Check(math.IsNaN(eb.PValue[0]), check.Equals, true)
	c.Check(math.IsNaN(eb.PValue[1]), check.Equals, true)
}

func (s *ebayesSuite) TestSingleSite(c *check.C) {
	eb := EBayes(s.mkfit([]float64{0.3}, []float64{5}, 0.2, 0.6), EBayesOptions{})
	c.Check(math.IsInf(eb.DFPrior, 1), check.Equals, true)
	c.Check(eb.S2Post[0], check.Equals, eb.S2Prior)
	c.Check(eb.DFTotal[0], check.Equals, 5.0)
}

// Winsorizing the log variances protects the prior from a
// hypervariable outlier: the outlier no longer inflates the spread, so
// the estimated prior degrees of freedom grow.
func (s *ebayesSuite) TestRobustPrior(c *check.C) {
	sigma := []float64{0.05, 0.1, 0.15, 0.2, 0.3, 0.45, 0.6, 0.9, 0.07, 0.12, 0.22, 5.0}
	df := make([]float64, len(sigma))
	for i := range df {
		df[i] = 8
	}
	plain := EBayes(s.mkfit(sigma, df, 0.3, 0.5), EBayesOptions{})
	robust := EBayes(s.mkfit(sigma, df, 0.3, 0.5), EBayesOptions{Robust: true})
	c.Check(plain.DFPrior > 0 && !math.IsInf(plain.DFPrior, 1), check.Equals, true, check.Commentf("plain d0=%v", plain.DFPrior))
	c.Check(robust.DFPrior > plain.DFPrior, check.Equals, true,
		check.Commentf("robust d0=%v plain d0=%v", robust.DFPrior, plain.DFPrior))

	// explicit tails identical to the defaults
	explicit := EBayes(s.mkfit(sigma, df, 0.3, 0.5), EBayesOptions{Robust: true, WinsorTailLo: 0.05, WinsorTailHi: 0.1})
	c.Check(explicit.DFPrior, check.Equals, robust.DFPrior)
	c.Check(explicit.S2Prior, check.Equals, robust.S2Prior)
}
