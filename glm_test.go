// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

// twoByTwoFixture builds 40 samples where methylation and outcome are
// both binary: 12 exposed cases, 8 exposed controls, 5 unexposed
// cases, 15 unexposed controls. The logistic MLE then has closed
// forms: coefficient ln((12/8)/(5/15)) = ln 4.5, standard error
// sqrt(1/12+1/8+1/5+1/15) = sqrt 0.475.
func twoByTwoFixture() (meth, outcome []float64) {
	for i := 0; i < 12; i++ {
		meth = append(meth, 1)
		outcome = append(outcome, 1)
	}
	for i := 0; i < 8; i++ {
		meth = append(meth, 1)
		outcome = append(outcome, 0)
	}
	for i := 0; i < 5; i++ {
		meth = append(meth, 0)
		outcome = append(outcome, 1)
	}
	for i := 0; i < 15; i++ {
		meth = append(meth, 0)
		outcome = append(outcome, 0)
	}
	return
}

func (s *glmSuite) TestFitLogisticTwoByTwo(c *check.C) {
	meth, outcome := twoByTwoFixture()
	fit, err := FitLogistic([][]float64{meth}, outcome, nil, nil, 1)
	c.Assert(err, check.IsNil)
	c.Assert(fit.Coef, check.HasLen, 1)
	c.Check(fit.N[0], check.Equals, 40)

	wantCoef := math.Log(4.5)
	wantSE := math.Sqrt(0.475)
	c.Check(math.Abs(fit.Coef[0]-wantCoef) < 1e-6, check.Equals, true, check.Commentf("coef %v", fit.Coef[0]))
	c.Check(math.Abs(fit.SE[0]-wantSE) < 1e-6, check.Equals, true, check.Commentf("se %v", fit.SE[0]))
	c.Check(math.Abs(fit.Z[0]-fit.Coef[0]/fit.SE[0]) < 1e-8, check.Equals, true, check.Commentf("z %v", fit.Z[0]))

	llFull := 12*math.Log(0.6) + 8*math.Log(0.4) + 5*math.Log(0.25) + 15*math.Log(0.75)
	llNull := 17*math.Log(17.0/40) + 23*math.Log(23.0/40)
	wantP := distuv.ChiSquared{K: 1}.Survival(2 * (llFull - llNull))
	c.Check(math.Abs(fit.PValue[0]-wantP) < 1e-6, check.Equals, true, check.Commentf("p %v want %v", fit.PValue[0], wantP))
	c.Check(fit.PValue[0] < 0.05, check.Equals, true)
}

func (s *glmSuite) TestFitLogisticMissing(c *check.C) {
	meth, outcome := twoByTwoFixture()
	partial := append([]float64(nil), meth...)
	partial[0] = math.NaN()  // exposed case
	partial[39] = math.NaN() // unexposed control
	sparse := make([]float64, len(meth))
	for i := range sparse {
		sparse[i] = math.NaN()
	}
	sparse[0], sparse[20] = 1, 0

	fit, err := FitLogistic([][]float64{meth, partial, sparse}, outcome, nil, nil, 2)
	c.Assert(err, check.IsNil)
	c.Check(fit.N, check.DeepEquals, []int{40, 38, 2})

	// dropping one cell each from the 12 and 15 counts shifts the
	// odds ratio to (11/8)/(5/14)
	wantCoef := math.Log((11.0 / 8) / (5.0 / 14))
	c.Check(math.Abs(fit.Coef[1]-wantCoef) < 1e-6, check.Equals, true, check.Commentf("coef %v", fit.Coef[1]))
	c.Check(fit.PValue[1] > 0, check.Equals, true)
	c.Check(fit.PValue[1] < 1, check.Equals, true)

	// two observations cannot support the model
	c.Check(math.IsNaN(fit.Coef[2]), check.Equals, true)
	c.Check(math.IsNaN(fit.SE[2]), check.Equals, true)
	c.Check(math.IsNaN(fit.PValue[2]), check.Equals, true)
}

func (s *glmSuite) TestFitLogisticConstantSite(c *check.C) {
	meth, outcome := twoByTwoFixture()
	constant := make([]float64, len(meth))
	for i := range constant {
		constant[i] = 0.3
	}
	fit, err := FitLogistic([][]float64{constant, meth}, outcome, nil, nil, 1)
	c.Assert(err, check.IsNil)
	c.Check(fit.N[0], check.Equals, 40)
	c.Check(math.IsNaN(fit.Coef[0]), check.Equals, true)
	c.Check(math.IsNaN(fit.Z[0]), check.Equals, true)
	c.Check(math.IsNaN(fit.PValue[0]), check.Equals, true)
	c.Check(math.IsNaN(fit.Coef[1]), check.Equals, false)
}

func (s *glmSuite) TestFitLogisticCovariates(c *check.C) {
	meth, outcome := twoByTwoFixture()
	age := make([]float64, len(meth))
	for i := range age {
		age[i] = 30 + float64(i%7)
	}
	fit, err := FitLogistic([][]float64{meth}, outcome, [][]float64{age}, []string{"age"}, 1)
	c.Assert(err, check.IsNil)
	c.Check(fit.N[0], check.Equals, 40)
	c.Check(math.IsNaN(fit.Coef[0]), check.Equals, false)
	c.Check(fit.SE[0] > 0, check.Equals, true)
	c.Check(fit.PValue[0] > 0, check.Equals, true)
	c.Check(fit.PValue[0] <= 1, check.Equals, true)
}

func (s *glmSuite) TestFitLogisticErrors(c *check.C) {
	meth, outcome := twoByTwoFixture()

	_, err := FitLogistic(nil, outcome, nil, nil, 1)
	c.Check(err, check.ErrorMatches, `no sites to fit`)

	bad := append([]float64(nil), outcome...)
	bad[3] = 2
	_, err = FitLogistic([][]float64{meth}, bad, nil, nil, 1)
	c.Check(err, check.ErrorMatches, `logistic regression requires a binary variable, have value 2`)

	_, err = FitLogistic([][]float64{meth}, outcome, [][]float64{{1, 2, 3}}, []string{"age"}, 1)
	c.Check(err, check.ErrorMatches, `covariate column 0 has 3 values, variable has 40`)
}

func (s *glmSuite) BenchmarkFitLogistic(c *check.C) {
	nsites, n := 500, 200
	outcome := make([]float64, n)
	for i := range outcome {
		outcome[i] = float64(i % 2)
	}
	y := make([][]float64, nsites)
	for site := range y {
		row := make([]float64, n)
		for i := range row {
			row[i] = 0.5 + 0.3*math.Sin(float64(site*n+i))
		}
		y[site] = row
	}
	c.ResetTimer()
	for i := 0; i < c.N; i++ {
		_, err := FitLogistic(y, outcome, nil, nil, 0)
		c.Check(err, check.IsNil)
	}
}
