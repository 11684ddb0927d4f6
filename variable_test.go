// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"math"

	"gopkg.in/check.v1"
)

type variableSuite struct{}

var _ = check.Suite(&variableSuite{})

func (s *variableSuite) TestNumericVariable(c *check.C) {
	v := NumericVariable("age", []float64{1.5, math.NaN(), 3})
	c.Check(v.Kind, check.Equals, KindNumeric)
	c.Check(v.Raw, check.DeepEquals, []string{"1.5", "NA", "3"})
	c.Check(v.Values[0], check.Equals, 1.5)
	c.Check(math.IsNaN(v.Values[1]), check.Equals, true)
}

func (s *variableSuite) TestCategoricalVariable(c *check.C) {
	v, err := CategoricalVariable("smoker", []string{"yes", "no", "NA", "no", "yes"})
	c.Assert(err, check.IsNil)
	c.Check(v.Kind, check.Equals, KindBinary)
	c.Check(v.Levels, check.DeepEquals, []string{"no", "yes"})
	c.Check(v.Values[0], check.Equals, 1.0)
	c.Check(v.Values[1], check.Equals, 0.0)
	c.Check(math.IsNaN(v.Values[2]), check.Equals, true)

	_, err = CategoricalVariable("smoker", []string{"yes", "yes"})
	c.Check(err, check.ErrorMatches, `variable "smoker": categorical variable must have exactly 2 levels, has 1 .*`)
	_, err = CategoricalVariable("smoker", []string{"yes", "no", "sometimes"})
	c.Check(err, check.ErrorMatches, `variable "smoker": categorical variable must have exactly 2 levels, has 3 .*`)
}

func (s *variableSuite) TestOrderedVariable(c *check.C) {
	v, err := OrderedVariable("dose", []string{"high", "low", "mid", "NA"}, []string{"low", "mid", "high"})
	c.Assert(err, check.IsNil)
	c.Check(v.Kind, check.Equals, KindOrdered)
	c.Check(v.Values[0], check.Equals, 2.0)
	c.Check(v.Values[1], check.Equals, 0.0)
	c.Check(v.Values[2], check.Equals, 1.0)
	c.Check(math.IsNaN(v.Values[3]), check.Equals, true)

	_, err = OrderedVariable("dose", []string{"low"}, []string{"low"})
	c.Check(err, check.ErrorMatches, `variable "dose": ordered variable needs at least 2 levels`)
	_, err = OrderedVariable("dose", []string{"huge"}, []string{"low", "high"})
	c.Check(err, check.ErrorMatches, `variable "dose": value "huge" is not a declared level`)
}

func (s *variableSuite) TestCategoricalCovariate(c *check.C) {
	cv, err := CategoricalCovariate("sex", []string{"m", "f", "f"})
	c.Assert(err, check.IsNil)
	c.Check(cv.Kind, check.Equals, KindBinary)

	cv, err = CategoricalCovariate("clinic", []string{"a", "b", "c"})
	c.Assert(err, check.IsNil)
	c.Check(cv.Kind, check.Equals, KindCategorical)
	c.Check(cv.Levels, check.HasLen, 3)

	_, err = CategoricalCovariate("clinic", []string{"a", "a", "NA"})
	c.Check(err, check.ErrorMatches, `covariate "clinic": fewer than 2 distinct values`)
}

func (s *variableSuite) TestSubset(c *check.C) {
	v := NumericVariable("age", []float64{10, 20, 30, 40})
	sub := v.subset([]int{3, 0})
	c.Check(sub.Values, check.DeepEquals, []float64{40, 10})
	c.Check(sub.Raw, check.DeepEquals, []string{"40", "10"})
	c.Check(v.Values, check.HasLen, 4)
}

func (s *variableSuite) TestCovariatesNames(c *check.C) {
	var cvs *Covariates
	c.Check(cvs.Len(), check.Equals, 0)
	c.Check(cvs.Names(), check.IsNil)

	cvs = &Covariates{Columns: []Covariate{
		NumericCovariate("a", []float64{1, 2}),
		NumericCovariate("b", []float64{3, 4}),
	}}
	c.Check(cvs.Len(), check.Equals, 2)
	c.Check(cvs.Names(), check.DeepEquals, []string{"a", "b"})
}

func (s *variableSuite) TestKindString(c *check.C) {
	c.Check(KindNumeric.String(), check.Equals, "numeric")
	c.Check(KindBinary.String(), check.Equals, "binary")
	c.Check(KindOrdered.String(), check.Equals, "ordered")
	c.Check(KindCategorical.String(), check.Equals, "categorical")
}
