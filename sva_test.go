// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"math"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type svaSuite struct{}

var _ = check.Suite(&svaSuite{})

// latentFixture builds a sites x samples matrix carrying one strong
// unmodeled factor: half the sites load on a shared per-sample pattern
// far above the noise floor.
func (s *svaSuite) latentFixture() (rm [][]float64, x []float64) {
	const g, n = 40, 12
	x = make([]float64, n)
	lat := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i % 2)
		lat[i] = math.Sin(1.7 * float64(i))
	}
	rm = make([][]float64, g)
	for site := 0; site < g; site++ {
		load := 0.0
		if site >= g/2 {
			load = 1.5
		}
		row := make([]float64, n)
		for i := 0; i < n; i++ {
			row[i] = 0.5 + load*lat[i] + 0.05*math.Sin(float64(3*site+7*i))
		}
		rm[site] = row
	}
	return
}

func (s *svaSuite) models(c *check.C, x []float64) (mod0, mod *designMatrix) {
	mod0, mod = buildModelMatrices(NumericVariable("x", x), nil)
	return
}

func (s *svaSuite) TestEstimateDimensionRMT(c *check.C) {
	rm, _ := s.latentFixture()
	k := EstimateDimensionRMT(rm)
	c.Check(k >= 1, check.Equals, true, check.Commentf("k=%d", k))
	c.Check(k <= 5, check.Equals, true, check.Commentf("k=%d", k))

	c.Check(EstimateDimensionRMT(nil), check.Equals, 0)
	c.Check(EstimateDimensionRMT([][]float64{{1, 2, 3}}), check.Equals, 0)

	// constant columns carry no standardized signal
	flat := [][]float64{{0, 1, 2}, {0, 1, 2}, {0, 1, 2}}
	c.Check(EstimateDimensionRMT(flat), check.Equals, 0)
}

func (s *svaSuite) TestEstimateSVAFixedCount(c *check.C) {
	rm, x := s.latentFixture()
	mod0, mod := s.models(c, x)
	f1, err := EstimateSVA(rm, mod, mod0, 2, rand.NewSource(1))
	c.Assert(err, check.IsNil)
	c.Assert(f1, check.HasLen, 12)
	c.Check(f1[0], check.HasLen, 2)
	for i := range f1 {
		for j := range f1[i] {
			c.Check(math.IsNaN(f1[i][j]), check.Equals, false)
		}
	}
	// a fixed factor count never consults the random source
	f2, err := EstimateSVA(rm, mod, mod0, 2, rand.NewSource(999))
	c.Assert(err, check.IsNil)
	c.Check(f2, check.DeepEquals, f1)
}

func (s *svaSuite) TestEstimateSVAClampsCount(c *check.C) {
	rm, x := s.latentFixture()
	mod0, mod := s.models(c, x)
	// 12 samples over a 2-column model leave at most 9 factor columns
	f, err := EstimateSVA(rm, mod, mod0, 100, rand.NewSource(1))
	c.Assert(err, check.IsNil)
	c.Check(f[0], check.HasLen, 9)
}

func (s *svaSuite) TestEstimateSVAAutoCount(c *check.C) {
	rm, x := s.latentFixture()
	mod0, mod := s.models(c, x)
	f1, err := EstimateSVA(rm, mod, mod0, 0, rand.NewSource(7))
	c.Assert(err, check.IsNil)
	c.Assert(f1, check.HasLen, 12)
	c.Check(len(f1[0]) >= 1, check.Equals, true, check.Commentf("k=%d", len(f1[0])))

	f2, err := EstimateSVA(rm, mod, mod0, 0, rand.NewSource(7))
	c.Assert(err, check.IsNil)
	c.Check(f2, check.DeepEquals, f1)
}

func (s *svaSuite) TestEstimateSVANoDegreesOfFreedom(c *check.C) {
	x := []float64{0, 1, 2}
	mod0, mod := s.models(c, x)
	rm := make([][]float64, 5)
	for i := range rm {
		rm[i] = []float64{float64(i), float64(i + 1), float64(2 * i)}
	}
	_, err := EstimateSVA(rm, mod, mod0, 1, rand.NewSource(1))
	c.Check(err, check.ErrorMatches, `3 samples leave no degrees of freedom for surrogate factors over a 2-column model`)
}

func (s *svaSuite) TestEstimateISVA(c *check.C) {
	rm, x := s.latentFixture()
	_, mod := s.models(c, x)
	f1, err := EstimateISVA(rm, mod, 2, rand.NewSource(11))
	c.Assert(err, check.IsNil)
	c.Assert(f1, check.HasLen, 12)
	c.Check(f1[0], check.HasLen, 2)
	for i := range f1 {
		for j := range f1[i] {
			c.Check(math.IsNaN(f1[i][j]), check.Equals, false)
		}
	}
	f2, err := EstimateISVA(rm, mod, 2, rand.NewSource(11))
	c.Assert(err, check.IsNil)
	c.Check(f2, check.DeepEquals, f1)
}

func (s *svaSuite) TestEstimateISVAAutoCount(c *check.C) {
	rm, x := s.latentFixture()
	_, mod := s.models(c, x)
	f, err := EstimateISVA(rm, mod, 0, rand.NewSource(3))
	c.Assert(err, check.IsNil)
	c.Assert(f, check.HasLen, 12)
	c.Check(len(f[0]) >= 1, check.Equals, true, check.Commentf("k=%d", len(f[0])))
}

func (s *svaSuite) TestEstimateSmartSVA(c *check.C) {
	rm, x := s.latentFixture()
	mod0, mod := s.models(c, x)
	f1, err := EstimateSmartSVA(rm, mod, mod0, 0, rand.NewSource(23))
	c.Assert(err, check.IsNil)
	c.Assert(f1, check.HasLen, 12)
	c.Check(len(f1[0]) >= 1, check.Equals, true, check.Commentf("k=%d", len(f1[0])))

	f2, err := EstimateSmartSVA(rm, mod, mod0, 0, rand.NewSource(23))
	c.Assert(err, check.IsNil)
	c.Check(f2, check.DeepEquals, f1)
}

func (s *svaSuite) TestResidualizeOrthogonal(c *check.C) {
	rm, x := s.latentFixture()
	_, mod := s.models(c, x)
	resid, err := residualize(rm, mod)
	c.Assert(err, check.IsNil)
	c.Assert(resid, check.HasLen, len(rm))
	for site := range resid {
		for j, col := range mod.cols {
			dot := 0.0
			for i := range col {
				dot += resid[site][i] * col[i]
			}
			c.Check(math.Abs(dot) < 1e-8, check.Equals, true, check.Commentf("site %d column %d: %v", site, j, dot))
		}
	}
}

func (s *svaSuite) TestEmptyFactors(c *check.C) {
	f := emptyFactors(4)
	c.Assert(f, check.HasLen, 4)
	for _, row := range f {
		c.Check(row, check.IsNil)
	}
}
