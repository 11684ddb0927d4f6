// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"io/ioutil"
	"math"
	"path/filepath"

	"gopkg.in/check.v1"
)

type samplesheetSuite struct{}

var _ = check.Suite(&samplesheetSuite{})

func (s *samplesheetSuite) loadFixture(c *check.C) *SampleSheet {
	path := filepath.Join(c.MkDir(), "samples.csv")
	content := "sample,age,sex,clinic,cells,batch\n" +
		"s1,34,female,alpha,0.5,b1\n" +
		"s2,41,male,beta,0.62,b2\n" +
		"s3,NA,male,alpha,0.58,NA\n" +
		"s4,29,female,gamma,NA,b1\n" +
		"s5,55,female,beta,0.44,b2\n"
	c.Assert(ioutil.WriteFile(path, []byte(content), 0666), check.IsNil)
	sheet, err := LoadSampleSheet(path)
	c.Assert(err, check.IsNil)
	return sheet
}

func (s *samplesheetSuite) TestLoadSampleSheet(c *check.C) {
	sheet := s.loadFixture(c)
	c.Check(sheet.Samples, check.DeepEquals, []string{"s1", "s2", "s3", "s4", "s5"})
	c.Check(sheet.Names, check.DeepEquals, []string{"age", "sex", "clinic", "cells", "batch"})
	col, ok := sheet.Column("sex")
	c.Check(ok, check.Equals, true)
	c.Check(col, check.DeepEquals, []string{"female", "male", "male", "female", "female"})
	_, ok = sheet.Column("nope")
	c.Check(ok, check.Equals, false)
}

func (s *samplesheetSuite) TestLoadSampleSheetErrors(c *check.C) {
	for _, trial := range []struct {
		content string
		err     string
	}{
		{"", `.*: empty file`},
		{"sample\ns1\n", `.* line 1: header has 1 fields, need at least 2`},
		{"sample,age,age\ns1,1,2\n", `.*: empty or duplicate column name "age" in header`},
		{"sample,age,\ns1,1,2\n", `.*: empty or duplicate column name "" in header`},
		{"sample,age\ns1,34,9\n", `3 fields != 2 in .* line 2: "s1,34,9"`},
		{"sample,age\nNA,34\n", `.* line 2: missing sample identifier`},
		{"sample,age\n", `.*: no sample rows`},
		{"sample,age\ns1,34\ns2,41\ns1,29\n", `.*: duplicate sample "s1" \(rows 1 and 3\)`},
	} {
		c.Logf("content %q", trial.content)
		path := filepath.Join(c.MkDir(), "samples.csv")
		c.Assert(ioutil.WriteFile(path, []byte(trial.content), 0666), check.IsNil)
		_, err := LoadSampleSheet(path)
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *samplesheetSuite) TestVariableColumnNumeric(c *check.C) {
	sheet := s.loadFixture(c)
	v, err := sheet.VariableColumn("age")
	c.Assert(err, check.IsNil)
	c.Check(v.Name, check.Equals, "age")
	c.Check(v.Kind, check.Equals, KindNumeric)
	c.Check(v.Raw, check.DeepEquals, []string{"34", "41", "NA", "29", "55"})
	c.Check(v.Values[0], check.Equals, 34.0)
	c.Check(math.IsNaN(v.Values[2]), check.Equals, true)
	c.Check(v.Values[4], check.Equals, 55.0)
}

func (s *samplesheetSuite) TestVariableColumnBinary(c *check.C) {
	sheet := s.loadFixture(c)
	v, err := sheet.VariableColumn("sex")
	c.Assert(err, check.IsNil)
	c.Check(v.Kind, check.Equals, KindBinary)
	c.Check(v.Levels, check.DeepEquals, []string{"female", "male"})
	c.Check(v.Values, check.DeepEquals, []float64{0, 1, 1, 0, 0})
}

func (s *samplesheetSuite) TestVariableColumnTooManyLevels(c *check.C) {
	sheet := s.loadFixture(c)
	_, err := sheet.VariableColumn("clinic")
	c.Check(err, check.ErrorMatches, `variable "clinic": categorical variable must have exactly 2 levels, has 3 .*`)
}

func (s *samplesheetSuite) TestCovariateColumn(c *check.C) {
	sheet := s.loadFixture(c)
	cv, err := sheet.CovariateColumn("clinic")
	c.Assert(err, check.IsNil)
	c.Check(cv.Kind, check.Equals, KindCategorical)
	c.Check(cv.Levels, check.DeepEquals, []string{"alpha", "beta", "gamma"})
	c.Check(cv.Values, check.DeepEquals, []float64{0, 1, 0, 2, 1})

	cv, err = sheet.CovariateColumn("cells")
	c.Assert(err, check.IsNil)
	c.Check(cv.Kind, check.Equals, KindNumeric)
	c.Check(math.IsNaN(cv.Values[3]), check.Equals, true)
	c.Check(cv.Values[4], check.Equals, 0.44)

	_, err = sheet.CovariateColumn("nope")
	c.Check(err, check.ErrorMatches, `no column named "nope" in sample sheet`)
}

func (s *samplesheetSuite) TestBatchColumn(c *check.C) {
	sheet := s.loadFixture(c)
	labels, err := sheet.BatchColumn("batch")
	c.Assert(err, check.IsNil)
	c.Check(labels, check.DeepEquals, []string{"b1", "b2", "", "b1", "b2"})
}

func (s *samplesheetSuite) TestNumericColumn(c *check.C) {
	sheet := s.loadFixture(c)
	vals, err := sheet.NumericColumn("cells")
	c.Assert(err, check.IsNil)
	c.Check(vals[0], check.Equals, 0.5)
	c.Check(math.IsNaN(vals[3]), check.Equals, true)

	_, err = sheet.NumericColumn("sex")
	c.Check(err, check.ErrorMatches, `column "sex" row 1: invalid value "female"`)
}

func (s *samplesheetSuite) TestReorder(c *check.C) {
	sheet := s.loadFixture(c)
	re, err := sheet.Reorder([]string{"s3", "s1", "s5", "s2", "s4"})
	c.Assert(err, check.IsNil)
	c.Check(re.Samples, check.DeepEquals, []string{"s3", "s1", "s5", "s2", "s4"})
	col, _ := re.Column("age")
	c.Check(col, check.DeepEquals, []string{"NA", "34", "55", "41", "29"})
	// original untouched
	col, _ = sheet.Column("age")
	c.Check(col, check.DeepEquals, []string{"34", "41", "NA", "29", "55"})

	_, err = sheet.Reorder([]string{"s1", "s2", "s3", "s4", "s6"})
	c.Check(err, check.ErrorMatches, `sample "s6" not found in sample sheet`)

	_, err = sheet.Reorder([]string{"s1", "s2"})
	c.Check(err, check.ErrorMatches, `sample sheet has 5 samples, matrix has 2`)
}
