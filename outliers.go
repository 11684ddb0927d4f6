// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// Coord addresses one matrix cell by site and sample index.
type Coord struct {
	Site   int
	Sample int
}

// Winsorize clamps each site's values to its empirical pct and 1-pct
// quantiles, computed over non-missing samples. Using the empirical
// (order statistic) quantile makes the operation idempotent.
func Winsorize(m *Matrix, pct float64) {
	buf := make([]float64, 0, m.NSamples())
	for _, row := range m.Values {
		buf = buf[:0]
		for _, v := range row {
			if !math.IsNaN(v) {
				buf = append(buf, v)
			}
		}
		if len(buf) == 0 {
			continue
		}
		sort.Float64s(buf)
		lo := stat.Quantile(pct, stat.Empirical, buf, nil)
		hi := stat.Quantile(1-pct, stat.Empirical, buf, nil)
		for j, v := range row {
			if v < lo {
				row[j] = lo
			} else if v > hi {
				row[j] = hi
			}
		}
	}
}

// MaskIQROutliers replaces, per site, values outside
// [Q1-factor*IQR, Q3+factor*IQR] with NaN, quartiles computed over
// non-missing samples. Returns the coordinates masked above and below
// the bounds, in row-major order.
func MaskIQROutliers(m *Matrix, factor float64) (tooHigh, tooLow []Coord) {
	buf := make([]float64, 0, m.NSamples())
	for i, row := range m.Values {
		buf = buf[:0]
		for _, v := range row {
			if !math.IsNaN(v) {
				buf = append(buf, v)
			}
		}
		if len(buf) < 2 {
			continue
		}
		q, err := stats.Quartile(buf)
		if err != nil {
			continue
		}
		iqr := q.Q3 - q.Q1
		lo := q.Q1 - factor*iqr
		hi := q.Q3 + factor*iqr
		for j, v := range row {
			// NaN compares false, so missing and
			// unbounded cells are left alone.
			if v > hi {
				row[j] = math.NaN()
				tooHigh = append(tooHigh, Coord{Site: i, Sample: j})
			} else if v < lo {
				row[j] = math.NaN()
				tooLow = append(tooLow, Coord{Site: i, Sample: j})
			}
		}
	}
	return
}
