// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"math"
	"sort"
)

// AdjustFDR returns Benjamini-Hochberg adjusted p-values. NaN entries
// are ignored for ranking and stay NaN in the result.
func AdjustFDR(p []float64) []float64 {
	ret := make([]float64, len(p))
	idx := finiteIndex(p)
	n := len(idx)
	for i := range ret {
		ret[i] = math.NaN()
	}
	if n == 0 {
		return ret
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	min := 1.0
	for j := n - 1; j >= 0; j-- {
		q := p[idx[j]] * float64(n) / float64(j+1)
		if q < min {
			min = q
		}
		ret[idx[j]] = min
	}
	return ret
}

// AdjustHolm returns Holm step-down adjusted p-values, NaN-aware like
// AdjustFDR.
func AdjustHolm(p []float64) []float64 {
	ret := make([]float64, len(p))
	idx := finiteIndex(p)
	n := len(idx)
	for i := range ret {
		ret[i] = math.NaN()
	}
	if n == 0 {
		return ret
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	max := 0.0
	for j := 0; j < n; j++ {
		q := p[idx[j]] * float64(n-j)
		if q > 1 {
			q = 1
		}
		if q > max {
			max = q
		}
		ret[idx[j]] = max
	}
	return ret
}

func finiteIndex(p []float64) []int {
	var idx []int
	for i, v := range p {
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	return idx
}
