// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"fmt"
	"math"

	"github.com/james-bowman/nlp"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SurrogateFit records the raw output of a surrogate-variable
// estimator: which algorithm ran, the estimated factors (samples x
// k), and the factor count.
type SurrogateFit struct {
	Algorithm string
	Factors   [][]float64
	K         int
}

// EstimateSVA estimates surrogate variables by iteratively reweighted
// singular value decomposition of the model residuals. When nsv <= 0
// the factor count is chosen by comparing the residual eigenvalue
// spectrum against row-permuted null spectra drawn from src.
func EstimateSVA(rm [][]float64, mod, mod0 *designMatrix, nsv int, src rand.Source) ([][]float64, error) {
	resid, err := residualize(rm, mod)
	if err != nil {
		return nil, err
	}
	k := nsv
	if k <= 0 {
		k = numSurrogatesBE(resid, mod.ncol(), rand.New(src))
	}
	if k == 0 {
		return emptyFactors(mod.n), nil
	}
	return irwSurrogates(rm, resid, mod, k)
}

// EstimateISVA estimates independent surrogate variables: principal
// component whitening of the model residuals followed by a fastICA
// rotation. The unmixing matrix is initialized from src.
func EstimateISVA(rm [][]float64, mod *designMatrix, nsv int, src rand.Source) ([][]float64, error) {
	resid, err := residualize(rm, mod)
	if err != nil {
		return nil, err
	}
	n := mod.n
	k := nsv
	if k <= 0 {
		k = EstimateDimensionRMT(resid)
	}
	if max := minInt(len(resid), n-1); k > max {
		k = max
	}
	if k <= 0 {
		return emptyFactors(n), nil
	}
	z, err := whitenComponents(resid, k)
	if err != nil {
		return nil, err
	}
	s, err := fastICA(z, rand.New(src))
	if err != nil {
		return nil, err
	}
	factors := make([][]float64, n)
	for i := range factors {
		row := make([]float64, k)
		for j := 0; j < k; j++ {
			row[j] = s[j][i]
		}
		factors[i] = row
	}
	return factors, nil
}

// EstimateSmartSVA runs the reweighted surrogate iteration with the
// factor count taken (when nsv <= 0) from the random matrix theory
// dimension of the null-model residuals, plus one.
func EstimateSmartSVA(rm [][]float64, mod, mod0 *designMatrix, nsv int, src rand.Source) ([][]float64, error) {
	k := nsv
	if k <= 0 {
		r0, err := residualize(rm, mod0)
		if err != nil {
			return nil, err
		}
		k = EstimateDimensionRMT(r0) + 1
	}
	resid, err := residualize(rm, mod)
	if err != nil {
		return nil, err
	}
	return irwSurrogates(rm, resid, mod, k)
}

// EstimateDimensionRMT estimates the number of non-noise dimensions
// in a sites x samples matrix: standardize each sample column across
// sites, then count eigenvalues of the sample covariance above the
// Marchenko-Pastur upper edge.
func EstimateDimensionRMT(m [][]float64) int {
	g := len(m)
	if g < 2 {
		return 0
	}
	n := len(m[0])
	z := mat.NewDense(g, n, nil)
	for j := 0; j < n; j++ {
		sum := 0.0
		for i := 0; i < g; i++ {
			sum += m[i][j]
		}
		mean := sum / float64(g)
		ss := 0.0
		for i := 0; i < g; i++ {
			d := m[i][j] - mean
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(g-1))
		if sd == 0 {
			continue
		}
		for i := 0; i < g; i++ {
			z.Set(i, j, (m[i][j]-mean)/sd)
		}
	}
	var svd mat.SVD
	if !svd.Factorize(z, mat.SVDNone) {
		return 0
	}
	edge := 1 + math.Sqrt(float64(n)/float64(g))
	edge *= edge
	k := 0
	for _, s := range svd.Values(nil) {
		if s*s/float64(g) > edge {
			k++
		}
	}
	return k
}

// residualize removes the design's fit from every (fully observed)
// site row, using one shared factorization.
func residualize(rm [][]float64, dm *designMatrix) ([][]float64, error) {
	solver, err := newOLSSolver(dm.cols, dm.n)
	if err != nil {
		return nil, err
	}
	resid := make([][]float64, len(rm))
	for g, y := range rm {
		row := make([]float64, dm.n)
		if err := solver.residuals(y, row); err != nil {
			return nil, err
		}
		resid[g] = row
	}
	return resid, nil
}

// irwSurrogates runs the reweighted decomposition: SVD of the
// (weighted) residuals proposes candidate factors, each site is
// weighted by its evidence of association with them, and the SVD is
// repeated on the reweighted matrix.
func irwSurrogates(rm, resid [][]float64, mod *designMatrix, k int) ([][]float64, error) {
	g := len(resid)
	n := mod.n
	p := mod.ncol()
	if max := minInt(g, n-p-1); k > max {
		k = max
	}
	if k < 1 {
		return nil, fmt.Errorf("%d samples leave no degrees of freedom for surrogate factors over a %d-column model", n, p)
	}
	weights := make([]float64, g)
	for i := range weights {
		weights[i] = 1
	}
	nullSolver, err := newOLSSolver(mod.cols, n)
	if err != nil {
		return nil, err
	}
	var factors [][]float64
	const rounds = 5
	for round := 0; round < rounds; round++ {
		factors, err = rightVectors(resid, weights, k)
		if err != nil {
			return nil, err
		}
		if round == rounds-1 {
			break
		}
		cols := make([][]float64, 0, p+k)
		cols = append(cols, mod.cols...)
		for j := 0; j < k; j++ {
			col := make([]float64, n)
			for i := 0; i < n; i++ {
				col[i] = factors[i][j]
			}
			cols = append(cols, col)
		}
		fullSolver, err := newOLSSolver(cols, n)
		if err != nil {
			return nil, err
		}
		fdist := distuv.F{D1: float64(k), D2: float64(n - p - k)}
		for i, y := range rm {
			rss0, err := nullSolver.rss(y)
			if err != nil {
				return nil, err
			}
			rss1, err := fullSolver.rss(y)
			if err != nil {
				return nil, err
			}
			pval := 1.0
			if rss1 > 0 {
				f := ((rss0 - rss1) / float64(k)) / (rss1 / float64(n-p-k))
				if f > 0 {
					pval = fdist.Survival(f)
				}
			} else if rss0 > rss1 {
				pval = 0
			}
			weights[i] = 1 - pval
		}
	}
	return factors, nil
}

// numSurrogatesBE picks a factor count by permutation: eigenvalue
// proportions of the residual matrix are compared against spectra of
// row-wise permuted copies, keeping components whose (monotonized)
// permutation p-value is at most 0.10.
func numSurrogatesBE(resid [][]float64, p int, rng *rand.Rand) int {
	g := len(resid)
	if g == 0 {
		return 0
	}
	n := len(resid[0])
	ndf := n - p
	if ndf < 1 {
		return 0
	}
	dstat := eigenProportions(resid, ndf)
	if dstat == nil {
		return 0
	}
	const rounds = 20
	exceed := make([]int, ndf)
	permuted := make([][]float64, g)
	for i, row := range resid {
		permuted[i] = append([]float64(nil), row...)
	}
	for b := 0; b < rounds; b++ {
		for _, row := range permuted {
			rng.Shuffle(n, func(i, j int) { row[i], row[j] = row[j], row[i] })
		}
		dstat0 := eigenProportions(permuted, ndf)
		if dstat0 == nil {
			return 0
		}
		for j := range dstat {
			if dstat0[j] >= dstat[j] {
				exceed[j]++
			}
		}
	}
	k := 0
	worst := 0.0
	for j := range dstat {
		pval := float64(exceed[j]) / rounds
		if pval > worst {
			worst = pval
		}
		if worst <= 0.10 {
			k++
		} else {
			break
		}
	}
	return k
}

// eigenProportions returns the first ndf squared singular values of m
// normalized to sum to one.
func eigenProportions(m [][]float64, ndf int) []float64 {
	g := len(m)
	n := len(m[0])
	dense := mat.NewDense(g, n, nil)
	for i, row := range m {
		dense.SetRow(i, row)
	}
	var svd mat.SVD
	if !svd.Factorize(dense, mat.SVDNone) {
		return nil
	}
	vals := svd.Values(nil)
	if ndf > len(vals) {
		ndf = len(vals)
	}
	sum := 0.0
	props := make([]float64, ndf)
	for j := 0; j < ndf; j++ {
		props[j] = vals[j] * vals[j]
		sum += props[j]
	}
	if sum == 0 {
		return nil
	}
	for j := range props {
		props[j] /= sum
	}
	return props
}

// rightVectors returns the first k right singular vectors (samples x
// k) of the row-weighted matrix.
func rightVectors(m [][]float64, weights []float64, k int) ([][]float64, error) {
	g := len(m)
	n := len(m[0])
	dense := mat.NewDense(g, n, nil)
	for i, row := range m {
		w := weights[i]
		for j, v := range row {
			dense.Set(i, j, v*w)
		}
	}
	var svd mat.SVD
	if !svd.Factorize(dense, mat.SVDThin) {
		return nil, fmt.Errorf("singular value decomposition failed on %dx%d residual matrix", g, n)
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	if k > cols {
		k = cols
	}
	factors := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, k)
		for j := 0; j < k; j++ {
			row[j] = v.At(i, j)
		}
		factors[i] = row
	}
	return factors, nil
}

// whitenComponents projects the sites x samples matrix onto its first
// k principal components and standardizes each component to unit
// variance, returning k rows of length nsamples.
func whitenComponents(m [][]float64, k int) ([][]float64, error) {
	g := len(m)
	n := len(m[0])
	dense := mat.NewDense(g, n, nil)
	for i, row := range m {
		dense.SetRow(i, row)
	}
	transformer := nlp.NewPCA(k)
	transformer.Fit(dense)
	scores, err := transformer.Transform(dense)
	if err != nil {
		return nil, fmt.Errorf("principal component whitening failed: %w", err)
	}
	rows, cols := scores.Dims()
	if rows < k || cols != n {
		return nil, fmt.Errorf("principal component whitening returned %dx%d, expected %dx%d", rows, cols, k, n)
	}
	z := make([][]float64, k)
	for i := 0; i < k; i++ {
		row := make([]float64, n)
		sum := 0.0
		for j := 0; j < n; j++ {
			row[j] = scores.At(i, j)
			sum += row[j]
		}
		mean := sum / float64(n)
		ss := 0.0
		for j := range row {
			row[j] -= mean
			ss += row[j] * row[j]
		}
		sd := math.Sqrt(ss / float64(n-1))
		if sd == 0 {
			return nil, fmt.Errorf("principal component %d has zero variance", i+1)
		}
		for j := range row {
			row[j] /= sd
		}
		z[i] = row
	}
	return z, nil
}

// fastICA rotates whitened components into maximally non-Gaussian
// directions: symmetric fixed-point iteration with the tanh contrast.
func fastICA(z [][]float64, rng *rand.Rand) ([][]float64, error) {
	k := len(z)
	n := len(z[0])
	zd := mat.NewDense(k, n, nil)
	for i, row := range z {
		zd.SetRow(i, row)
	}
	wdata := make([]float64, k*k)
	for i := range wdata {
		wdata[i] = rng.NormFloat64()
	}
	w, err := polarOrthogonalize(mat.NewDense(k, k, wdata))
	if err != nil {
		return nil, err
	}
	var wx, g mat.Dense
	for iter := 0; iter < 200; iter++ {
		wx.Mul(w, zd)
		g.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, &wx)
		var w1 mat.Dense
		w1.Mul(&g, zd.T())
		w1.Scale(1/float64(n), &w1)
		for i := 0; i < k; i++ {
			dmean := 0.0
			for j := 0; j < n; j++ {
				t := math.Tanh(wx.At(i, j))
				dmean += 1 - t*t
			}
			dmean /= float64(n)
			for j := 0; j < k; j++ {
				w1.Set(i, j, w1.At(i, j)-dmean*w.At(i, j))
			}
		}
		next, err := polarOrthogonalize(&w1)
		if err != nil {
			return nil, err
		}
		var cross mat.Dense
		cross.Mul(next, w.T())
		lim := 0.0
		for i := 0; i < k; i++ {
			if d := math.Abs(1 - math.Abs(cross.At(i, i))); d > lim {
				lim = d
			}
		}
		w = next
		if lim < 1e-4 {
			break
		}
	}
	var s mat.Dense
	s.Mul(w, zd)
	out := make([][]float64, k)
	for i := range out {
		row := make([]float64, n)
		for j := 0; j < n; j++ {
			row[j] = s.At(i, j)
		}
		out[i] = row
	}
	return out, nil
}

// polarOrthogonalize replaces w by the nearest orthogonal matrix, U
// V^T from its singular value decomposition.
func polarOrthogonalize(w *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(w, mat.SVDThin) {
		return nil, fmt.Errorf("unmixing matrix decomposition failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var out mat.Dense
	out.Mul(&u, v.T())
	return &out, nil
}

// olsSolver solves least squares against one fixed design for many
// fully observed response vectors.
type olsSolver struct {
	cols [][]float64
	n, p int
	qr   mat.QR
	bvec *mat.VecDense
	ybuf *mat.VecDense
}

func newOLSSolver(cols [][]float64, n int) (*olsSolver, error) {
	p := len(cols)
	x := mat.NewDense(n, p, nil)
	for j, col := range cols {
		for i, v := range col {
			x.Set(i, j, v)
		}
	}
	s := &olsSolver{cols: cols, n: n, p: p, bvec: mat.NewVecDense(p, nil)}
	s.qr.Factorize(x)
	if _, err := unscaledStdev(&s.qr, p); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *olsSolver) solve(y []float64) error {
	if s.ybuf == nil {
		s.ybuf = mat.NewVecDense(s.n, nil)
	}
	for i, v := range y {
		s.ybuf.SetVec(i, v)
	}
	if err := s.qr.SolveVecTo(s.bvec, false, s.ybuf); err != nil {
		return fmt.Errorf("model matrix is singular: %w", err)
	}
	return nil
}

// residuals writes y minus its fitted values into dst.
func (s *olsSolver) residuals(y, dst []float64) error {
	if err := s.solve(y); err != nil {
		return err
	}
	for i := range y {
		pred := 0.0
		for j, col := range s.cols {
			pred += col[i] * s.bvec.AtVec(j)
		}
		dst[i] = y[i] - pred
	}
	return nil
}

func (s *olsSolver) rss(y []float64) (float64, error) {
	if err := s.solve(y); err != nil {
		return 0, err
	}
	rss := 0.0
	for i := range y {
		pred := 0.0
		for j, col := range s.cols {
			pred += col[i] * s.bvec.AtVec(j)
		}
		d := y[i] - pred
		rss += d * d
	}
	return rss, nil
}

func emptyFactors(n int) [][]float64 {
	return make([][]float64, n)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
