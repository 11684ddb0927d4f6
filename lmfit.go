// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Weights is an optional per-observation weighting for the linear
// fit: exactly one of the three forms may be set. Full is one weight
// per matrix cell; PerSample and PerSite weight whole columns or rows.
type Weights struct {
	Full      [][]float64
	PerSample []float64
	PerSite   []float64
}

func (w *Weights) validate(nsites, nsamples int) error {
	if w == nil {
		return nil
	}
	forms := 0
	if w.Full != nil {
		forms++
		if len(w.Full) != nsites {
			return fmt.Errorf("weights have %d rows, matrix has %d sites", len(w.Full), nsites)
		}
		for i, row := range w.Full {
			if len(row) != nsamples {
				return fmt.Errorf("weights row %d has %d values, matrix has %d samples", i, len(row), nsamples)
			}
		}
	}
	if w.PerSample != nil {
		forms++
		if len(w.PerSample) != nsamples {
			return fmt.Errorf("per-sample weights length %d != sample count %d", len(w.PerSample), nsamples)
		}
	}
	if w.PerSite != nil {
		forms++
		if len(w.PerSite) != nsites {
			return fmt.Errorf("per-site weights length %d != site count %d", len(w.PerSite), nsites)
		}
	}
	if forms != 1 {
		return fmt.Errorf("weights must take exactly one form (full matrix, per-sample, or per-site), have %d", forms)
	}
	for _, v := range w.PerSample {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("weights must be positive and finite, have %g", v)
		}
	}
	for _, v := range w.PerSite {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("weights must be positive and finite, have %g", v)
		}
	}
	for _, row := range w.Full {
		for _, v := range row {
			if !(v > 0) || math.IsInf(v, 0) {
				return fmt.Errorf("weights must be positive and finite, have %g", v)
			}
		}
	}
	return nil
}

func (w *Weights) subsetSamples(idx []int) *Weights {
	if w == nil {
		return nil
	}
	ret := &Weights{}
	if w.PerSite != nil {
		ret.PerSite = append([]float64(nil), w.PerSite...)
	}
	if w.PerSample != nil {
		ret.PerSample = make([]float64, len(idx))
		for i, j := range idx {
			ret.PerSample[i] = w.PerSample[j]
		}
	}
	if w.Full != nil {
		ret.Full = make([][]float64, len(w.Full))
		for r, row := range w.Full {
			newrow := make([]float64, len(idx))
			for i, j := range idx {
				newrow[i] = row[j]
			}
			ret.Full[r] = newrow
		}
	}
	return ret
}

func (w *Weights) at(site, sample int) float64 {
	switch {
	case w == nil:
		return 1
	case w.Full != nil:
		return w.Full[site][sample]
	case w.PerSample != nil:
		return w.PerSample[sample]
	default:
		return w.PerSite[site]
	}
}

// FitOptions configures FitLinearModels.
type FitOptions struct {
	// Method is "ls" (default) or "robust" (Huber IRLS).
	Method string
	// Weights, if set, weight each observation.
	Weights *Weights
	// Block assigns each sample to a random-effect block; fitting
	// then uses generalized least squares with compound-symmetry
	// correlation Correlation within each block.
	Block       []string
	Correlation float64
	// Partitions > 1 fits sites in that many pseudo-randomly
	// chosen groups, bounding peak memory; results are identical
	// to an unpartitioned fit.
	Partitions int
	// Seed drives the partition shuffle.
	Seed uint64
	// Threads bounds fitting concurrency (default NumCPU).
	Threads int
}

// LinearFit holds per-site linear model summaries: coefficients and
// unscaled coefficient standard deviations per design column, residual
// scale and degrees of freedom, mean methylation, and the non-missing
// sample count. Sites with too few observations (or a degenerate
// per-site design) get NaN statistics.
type LinearFit struct {
	Columns       []string
	Tested        int
	Coef          [][]float64
	StdevUnscaled [][]float64
	Sigma         []float64
	ResidualDF    []float64
	AMean         []float64
	N             []int
}

func newLinearFit(nsites int, dm *designMatrix) *LinearFit {
	return &LinearFit{
		Columns:       append([]string(nil), dm.names...),
		Tested:        dm.tested,
		Coef:          make([][]float64, nsites),
		StdevUnscaled: make([][]float64, nsites),
		Sigma:         make([]float64, nsites),
		ResidualDF:    make([]float64, nsites),
		AMean:         make([]float64, nsites),
		N:             make([]int, nsites),
	}
}

// FitLinearModels fits the design to every site of y (rows aligned
// with the design's samples; NaN = missing, dropped per site).
func FitLinearModels(y [][]float64, dm *designMatrix, opt FitOptions) (*LinearFit, error) {
	nsites := len(y)
	n := dm.n
	p := dm.ncol()
	if nsites == 0 {
		return nil, fmt.Errorf("no sites to fit")
	}
	for i, row := range y {
		if len(row) != n {
			return nil, fmt.Errorf("site row %d has %d values, design has %d samples", i, len(row), n)
		}
	}
	switch opt.Method {
	case "", "ls", "robust":
	default:
		return nil, fmt.Errorf("unknown fit method %q", opt.Method)
	}
	if err := opt.Weights.validate(nsites, n); err != nil {
		return nil, err
	}
	if opt.Block != nil {
		if len(opt.Block) != n {
			return nil, fmt.Errorf("block length %d != sample count %d", len(opt.Block), n)
		}
		if opt.Method == "robust" {
			return nil, fmt.Errorf("random-effect block requires least-squares fitting")
		}
		if !(math.Abs(opt.Correlation) < 1) {
			return nil, fmt.Errorf("block correlation %g outside (-1,1)", opt.Correlation)
		}
	}
	if n <= p {
		return nil, fmt.Errorf("%d samples cannot fit %d design columns", n, p)
	}

	fit := newLinearFit(nsites, dm)
	eng := &lmEngine{y: y, dm: dm, opt: opt, fit: fit}
	if opt.Partitions > 1 {
		// Independent fits per group, reassembled by original
		// site index.
		for _, group := range partitionSites(nsites, opt.Partitions, opt.Seed) {
			if err := eng.fitSites(group); err != nil {
				return nil, err
			}
		}
		return fit, nil
	}
	return fit, eng.fitSites(nil)
}

// partitionSites shuffles site indices and splits them into parts
// near-equal groups.
func partitionSites(nsites, parts int, seed uint64) [][]int {
	order := rand.New(rand.NewSource(seed)).Perm(nsites)
	if parts > nsites {
		parts = nsites
	}
	ret := make([][]int, parts)
	for i := range ret {
		ret[i] = order[nsites*i/parts : nsites*(i+1)/parts]
	}
	return ret
}

type lmEngine struct {
	y   [][]float64
	dm  *designMatrix
	opt FitOptions
	fit *LinearFit
}

// fitSites fits the given site indexes (nil = all), fanning out over
// worker goroutines. Workers write disjoint result rows.
func (eng *lmEngine) fitSites(sites []int) error {
	if sites == nil {
		sites = make([]int, len(eng.y))
		for i := range sites {
			sites[i] = i
		}
	}
	threads := eng.opt.Threads
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	if threads > len(sites) {
		threads = len(sites)
	}
	th := throttle{Max: threads}
	for t := 0; t < threads; t++ {
		span := sites[len(sites)*t/threads : len(sites)*(t+1)/threads]
		th.Go(func() error {
			w, err := newLMWorker(eng)
			if err != nil {
				return err
			}
			for _, site := range span {
				if err := w.fitSite(site); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return th.Wait()
}

// lmWorker holds one goroutine's scratch state: the shared-design QR
// factorization used for sites with complete observations, and
// buffers for the per-site general path.
type lmWorker struct {
	eng      *lmEngine
	n, p     int
	sw       []float64 // per-sample sqrt weight folded into the shared design
	qr       mat.QR
	su       []float64 // unscaled stdevs for the shared design
	ytil     []float64
	yvec     *mat.VecDense
	bvec     *mat.VecDense
	xwcols   [][]float64
	complete bool // shared path usable for sites without missing values
	blockOf  []int
	nblocks  int
}

func newLMWorker(eng *lmEngine) (*lmWorker, error) {
	n, p := eng.dm.n, eng.dm.ncol()
	w := &lmWorker{eng: eng, n: n, p: p}
	w.sw = make([]float64, n)
	for i := range w.sw {
		w.sw[i] = 1
	}
	if ws := eng.opt.Weights; ws != nil && ws.PerSample != nil {
		for i, v := range ws.PerSample {
			w.sw[i] = math.Sqrt(v)
		}
	}
	if eng.opt.Block != nil {
		blocks := blockIndex(eng.opt.Block)
		w.nblocks = len(blocks)
		w.blockOf = make([]int, n)
		for b, members := range blocks {
			for _, i := range members {
				w.blockOf[i] = b
			}
		}
	}
	w.complete = eng.opt.Block == nil && (eng.opt.Weights == nil || eng.opt.Weights.Full == nil) && eng.opt.Method != "robust"
	if w.complete {
		xw := mat.NewDense(n, p, nil)
		w.xwcols = make([][]float64, p)
		for j, col := range eng.dm.cols {
			wcol := make([]float64, n)
			for i, v := range col {
				wcol[i] = v * w.sw[i]
				xw.Set(i, j, wcol[i])
			}
			w.xwcols[j] = wcol
		}
		w.qr.Factorize(xw)
		su, err := unscaledStdev(&w.qr, p)
		if err != nil {
			return nil, err
		}
		w.su = su
		w.ytil = make([]float64, n)
		w.yvec = mat.NewVecDense(n, w.ytil)
		w.bvec = mat.NewVecDense(p, nil)
	}
	return w, nil
}

func (w *lmWorker) fitSite(site int) error {
	y := w.eng.y[site]
	fit := w.eng.fit
	sum, nobs := 0.0, 0
	for _, v := range y {
		if !math.IsNaN(v) {
			sum += v
			nobs++
		}
	}
	fit.N[site] = nobs
	if nobs > 0 {
		fit.AMean[site] = sum / float64(nobs)
	} else {
		fit.AMean[site] = math.NaN()
	}
	if w.complete && nobs == w.n {
		return w.fitCompleteSite(site)
	}
	if w.eng.opt.Method == "robust" {
		return w.fitRobustSite(site)
	}
	return w.fitGeneralSite(site)
}

// fitCompleteSite uses the shared QR factorization: all samples
// observed, at most sample- or site-level weights.
func (w *lmWorker) fitCompleteSite(site int) error {
	y := w.eng.y[site]
	for i, v := range y {
		w.ytil[i] = v * w.sw[i]
	}
	if err := w.qr.SolveVecTo(w.bvec, false, w.yvec); err != nil {
		return fmt.Errorf("design matrix is singular: %w", err)
	}
	coef := make([]float64, w.p)
	for j := range coef {
		coef[j] = w.bvec.AtVec(j)
	}
	rss := 0.0
	for i := range y {
		pred := 0.0
		for j, col := range w.xwcols {
			pred += col[i] * coef[j]
		}
		r := w.ytil[i] - pred
		rss += r * r
	}
	wsite := 1.0
	if ws := w.eng.opt.Weights; ws != nil && ws.PerSite != nil {
		wsite = ws.PerSite[site]
	}
	df := float64(w.n - w.p)
	su := make([]float64, w.p)
	for j, v := range w.su {
		su[j] = v / math.Sqrt(wsite)
	}
	fit := w.eng.fit
	fit.Coef[site] = coef
	fit.StdevUnscaled[site] = su
	fit.ResidualDF[site] = df
	fit.Sigma[site] = math.Sqrt(wsite * rss / df)
	return nil
}

// fitGeneralSite handles missing values, cell-level weights, and
// random-effect whitening with a per-site factorization.
func (w *lmWorker) fitGeneralSite(site int) error {
	eng := w.eng
	y := eng.y[site]
	present := make([]int, 0, w.n)
	for i, v := range y {
		if !math.IsNaN(v) {
			present = append(present, i)
		}
	}
	m := len(present)
	if m <= w.p {
		w.setNaN(site)
		return nil
	}
	ys := make([]float64, m)
	xs := mat.NewDense(m, w.p, nil)
	for r, i := range present {
		s := math.Sqrt(eng.opt.Weights.at(site, i))
		ys[r] = y[i] * s
		for j, col := range eng.dm.cols {
			xs.Set(r, j, col[i]*s)
		}
	}
	if w.blockOf != nil {
		if err := whitenBlocks(ys, xs, present, w.blockOf, w.nblocks, eng.opt.Correlation); err != nil {
			return err
		}
	}
	coef, su, sigma, ok := solveSite(xs, ys, w.p)
	if !ok {
		w.setNaN(site)
		return nil
	}
	fit := eng.fit
	fit.Coef[site] = coef
	fit.StdevUnscaled[site] = su
	fit.ResidualDF[site] = float64(m - w.p)
	fit.Sigma[site] = sigma
	return nil
}

// fitRobustSite runs iteratively reweighted least squares with the
// Huber loss and a MAD residual scale.
func (w *lmWorker) fitRobustSite(site int) error {
	eng := w.eng
	y := eng.y[site]
	present := make([]int, 0, w.n)
	for i, v := range y {
		if !math.IsNaN(v) {
			present = append(present, i)
		}
	}
	m := len(present)
	if m <= w.p {
		w.setNaN(site)
		return nil
	}
	base := make([]float64, m) // sqrt of the user weight per row
	y0 := make([]float64, m)
	for r, i := range present {
		base[r] = math.Sqrt(eng.opt.Weights.at(site, i))
		y0[r] = y[i]
	}
	rw := make([]float64, m) // robustness weight, updated per round
	for r := range rw {
		rw[r] = 1
	}
	const huberK = 1.345
	var coef, su []float64
	resid := make([]float64, m)
	scale := math.NaN()
	for iter := 0; iter < 20; iter++ {
		ys := make([]float64, m)
		xs := mat.NewDense(m, w.p, nil)
		for r, i := range present {
			s := base[r] * math.Sqrt(rw[r])
			ys[r] = y[i] * s
			for j, col := range eng.dm.cols {
				xs.Set(r, j, col[i]*s)
			}
		}
		var ok bool
		coef, su, _, ok = solveSite(xs, ys, w.p)
		if !ok {
			w.setNaN(site)
			return nil
		}
		for r, i := range present {
			pred := 0.0
			for j, col := range eng.dm.cols {
				pred += col[i] * coef[j]
			}
			resid[r] = y0[r] - pred
		}
		newScale := madScale(resid)
		if newScale == 0 {
			// Residuals (essentially) all zero: plain fit.
			scale = 0
			break
		}
		maxdw := 0.0
		for r := range rw {
			u := math.Abs(resid[r]) / newScale
			nw := 1.0
			if u > huberK {
				nw = huberK / u
			}
			if d := math.Abs(nw - rw[r]); d > maxdw {
				maxdw = d
			}
			rw[r] = nw
		}
		scale = newScale
		if iter > 0 && maxdw < 1e-7 {
			break
		}
	}
	fit := eng.fit
	fit.Coef[site] = coef
	fit.StdevUnscaled[site] = su
	fit.ResidualDF[site] = float64(m - w.p)
	fit.Sigma[site] = scale
	return nil
}

func (w *lmWorker) setNaN(site int) {
	fit := w.eng.fit
	nan := math.NaN()
	coef := make([]float64, w.p)
	su := make([]float64, w.p)
	for j := range coef {
		coef[j] = nan
		su[j] = nan
	}
	fit.Coef[site] = coef
	fit.StdevUnscaled[site] = su
	fit.ResidualDF[site] = 0
	fit.Sigma[site] = nan
}

// solveSite solves one least-squares system, returning ok=false when
// the per-site design is degenerate (for example a covariate that is
// constant on this site's observed samples).
func solveSite(xs *mat.Dense, ys []float64, p int) (coef, su []float64, sigma float64, ok bool) {
	m := len(ys)
	var qr mat.QR
	qr.Factorize(xs)
	var err error
	su, err = unscaledStdev(&qr, p)
	if err != nil {
		return nil, nil, 0, false
	}
	bvec := mat.NewVecDense(p, nil)
	if err := qr.SolveVecTo(bvec, false, mat.NewVecDense(m, ys)); err != nil {
		return nil, nil, 0, false
	}
	coef = make([]float64, p)
	for j := range coef {
		coef[j] = bvec.AtVec(j)
	}
	rss := 0.0
	for r := 0; r < m; r++ {
		d := ys[r] - floats.Dot(xs.RawRowView(r), coef)
		rss += d * d
	}
	df := float64(m - p)
	if df > 0 {
		sigma = math.Sqrt(rss / df)
	} else {
		sigma = math.NaN()
	}
	return coef, su, sigma, true
}

// unscaledStdev computes sqrt of the diagonal of (X'X)^-1 from the
// design's QR factorization.
func unscaledStdev(qr *mat.QR, p int) ([]float64, error) {
	var r mat.Dense
	qr.RTo(&r)
	rtop := r.Slice(0, p, 0, p)
	var rinv mat.Dense
	if err := rinv.Inverse(rtop); err != nil {
		return nil, fmt.Errorf("design matrix is singular: %w", err)
	}
	su := make([]float64, p)
	for j := 0; j < p; j++ {
		s := 0.0
		for k := j; k < p; k++ {
			v := rinv.At(j, k)
			s += v * v
		}
		su[j] = math.Sqrt(s)
	}
	return su, nil
}

// whitenBlocks applies the compound-symmetry GLS transform in place:
// within each block of observed samples, eigenvalue scaling of the
// correlation matrix (1-rho) off the block mean and (1-rho+m*rho) on
// it.
func whitenBlocks(ys []float64, xs *mat.Dense, present []int, blockOf []int, nblocks int, rho float64) error {
	if !(1-rho > 0) {
		return fmt.Errorf("block correlation %g leaves a non-positive-definite structure", rho)
	}
	a := 1 / math.Sqrt(1-rho)
	rows := make([][]int, nblocks)
	for r, i := range present {
		b := blockOf[i]
		rows[b] = append(rows[b], r)
	}
	_, p := xs.Dims()
	for b := 0; b < nblocks; b++ {
		rr := rows[b]
		m := len(rr)
		if m == 0 {
			continue
		}
		d := 1 - rho + float64(m)*rho
		if !(d > 0) {
			return fmt.Errorf("block correlation %g leaves a non-positive-definite structure", rho)
		}
		c := 1 / math.Sqrt(d)
		mean := 0.0
		for _, r := range rr {
			mean += ys[r]
		}
		mean /= float64(m)
		for _, r := range rr {
			ys[r] = a*(ys[r]-mean) + c*mean
		}
		for j := 0; j < p; j++ {
			mean = 0
			for _, r := range rr {
				mean += xs.At(r, j)
			}
			mean /= float64(m)
			for _, r := range rr {
				xs.Set(r, j, a*(xs.At(r, j)-mean)+c*mean)
			}
		}
	}
	return nil
}

// blockIndex groups sample indexes by block label, blocks ordered by
// first occurrence.
func blockIndex(block []string) [][]int {
	order := map[string]int{}
	var blocks [][]int
	for i, label := range block {
		b, ok := order[label]
		if !ok {
			b = len(blocks)
			order[label] = b
			blocks = append(blocks, nil)
		}
		blocks[b] = append(blocks[b], i)
	}
	return blocks
}

// ConsensusCorrelation estimates a single intra-block correlation
// shared by all sites: per site, a one-way ANOVA intraclass
// correlation of the least-squares residuals grouped by block, pooled
// across sites by a 15% trimmed mean on the Fisher z scale. Returns
// NaN when no usable estimate exists.
func ConsensusCorrelation(y [][]float64, dm *designMatrix, block []string, threads int) float64 {
	n := dm.n
	p := dm.ncol()
	if len(block) != n || n <= p {
		return math.NaN()
	}
	blocks := blockIndex(block)
	if len(blocks) < 2 {
		return math.NaN()
	}
	blockOf := make([]int, n)
	for b, members := range blocks {
		for _, i := range members {
			blockOf[i] = b
		}
	}
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	if threads > len(y) {
		threads = len(y)
	}
	rhos := make([]float64, len(y))
	th := throttle{Max: threads}
	for t := 0; t < threads; t++ {
		lo, hi := len(y)*t/threads, len(y)*(t+1)/threads
		th.Go(func() error {
			var qr mat.QR
			qr.Factorize(dm.matrix())
			resid := make([]float64, n)
			for site := lo; site < hi; site++ {
				rhos[site] = siteResidualICC(y[site], dm, &qr, resid, blockOf, len(blocks))
			}
			return nil
		})
	}
	if th.Wait() != nil {
		return math.NaN()
	}
	zs := make([]float64, 0, len(rhos))
	for _, rho := range rhos {
		if math.IsNaN(rho) {
			continue
		}
		if rho > 1-1e-15 {
			rho = 1 - 1e-15
		} else if rho < -1+1e-15 {
			rho = -1 + 1e-15
		}
		zs = append(zs, math.Atanh(rho))
	}
	if len(zs) == 0 {
		return math.NaN()
	}
	return math.Tanh(trimmedMean(zs, 0.15))
}

// siteResidualICC computes one site's intraclass correlation estimate,
// or NaN when it cannot be estimated.
func siteResidualICC(y []float64, dm *designMatrix, sharedQR *mat.QR, resid []float64, blockOf []int, nblocks int) float64 {
	n := dm.n
	p := dm.ncol()
	present := make([]int, 0, n)
	for i, v := range y {
		if !math.IsNaN(v) {
			present = append(present, i)
		}
	}
	m := len(present)
	if m <= p {
		return math.NaN()
	}
	var coef []float64
	if m == n {
		bvec := mat.NewVecDense(p, nil)
		if err := sharedQR.SolveVecTo(bvec, false, mat.NewVecDense(n, y)); err != nil {
			return math.NaN()
		}
		coef = make([]float64, p)
		for j := range coef {
			coef[j] = bvec.AtVec(j)
		}
	} else {
		ys := make([]float64, m)
		xs := mat.NewDense(m, p, nil)
		for r, i := range present {
			ys[r] = y[i]
			for j, col := range dm.cols {
				xs.Set(r, j, col[i])
			}
		}
		var ok bool
		coef, _, _, ok = solveSite(xs, ys, p)
		if !ok {
			return math.NaN()
		}
	}
	resid = resid[:0]
	groups := make([]int, 0, m)
	for _, i := range present {
		pred := 0.0
		for j, col := range dm.cols {
			pred += col[i] * coef[j]
		}
		resid = append(resid, y[i]-pred)
		groups = append(groups, blockOf[i])
	}
	counts := make([]int, nblocks)
	sums := make([]float64, nblocks)
	for r, g := range groups {
		counts[g]++
		sums[g] += resid[r]
	}
	nb := 0
	total := 0.0
	for b := range counts {
		if counts[b] > 0 {
			nb++
			total += sums[b]
		}
	}
	if nb < 2 || m-nb < 1 {
		return math.NaN()
	}
	grand := total / float64(m)
	ssb, ssw := 0.0, 0.0
	for r, g := range groups {
		mean := sums[g] / float64(counts[g])
		ssw += (resid[r] - mean) * (resid[r] - mean)
	}
	sq := 0.0
	for b := range counts {
		if counts[b] == 0 {
			continue
		}
		mean := sums[b] / float64(counts[b])
		ssb += float64(counts[b]) * (mean - grand) * (mean - grand)
		sq += float64(counts[b]) * float64(counts[b])
	}
	msb := ssb / float64(nb-1)
	msw := ssw / float64(m-nb)
	n0 := (float64(m) - sq/float64(m)) / float64(nb-1)
	den := msb + (n0-1)*msw
	if den == 0 {
		return math.NaN()
	}
	return (msb - msw) / den
}

// madScale is the median absolute residual about zero, scaled to be
// consistent for Gaussian data.
func madScale(resid []float64) float64 {
	abs := make([]float64, len(resid))
	for i, v := range resid {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	var med float64
	if n := len(abs); n%2 == 1 {
		med = abs[n/2]
	} else {
		med = (abs[n/2-1] + abs[n/2]) / 2
	}
	return 1.4826 * med
}

// trimmedMean drops the fraction trim of values from each end of the
// sorted slice before averaging.
func trimmedMean(x []float64, trim float64) float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	k := int(math.Floor(float64(len(sorted)) * trim))
	sorted = sorted[k : len(sorted)-k]
	return floats.Sum(sorted) / float64(len(sorted))
}
