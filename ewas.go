// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Options configures an association run. The zero value tests with
// ordinary least squares, no covariates, no outlier suppression and no
// latent factor estimation.
type Options struct {
	// Featureset supplies chromosome/position annotation and the
	// autosomal site catalogue. Required; every matrix site must be
	// in it.
	Featureset *Featureset
	// Covariates are optional fixed-effect adjustment columns.
	Covariates *Covariates
	// Batch assigns each sample to a random-effect block ("" =
	// missing, sample dropped).
	Batch []string
	// CellCounts is the per-sample proportion of the target cell
	// type in [0,1] (NaN = missing, sample dropped). When present
	// the design becomes an interaction model estimating
	// target-cell and other-cell effects separately.
	CellCounts []float64
	// Weights optionally weight each observation in the linear
	// fits.
	Weights *Weights
	// Method is "ls" (default), "robust", or "glm".
	Method string
	// Latent factor estimators to run; each produces its own
	// covariate set.
	ISVA     bool
	SVA      bool
	SmartSVA bool
	// NumSurrogates fixes the latent factor count (0 = each
	// estimator chooses automatically).
	NumSurrogates int
	// MostVariable restricts latent factor estimation to this many
	// highest-variance autosomal sites (0 = all autosomal sites).
	MostVariable int
	// WinsorizePct clamps each site's values at the p and 1-p
	// empirical quantiles before testing (NaN or 0 = off).
	WinsorizePct float64
	// OutlierIQR masks values outside [Q1-k*IQR, Q3+k*IQR] per
	// site (NaN or 0 = off).
	OutlierIQR float64
	// RobustPrior winsorizes the log variances when estimating the
	// empirical Bayes prior.
	RobustPrior bool
	// Partitions > 1 fits sites in that many pseudo-random groups
	// to bound peak memory. Results are unchanged.
	Partitions int
	// Threads bounds fitting concurrency (default NumCPU).
	Threads int
	// Seed drives latent factor estimation and partitioning.
	Seed uint64
	// Verbose narrates pipeline stages to the log.
	Verbose bool
}

// Parameters records the run configuration on the result, for
// reporting.
type Parameters struct {
	Method        string
	Featureset    string
	WinsorizePct  float64
	OutlierIQR    float64
	MostVariable  int
	NumSurrogates int
	Partitions    int
	Seed          uint64
}

// SiteResult is one site's statistics within one covariate set.
type SiteResult struct {
	Site        string
	Chromosome  string
	Position    int
	Coefficient float64
	SE          float64
	T           float64
	PValue      float64
	FDR         float64
	Holm        float64
	CILow       float64
	CIHigh      float64
	N           int
}

// Analysis is the outcome of testing every site against one covariate
// set.
type Analysis struct {
	Name string
	// Design lists the design matrix columns actually fit.
	Design []string
	// BatchPath is "random" when the block random effect was used,
	// "fixed" when fitting fell back to fixed effects, "" when no
	// batch was supplied.
	BatchPath string
	// Correlation is the consensus intra-block correlation (NaN
	// unless BatchPath is "random").
	Correlation float64
	Sites       []SiteResult
}

// Table2D is a named sites x covariate-sets matrix.
type Table2D struct {
	Rows    []string
	Columns []string
	Values  [][]float64
}

// Result is the full output of an association run. It is immutable
// once returned.
type Result struct {
	// Samples lists the retained sample names, in matrix order;
	// SampleIndex holds their column indexes in the original
	// matrix.
	Samples     []string
	SampleIndex []int
	// Variable and Covariates are the original inputs, before
	// sample filtering.
	Variable   Variable
	Covariates *Covariates
	Parameters Parameters
	// Digest identifies the input matrix.
	Digest       string
	PValues      *Table2D
	Coefficients *Table2D
	Analyses     []Analysis
	// Surrogates is the raw output of the most recently run latent
	// factor estimator, nil if none ran.
	Surrogates *SurrogateFit
	// TooHigh and TooLow are the coordinates masked by outlier
	// suppression.
	TooHigh []Coord
	TooLow  []Coord
}

// Run executes the pipeline: retain samples with complete data,
// suppress outliers, estimate latent factors, and test every site
// once per covariate set.
func Run(m *Matrix, variable Variable, opt Options) (*Result, error) {
	if m == nil || m.NSites() == 0 || m.NSamples() == 0 {
		return nil, fmt.Errorf("empty methylation matrix")
	}
	n := m.NSamples()
	if opt.Method == "" {
		opt.Method = "ls"
	}
	switch opt.Method {
	case "ls", "robust", "glm":
	default:
		return nil, fmt.Errorf("unknown method %q", opt.Method)
	}
	if opt.Featureset == nil {
		return nil, fmt.Errorf("no feature catalogue supplied")
	}
	if err := opt.Featureset.Check(m.Sites); err != nil {
		return nil, err
	}
	if len(variable.Values) != n {
		return nil, fmt.Errorf("variable %q has %d values, matrix has %d samples", variable.Name, len(variable.Values), n)
	}
	if opt.Covariates != nil {
		for _, c := range opt.Covariates.Columns {
			if len(c.Values) != n {
				return nil, fmt.Errorf("covariate %q has %d values, matrix has %d samples", c.Name, len(c.Values), n)
			}
		}
	}
	if opt.Batch != nil && len(opt.Batch) != n {
		return nil, fmt.Errorf("batch has %d values, matrix has %d samples", len(opt.Batch), n)
	}
	if opt.CellCounts != nil {
		if len(opt.CellCounts) != n {
			return nil, fmt.Errorf("cell counts have %d values, matrix has %d samples", len(opt.CellCounts), n)
		}
		for _, p := range opt.CellCounts {
			if !math.IsNaN(p) && (p < 0 || p > 1) {
				return nil, fmt.Errorf("cell count proportion %g outside [0,1]", p)
			}
		}
	}
	if err := opt.Weights.validate(m.NSites(), n); err != nil {
		return nil, err
	}
	if opt.MostVariable != 0 && (opt.MostVariable <= 1 || opt.MostVariable > m.NSites()) {
		return nil, fmt.Errorf("most-variable count %d outside (1,%d]", opt.MostVariable, m.NSites())
	}
	winsorize := !math.IsNaN(opt.WinsorizePct) && opt.WinsorizePct != 0
	if winsorize && (opt.WinsorizePct < 0 || opt.WinsorizePct >= 0.5) {
		return nil, fmt.Errorf("winsorize percentage %g outside (0,0.5)", opt.WinsorizePct)
	}
	maskIQR := !math.IsNaN(opt.OutlierIQR) && opt.OutlierIQR != 0
	if maskIQR && opt.OutlierIQR < 0 {
		return nil, fmt.Errorf("outlier IQR factor %g must be positive", opt.OutlierIQR)
	}
	if opt.Method == "glm" {
		if opt.Batch != nil {
			return nil, fmt.Errorf("logistic regression does not support a batch random effect")
		}
		if opt.CellCounts != nil {
			return nil, fmt.Errorf("logistic regression does not support cell count interactions")
		}
		if opt.Weights != nil {
			return nil, fmt.Errorf("logistic regression does not support weights")
		}
		for _, val := range variable.Values {
			if !math.IsNaN(val) && val != 0 && val != 1 {
				return nil, fmt.Errorf("logistic regression requires a binary variable, have value %g", val)
			}
		}
	}
	if opt.Method == "robust" && opt.Batch != nil {
		return nil, fmt.Errorf("random-effect block requires least-squares fitting")
	}

	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(variable.Values[i]) {
			continue
		}
		ok := true
		if opt.Covariates != nil {
			for _, c := range opt.Covariates.Columns {
				if c.missing(i) {
					ok = false
					break
				}
			}
		}
		if ok && opt.Batch != nil && opt.Batch[i] == "" {
			ok = false
		}
		if ok && opt.CellCounts != nil && math.IsNaN(opt.CellCounts[i]) {
			ok = false
		}
		if ok {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("no samples remain after removing missing values")
	}
	if opt.Verbose && len(keep) < n {
		log.Infof("removed %d of %d samples with missing values", n-len(keep), n)
	}

	sub := m.SubsetSamples(keep)
	v := variable.subset(keep)
	covs := opt.Covariates.subset(keep)
	var batch []string
	if opt.Batch != nil {
		batch = subsetStrings(opt.Batch, keep)
	}
	var cellCounts []float64
	if opt.CellCounts != nil {
		cellCounts = subsetFloats(opt.CellCounts, keep)
	}
	weights := opt.Weights.subsetSamples(keep)

	if covs != nil {
		var kept []Covariate
		for _, c := range covs.Columns {
			if covariateConstant(c) {
				if opt.Verbose {
					log.Infof("dropping covariate %q: no variance in retained samples", c.Name)
				}
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			covs = nil
		} else {
			covs = &Covariates{Columns: kept}
		}
	}

	if winsorize {
		if opt.Verbose {
			log.Infof("winsorizing at %g", opt.WinsorizePct)
		}
		Winsorize(sub, opt.WinsorizePct)
	}
	var tooHigh, tooLow []Coord
	if maskIQR {
		tooHigh, tooLow = MaskIQROutliers(sub, opt.OutlierIQR)
		if opt.Verbose {
			log.Infof("masked outliers beyond %g IQR: %d high, %d low", opt.OutlierIQR, len(tooHigh), len(tooLow))
		}
	}

	type covset struct {
		name string
		covs *Covariates
	}
	sets := []covset{{"none", nil}}
	if covs.Len() > 0 {
		sets = append(sets, covset{"all", covs})
	}
	var surrogates *SurrogateFit
	if opt.ISVA || opt.SVA || opt.SmartSVA {
		reduced, err := reducedForEstimation(sub, opt.Featureset, opt.MostVariable)
		if err != nil {
			return nil, err
		}
		if opt.Verbose {
			log.Infof("estimating latent factors from %d autosomal sites", len(reduced))
		}
		mod0, mod := buildModelMatrices(v, covs)
		addSet := func(algo, prefix string, factors [][]float64) {
			k := 0
			if len(factors) > 0 {
				k = len(factors[0])
			}
			if opt.Verbose {
				log.Infof("%s estimated %d factors", algo, k)
			}
			sets = append(sets, covset{algo, covariatesWithFactors(covs, factors, prefix)})
			surrogates = &SurrogateFit{Algorithm: algo, Factors: factors, K: k}
		}
		if opt.ISVA {
			factors, err := EstimateISVA(reduced, mod, opt.NumSurrogates, rand.NewSource(opt.Seed))
			if err != nil {
				return nil, fmt.Errorf("isva: %w", err)
			}
			addSet("isva", "isv", factors)
		}
		if opt.SVA {
			factors, err := EstimateSVA(reduced, mod, mod0, opt.NumSurrogates, rand.NewSource(opt.Seed))
			if err != nil {
				return nil, fmt.Errorf("sva: %w", err)
			}
			addSet("sva", "sv", factors)
		}
		if opt.SmartSVA {
			factors, err := EstimateSmartSVA(reduced, mod, mod0, opt.NumSurrogates, rand.NewSource(opt.Seed))
			if err != nil {
				return nil, fmt.Errorf("smartsva: %w", err)
			}
			addSet("smartsva", "ssv", factors)
		}
	}

	analyses := make([]Analysis, 0, len(sets))
	for _, cs := range sets {
		if opt.Verbose {
			log.Infof("covariate set %q: testing %d sites on %d samples", cs.name, sub.NSites(), sub.NSamples())
		}
		ana, err := analyzeSet(cs.name, sub, v, cs.covs, batch, cellCounts, weights, opt)
		if err != nil {
			return nil, fmt.Errorf("covariate set %q: %w", cs.name, err)
		}
		analyses = append(analyses, ana)
	}

	for ai := range analyses {
		for si := range analyses[ai].Sites {
			if f, ok := opt.Featureset.Lookup(analyses[ai].Sites[si].Site); ok {
				analyses[ai].Sites[si].Chromosome = f.Chromosome
				analyses[ai].Sites[si].Position = f.Position
			}
		}
	}

	setNames := make([]string, len(analyses))
	for i, a := range analyses {
		setNames[i] = a.Name
	}
	pv := &Table2D{
		Rows:    append([]string(nil), sub.Sites...),
		Columns: setNames,
		Values:  make([][]float64, sub.NSites()),
	}
	cf := &Table2D{
		Rows:    pv.Rows,
		Columns: setNames,
		Values:  make([][]float64, sub.NSites()),
	}
	for i := range pv.Values {
		prow := make([]float64, len(analyses))
		crow := make([]float64, len(analyses))
		for j, a := range analyses {
			prow[j] = a.Sites[i].PValue
			crow[j] = a.Sites[i].Coefficient
		}
		pv.Values[i] = prow
		cf.Values[i] = crow
	}

	params := Parameters{
		Method:        opt.Method,
		Featureset:    opt.Featureset.Name,
		WinsorizePct:  math.NaN(),
		OutlierIQR:    math.NaN(),
		MostVariable:  opt.MostVariable,
		NumSurrogates: opt.NumSurrogates,
		Partitions:    opt.Partitions,
		Seed:          opt.Seed,
	}
	if winsorize {
		params.WinsorizePct = opt.WinsorizePct
	}
	if maskIQR {
		params.OutlierIQR = opt.OutlierIQR
	}
	return &Result{
		Samples:      append([]string(nil), sub.Samples...),
		SampleIndex:  keep,
		Variable:     variable,
		Covariates:   opt.Covariates,
		Parameters:   params,
		Digest:       m.Digest(),
		PValues:      pv,
		Coefficients: cf,
		Analyses:     analyses,
		Surrogates:   surrogates,
		TooHigh:      tooHigh,
		TooLow:       tooLow,
	}, nil
}

// analyzeSet tests every site against one covariate set.
func analyzeSet(name string, m *Matrix, variable Variable, covs *Covariates, batch []string, cellCounts []float64, weights *Weights, opt Options) (Analysis, error) {
	ana := Analysis{Name: name, Correlation: math.NaN()}
	nsites := m.NSites()
	if opt.Method == "glm" {
		covNames, covCols := covariateColumns(covs)
		lf, err := FitLogistic(m.Values, variable.Values, covCols, covNames, opt.Threads)
		if err != nil {
			return ana, err
		}
		ana.Design = append([]string{"methylation", "intercept"}, covNames...)
		z := distuv.UnitNormal.Quantile(0.975)
		ana.Sites = make([]SiteResult, nsites)
		for i := range ana.Sites {
			ana.Sites[i] = SiteResult{
				Site:        m.Sites[i],
				Coefficient: lf.Coef[i],
				SE:          lf.SE[i],
				T:           lf.Z[i],
				PValue:      lf.PValue[i],
				CILow:       lf.Coef[i] - z*lf.SE[i],
				CIHigh:      lf.Coef[i] + z*lf.SE[i],
				N:           lf.N[i],
			}
		}
	} else {
		dm, err := buildDesign(variable, covs, cellCounts)
		if err != nil {
			return ana, err
		}
		ana.Design = append([]string(nil), dm.names...)
		fitopt := FitOptions{
			Method:     opt.Method,
			Weights:    weights,
			Partitions: opt.Partitions,
			Seed:       opt.Seed,
			Threads:    opt.Threads,
		}
		var fit *LinearFit
		if batch != nil {
			rho := ConsensusCorrelation(m.Values, dm, batch, opt.Threads)
			if !math.IsNaN(rho) && math.Abs(rho) < 1 {
				bopt := fitopt
				bopt.Block = batch
				bopt.Correlation = rho
				bfit, err := FitLinearModels(m.Values, dm, bopt)
				if err != nil {
					log.Warnf("covariate set %q: random effect fit failed (%s); falling back to fixed effects", name, err)
				} else {
					fit = bfit
					ana.BatchPath = "random"
					ana.Correlation = rho
				}
			} else {
				log.Warnf("covariate set %q: no usable intra-block correlation estimate; falling back to fixed effects", name)
			}
			if fit == nil {
				ana.BatchPath = "fixed"
			}
		}
		if fit == nil {
			fit, err = FitLinearModels(m.Values, dm, fitopt)
			if err != nil {
				return ana, err
			}
		}
		ebopt := EBayesOptions{Robust: opt.RobustPrior}
		if wp := opt.WinsorizePct; !math.IsNaN(wp) && wp > 0 {
			ebopt.WinsorTailLo = wp
			ebopt.WinsorTailHi = wp
		}
		eb := EBayes(fit, ebopt)
		ana.Sites = make([]SiteResult, nsites)
		for i := range ana.Sites {
			ana.Sites[i] = SiteResult{
				Site:        m.Sites[i],
				Coefficient: fit.Coef[i][fit.Tested],
				SE:          eb.SE[i],
				T:           eb.T[i],
				PValue:      eb.PValue[i],
				CILow:       eb.CILow[i],
				CIHigh:      eb.CIHigh[i],
				N:           fit.N[i],
			}
		}
	}
	ps := make([]float64, nsites)
	for i := range ana.Sites {
		ps[i] = ana.Sites[i].PValue
	}
	fdr := AdjustFDR(ps)
	holm := AdjustHolm(ps)
	for i := range ana.Sites {
		ana.Sites[i].FDR = fdr[i]
		ana.Sites[i].Holm = holm[i]
	}
	return ana, nil
}

// reducedForEstimation selects the autosomal sites (top mostVariable
// by variance when set, stable order) and imputes missing values.
func reducedForEstimation(m *Matrix, fs *Featureset, mostVariable int) ([][]float64, error) {
	var idx []int
	for i, site := range m.Sites {
		if fs.Autosomal(site) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, fmt.Errorf("no autosomal sites available for latent factor estimation")
	}
	if mostVariable > 0 {
		if mostVariable > len(idx) {
			return nil, fmt.Errorf("most-variable count %d exceeds %d available autosomal sites", mostVariable, len(idx))
		}
		vars := m.RowVariances()
		sort.SliceStable(idx, func(a, b int) bool { return vars[idx[a]] > vars[idx[b]] })
		idx = idx[:mostVariable]
	}
	return m.SubsetSites(idx).Imputed().Values, nil
}

// covariatesWithFactors appends named latent factor columns to the
// covariate set.
func covariatesWithFactors(cvs *Covariates, factors [][]float64, prefix string) *Covariates {
	k := 0
	if len(factors) > 0 {
		k = len(factors[0])
	}
	ret := &Covariates{}
	if cvs != nil {
		ret.Columns = append(ret.Columns, cvs.Columns...)
	}
	for j := 0; j < k; j++ {
		col := make([]float64, len(factors))
		for i := range factors {
			col[i] = factors[i][j]
		}
		ret.Columns = append(ret.Columns, NumericCovariate(fmt.Sprintf("%s%d", prefix, j+1), col))
	}
	return ret
}

func covariateConstant(c Covariate) bool {
	for _, v := range c.Values[1:] {
		if v != c.Values[0] {
			return false
		}
	}
	return true
}

func subsetStrings(x []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func subsetFloats(x []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

// WriteTSV writes the analysis as an annotated per-site table, NaN
// cells as "NA".
func (a *Analysis) WriteTSV(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "site\tchromosome\tposition\tcoefficient\tse\tt\tp.value\tfdr\tholm\tci.low\tci.high\tn")
	for _, sr := range a.Sites {
		fmt.Fprintf(bufw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			sr.Site, sr.Chromosome, sr.Position,
			formatCell(sr.Coefficient), formatCell(sr.SE), formatCell(sr.T),
			formatCell(sr.PValue), formatCell(sr.FDR), formatCell(sr.Holm),
			formatCell(sr.CILow), formatCell(sr.CIHigh), sr.N)
	}
	return bufw.Flush()
}

// Save writes the result as a gzip-compressed gob stream.
func (res *Result) Save(w io.Writer) error {
	z := pgzip.NewWriter(w)
	if err := gob.NewEncoder(z).Encode(res); err != nil {
		return err
	}
	return z.Close()
}

// LoadResult reads a result written by Save.
func LoadResult(r io.Reader) (*Result, error) {
	z, err := pgzip.NewReader(bufio.NewReaderSize(r, 1<<22))
	if err != nil {
		return nil, err
	}
	defer z.Close()
	var res Result
	if err := gob.NewDecoder(z).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}
