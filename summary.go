// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	defaultSignifThreshold = 1e-7
	defaultTopHits         = 10
)

type summarycmd struct{}

func (cmd *summarycmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "ewas.gob.gz", "result `file` written by assoc")
	outputFilename := flags.String("o", "-", "output `file`")
	threshold := flags.Float64("threshold", defaultSignifThreshold, "genome-wide significance `threshold`")
	top := flags.Int("top", defaultTopHits, "strongest associations to report per covariate set")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if len(flags.Args()) > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = ioutil.NopCloser(stdin)
	} else {
		input, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	res, err := LoadResult(input)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = json.NewEncoder(bufw).Encode(buildSummary(res, *threshold, *top))
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

// Summary is the JSON report of an association run.
type Summary struct {
	Parameters parameterSummary
	Digest     string
	Samples    int
	Variable   variableSummary
	Covariates []variableSummary `json:",omitempty"`
	MaskedHigh int
	MaskedLow  int
	Surrogates *surrogateSummary `json:",omitempty"`
	Analyses   []analysisSummary
}

type parameterSummary struct {
	Method        string
	Featureset    string
	WinsorizePct  *float64 `json:",omitempty"`
	OutlierIQR    *float64 `json:",omitempty"`
	MostVariable  int
	NumSurrogates int
	Partitions    int
	Seed          uint64
}

type variableSummary struct {
	Name   string
	Kind   string
	Mean   *float64       `json:",omitempty"`
	SD     *float64       `json:",omitempty"`
	Levels map[string]int `json:",omitempty"`
}

type surrogateSummary struct {
	Algorithm string
	K         int
}

type analysisSummary struct {
	Name      string
	Design    []string
	BatchPath string   `json:",omitempty"`
	Lambda    *float64 `json:",omitempty"`
	// Correlation is the consensus intra-batch correlation, present
	// only when the random-effect path was taken.
	Correlation *float64 `json:",omitempty"`
	Sites       int
	// Tested counts sites with a usable p-value.
	Tested int
	// Significant counts p-values below the report threshold,
	// SignificantFDR counts FDR-adjusted values below 0.05.
	Significant    int
	SignificantFDR int
	Top            []topHit `json:",omitempty"`
}

type topHit struct {
	Site        string
	Chromosome  string
	Position    int
	Coefficient float64
	PValue      float64
	FDR         float64
}

func buildSummary(res *Result, threshold float64, top int) *Summary {
	ret := &Summary{
		Parameters: parameterSummary{
			Method:        res.Parameters.Method,
			Featureset:    res.Parameters.Featureset,
			WinsorizePct:  jsonFloat(res.Parameters.WinsorizePct),
			OutlierIQR:    jsonFloat(res.Parameters.OutlierIQR),
			MostVariable:  res.Parameters.MostVariable,
			NumSurrogates: res.Parameters.NumSurrogates,
			Partitions:    res.Parameters.Partitions,
			Seed:          res.Parameters.Seed,
		},
		Digest:     res.Digest,
		Samples:    len(res.Samples),
		Variable:   summarizeColumn(Covariate(res.Variable), res.SampleIndex),
		MaskedHigh: len(res.TooHigh),
		MaskedLow:  len(res.TooLow),
	}
	if res.Covariates != nil {
		for _, c := range res.Covariates.Columns {
			ret.Covariates = append(ret.Covariates, summarizeColumn(c, res.SampleIndex))
		}
	}
	if res.Surrogates != nil {
		ret.Surrogates = &surrogateSummary{Algorithm: res.Surrogates.Algorithm, K: res.Surrogates.K}
	}
	for i := range res.Analyses {
		ret.Analyses = append(ret.Analyses, summarizeAnalysis(&res.Analyses[i], threshold, top))
	}
	return ret
}

// summarizeColumn reports a sample characteristic over the retained
// samples: mean and standard deviation for numeric columns, level
// counts otherwise.
func summarizeColumn(c Covariate, idx []int) variableSummary {
	vs := variableSummary{Name: c.Name, Kind: c.Kind.String()}
	if c.Kind == KindNumeric {
		var finite []float64
		for _, j := range idx {
			if !math.IsNaN(c.Values[j]) {
				finite = append(finite, c.Values[j])
			}
		}
		if mean, err := stats.Mean(finite); err == nil {
			vs.Mean = jsonFloat(mean)
		}
		if sd, err := stats.StandardDeviationSample(finite); err == nil {
			vs.SD = jsonFloat(sd)
		}
	} else {
		vs.Levels = map[string]int{}
		for _, j := range idx {
			if !isMissing(c.Raw[j]) {
				vs.Levels[c.Raw[j]]++
			}
		}
	}
	return vs
}

func summarizeAnalysis(a *Analysis, threshold float64, top int) analysisSummary {
	as := analysisSummary{
		Name:        a.Name,
		Design:      a.Design,
		BatchPath:   a.BatchPath,
		Correlation: jsonFloat(a.Correlation),
		Sites:       len(a.Sites),
	}
	var pvalues []float64
	var idx []int
	for i := range a.Sites {
		p := a.Sites[i].PValue
		if math.IsNaN(p) {
			continue
		}
		pvalues = append(pvalues, p)
		idx = append(idx, i)
		if p < threshold {
			as.Significant++
		}
		if fdr := a.Sites[i].FDR; !math.IsNaN(fdr) && fdr < 0.05 {
			as.SignificantFDR++
		}
	}
	as.Tested = len(pvalues)
	if med, err := stats.Median(pvalues); err == nil && med > 0 {
		// genomic inflation factor: median test statistic
		// relative to the null median
		chi2 := distuv.ChiSquared{K: 1}
		as.Lambda = jsonFloat(chi2.Quantile(1-med) / chi2.Quantile(0.5))
	}
	sort.Slice(idx, func(x, y int) bool { return a.Sites[idx[x]].PValue < a.Sites[idx[y]].PValue })
	if top < 0 {
		top = 0
	} else if top > len(idx) {
		top = len(idx)
	}
	for _, i := range idx[:top] {
		sr := a.Sites[i]
		as.Top = append(as.Top, topHit{
			Site:        sr.Site,
			Chromosome:  sr.Chromosome,
			Position:    sr.Position,
			Coefficient: sr.Coefficient,
			PValue:      sr.PValue,
			FDR:         sr.FDR,
		})
	}
	return as
}

// jsonFloat returns a pointer to v, nil when v has no JSON
// representation (NaN or infinite).
func jsonFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
