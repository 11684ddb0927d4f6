// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type assoccmd struct{}

func (cmd *assoccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "methylation matrix `file` (.tsv, .tsv.gz, or .npy)")
	sitesFilename := flags.String("sites", "", "site name `file` for .npy input (one per line)")
	sheetFilename := flags.String("samplesheet", "", "sample sheet csv `file` (first column sample ID, header row naming columns)")
	annotationFilename := flags.String("annotation", "", "feature catalogue `file` (site, chromosome, position)")
	featuresetName := flags.String("featureset", "", "catalogue `name` (default: the file name)")
	outputDir := flags.String("o", ".", "output `directory`")
	variableName := flags.String("variable", "", "samplesheet `column` to test for association")
	covariateNames := flags.String("covariates", "", "comma-separated covariate `columns` (default: every samplesheet column not otherwise claimed)")
	batchName := flags.String("batch", "", "samplesheet `column` holding the random-effect batch")
	cellCountsName := flags.String("cell-counts", "", "samplesheet `column` holding target cell type proportions")
	weightsFilename := flags.String("weights", "", "observation weights `file` (.npy or matrix .tsv; full, per-sample, or per-site by shape)")
	method := flags.String("method", "ls", "regression `method` (ls, robust, or glm)")
	winsorizePct := flags.Float64("winsorize-pct", 0.05, "winsorize each site at quantiles `pct` and 1-pct (0 = off)")
	outlierIQR := flags.Float64("outlier-iqr-factor", 0, "mask values more than `factor` IQRs outside the quartiles (0 = off)")
	mostVariable := flags.Int("most-variable", 0, "estimate latent factors from the `n` most variable autosomal sites (0 = all)")
	sva := flags.Bool("sva", true, "estimate surrogate variables")
	isva := flags.Bool("isva", true, "estimate independent surrogate variables")
	smartsva := flags.Bool("smartsva", false, "estimate surrogate variables with the RMT-based factor count")
	numSurrogates := flags.Int("num-surrogates", 0, "latent factor `count` (0 = each estimator chooses automatically)")
	randSeed := flags.Uint64("random-seed", 23, "PRNG `seed` for latent factor estimation and partitioning")
	partitions := flags.Int("partitions", 0, "fit sites in `n` independent groups to bound peak memory (0 = single fit)")
	threads := flags.Int("threads", 0, "maximum worker threads (0 = number of CPUs)")
	robustPrior := flags.Bool("robust-prior", true, "winsorize log variances when estimating the empirical Bayes prior")
	verbose := flags.Bool("verbose", false, "narrate pipeline stages")
	flags.String("isva0", "", "deprecated")
	flags.String("isva1", "", "deprecated")
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
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "isva0" || f.Name == "isva1" {
			err = fmt.Errorf("-%s is deprecated, use -isva", f.Name)
		}
	})
	if err != nil {
		return 2
	}
	for _, req := range []struct{ name, value string }{
		{"i", *inputFilename},
		{"samplesheet", *sheetFilename},
		{"annotation", *annotationFilename},
		{"variable", *variableName},
	} {
		if req.value == "" {
			err = fmt.Errorf("-%s not specified", req.name)
			return 2
		}
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	fs, err := LoadFeatureset(*annotationFilename, *featuresetName)
	if err != nil {
		return 1
	}
	m, err := LoadMatrix(*inputFilename, *sitesFilename)
	if err != nil {
		return 1
	}
	sheet, err := LoadSampleSheet(*sheetFilename)
	if err != nil {
		return 1
	}
	if m.Samples == nil {
		// numpy input: column names come from the samplesheet
		// row order.
		if len(m.Values) > 0 && len(sheet.Samples) != len(m.Values[0]) {
			err = fmt.Errorf("sample sheet has %d samples, matrix has %d columns", len(sheet.Samples), len(m.Values[0]))
			return 1
		}
		m.Samples = append([]string(nil), sheet.Samples...)
	} else if sheet, err = sheet.Reorder(m.Samples); err != nil {
		return 1
	}
	log.Printf("matrix %s: %d sites, %d samples", m.Digest()[:12], m.NSites(), m.NSamples())

	variable, err := sheet.VariableColumn(*variableName)
	if err != nil {
		return 1
	}
	claimed := map[string]bool{
		*variableName:   true,
		*batchName:      true,
		*cellCountsName: true,
	}
	var covcols []string
	if *covariateNames != "" {
		for _, name := range strings.Split(*covariateNames, ",") {
			if name = strings.TrimSpace(name); name != "" {
				covcols = append(covcols, name)
			}
		}
	} else {
		for _, name := range sheet.Names {
			if !claimed[name] {
				covcols = append(covcols, name)
			}
		}
	}
	var covs *Covariates
	if len(covcols) > 0 {
		covs = &Covariates{}
		for _, name := range covcols {
			cv, err2 := sheet.CovariateColumn(name)
			if err2 != nil {
				err = err2
				return 1
			}
			covs.Columns = append(covs.Columns, cv)
		}
	}
	var batch []string
	if *batchName != "" {
		if batch, err = sheet.BatchColumn(*batchName); err != nil {
			return 1
		}
	}
	var cellCounts []float64
	if *cellCountsName != "" {
		if cellCounts, err = sheet.NumericColumn(*cellCountsName); err != nil {
			return 1
		}
	}
	var weights *Weights
	if *weightsFilename != "" {
		if weights, err = loadWeights(*weightsFilename, m); err != nil {
			return 1
		}
	}

	res, err := Run(m, variable, Options{
		Featureset:    fs,
		Covariates:    covs,
		Batch:         batch,
		CellCounts:    cellCounts,
		Weights:       weights,
		Method:        *method,
		ISVA:          *isva,
		SVA:           *sva,
		SmartSVA:      *smartsva,
		NumSurrogates: *numSurrogates,
		MostVariable:  *mostVariable,
		WinsorizePct:  *winsorizePct,
		OutlierIQR:    *outlierIQR,
		RobustPrior:   *robustPrior,
		Partitions:    *partitions,
		Threads:       *threads,
		Seed:          *randSeed,
		Verbose:       *verbose,
	})
	if err != nil {
		return 1
	}

	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return 1
	}
	gobFilename := filepath.Join(*outputDir, "ewas.gob.gz")
	f, err := os.OpenFile(gobFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return 1
	}
	err = res.Save(f)
	if err != nil {
		f.Close()
		return 1
	}
	if err = f.Close(); err != nil {
		return 1
	}
	log.Printf("wrote %s", gobFilename)
	for i := range res.Analyses {
		tsvFilename := filepath.Join(*outputDir, "ewas."+res.Analyses[i].Name+".tsv")
		f, err = os.OpenFile(tsvFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		err = res.Analyses[i].WriteTSV(f)
		if err != nil {
			f.Close()
			return 1
		}
		if err = f.Close(); err != nil {
			return 1
		}
		log.Printf("wrote %s", tsvFilename)
	}
	summaryFilename := filepath.Join(*outputDir, "summary.json")
	f, err = os.OpenFile(summaryFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return 1
	}
	err = json.NewEncoder(f).Encode(buildSummary(res, defaultSignifThreshold, defaultTopHits))
	if err != nil {
		f.Close()
		return 1
	}
	if err = f.Close(); err != nil {
		return 1
	}
	log.Printf("wrote %s", summaryFilename)
	return 0
}

// loadWeights reads observation weights, inferring their form from
// shape: a sites x samples array is a full weight matrix, a vector is
// per-sample or per-site by length.
func loadWeights(path string, m *Matrix) (*Weights, error) {
	nsites, nsamples := m.NSites(), m.NSamples()
	if strings.HasSuffix(path, ".npy") {
		rdr, err := gonpy.NewFileReader(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		data, err := rdr.GetFloat64()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		switch len(rdr.Shape) {
		case 1:
			switch rdr.Shape[0] {
			case nsamples:
				return &Weights{PerSample: data}, nil
			case nsites:
				return &Weights{PerSite: data}, nil
			}
			return nil, fmt.Errorf("%s: %d weights match neither %d samples nor %d sites", path, rdr.Shape[0], nsamples, nsites)
		case 2:
			if rdr.Shape[0] != nsites || rdr.Shape[1] != nsamples {
				return nil, fmt.Errorf("%s: weight shape %v does not match %d sites x %d samples", path, rdr.Shape, nsites, nsamples)
			}
			full := make([][]float64, nsites)
			for i := 0; i < nsites; i++ {
				row := make([]float64, nsamples)
				for j := 0; j < nsamples; j++ {
					if rdr.ColumnMajor {
						row[j] = data[i+j*nsites]
					} else {
						row[j] = data[i*nsamples+j]
					}
				}
				full[i] = row
			}
			return &Weights{Full: full}, nil
		}
		return nil, fmt.Errorf("%s: expected a 1- or 2-dimensional array, got shape %v", path, rdr.Shape)
	}
	wm, err := loadMatrixTSV(path)
	if err != nil {
		return nil, err
	}
	switch {
	case wm.NSites() == 1 && wm.NSamples() == nsamples:
		return &Weights{PerSample: wm.Values[0]}, nil
	case wm.NSamples() == 1 && wm.NSites() == nsites:
		col := make([]float64, nsites)
		for i, row := range wm.Values {
			col[i] = row[0]
		}
		return &Weights{PerSite: col}, nil
	case wm.NSites() == nsites && wm.NSamples() == nsamples:
		return &Weights{Full: wm.Values}, nil
	}
	return nil, fmt.Errorf("%s: weight shape %dx%d does not match %d sites x %d samples", path, wm.NSites(), wm.NSamples(), nsites, nsamples)
}
