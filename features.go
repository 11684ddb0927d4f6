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
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Feature is one catalogued site: identifier plus genomic location.
type Feature struct {
	Name       string
	Chromosome string
	Position   int
}

// Featureset is a named site catalogue. Every site identifier
// appearing in a methylation matrix must belong to one.
type Featureset struct {
	Name     string
	features map[string]Feature
	order    []string
}

func NewFeatureset(name string, features []Feature) (*Featureset, error) {
	fs := &Featureset{Name: name, features: make(map[string]Feature, len(features))}
	for _, f := range features {
		if _, dup := fs.features[f.Name]; dup {
			return nil, fmt.Errorf("feature catalogue %q: duplicate site %q", name, f.Name)
		}
		fs.features[f.Name] = f
		fs.order = append(fs.order, f.Name)
	}
	if len(fs.features) == 0 {
		return nil, fmt.Errorf("feature catalogue %q: empty", name)
	}
	return fs, nil
}

// LoadFeatureset reads a catalogue from a tab-separated file
// (optionally gzipped) with columns site, chromosome, position. A
// header row is detected by its non-numeric position field and
// skipped.
func LoadFeatureset(path, name string) (*Featureset, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var features []Feature
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<16), 1<<26)
	ln := 0
	for scanner.Scan() {
		ln++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s line %d: wrong number of fields (%d < 3)", path, ln, len(fields))
		}
		pos, err := strconv.Atoi(fields[2])
		if err != nil {
			if ln == 1 {
				continue
			}
			return nil, fmt.Errorf("%s line %d: invalid position %q", path, ln, fields[2])
		}
		features = append(features, Feature{Name: fields[0], Chromosome: fields[1], Position: pos})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if name == "" {
		name = path
	}
	return NewFeatureset(name, features)
}

func (fs *Featureset) Len() int { return len(fs.features) }

func (fs *Featureset) Lookup(site string) (Feature, bool) {
	f, ok := fs.features[site]
	return f, ok
}

// Autosomal reports whether the site is catalogued on an autosome.
func (fs *Featureset) Autosomal(site string) bool {
	f, ok := fs.features[site]
	return ok && !sexLinked(f.Chromosome)
}

func sexLinked(chrom string) bool {
	c := strings.TrimPrefix(chrom, "chr")
	return strings.EqualFold(c, "X") || strings.EqualFold(c, "Y")
}

// Check returns an error unless every given site is in the catalogue.
func (fs *Featureset) Check(sites []string) error {
	missing := 0
	first := ""
	for _, site := range sites {
		if _, ok := fs.features[site]; !ok {
			if missing == 0 {
				first = site
			}
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d sites not in feature catalogue %q (first missing: %q)", missing, fs.Name, first)
	}
	return nil
}

type featurescmd struct{}

func (cmd *featurescmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	annotationFilename := flags.String("annotation", "", "feature catalogue `file` (site, chromosome, position)")
	featuresetName := flags.String("featureset", "", "catalogue `name` (default: the file name)")
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
	if *annotationFilename == "" {
		err = fmt.Errorf("-annotation file not specified")
		return 2
	}
	fs, err := LoadFeatureset(*annotationFilename, *featuresetName)
	if err != nil {
		return 1
	}
	var ret struct {
		Name        string
		Sites       int
		Autosomal   int
		Chromosomes map[string]int
	}
	ret.Name = fs.Name
	ret.Sites = fs.Len()
	ret.Chromosomes = map[string]int{}
	for _, site := range fs.order {
		f := fs.features[site]
		ret.Chromosomes[f.Chromosome]++
		if !sexLinked(f.Chromosome) {
			ret.Autosomal++
		}
	}
	err = json.NewEncoder(stdout).Encode(ret)
	if err != nil {
		return 1
	}
	return 0
}
