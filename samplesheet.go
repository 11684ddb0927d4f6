// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SampleSheet is per-sample metadata read from a comma-separated file:
// a header row naming the columns, then one row per sample. The first
// column holds the sample identifier; the other columns supply the
// variable of interest, covariates, batch labels, and cell counts.
type SampleSheet struct {
	Samples []string
	Names   []string
	cols    map[string][]string
}

func LoadSampleSheet(path string) (*SampleSheet, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sheet := &SampleSheet{cols: map[string][]string{}}
	lineNum := 0
	for _, csv := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		line := strings.TrimRight(string(csv), "\r")
		if len(line) == 0 {
			continue
		}
		split := strings.Split(line, ",")
		if sheet.Names == nil {
			if len(split) < 2 {
				return nil, fmt.Errorf("%s line %d: header has %d fields, need at least 2", path, lineNum, len(split))
			}
			seen := map[string]bool{}
			for _, name := range split[1:] {
				if name == "" || seen[name] {
					return nil, fmt.Errorf("%s: empty or duplicate column name %q in header", path, name)
				}
				seen[name] = true
			}
			sheet.Names = split[1:]
			continue
		}
		if len(split) != len(sheet.Names)+1 {
			return nil, fmt.Errorf("%d fields != %d in %s line %d: %q", len(split), len(sheet.Names)+1, path, lineNum, line)
		}
		if isMissing(split[0]) {
			return nil, fmt.Errorf("%s line %d: missing sample identifier", path, lineNum)
		}
		sheet.Samples = append(sheet.Samples, split[0])
		for i, name := range sheet.Names {
			sheet.cols[name] = append(sheet.cols[name], split[i+1])
		}
	}
	if sheet.Names == nil {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	if len(sheet.Samples) == 0 {
		return nil, fmt.Errorf("%s: no sample rows", path)
	}
	seen := map[string]int{}
	for i, id := range sheet.Samples {
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s: duplicate sample %q (rows %d and %d)", path, id, prev+1, i+1)
		}
		seen[id] = i
	}
	return sheet, nil
}

// Reorder returns a copy of the sheet with rows permuted to the given
// sample order. Every requested sample must appear in the sheet, and
// every sheet row must be requested.
func (sheet *SampleSheet) Reorder(samples []string) (*SampleSheet, error) {
	rowOf := make(map[string]int, len(sheet.Samples))
	for i, id := range sheet.Samples {
		rowOf[id] = i
	}
	idx := make([]int, 0, len(samples))
	for _, id := range samples {
		row, ok := rowOf[id]
		if !ok {
			return nil, fmt.Errorf("sample %q not found in sample sheet", id)
		}
		idx = append(idx, row)
	}
	if len(samples) != len(sheet.Samples) {
		return nil, fmt.Errorf("sample sheet has %d samples, matrix has %d", len(sheet.Samples), len(samples))
	}
	ret := &SampleSheet{
		Samples: append([]string(nil), samples...),
		Names:   append([]string(nil), sheet.Names...),
		cols:    make(map[string][]string, len(sheet.cols)),
	}
	for name, vals := range sheet.cols {
		newvals := make([]string, len(idx))
		for i, row := range idx {
			newvals[i] = vals[row]
		}
		ret.cols[name] = newvals
	}
	return ret, nil
}

// Column returns the raw values of the named column.
func (sheet *SampleSheet) Column(name string) ([]string, bool) {
	vals, ok := sheet.cols[name]
	return vals, ok
}

// columnIsNumeric reports whether every non-missing value parses as a
// float and at least one value is non-missing.
func columnIsNumeric(raw []string) bool {
	any := false
	for _, s := range raw {
		if isMissing(s) {
			continue
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return false
		}
		any = true
	}
	return any
}

func parseNumericColumn(name string, raw []string) ([]float64, error) {
	vals := make([]float64, len(raw))
	for i, s := range raw {
		v, err := parseCell(s)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, i+1, err)
		}
		vals[i] = v
	}
	return vals, nil
}

// VariableColumn types the named column by inference (numeric if all
// non-missing values parse as numbers, binary categorical otherwise)
// and converts it to a Variable.
func (sheet *SampleSheet) VariableColumn(name string) (Variable, error) {
	raw, ok := sheet.cols[name]
	if !ok {
		return Variable{}, fmt.Errorf("no column named %q in sample sheet", name)
	}
	if columnIsNumeric(raw) {
		vals, err := parseNumericColumn(name, raw)
		if err != nil {
			return Variable{}, err
		}
		v := NumericVariable(name, vals)
		v.Raw = append([]string(nil), raw...)
		return v, nil
	}
	return CategoricalVariable(name, raw)
}

// CovariateColumn types the named column like VariableColumn, except
// that categorical columns may have more than two levels.
func (sheet *SampleSheet) CovariateColumn(name string) (Covariate, error) {
	raw, ok := sheet.cols[name]
	if !ok {
		return Covariate{}, fmt.Errorf("no column named %q in sample sheet", name)
	}
	if columnIsNumeric(raw) {
		vals, err := parseNumericColumn(name, raw)
		if err != nil {
			return Covariate{}, err
		}
		cv := NumericCovariate(name, vals)
		cv.Raw = append([]string(nil), raw...)
		return cv, nil
	}
	return CategoricalCovariate(name, raw)
}

// BatchColumn returns the named column as batch labels, with missing
// tokens normalized to "".
func (sheet *SampleSheet) BatchColumn(name string) ([]string, error) {
	raw, ok := sheet.cols[name]
	if !ok {
		return nil, fmt.Errorf("no column named %q in sample sheet", name)
	}
	labels := make([]string, len(raw))
	for i, s := range raw {
		if isMissing(s) {
			labels[i] = ""
		} else {
			labels[i] = s
		}
	}
	return labels, nil
}

// NumericColumn returns the named column parsed as numbers (NaN for
// missing); used for cell-count proportions.
func (sheet *SampleSheet) NumericColumn(name string) ([]float64, error) {
	raw, ok := sheet.cols[name]
	if !ok {
		return nil, fmt.Errorf("no column named %q in sample sheet", name)
	}
	return parseNumericColumn(name, raw)
}
