// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"fmt"
	"math"
	"sort"
)

// VariableKind tags how a per-sample column was supplied and how it
// was simplified to numeric form.
type VariableKind int

const (
	KindNumeric VariableKind = iota
	KindBinary
	KindOrdered
	KindCategorical
)

func (k VariableKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindBinary:
		return "binary"
	case KindOrdered:
		return "ordered"
	case KindCategorical:
		return "categorical"
	}
	return fmt.Sprintf("VariableKind(%d)", int(k))
}

// Variable is the per-sample quantity tested for association with
// methylation. Raw keeps the values as supplied, for reporting;
// Values is the canonical numeric form used for modeling (NaN =
// missing). Binary variables map their two levels, in Levels order,
// to 0 and 1; ordered variables map levels to integer ranks.
type Variable struct {
	Name   string
	Kind   VariableKind
	Levels []string
	Raw    []string
	Values []float64
}

// NumericVariable wraps an already-numeric variable.
func NumericVariable(name string, values []float64) Variable {
	raw := make([]string, len(values))
	for i, v := range values {
		raw[i] = formatCell(v)
	}
	return Variable{
		Name:   name,
		Kind:   KindNumeric,
		Raw:    raw,
		Values: append([]float64(nil), values...),
	}
}

// CategoricalVariable converts a string-valued variable. Exactly two
// distinct non-missing levels are required; they map to 0 and 1 in
// lexicographic order.
func CategoricalVariable(name string, values []string) (Variable, error) {
	levels := distinctLevels(values)
	if len(levels) != 2 {
		return Variable{}, fmt.Errorf("variable %q: categorical variable must have exactly 2 levels, has %d %v", name, len(levels), levels)
	}
	return Variable{
		Name:   name,
		Kind:   KindBinary,
		Levels: levels,
		Raw:    append([]string(nil), values...),
		Values: levelRanks(values, levels),
	}, nil
}

// OrderedVariable converts an ordered-categorical variable; levels
// gives the rank order and every non-missing value must be a level.
func OrderedVariable(name string, values []string, levels []string) (Variable, error) {
	if len(levels) < 2 {
		return Variable{}, fmt.Errorf("variable %q: ordered variable needs at least 2 levels", name)
	}
	if err := checkLevels(name, values, levels); err != nil {
		return Variable{}, err
	}
	return Variable{
		Name:   name,
		Kind:   KindOrdered,
		Levels: append([]string(nil), levels...),
		Raw:    append([]string(nil), values...),
		Values: levelRanks(values, levels),
	}, nil
}

func (v Variable) subset(idx []int) Variable {
	ret := v
	ret.Raw = make([]string, len(idx))
	ret.Values = make([]float64, len(idx))
	for i, j := range idx {
		ret.Raw[i] = v.Raw[j]
		ret.Values[i] = v.Values[j]
	}
	return ret
}

// Covariate is one fixed-effect adjustment column. Unlike the
// variable of interest, a covariate may be categorical with more than
// two levels; such columns expand to indicators at design time.
type Covariate struct {
	Name   string
	Kind   VariableKind
	Levels []string
	Raw    []string
	Values []float64
}

func NumericCovariate(name string, values []float64) Covariate {
	v := NumericVariable(name, values)
	return Covariate(v)
}

// CategoricalCovariate converts a string-valued covariate: two levels
// become 0/1, more stay categorical (Values holds the level index).
func CategoricalCovariate(name string, values []string) (Covariate, error) {
	levels := distinctLevels(values)
	if len(levels) < 2 {
		return Covariate{}, fmt.Errorf("covariate %q: fewer than 2 distinct values", name)
	}
	kind := KindCategorical
	if len(levels) == 2 {
		kind = KindBinary
	}
	return Covariate{
		Name:   name,
		Kind:   kind,
		Levels: levels,
		Raw:    append([]string(nil), values...),
		Values: levelRanks(values, levels),
	}, nil
}

func OrderedCovariate(name string, values []string, levels []string) (Covariate, error) {
	v, err := OrderedVariable(name, values, levels)
	if err != nil {
		return Covariate{}, err
	}
	return Covariate(v), nil
}

func (cv Covariate) subset(idx []int) Covariate {
	return Covariate(Variable(cv).subset(idx))
}

// missing reports whether sample i has no usable value.
func (cv Covariate) missing(i int) bool {
	return math.IsNaN(cv.Values[i])
}

// Covariates is an ordered set of covariate columns aligned to the
// matrix samples.
type Covariates struct {
	Columns []Covariate
}

func (cvs *Covariates) Len() int {
	if cvs == nil {
		return 0
	}
	return len(cvs.Columns)
}

func (cvs *Covariates) Names() []string {
	if cvs == nil {
		return nil
	}
	names := make([]string, len(cvs.Columns))
	for i, c := range cvs.Columns {
		names[i] = c.Name
	}
	return names
}

func (cvs *Covariates) subset(idx []int) *Covariates {
	if cvs == nil {
		return nil
	}
	ret := &Covariates{Columns: make([]Covariate, len(cvs.Columns))}
	for i, c := range cvs.Columns {
		ret.Columns[i] = c.subset(idx)
	}
	return ret
}

func distinctLevels(values []string) []string {
	seen := map[string]bool{}
	var levels []string
	for _, s := range values {
		if isMissing(s) || seen[s] {
			continue
		}
		seen[s] = true
		levels = append(levels, s)
	}
	sort.Strings(levels)
	return levels
}

func levelRanks(values []string, levels []string) []float64 {
	rank := make(map[string]float64, len(levels))
	for i, l := range levels {
		rank[l] = float64(i)
	}
	ret := make([]float64, len(values))
	for i, s := range values {
		if r, ok := rank[s]; ok {
			ret[i] = r
		} else {
			ret[i] = math.NaN()
		}
	}
	return ret
}

func checkLevels(name string, values []string, levels []string) error {
	ok := map[string]bool{}
	for _, l := range levels {
		ok[l] = true
	}
	for _, s := range values {
		if !isMissing(s) && !ok[s] {
			return fmt.Errorf("variable %q: value %q is not a declared level", name, s)
		}
	}
	return nil
}
