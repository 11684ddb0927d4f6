// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mewas

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/stat"
)

// Matrix is a methylation matrix: one row per site, one column per
// sample, values in [0,1]. NaN means missing. Rows are indexed by
// Sites, columns by Samples, in order.
type Matrix struct {
	Sites   []string
	Samples []string
	Values  [][]float64
}

func (m *Matrix) NSites() int   { return len(m.Sites) }
func (m *Matrix) NSamples() int { return len(m.Samples) }

// SubsetSamples returns a new matrix with the given columns, in the
// given order. The returned matrix shares nothing with the receiver.
func (m *Matrix) SubsetSamples(idx []int) *Matrix {
	ret := &Matrix{
		Sites:   append([]string(nil), m.Sites...),
		Samples: make([]string, len(idx)),
		Values:  make([][]float64, len(m.Values)),
	}
	for j, col := range idx {
		ret.Samples[j] = m.Samples[col]
	}
	for i, row := range m.Values {
		newrow := make([]float64, len(idx))
		for j, col := range idx {
			newrow[j] = row[col]
		}
		ret.Values[i] = newrow
	}
	return ret
}

// SubsetSites returns a new matrix with the given rows, in the given
// order.
func (m *Matrix) SubsetSites(idx []int) *Matrix {
	ret := &Matrix{
		Sites:   make([]string, len(idx)),
		Samples: append([]string(nil), m.Samples...),
		Values:  make([][]float64, len(idx)),
	}
	for i, row := range idx {
		ret.Sites[i] = m.Sites[row]
		ret.Values[i] = append([]float64(nil), m.Values[row]...)
	}
	return ret
}

// Imputed returns a copy of the matrix with each site's missing values
// replaced by that site's mean over non-missing samples. A site with
// no non-missing values becomes all zero.
func (m *Matrix) Imputed() *Matrix {
	ret := &Matrix{
		Sites:   append([]string(nil), m.Sites...),
		Samples: append([]string(nil), m.Samples...),
		Values:  make([][]float64, len(m.Values)),
	}
	for i, row := range m.Values {
		newrow := append([]float64(nil), row...)
		sum, n := 0.0, 0
		for _, v := range row {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		mean := 0.0
		if n > 0 {
			mean = sum / float64(n)
		}
		for j, v := range newrow {
			if math.IsNaN(v) {
				newrow[j] = mean
			}
		}
		ret.Values[i] = newrow
	}
	return ret
}

// RowVariances returns the per-site sample variance over non-missing
// values. Sites with fewer than two non-missing values get 0.
func (m *Matrix) RowVariances() []float64 {
	ret := make([]float64, len(m.Values))
	buf := make([]float64, 0, m.NSamples())
	for i, row := range m.Values {
		buf = buf[:0]
		for _, v := range row {
			if !math.IsNaN(v) {
				buf = append(buf, v)
			}
		}
		if len(buf) < 2 {
			ret[i] = 0
			continue
		}
		ret[i] = stat.Variance(buf, nil)
	}
	return ret
}

// Digest returns a hex blake2b-256 digest of the matrix's dimensions,
// site/sample names, and cell values, for provenance reporting.
func (m *Matrix) Digest() string {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	fmt.Fprintf(h, "%d %d\n", len(m.Sites), len(m.Samples))
	for _, s := range m.Sites {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	for _, s := range m.Samples {
		io.WriteString(h, s)
		h.Write([]byte{0})
	}
	var buf [8]byte
	for _, row := range m.Values {
		for _, v := range row {
			bits := math.Float64bits(v)
			for b := 0; b < 8; b++ {
				buf[b] = byte(bits >> (8 * b))
			}
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// LoadMatrix reads a methylation matrix from a tab-separated file
// (optionally gzipped; header row of sample names, one row per site)
// or, when path ends in ".npy", from a float64 numpy array with site
// names supplied one per line in sitesPath. Numpy input carries no
// sample names; the caller assigns them afterwards.
func LoadMatrix(path, sitesPath string) (*Matrix, error) {
	if strings.HasSuffix(path, ".npy") {
		return loadMatrixNumpy(path, sitesPath)
	}
	return loadMatrixTSV(path)
}

func loadMatrixTSV(path string) (*Matrix, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<28)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return nil, fmt.Errorf("%s: empty file", path)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: header row has %d fields, need at least 2", path, len(header))
	}
	m := &Matrix{Samples: header[1:]}
	seenSample := map[string]bool{}
	for _, s := range m.Samples {
		if seenSample[s] {
			return nil, fmt.Errorf("%s: duplicate sample %q", path, s)
		}
		seenSample[s] = true
	}
	seenSite := map[string]bool{}
	ln := 1
	for scanner.Scan() {
		ln++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("%s line %d: wrong number of fields (%d != %d)", path, ln, len(fields), len(header))
		}
		site := fields[0]
		if seenSite[site] {
			return nil, fmt.Errorf("%s: duplicate site %q", path, site)
		}
		seenSite[site] = true
		row := make([]float64, len(fields)-1)
		for j, s := range fields[1:] {
			v, err := parseCell(s)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, ln, err)
			}
			row[j] = v
		}
		m.Sites = append(m.Sites, site)
		m.Values = append(m.Values, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(m.Sites) == 0 {
		return nil, fmt.Errorf("%s: no data rows", path)
	}
	return m, nil
}

func loadMatrixNumpy(path, sitesPath string) (*Matrix, error) {
	if sitesPath == "" {
		return nil, fmt.Errorf("%s: numpy input needs a site-name file (-sites)", path)
	}
	rdr, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if len(rdr.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected a 2-dimensional array, got shape %v", path, rdr.Shape)
	}
	data, err := rdr.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	nsites, nsamples := rdr.Shape[0], rdr.Shape[1]
	sites, err := readNames(sitesPath)
	if err != nil {
		return nil, err
	}
	if len(sites) != nsites {
		return nil, fmt.Errorf("%s: %d site names for %d matrix rows", sitesPath, len(sites), nsites)
	}
	m := &Matrix{Sites: sites, Values: make([][]float64, nsites)}
	for i := 0; i < nsites; i++ {
		row := make([]float64, nsamples)
		for j := 0; j < nsamples; j++ {
			if rdr.ColumnMajor {
				row[j] = data[i+j*nsites]
			} else {
				row[j] = data[i*nsamples+j]
			}
		}
		m.Values[i] = row
	}
	return m, nil
}

// WriteTSV writes the matrix in the tab-separated input format, with
// NaN cells written as "NA".
func (m *Matrix) WriteTSV(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintf(bufw, "site\t%s\n", strings.Join(m.Samples, "\t"))
	for i, site := range m.Sites {
		bufw.WriteString(site)
		for _, v := range m.Values[i] {
			bufw.WriteByte('\t')
			bufw.WriteString(formatCell(v))
		}
		bufw.WriteByte('\n')
	}
	return bufw.Flush()
}

// WriteNumpy writes the matrix values as a float64 numpy array plus a
// site-name file, the format accepted by LoadMatrix.
func (m *Matrix) WriteNumpy(path, sitesPath string) error {
	output, err := os.Create(path)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	npw.Shape = []int{len(m.Sites), len(m.Samples)}
	out := make([]float64, 0, len(m.Sites)*len(m.Samples))
	for _, row := range m.Values {
		out = append(out, row...)
	}
	err = npw.WriteFloat64(out)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = output.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	sf, err := os.Create(sitesPath)
	if err != nil {
		return err
	}
	bufw = bufio.NewWriter(sf)
	for _, site := range m.Sites {
		fmt.Fprintln(bufw, site)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", sitesPath, err)
	}
	return sf.Close()
}

func readNames(path string) ([]string, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var names []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<16), 1<<24)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return names, nil
}

func isMissing(s string) bool {
	switch s {
	case "", "NA", "na", "NaN", "nan", "N/A":
		return true
	}
	return false
}

func parseCell(s string) (float64, error) {
	if isMissing(s) {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func zopen(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
