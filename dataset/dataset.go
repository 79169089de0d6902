// Package dataset loads the labeled iris table used for training.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"irisserve/errors"
	"irisserve/ml"
)

const (
	IDColumn    = "Id"
	LabelColumn = "Species"
)

// ErrDatasetNotFound is returned when the dataset path does not name a regular file.
var ErrDatasetNotFound = errors.New("dataset not found")

// Dataset is the parsed table: one feature vector and one label per row.
type Dataset struct {
	Path     string
	Features []ml.FeatureVector
	Labels   []string
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Rows returns the features as the [][]float64 the classifiers train on.
func (d *Dataset) Rows() [][]float64 {
	rows := make([][]float64, len(d.Features))
	for i := range d.Features {
		rows[i] = d.Features[i].Slice()
	}
	return rows
}

// Load reads a CSV with a header row. The identifier column is dropped, the four
// feature columns are located by name, and the label column is kept as text. Any
// bad row fails the whole load.
func Load(path string) (*Dataset, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", ErrDatasetNotFound, path), "Dataset", "Load", "stat")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Dataset", "Load", "open")
	}
	defer file.Close()

	ds, err := Parse(file)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Dataset", "Load", "parse "+path)
	}
	ds.Path = path
	return ds, nil
}

// Parse decodes the table from r. A UTF-8 or UTF-16 byte order mark is honoured
// and stripped.
func Parse(r io.Reader) (*Dataset, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", errors.ErrInvalidData)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", errors.ErrInvalidData, err)
	}

	featureCols, labelCol, err := locateColumns(header)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{}
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
		}

		var vec ml.FeatureVector
		for i, col := range featureCols {
			value, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
			if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
				return nil, fmt.Errorf("%w: line %d: column %s: %q is not a finite number",
					errors.ErrInvalidData, line, header[col], rec[col])
			}
			vec[i] = value
		}
		label := strings.TrimSpace(rec[labelCol])
		if label == "" {
			return nil, fmt.Errorf("%w: line %d: empty %s", errors.ErrInvalidData, line, LabelColumn)
		}
		ds.Features = append(ds.Features, vec)
		ds.Labels = append(ds.Labels, label)
	}

	if ds.Len() == 0 {
		return nil, fmt.Errorf("%w: no data rows", errors.ErrInvalidData)
	}
	return ds, nil
}

func locateColumns(header []string) ([]int, int, error) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := positions[name]; dup {
			return nil, 0, fmt.Errorf("%w: duplicate column %q", errors.ErrInvalidData, name)
		}
		positions[name] = i
	}

	featureCols := make([]int, 0, ml.NumFeatures)
	for _, name := range ml.FeatureNames() {
		col, ok := positions[name]
		if !ok {
			return nil, 0, fmt.Errorf("%w: missing column %q", errors.ErrInvalidData, name)
		}
		featureCols = append(featureCols, col)
		delete(positions, name)
	}
	labelCol, ok := positions[LabelColumn]
	if !ok {
		return nil, 0, fmt.Errorf("%w: missing column %q", errors.ErrInvalidData, LabelColumn)
	}
	delete(positions, LabelColumn)
	delete(positions, IDColumn)

	if len(positions) > 0 {
		extra := make([]string, 0, len(positions))
		for name := range positions {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return nil, 0, fmt.Errorf("%w: unexpected columns %v", errors.ErrInvalidData, extra)
	}
	return featureCols, labelCol, nil
}

// FeatureStats describes one feature column.
type FeatureStats struct {
	Name   string
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summary is what the trainer logs before fitting.
type Summary struct {
	Rows        int
	Features    []FeatureStats
	ClassCounts map[string]int
}

func Summarize(ds *Dataset) Summary {
	s := Summary{Rows: ds.Len(), ClassCounts: make(map[string]int)}
	for _, label := range ds.Labels {
		s.ClassCounts[label]++
	}
	if ds.Len() == 0 {
		return s
	}

	column := make([]float64, ds.Len())
	for j, name := range ml.FeatureNames() {
		for i, vec := range ds.Features {
			column[i] = vec[j]
		}
		mean, std := stat.MeanStdDev(column, nil)
		if ds.Len() < 2 {
			std = 0
		}
		s.Features = append(s.Features, FeatureStats{
			Name:   name,
			Mean:   mean,
			StdDev: std,
			Min:    floats.Min(column),
			Max:    floats.Max(column),
		})
	}
	return s
}
