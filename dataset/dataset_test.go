package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irisserve/errors"
	"irisserve/ml"
)

const sampleCSV = `Id,SepalLengthCm,SepalWidthCm,PetalLengthCm,PetalWidthCm,Species
1,5.1,3.5,1.4,0.2,Iris-setosa
2,7.0,3.2,4.7,1.4,Iris-versicolor
3,6.3,3.3,6.0,2.5,Iris-virginica
4,4.9,3.0,1.4,0.2,Iris-setosa
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iris.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	ds, err := Load(writeFile(t, sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, ml.FeatureVector{5.1, 3.5, 1.4, 0.2}, ds.Features[0])
	assert.Equal(t, []string{"Iris-setosa", "Iris-versicolor", "Iris-virginica", "Iris-setosa"}, ds.Labels)
	assert.Equal(t, []float64{7.0, 3.2, 4.7, 1.4}, ds.Rows()[1])
}

func TestLoadReordersColumnsByName(t *testing.T) {
	csv := "Species,PetalWidthCm,PetalLengthCm,SepalWidthCm,SepalLengthCm\n" +
		"Iris-setosa,0.2,1.4,3.5,5.1\n"
	ds, err := Parse(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, ml.FeatureVector{5.1, 3.5, 1.4, 0.2}, ds.Features[0])
}

func TestLoadStripsByteOrderMark(t *testing.T) {
	ds, err := Load(writeFile(t, "\ufeff"+sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
}

func TestLoadNotFound(t *testing.T) {
	dir := t.TempDir()

	for name, path := range map[string]string{
		"missing":   filepath.Join(dir, "nope.csv"),
		"directory": dir,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDatasetNotFound))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParseMalformed(t *testing.T) {
	header := "Id,SepalLengthCm,SepalWidthCm,PetalLengthCm,PetalWidthCm,Species\n"
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", "empty file"},
		{"header only", header, "no data rows"},
		{"missing label column", "SepalLengthCm,SepalWidthCm,PetalLengthCm,PetalWidthCm\n1,2,3,4\n", `"Species"`},
		{"missing feature column", "SepalLengthCm,SepalWidthCm,PetalLengthCm,Species\n1,2,3,a\n", `"PetalWidthCm"`},
		{"extra column", strings.TrimSuffix(header, "\n") + ",Colour\n1,1,1,1,1,a,red\n", "Colour"},
		{"wrong arity", header + "1,5.1,3.5,1.4,Iris-setosa\n", "wrong number of fields"},
		{"non numeric", header + "1,5.1,abc,1.4,0.2,Iris-setosa\n", "line 2"},
		{"non finite", header + "1,5.1,3.5,NaN,0.2,Iris-setosa\n", "PetalLengthCm"},
		{"empty label", header + "1,5.1,3.5,1.4,0.2,Iris-setosa\n2,5.1,3.5,1.4,0.2,\n", "line 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidData))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSummarize(t *testing.T) {
	ds, err := Parse(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	s := Summarize(ds)
	assert.Equal(t, 4, s.Rows)
	assert.Equal(t, map[string]int{"Iris-setosa": 2, "Iris-versicolor": 1, "Iris-virginica": 1}, s.ClassCounts)
	require.Len(t, s.Features, ml.NumFeatures)

	sepal := s.Features[0]
	assert.Equal(t, "SepalLengthCm", sepal.Name)
	assert.InDelta(t, 5.825, sepal.Mean, 1e-9)
	assert.Equal(t, 4.9, sepal.Min)
	assert.Equal(t, 7.0, sepal.Max)
	assert.Greater(t, sepal.StdDev, 0.0)
}
