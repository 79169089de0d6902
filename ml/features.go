package ml

import (
	"fmt"
	"math"
)

// NumFeatures is the width of every vector the classifier sees.
const NumFeatures = 4

// FeatureVector holds one flower's measurements in centimetres, in FeatureNames order.
type FeatureVector [NumFeatures]float64

// FeatureNames returns the dataset column (and request field) for each vector slot.
func FeatureNames() []string {
	return []string{
		"SepalLengthCm",
		"SepalWidthCm",
		"PetalLengthCm",
		"PetalWidthCm",
	}
}

func (v FeatureVector) Slice() []float64 {
	return v[:]
}

// Validate rejects NaN and infinities; the dataset has no missing values and the
// trees have no missing-value routing.
func (v FeatureVector) Validate() error {
	names := FeatureNames()
	for i, value := range v {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%s: value %v is not a finite number", names[i], value)
		}
	}
	return nil
}
