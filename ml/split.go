package ml

import (
	"errors"
	"math"
	"math/rand"
)

// TrainTestSplit shuffles 0..n-1 with a seeded RNG and returns the held-out indices
// (the first ceil(n*testRatio) of the permutation) and the rest for training.
func TrainTestSplit(n int, testRatio float64, seed int64) (trainIdx, testIdx []int, err error) {
	if n < 2 {
		return nil, nil, errors.New("need at least two samples to split")
	}
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, errors.New("test ratio must be in (0,1)")
	}
	nTest := int(math.Ceil(float64(n) * testRatio))
	if nTest >= n {
		nTest = n - 1
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

// Subset gathers the rows and labels at idx.
func Subset(features [][]float64, labels []int, idx []int) ([][]float64, []int) {
	x := make([][]float64, len(idx))
	y := make([]int, len(idx))
	for i, j := range idx {
		x[i] = features[j]
		y[i] = labels[j]
	}
	return x, y
}
