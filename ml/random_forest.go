package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// RandomForest is a bagged ensemble of DecisionTrees. Prediction averages the
// trees' leaf distributions and picks the most probable class.
//
// Fitting is deterministic for a given Seed: every tree's bootstrap sample and
// feature draws come from its own RNG whose seed is drawn up front from the forest
// RNG, so the order in which goroutines finish does not matter.
type RandomForest struct {
	NEstimators     int
	MaxDepth        int
	MinSamplesSplit int
	MaxFeatures     int // 0 => floor(sqrt(width))
	Bootstrap       bool
	Seed            int64

	numClasses  int
	numFeatures int
	trees       []*DecisionTree
	progress    func()
}

type RandomForestOption func(*RandomForest)

func WithNEstimators(n int) RandomForestOption {
	return func(rf *RandomForest) { rf.NEstimators = n }
}

func WithSeed(seed int64) RandomForestOption {
	return func(rf *RandomForest) { rf.Seed = seed }
}

func WithMaxDepth(d int) RandomForestOption {
	return func(rf *RandomForest) { rf.MaxDepth = d }
}

func WithMaxFeatures(k int) RandomForestOption {
	return func(rf *RandomForest) { rf.MaxFeatures = k }
}

func WithBootstrap(b bool) RandomForestOption {
	return func(rf *RandomForest) { rf.Bootstrap = b }
}

// WithProgress registers a callback invoked once per fitted tree. It may be
// called from several goroutines at once.
func WithProgress(fn func()) RandomForestOption {
	return func(rf *RandomForest) { rf.progress = fn }
}

func NewRandomForest(opts ...RandomForestOption) *RandomForest {
	rf := &RandomForest{
		NEstimators:     100,
		MinSamplesSplit: 2,
		Bootstrap:       true,
	}
	for _, o := range opts {
		o(rf)
	}
	return rf
}

// Fit trains NEstimators trees concurrently. numClasses comes from the label codec
// so that a bootstrap sample missing a class still yields full-width distributions.
func (rf *RandomForest) Fit(ctx context.Context, features [][]float64, labels []int, numClasses int) error {
	if len(features) == 0 {
		return errors.New("randomforest: empty features")
	}
	if len(features) != len(labels) {
		return errors.New("randomforest: features and labels length mismatch")
	}
	if rf.NEstimators <= 0 {
		return errors.New("randomforest: NEstimators must be positive")
	}

	n := len(features)
	width := len(features[0])
	maxFeatures := rf.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Max(1, math.Floor(math.Sqrt(float64(width)))))
	}

	master := rand.New(rand.NewSource(rf.Seed))
	seeds := make([]int64, rf.NEstimators)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]*DecisionTree, rf.NEstimators)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range trees {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			treeRand := rand.New(rand.NewSource(seeds[i]))
			sample := make([]int, n)
			for j := range sample {
				if rf.Bootstrap {
					sample[j] = treeRand.Intn(n)
				} else {
					sample[j] = j
				}
			}
			tree := NewDecisionTree(
				WithTreeMaxDepth(rf.MaxDepth),
				WithMinSamplesSplit(rf.MinSamplesSplit),
				WithTreeMaxFeatures(maxFeatures),
				WithTreeSeed(treeRand.Int63()),
			)
			if err := tree.fit(features, labels, sample, numClasses); err != nil {
				return err
			}
			trees[i] = tree
			if rf.progress != nil {
				rf.progress()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rf.trees = trees
	rf.numClasses = numClasses
	rf.numFeatures = width
	return nil
}

func (rf *RandomForest) NumClasses() int {
	return rf.numClasses
}

func (rf *RandomForest) NumTrees() int {
	return len(rf.trees)
}

// Predict returns the class with the highest mean probability across trees and
// that probability as confidence. Ties go to the lower class index.
func (rf *RandomForest) Predict(features []float64) (int, float64, error) {
	probas, err := rf.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(probas)
	return best, probas[best], nil
}

func (rf *RandomForest) PredictProba(features []float64) ([]float64, error) {
	if len(rf.trees) == 0 {
		return nil, ErrNotTrained
	}
	if len(features) != rf.numFeatures {
		return nil, errors.New("randomforest: feature count mismatch")
	}
	sum := make([]float64, rf.numClasses)
	for _, tree := range rf.trees {
		p, err := tree.PredictProba(features)
		if err != nil {
			return nil, err
		}
		for i, v := range p {
			sum[i] += v
		}
	}
	for i := range sum {
		sum[i] /= float64(len(rf.trees))
	}
	return sum, nil
}

type forestState struct {
	NEstimators     int             `json:"n_estimators"`
	MaxDepth        int             `json:"max_depth"`
	MinSamplesSplit int             `json:"min_samples_split"`
	MaxFeatures     int             `json:"max_features"`
	Bootstrap       bool            `json:"bootstrap"`
	Seed            int64           `json:"seed"`
	NumClasses      int             `json:"num_classes"`
	NumFeatures     int             `json:"num_features"`
	Trees           []*DecisionTree `json:"trees"`
}

func (rf *RandomForest) MarshalJSON() ([]byte, error) {
	if len(rf.trees) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(forestState{
		NEstimators:     rf.NEstimators,
		MaxDepth:        rf.MaxDepth,
		MinSamplesSplit: rf.MinSamplesSplit,
		MaxFeatures:     rf.MaxFeatures,
		Bootstrap:       rf.Bootstrap,
		Seed:            rf.Seed,
		NumClasses:      rf.numClasses,
		NumFeatures:     rf.numFeatures,
		Trees:           rf.trees,
	})
}

func (rf *RandomForest) UnmarshalJSON(data []byte) error {
	var state forestState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Trees) == 0 || state.NumClasses <= 0 || state.NumFeatures <= 0 {
		return errors.New("randomforest: empty model")
	}
	for _, tree := range state.Trees {
		if tree == nil || tree.NumClasses() != state.NumClasses {
			return errors.New("randomforest: tree class count mismatch")
		}
		if err := tree.checkFeatures(state.NumFeatures); err != nil {
			return fmt.Errorf("randomforest: %w", err)
		}
	}
	*rf = RandomForest{
		NEstimators:     state.NEstimators,
		MaxDepth:        state.MaxDepth,
		MinSamplesSplit: state.MinSamplesSplit,
		MaxFeatures:     state.MaxFeatures,
		Bootstrap:       state.Bootstrap,
		Seed:            state.Seed,
		numClasses:      state.NumClasses,
		numFeatures:     state.NumFeatures,
		trees:           state.Trees,
	}
	return nil
}
