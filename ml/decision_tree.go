package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// ErrNotTrained is returned when predicting with an empty model.
var ErrNotTrained = errors.New("model not trained")

// DecisionTree is a CART classifier stored as a flat node slice; node 0 is the root.
type DecisionTree struct {
	MaxDepth        int // 0 => grow until leaves are pure
	MinSamplesSplit int
	MaxFeatures     int // 0 => consider every feature at each split
	Seed            int64

	numClasses  int
	numFeatures int
	nodes       []TreeNode
}

type TreeNode struct {
	FeatureIdx int       `json:"feature_idx"`
	Threshold  float64   `json:"threshold"`
	LeftChild  int       `json:"left_child"`
	RightChild int       `json:"right_child"`
	ClassLabel int       `json:"class_label"`
	IsLeaf     bool      `json:"is_leaf"`
	Probas     []float64 `json:"probas,omitempty"`
}

type TreeOption func(*DecisionTree)

func WithTreeMaxDepth(d int) TreeOption {
	return func(dt *DecisionTree) { dt.MaxDepth = d }
}

func WithTreeMaxFeatures(k int) TreeOption {
	return func(dt *DecisionTree) { dt.MaxFeatures = k }
}

func WithTreeSeed(seed int64) TreeOption {
	return func(dt *DecisionTree) { dt.Seed = seed }
}

func WithMinSamplesSplit(n int) TreeOption {
	return func(dt *DecisionTree) { dt.MinSamplesSplit = n }
}

func NewDecisionTree(opts ...TreeOption) *DecisionTree {
	dt := &DecisionTree{MinSamplesSplit: 2}
	for _, o := range opts {
		o(dt)
	}
	return dt
}

// Train fits the tree on every row. Labels must lie in 0..numClasses-1.
func (dt *DecisionTree) Train(features [][]float64, labels []int, numClasses int) error {
	idx := make([]int, len(features))
	for i := range idx {
		idx[i] = i
	}
	return dt.fit(features, labels, idx, numClasses)
}

// fit grows the tree on the rows listed in idx; an index may repeat (bootstrap).
func (dt *DecisionTree) fit(features [][]float64, labels []int, idx []int, numClasses int) error {
	if len(features) == 0 || len(labels) == 0 || len(idx) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if numClasses <= 0 {
		return errors.New("class count must be positive")
	}
	width := len(features[0])
	for _, row := range features {
		if len(row) != width {
			return errors.New("inconsistent feature count across rows")
		}
	}
	for _, label := range labels {
		if label < 0 || label >= numClasses {
			return errors.New("label out of range")
		}
	}

	dt.numClasses = numClasses
	dt.numFeatures = width
	dt.nodes = dt.nodes[:0]
	b := &treeBuilder{
		tree:     dt,
		features: features,
		labels:   labels,
		width:    width,
		rnd:      rand.New(rand.NewSource(dt.Seed)),
	}
	b.build(idx, 0)
	return nil
}

func (dt *DecisionTree) NumClasses() int {
	return dt.numClasses
}

// Predict returns the majority class of the reached leaf and its share of the
// leaf's training samples.
func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return 0, 0, err
	}
	return leaf.ClassLabel, leaf.Probas[leaf.ClassLabel], nil
}

// PredictProba returns the class distribution of the reached leaf.
func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	return leaf.Probas, nil
}

func (dt *DecisionTree) leaf(features []float64) (*TreeNode, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	idx := 0
	for {
		node := &dt.nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

type treeState struct {
	MaxDepth        int        `json:"max_depth"`
	MinSamplesSplit int        `json:"min_samples_split"`
	MaxFeatures     int        `json:"max_features"`
	Seed            int64      `json:"seed"`
	NumClasses      int        `json:"num_classes"`
	NumFeatures     int        `json:"num_features,omitempty"`
	Nodes           []TreeNode `json:"nodes"`
}

func (dt *DecisionTree) MarshalJSON() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	return json.Marshal(treeState{
		MaxDepth:        dt.MaxDepth,
		MinSamplesSplit: dt.MinSamplesSplit,
		MaxFeatures:     dt.MaxFeatures,
		Seed:            dt.Seed,
		NumClasses:      dt.numClasses,
		NumFeatures:     dt.numFeatures,
		Nodes:           dt.nodes,
	})
}

// UnmarshalJSON checks the node graph so a damaged artifact fails at load time
// instead of on some later request.
func (dt *DecisionTree) UnmarshalJSON(data []byte) error {
	var state treeState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.NumClasses <= 0 || len(state.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, node := range state.Nodes {
		if node.IsLeaf {
			if len(node.Probas) != state.NumClasses || node.ClassLabel < 0 || node.ClassLabel >= state.NumClasses {
				return errors.New("malformed leaf")
			}
			continue
		}
		if node.LeftChild <= i || node.RightChild <= i ||
			node.LeftChild >= len(state.Nodes) || node.RightChild >= len(state.Nodes) {
			return errors.New("malformed split node")
		}
		if node.FeatureIdx < 0 || (state.NumFeatures > 0 && node.FeatureIdx >= state.NumFeatures) {
			return fmt.Errorf("split node %d references unknown feature %d", i, node.FeatureIdx)
		}
	}
	*dt = DecisionTree{
		MaxDepth:        state.MaxDepth,
		MinSamplesSplit: state.MinSamplesSplit,
		MaxFeatures:     state.MaxFeatures,
		Seed:            state.Seed,
		numClasses:      state.NumClasses,
		numFeatures:     state.NumFeatures,
		nodes:           state.Nodes,
	}
	return nil
}

// checkFeatures rejects a tree whose splits read past a row of width features.
func (dt *DecisionTree) checkFeatures(width int) error {
	if dt.numFeatures > 0 && dt.numFeatures != width {
		return fmt.Errorf("tree built for %d features, model has %d", dt.numFeatures, width)
	}
	for i, node := range dt.nodes {
		if !node.IsLeaf && (node.FeatureIdx < 0 || node.FeatureIdx >= width) {
			return fmt.Errorf("split node %d references unknown feature %d", i, node.FeatureIdx)
		}
	}
	return nil
}

type treeBuilder struct {
	tree     *DecisionTree
	features [][]float64
	labels   []int
	width    int
	rnd      *rand.Rand
}

// build appends the subtree for idx and returns its root position.
func (b *treeBuilder) build(idx []int, depth int) int {
	dt := b.tree
	counts := b.counts(idx)
	pos := len(dt.nodes)
	dt.nodes = append(dt.nodes, b.leafNode(counts, len(idx)))

	if isPure(counts) ||
		len(idx) < dt.MinSamplesSplit ||
		(dt.MaxDepth > 0 && depth >= dt.MaxDepth) {
		return pos
	}

	best, ok := b.bestSplit(idx, counts)
	if !ok {
		return pos
	}

	left := b.build(best.left, depth+1)
	right := b.build(best.right, depth+1)
	dt.nodes[pos] = TreeNode{
		FeatureIdx: best.feature,
		Threshold:  best.threshold,
		LeftChild:  left,
		RightChild: right,
		ClassLabel: dt.nodes[pos].ClassLabel,
	}
	return pos
}

func (b *treeBuilder) leafNode(counts []int, n int) TreeNode {
	probas := make([]float64, len(counts))
	for i, c := range counts {
		probas[i] = float64(c) / float64(n)
	}
	return TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		ClassLabel: argmax(counts),
		IsLeaf:     true,
		Probas:     probas,
	}
}

func (b *treeBuilder) counts(idx []int) []int {
	counts := make([]int, b.tree.numClasses)
	for _, i := range idx {
		counts[b.labels[i]]++
	}
	return counts
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
}

// candidateFeatures shuffles the features so that the first k are a uniform draw
// without replacement; the rest follow in arbitrary order.
func (b *treeBuilder) candidateFeatures() ([]int, int) {
	feats := make([]int, b.width)
	for i := range feats {
		feats[i] = i
	}
	k := b.tree.MaxFeatures
	if k <= 0 || k >= b.width {
		return feats, b.width
	}
	for i := 0; i < k; i++ {
		j := i + b.rnd.Intn(b.width-i)
		feats[i], feats[j] = feats[j], feats[i]
	}
	return feats, k
}

// bestSplit scans every midpoint between distinct sorted values of the k drawn
// features and keeps the largest gini decrease. When none of them decreases
// impurity, the remaining features are tried one at a time until one does, so a
// node only becomes a leaf when no feature can split it. Ties keep the first
// candidate seen.
func (b *treeBuilder) bestSplit(idx []int, parentCounts []int) (split, bool) {
	n := len(idx)
	parent := gini(parentCounts, n)
	best := split{feature: -1}

	sorted := make([]int, n)
	feats, k := b.candidateFeatures()
	for pos, f := range feats {
		if pos >= k && best.feature >= 0 {
			break
		}
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool {
			return b.features[sorted[a]][f] < b.features[sorted[c]][f]
		})

		left := make([]int, len(parentCounts))
		right := append([]int(nil), parentCounts...)
		for s := 1; s < n; s++ {
			moved := b.labels[sorted[s-1]]
			left[moved]++
			right[moved]--

			lo := b.features[sorted[s-1]][f]
			hi := b.features[sorted[s]][f]
			if lo == hi {
				continue
			}
			weighted := (float64(s)*gini(left, s) + float64(n-s)*gini(right, n-s)) / float64(n)
			gain := parent - weighted
			if gain > best.gain+1e-12 {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = split{feature: f, threshold: threshold, gain: gain}
			}
		}
	}
	if best.feature < 0 {
		return best, false
	}

	for _, i := range idx {
		if b.features[i][best.feature] <= best.threshold {
			best.left = append(best.left, i)
		} else {
			best.right = append(best.right, i)
		}
	}
	if len(best.left) == 0 || len(best.right) == 0 {
		return best, false
	}
	return best, true
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	impurity := 1.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		impurity -= p * p
	}
	return impurity
}

func isPure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

func argmax[T int | float64](values []T) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
