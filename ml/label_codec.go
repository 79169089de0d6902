package ml

import (
	"encoding/json"
	"fmt"
	"sort"

	"irisserve/errors"
)

// ErrUnknownClassIndex means the classifier produced an index the codec cannot
// decode: the model and codec artifacts come from different training runs.
var ErrUnknownClassIndex = errors.New("unknown class index")

// LabelCodec maps class names to the contiguous indices 0..k-1 the classifier
// works with. Indices follow sorted (byte-wise) label order, so the mapping depends
// only on the set of labels and never on row order in the dataset.
//
// A codec is immutable once built and safe for concurrent use.
type LabelCodec struct {
	classes []string
	index   map[string]int
}

// NewLabelCodec builds a codec from every label observed, duplicates allowed.
func NewLabelCodec(labels []string) (*LabelCodec, error) {
	seen := make(map[string]struct{}, len(labels))
	classes := make([]string, 0)
	for _, label := range labels {
		if label == "" {
			return nil, fmt.Errorf("empty class label")
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		classes = append(classes, label)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no class labels")
	}
	sort.Strings(classes)
	return newCodec(classes), nil
}

// FitTransform builds a codec from labels and returns the parallel encoded slice.
func FitTransform(labels []string) (*LabelCodec, []int, error) {
	codec, err := NewLabelCodec(labels)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := codec.EncodeAll(labels)
	if err != nil {
		return nil, nil, err
	}
	return codec, encoded, nil
}

func newCodec(classes []string) *LabelCodec {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &LabelCodec{classes: classes, index: index}
}

func (c *LabelCodec) Len() int {
	return len(c.classes)
}

// Classes returns the labels in index order.
func (c *LabelCodec) Classes() []string {
	return append([]string(nil), c.classes...)
}

func (c *LabelCodec) Encode(label string) (int, error) {
	idx, ok := c.index[label]
	if !ok {
		return 0, fmt.Errorf("unknown class label %q", label)
	}
	return idx, nil
}

func (c *LabelCodec) EncodeAll(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, label := range labels {
		idx, err := c.Encode(label)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

// Decode maps an index back to its label. An index outside 0..k-1 wraps
// ErrUnknownClassIndex.
func (c *LabelCodec) Decode(idx int) (string, error) {
	if idx < 0 || idx >= len(c.classes) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrUnknownClassIndex, idx, len(c.classes))
	}
	return c.classes[idx], nil
}

type codecState struct {
	Classes []string `json:"classes"`
}

func (c *LabelCodec) MarshalJSON() ([]byte, error) {
	return json.Marshal(codecState{Classes: c.classes})
}

// UnmarshalJSON rejects anything a freshly built codec could not have produced.
func (c *LabelCodec) UnmarshalJSON(data []byte) error {
	var state codecState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if len(state.Classes) == 0 {
		return fmt.Errorf("codec has no classes")
	}
	for i, class := range state.Classes {
		if class == "" {
			return fmt.Errorf("codec class %d is empty", i)
		}
		if i > 0 && state.Classes[i-1] >= class {
			return fmt.Errorf("codec classes not strictly sorted at %d", i)
		}
	}
	*c = *newCodec(state.Classes)
	return nil
}
