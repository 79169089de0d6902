// Package serving holds the loaded model and codec and answers single predictions.
package serving

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"irisserve/errors"
	"irisserve/ml"
)

type Options struct {
	ModelPath   string
	EncoderPath string
	// CacheSize bounds the prediction memo; 0 disables it.
	CacheSize int
	Logger    *zap.Logger
}

// Context is the immutable state every prediction reads. It is safe for
// concurrent use.
type Context struct {
	model  ml.Classifier
	codec  *ml.LabelCodec
	header ml.ArtifactHeader
	cache  *lru.Cache[ml.FeatureVector, string]
	logger *zap.Logger
}

// ModelInfo describes the loaded artifacts.
type ModelInfo struct {
	RunID     string          `json:"run_id"`
	Kind      ml.ArtifactKind `json:"kind"`
	Schema    int             `json:"schema"`
	CreatedAt time.Time       `json:"created_at"`
	Classes   []string        `json:"classes"`
	Features  []string        `json:"features"`
	Trees     int             `json:"trees,omitempty"`
}

// Initialize loads the classifier and codec and checks that they were written by
// the same training run. Every failure is fatal: a server without a usable model
// must not start.
func Initialize(opts Options) (*Context, error) {
	model, mh, err := ml.LoadModel(opts.ModelPath)
	if err != nil {
		return nil, errors.WrapFatal(err, "Serving", "Initialize", "load model "+opts.ModelPath)
	}
	codec, ch, err := ml.LoadLabelCodec(opts.EncoderPath)
	if err != nil {
		return nil, errors.WrapFatal(err, "Serving", "Initialize", "load codec "+opts.EncoderPath)
	}
	if err := ml.CheckPair(model, mh, codec, ch); err != nil {
		return nil, errors.WrapFatal(err, "Serving", "Initialize", "check artifacts")
	}

	c, err := NewContext(model, codec, mh, opts.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}
	c.logger.Info("model loaded",
		zap.String("run_id", mh.RunID),
		zap.String("kind", string(mh.Kind)),
		zap.Strings("classes", codec.Classes()),
	)
	return c, nil
}

// NewContext wraps an already loaded model and codec.
func NewContext(model ml.Classifier, codec *ml.LabelCodec, header ml.ArtifactHeader, cacheSize int, logger *zap.Logger) (*Context, error) {
	if model == nil || codec == nil {
		return nil, errors.WrapFatal(ml.ErrNotTrained, "Serving", "NewContext", "check inputs")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		model:  model,
		codec:  codec,
		header: header,
		logger: logger,
	}
	if cacheSize > 0 {
		cache, err := lru.New[ml.FeatureVector, string](cacheSize)
		if err != nil {
			return nil, errors.WrapFatal(err, "Serving", "NewContext", "create cache")
		}
		c.cache = cache
	}
	return c, nil
}

// Predict classifies x and returns its label. A non-finite vector is an Invalid
// error and never reaches the model. A class index the codec cannot decode is
// Fatal.
func (c *Context) Predict(ctx context.Context, x ml.FeatureVector) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.WrapTransient(err, "Serving", "Predict", "check context")
	}
	if err := x.Validate(); err != nil {
		return "", errors.WrapInvalid(err, "Serving", "Predict", "validate features")
	}
	if c.cache != nil {
		if label, ok := c.cache.Get(x); ok {
			return label, nil
		}
	}

	idx, _, err := c.model.Predict(x.Slice())
	if err != nil {
		return "", errors.WrapFatal(err, "Serving", "Predict", "run model")
	}
	label, err := c.codec.Decode(idx)
	if err != nil {
		c.logger.Error("model returned a class the codec does not know",
			zap.Int("index", idx),
			zap.Int("classes", c.codec.Len()),
			zap.String("run_id", c.header.RunID),
		)
		return "", errors.WrapFatal(err, "Serving", "Predict", "decode class")
	}

	if c.cache != nil {
		c.cache.Add(x, label)
	}
	return label, nil
}

func (c *Context) RunID() string {
	return c.header.RunID
}

func (c *Context) Info() ModelInfo {
	info := ModelInfo{
		RunID:     c.header.RunID,
		Kind:      c.header.Kind,
		Schema:    c.header.Schema,
		CreatedAt: c.header.CreatedAt,
		Classes:   c.codec.Classes(),
		Features:  ml.FeatureNames(),
	}
	if f, ok := c.model.(interface{ NumTrees() int }); ok {
		info.Trees = f.NumTrees()
	}
	return info
}
