package ml

import (
	"fmt"

	"irisserve/errors"
)

// LoadModel reads a classifier artifact of any supported kind.
func LoadModel(path string) (Classifier, ArtifactHeader, error) {
	file, err := readArtifactFile(path)
	if err != nil {
		return nil, file.ArtifactHeader, err
	}

	var model Classifier
	switch file.Kind {
	case KindRandomForest:
		model = &RandomForest{}
	case KindDecisionTree:
		model = &DecisionTree{}
	default:
		return nil, file.ArtifactHeader, fmt.Errorf("%w: %s: unsupported model kind %q", errors.ErrDataCorrupted, path, file.Kind)
	}
	if err := file.decode(path, model); err != nil {
		return nil, file.ArtifactHeader, err
	}
	return model, file.ArtifactHeader, nil
}

// LoadLabelCodec reads a codec artifact.
func LoadLabelCodec(path string) (*LabelCodec, ArtifactHeader, error) {
	codec := &LabelCodec{}
	h, err := ReadArtifact(path, KindLabelCodec, codec)
	if err != nil {
		return nil, h, err
	}
	return codec, h, nil
}

// CheckPair verifies that a model and codec belong together.
func CheckPair(model Classifier, modelHeader ArtifactHeader, codec *LabelCodec, codecHeader ArtifactHeader) error {
	if modelHeader.RunID != codecHeader.RunID {
		return fmt.Errorf("%w: model run %q, codec run %q", ErrArtifactMismatch, modelHeader.RunID, codecHeader.RunID)
	}
	if model.NumClasses() != codec.Len() {
		return fmt.Errorf("%w: model has %d classes, codec has %d", ErrArtifactMismatch, model.NumClasses(), codec.Len())
	}
	return nil
}
