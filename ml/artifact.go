package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"irisserve/errors"
)

// SchemaVersion is bumped whenever an artifact payload changes shape.
const SchemaVersion = 1

type ArtifactKind string

const (
	KindRandomForest ArtifactKind = "random_forest"
	KindDecisionTree ArtifactKind = "decision_tree"
	KindLabelCodec   ArtifactKind = "label_codec"
)

// ErrArtifactMismatch marks a model and codec that were not written by the same
// training run.
var ErrArtifactMismatch = errors.New("artifact mismatch")

// ArtifactHeader identifies a persisted object. Artifacts written together share
// a RunID.
type ArtifactHeader struct {
	Schema    int          `json:"schema"`
	Kind      ArtifactKind `json:"kind"`
	RunID     string       `json:"run_id"`
	CreatedAt time.Time    `json:"created_at"`
}

type artifactFile struct {
	ArtifactHeader
	Payload json.RawMessage `json:"payload"`
}

// ReadArtifact decodes the artifact at path into v after checking its schema and kind.
func ReadArtifact(path string, kind ArtifactKind, v any) (ArtifactHeader, error) {
	file, err := readArtifactFile(path)
	if err != nil {
		return file.ArtifactHeader, err
	}
	if kind != "" && file.Kind != kind {
		return file.ArtifactHeader, fmt.Errorf("%w: %s holds %q, want %q", errors.ErrDataCorrupted, path, file.Kind, kind)
	}
	return file.ArtifactHeader, file.decode(path, v)
}

// readArtifactFile reads the envelope at path and checks its schema version. The
// payload is left encoded.
func readArtifactFile(path string) (artifactFile, error) {
	var file artifactFile
	data, err := os.ReadFile(path)
	if err != nil {
		return file, err
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return artifactFile{}, fmt.Errorf("%w: %s: %v", errors.ErrDataCorrupted, path, err)
	}
	if file.Schema != SchemaVersion {
		return file, fmt.Errorf("%w: %s: schema %d, want %d", errors.ErrDataCorrupted, path, file.Schema, SchemaVersion)
	}
	return file, nil
}

func (f artifactFile) decode(path string, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errors.ErrDataCorrupted, path, err)
	}
	return nil
}

// ArtifactSet writes several artifacts as one unit. Stage encodes each object into
// a temp file next to its destination; Commit renames them into place only once
// every object staged cleanly, so a failed run never replaces a good artifact.
type ArtifactSet struct {
	runID   string
	created time.Time
	staged  []stagedArtifact
	err     error
}

type stagedArtifact struct {
	tmp  string
	dest string
}

func NewArtifactSet(runID string) *ArtifactSet {
	return &ArtifactSet{runID: runID, created: time.Now().UTC()}
}

func (s *ArtifactSet) Stage(path string, kind ArtifactKind, v any) error {
	if s.err != nil {
		return s.err
	}
	if err := s.stage(path, kind, v); err != nil {
		s.err = err
		s.Discard()
		return err
	}
	return nil
}

func (s *ArtifactSet) stage(path string, kind ArtifactKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	data, err := json.Marshal(artifactFile{
		ArtifactHeader: ArtifactHeader{
			Schema:    SchemaVersion,
			Kind:      kind,
			RunID:     s.runID,
			CreatedAt: s.created,
		},
		Payload: payload,
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.staged = append(s.staged, stagedArtifact{tmp: tmp.Name(), dest: path})
	return nil
}

// Commit moves every staged file to its destination.
func (s *ArtifactSet) Commit() error {
	if s.err != nil {
		return s.err
	}
	for i, a := range s.staged {
		if err := os.Rename(a.tmp, a.dest); err != nil {
			s.staged = s.staged[i:]
			s.Discard()
			return err
		}
	}
	s.staged = nil
	return nil
}

// Discard removes temp files that were staged but not committed.
func (s *ArtifactSet) Discard() {
	for _, a := range s.staged {
		os.Remove(a.tmp)
	}
	s.staged = nil
}
