package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/processor"
)

// FileStore persists transcript artifacts as JSON files under a data
// directory and resolves job sources against the local filesystem.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Persist writes the transcript artifact and returns its path as the
// result reference.
func (f *FileStore) Persist(ctx context.Context, jobID string, transcript *processor.Transcript) (string, error) {
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode transcript: %w", err)
	}

	path := filepath.Join(f.dir, jobID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize transcript: %w", err)
	}
	return path, nil
}

// Resolve checks that a source reference points at a readable file.
func (f *FileStore) Resolve(sourceRef string) error {
	info, err := os.Stat(sourceRef)
	if err != nil {
		return models.NewSourceNotFoundError(sourceRef)
	}
	if info.IsDir() {
		return models.NewInvalidSourceError(sourceRef, fmt.Errorf("source is a directory"))
	}
	return nil
}

// Load reads a persisted transcript back from its result reference.
func (f *FileStore) Load(resultRef string) (*processor.Transcript, error) {
	data, err := os.ReadFile(resultRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript %s: %w", resultRef, err)
	}
	var transcript processor.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("failed to decode transcript %s: %w", resultRef, err)
	}
	return &transcript, nil
}
