package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/modelpool"
)

// LocalModel is a loaded whisper.cpp model file. The exec backend has
// no in-process state to hold; the instance pins the resolved path for
// the lifetime of the pool entry.
type LocalModel struct {
	Path    string
	Profile models.ModelProfile
}

// Close releases the model. Nothing to unload for a file-backed model.
func (*LocalModel) Close() error {
	return nil
}

// FileLoader resolves model files under a model directory. It
// implements modelpool.Loader for the exec transcriber backend.
type FileLoader struct {
	ModelDir string
}

// Load resolves the model file for a profile. A profile size "base"
// matches ggml-base.bin, base.bin, or base.gguf inside ModelDir.
func (l *FileLoader) Load(ctx context.Context, profile models.ModelProfile) (modelpool.ModelInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	size := profile.Size
	if size == "" {
		size = "base"
	}

	candidates := []string{
		filepath.Join(l.ModelDir, "ggml-"+size+".bin"),
		filepath.Join(l.ModelDir, size+".bin"),
		filepath.Join(l.ModelDir, size+".gguf"),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return &LocalModel{Path: path, Profile: profile}, nil
		}
	}

	// Fall back to any model file whose name mentions the size.
	entries, err := os.ReadDir(l.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read model directory %s: %w", l.ModelDir, err)
	}
	matches := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if (ext == ".bin" || ext == ".gguf") && strings.Contains(entry.Name(), size) {
			matches = append(matches, entry.Name())
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no model file for size %q in %s", size, l.ModelDir)
	}
	sort.Strings(matches)
	return &LocalModel{Path: filepath.Join(l.ModelDir, matches[0]), Profile: profile}, nil
}
