package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/processor"
)

func TestFileStorePersistAndLoad(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	transcript := &processor.Transcript{
		JobID:      "j1",
		Text:       "hello world. what time is it?",
		ChunkCount: 2,
		Keywords:   []string{"hello"},
		Questions:  []string{"what time is it?"},
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	ref, err := store.Persist(context.Background(), "j1", transcript)
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if filepath.Base(ref) != "j1.json" {
		t.Errorf("Unexpected result ref: %s", ref)
	}

	loaded, err := store.Load(ref)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Text != transcript.Text {
		t.Errorf("Text mismatch: %q", loaded.Text)
	}
	if loaded.ChunkCount != 2 {
		t.Errorf("ChunkCount mismatch: %d", loaded.ChunkCount)
	}
	if len(loaded.Keywords) != 1 || len(loaded.Questions) != 1 {
		t.Errorf("Insights lost: %v %v", loaded.Keywords, loaded.Questions)
	}
}

func TestFileStorePersistOverwrites(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())

	first := &processor.Transcript{JobID: "j1", Text: "first attempt", ChunkCount: 1}
	second := &processor.Transcript{JobID: "j1", Text: "second attempt", ChunkCount: 1}

	store.Persist(context.Background(), "j1", first)
	ref, err := store.Persist(context.Background(), "j1", second)
	if err != nil {
		t.Fatalf("Second persist failed: %v", err)
	}

	loaded, _ := store.Load(ref)
	if loaded.Text != "second attempt" {
		t.Errorf("Retry should overwrite the artifact, got %q", loaded.Text)
	}
}

func TestFileStoreResolve(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(filepath.Join(dir, "artifacts"))

	source := filepath.Join(dir, "meeting.wav")
	if err := os.WriteFile(source, []byte("riff"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := store.Resolve(source); err != nil {
		t.Errorf("Existing file should resolve: %v", err)
	}

	err := store.Resolve(filepath.Join(dir, "missing.wav"))
	if models.KindOf(err) != models.ErrKindSourceNotFound {
		t.Errorf("Missing file should be source_not_found, got %v", err)
	}

	err = store.Resolve(dir)
	if models.KindOf(err) != models.ErrKindInvalidSource {
		t.Errorf("Directory should be invalid_source, got %v", err)
	}
}
