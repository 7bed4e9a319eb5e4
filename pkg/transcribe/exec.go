package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/modelpool"
	"github.com/voxbatch/voxbatch/pkg/processor"
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Config holds exec transcriber configuration
type Config struct {
	FFmpegPath          string // ffmpeg binary
	WhisperPath         string // whisper.cpp binary
	ChunkSeconds        int    // audio chunk length
	MaxConcurrentChunks int    // cap on parallel whisper processes across all jobs
}

// DefaultConfig returns exec transcriber defaults
func DefaultConfig() Config {
	return Config{
		FFmpegPath:          "ffmpeg",
		WhisperPath:         "whisper.cpp",
		ChunkSeconds:        60,
		MaxConcurrentChunks: 4,
	}
}

// ExecTranscriber splits input media into fixed-length audio chunks
// with ffmpeg and transcribes each chunk with whisper.cpp. Chunks are
// processed in parallel, bounded by a shared semaphore, so results can
// arrive out of index order.
type ExecTranscriber struct {
	config Config
	runner commandRunner
	logger *logging.Logger
	sem    chan struct{} // limits concurrent whisper processes across jobs
}

// New creates an exec-backed transcriber
func New(config Config, logger *logging.Logger) *ExecTranscriber {
	if config.FFmpegPath == "" {
		config.FFmpegPath = DefaultConfig().FFmpegPath
	}
	if config.WhisperPath == "" {
		config.WhisperPath = DefaultConfig().WhisperPath
	}
	if config.ChunkSeconds <= 0 {
		config.ChunkSeconds = DefaultConfig().ChunkSeconds
	}
	if config.MaxConcurrentChunks <= 0 {
		config.MaxConcurrentChunks = DefaultConfig().MaxConcurrentChunks
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &ExecTranscriber{
		config: config,
		runner: execRunner{},
		logger: logger,
		sem:    make(chan struct{}, config.MaxConcurrentChunks),
	}
}

// Transcribe extracts audio, splits it into chunks, and streams chunk
// results as each whisper invocation finishes.
func (t *ExecTranscriber) Transcribe(ctx context.Context, handle *modelpool.Handle, sourceRef string) (<-chan processor.ChunkResult, error) {
	model, ok := handle.Instance.(*LocalModel)
	if !ok {
		return nil, fmt.Errorf("model handle does not wrap a local model file")
	}

	tempDir, err := os.MkdirTemp("", "voxbatch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk workspace: %w", err)
	}

	chunkPaths, err := t.splitAudio(ctx, sourceRef, tempDir)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}
	if len(chunkPaths) == 0 {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("ffmpeg produced no audio chunks for %s", sourceRef)
	}

	out := make(chan processor.ChunkResult, len(chunkPaths))
	go func() {
		defer close(out)
		defer os.RemoveAll(tempDir)

		total := len(chunkPaths)
		var done int64
		var wg sync.WaitGroup
		for idx, chunkPath := range chunkPaths {
			wg.Add(1)
			go func(idx int, chunkPath string) {
				defer wg.Done()

				select {
				case t.sem <- struct{}{}:
				case <-ctx.Done():
					out <- processor.ChunkResult{Index: idx, Total: total, Err: ctx.Err()}
					return
				}
				defer func() { <-t.sem }()

				text, err := t.transcribeChunk(ctx, model.Path, chunkPath, handle.Profile.Language)
				finished := atomic.AddInt64(&done, 1)
				out <- processor.ChunkResult{
					Index:    idx,
					Total:    total,
					Text:     text,
					Progress: float64(finished) / float64(total),
					Err:      err,
				}
			}(idx, chunkPath)
		}
		wg.Wait()
	}()

	return out, nil
}

// splitAudio converts the source to mono 16 kHz PCM and slices it into
// fixed-length WAV segments.
func (t *ExecTranscriber) splitAudio(ctx context.Context, sourceRef, tempDir string) ([]string, error) {
	pattern := filepath.Join(tempDir, "chunk-%04d.wav")
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", sourceRef,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", t.config.ChunkSeconds),
		pattern,
	}

	result, err := t.runner.Run(ctx, t.config.FFmpegPath, args...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg audio split failed (exit=%d): %w: %s",
			result.ExitCode, err, tail(result.Stderr))
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	chunks := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".wav") {
			chunks = append(chunks, filepath.Join(tempDir, entry.Name()))
		}
	}
	sort.Strings(chunks)
	return chunks, nil
}

// transcribeChunk runs whisper.cpp on one chunk and reads its text output.
func (t *ExecTranscriber) transcribeChunk(ctx context.Context, modelPath, chunkPath, language string) (string, error) {
	textBase := strings.TrimSuffix(chunkPath, filepath.Ext(chunkPath))
	args := []string{
		"-m", modelPath,
		"-f", chunkPath,
		"-of", textBase,
		"-otxt",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}

	result, err := t.runner.Run(ctx, t.config.WhisperPath, args...)
	if err != nil {
		return "", fmt.Errorf("whisper.cpp failed (exit=%d): %w: %s",
			result.ExitCode, err, tail(result.Stderr))
	}

	content, err := os.ReadFile(textBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("whisper.cpp completed but transcript is missing: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// tail keeps error output readable in logs
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		return "..." + s[len(s)-400:]
	}
	return s
}
