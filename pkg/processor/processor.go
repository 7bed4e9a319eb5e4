package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/modelpool"
	"github.com/voxbatch/voxbatch/pkg/progress"
	"github.com/voxbatch/voxbatch/pkg/retry"
)

// ChunkResult is one transcribed audio chunk produced by the
// transcriber. Chunks may arrive out of index order when the
// transcriber processes them in parallel.
type ChunkResult struct {
	Index    int     // chunk position within the source, 0-based
	Total    int     // total chunk count for the source
	Text     string  // transcribed text for this chunk
	Progress float64 // overall transcription fraction [0,1]
	Err      error   // terminal transcription failure
}

// Transcriber converts a media source into a lazy, finite,
// non-restartable stream of chunk results.
type Transcriber interface {
	Transcribe(ctx context.Context, handle *modelpool.Handle, sourceRef string) (<-chan ChunkResult, error)
}

// Transcript is the merged output artifact for one job
type Transcript struct {
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	ChunkCount int       `json:"chunk_count"`
	Keywords   []string  `json:"keywords,omitempty"`
	Questions  []string  `json:"questions,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Storage persists transcript artifacts and resolves job sources
type Storage interface {
	Persist(ctx context.Context, jobID string, transcript *Transcript) (string, error)
	Resolve(sourceRef string) error
}

// Insights holds derived analysis for a transcript
type Insights struct {
	Keywords  []string `json:"keywords,omitempty"`
	Questions []string `json:"questions,omitempty"`
}

// Analyzer derives insights from a finished transcript. Availability
// is checked before every invocation; unavailable analyzers are
// skipped, and analysis failures never fail the job.
type Analyzer interface {
	Name() string
	Available() bool
	Analyze(ctx context.Context, text string) (*Insights, error)
}

// StageRange maps a pipeline stage onto a sub-range of the job's
// overall progress percentage.
type StageRange struct {
	From int
	To   int
}

// Config holds processor configuration
type Config struct {
	TranscribeRange StageRange   // progress budget for chunk transcription
	AnalysisRange   StageRange   // progress budget for analysis
	PersistRetry    retry.Config // backoff policy for artifact persistence
}

// DefaultConfig returns the default stage progress ranges
func DefaultConfig() Config {
	return Config{
		TranscribeRange: StageRange{From: 10, To: 80},
		AnalysisRange:   StageRange{From: 80, To: 95},
		PersistRetry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Processor executes a single transcription job end-to-end. It is
// stateless across jobs; all dependencies are provided at construction
// and shared by every worker.
type Processor struct {
	config      Config
	pool        *modelpool.Manager
	tracker     *progress.Tracker
	transcriber Transcriber
	storage     Storage
	analyzers   []Analyzer
	logger      *logging.Logger
}

// New creates a job processor
func New(config Config, pool *modelpool.Manager, tracker *progress.Tracker,
	transcriber Transcriber, storage Storage, analyzers []Analyzer, logger *logging.Logger) *Processor {
	if config.TranscribeRange.To <= config.TranscribeRange.From {
		config.TranscribeRange = DefaultConfig().TranscribeRange
	}
	if config.AnalysisRange.To <= config.AnalysisRange.From {
		config.AnalysisRange = DefaultConfig().AnalysisRange
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Processor{
		config:      config,
		pool:        pool,
		tracker:     tracker,
		transcriber: transcriber,
		storage:     storage,
		analyzers:   analyzers,
		logger:      logger,
	}
}

// Run executes one job attempt. On success the transcript artifact is
// persisted, the tracker is marked complete, and the result reference
// is returned. On failure a classified error is returned; the caller
// owns the retry decision, so the tracker is not failed here.
func (p *Processor) Run(ctx context.Context, job *models.BatchJob) (string, error) {
	sessionID, jobID := job.SessionID, job.ID

	p.tracker.Update(sessionID, jobID, 2, "resolving source")
	if strings.TrimSpace(job.SourceRef) == "" {
		return "", models.NewInvalidSourceError(job.SourceRef, nil)
	}
	if err := p.storage.Resolve(job.SourceRef); err != nil {
		if models.KindOf(err) == models.ErrKindSourceNotFound {
			return "", err
		}
		return "", models.NewInvalidSourceError(job.SourceRef, err)
	}

	p.tracker.Update(sessionID, jobID, 5, "acquiring model")
	handle, err := p.pool.Acquire(ctx, job.Profile)
	if err != nil {
		return "", err
	}
	defer p.pool.Release(handle)

	text, chunkCount, err := p.transcribe(ctx, handle, job)
	if err != nil {
		return "", err
	}

	transcript := &Transcript{
		JobID:      jobID,
		Text:       text,
		ChunkCount: chunkCount,
		CreatedAt:  time.Now().UTC(),
	}

	if job.Analyze {
		p.analyze(ctx, job, transcript)
	}

	p.tracker.Update(sessionID, jobID, 95, "saving transcript")
	resultRef, err := p.persist(ctx, jobID, transcript)
	if err != nil {
		// The transcript was computed; make that loss visible instead
		// of dropping it silently.
		p.logger.Error("transcript computed but not saved", map[string]interface{}{
			"job_id": jobID, "chunks": chunkCount, "error": err.Error(),
		})
		return "", err
	}

	p.tracker.Complete(sessionID, jobID, resultRef)
	return resultRef, nil
}

// transcribe streams chunks from the transcriber, forwards scaled
// progress, and merges chunk texts in index order regardless of
// arrival order.
func (p *Processor) transcribe(ctx context.Context, handle *modelpool.Handle, job *models.BatchJob) (string, int, error) {
	chunks, err := p.transcriber.Transcribe(ctx, handle, job.SourceRef)
	if err != nil {
		return "", 0, models.NewTranscriptionError("failed to start transcription", err)
	}

	texts := make(map[int]string)
	total := 0
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", 0, models.NewTranscriptionError("chunk transcription failed", chunk.Err)
		}
		if chunk.Total > total {
			total = chunk.Total
		}
		texts[chunk.Index] = chunk.Text

		stage := fmt.Sprintf("transcribing chunk %d/%d", len(texts), total)
		p.tracker.Update(job.SessionID, job.ID, p.scale(p.config.TranscribeRange, chunk.Progress), stage)

		select {
		case <-ctx.Done():
			return "", 0, models.NewTranscriptionError("transcription cancelled", ctx.Err())
		default:
		}
	}

	if len(texts) == 0 {
		return "", 0, models.NewTranscriptionError("transcriber produced no chunks", nil)
	}

	indexes := make([]int, 0, len(texts))
	for idx := range texts {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var merged strings.Builder
	for _, idx := range indexes {
		merged.WriteString(texts[idx])
	}

	p.tracker.Update(job.SessionID, job.ID, p.config.TranscribeRange.To, "merging results")
	return merged.String(), len(texts), nil
}

// analyze runs every available analyzer, best-effort. Failures are
// logged and omit insights; they never fail the job.
func (p *Processor) analyze(ctx context.Context, job *models.BatchJob, transcript *Transcript) {
	if len(p.analyzers) == 0 {
		return
	}

	span := p.config.AnalysisRange.To - p.config.AnalysisRange.From
	for i, analyzer := range p.analyzers {
		if !analyzer.Available() {
			continue
		}

		pct := p.config.AnalysisRange.From + span*(i+1)/len(p.analyzers)
		p.tracker.Update(job.SessionID, job.ID, pct, "analyzing: "+analyzer.Name())

		insights, err := analyzer.Analyze(ctx, transcript.Text)
		if err != nil {
			p.logger.Warn("analysis failed, omitting insights", map[string]interface{}{
				"job_id": job.ID, "analyzer": analyzer.Name(), "error": err.Error(),
			})
			continue
		}
		if insights == nil {
			continue
		}
		transcript.Keywords = append(transcript.Keywords, insights.Keywords...)
		transcript.Questions = append(transcript.Questions, insights.Questions...)
	}
}

// persist stores the artifact with backoff retries. Persistence faults
// are retryable; an exhausted retry budget surfaces as PersistenceError.
func (p *Processor) persist(ctx context.Context, jobID string, transcript *Transcript) (string, error) {
	var resultRef string
	err := retry.Do(ctx, p.config.PersistRetry, nil, func() error {
		ref, err := p.storage.Persist(ctx, jobID, transcript)
		if err != nil {
			return err
		}
		resultRef = ref
		return nil
	})
	if err != nil {
		return "", models.NewPersistenceError("failed to persist transcript", err)
	}
	return resultRef, nil
}

// scale maps a stage-local fraction [0,1] into the stage's percent range.
func (p *Processor) scale(r StageRange, fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return r.From + int(float64(r.To-r.From)*fraction)
}
