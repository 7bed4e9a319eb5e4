package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/voxbatch/voxbatch/pkg/analysis"
	"github.com/voxbatch/voxbatch/pkg/api"
	"github.com/voxbatch/voxbatch/pkg/config"
	"github.com/voxbatch/voxbatch/pkg/governor"
	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/metrics"
	"github.com/voxbatch/voxbatch/pkg/modelpool"
	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/processor"
	"github.com/voxbatch/voxbatch/pkg/progress"
	"github.com/voxbatch/voxbatch/pkg/retry"
	"github.com/voxbatch/voxbatch/pkg/scheduler"
	"github.com/voxbatch/voxbatch/pkg/shutdown"
	"github.com/voxbatch/voxbatch/pkg/storage"
	"github.com/voxbatch/voxbatch/pkg/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voxbatch server",
	Long:  `Starts the batch scheduler, the worker pool, and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServer wires the components together. Everything is constructed
// explicitly here and torn down LIFO by the shutdown manager.
func runServer(cfg config.Config) error {
	logger, err := logging.NewFileLogger(cfg.Logging.Dir, "voxbatch",
		logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	m := metrics.New()

	gov := governor.New(governor.Config{
		HighWaterPercent: cfg.Governor.HighWaterPercent,
		LowWaterPercent:  cfg.Governor.LowWaterPercent,
		PerJobBytes:      uint64(cfg.Governor.PerJobMB) << 20,
		MaxWorkers:       cfg.Governor.MaxWorkers,
	}, logger.WithComponent("governor"))

	pool := modelpool.NewManager(modelpool.Config{
		LoadTimeout: cfg.Models.LoadTimeout,
		IdleTimeout: cfg.Models.IdleTimeout,
		ModelBytes:  uint64(cfg.Models.ModelMB) << 20,
	}, &transcribe.FileLoader{ModelDir: cfg.Models.Dir}, gov.Admit, m, logger.WithComponent("modelpool"))
	pool.Start()

	tracker := progress.NewTracker(256)

	store, closeStore, err := buildStorage(cfg.Storage)
	if err != nil {
		return err
	}

	transcriber := transcribe.New(transcribe.Config{
		FFmpegPath:          cfg.Transcribe.FFmpegPath,
		WhisperPath:         cfg.Transcribe.WhisperPath,
		ChunkSeconds:        cfg.Transcribe.ChunkSeconds,
		MaxConcurrentChunks: cfg.Transcribe.MaxConcurrentChunks,
	}, logger.WithComponent("transcribe"))

	analyzers := []processor.Analyzer{analysis.Noop{}}
	if cfg.Analysis.Enabled {
		analyzers = []processor.Analyzer{
			analysis.NewKeywordAnalyzer(),
			analysis.NewQuestionAnalyzer(),
		}
	}

	proc := processor.New(processor.Config{
		TranscribeRange: processor.StageRange{From: cfg.Jobs.TranscribeFrom, To: cfg.Jobs.TranscribeTo},
		AnalysisRange:   processor.StageRange{From: cfg.Jobs.AnalysisFrom, To: cfg.Jobs.AnalysisTo},
		PersistRetry:    retry.DefaultConfig(),
	}, pool, tracker, transcriber, store, analyzers, logger.WithComponent("processor"))

	sched := scheduler.New(scheduler.Config{
		MaxWorkers: cfg.Governor.MaxWorkers,
		RetryPolicy: models.RetryPolicy{
			MaxRetries:        cfg.Jobs.MaxRetries,
			InitialBackoff:    cfg.Jobs.InitialBackoff,
			MaxBackoff:        cfg.Jobs.MaxBackoff,
			BackoffMultiplier: 2.0,
		},
		JobBytes:       uint64(cfg.Governor.PerJobMB) << 20,
		RequeueDelay:   cfg.Jobs.RequeueDelay,
		RetuneInterval: cfg.Jobs.RetuneInterval,
		JobTimeout:     cfg.Jobs.JobTimeout,
		StopTimeout:    10 * time.Second,
	}, gov, proc, tracker, m, logger.WithComponent("scheduler"))
	sched.Start()

	handler := api.NewHandler(sched, tracker, m, logger.WithComponent("api"))
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	}

	sd := shutdown.New(30*time.Second, logger.WithComponent("shutdown"))
	sd.Register(func(ctx context.Context) error {
		pool.Stop()
		return nil
	})
	if closeStore != nil {
		sd.Register(func(ctx context.Context) error { return closeStore() })
	}
	sd.Register(func(ctx context.Context) error {
		sched.Stop()
		return nil
	})
	sd.Register(func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	go func() {
		logger.Info("http server listening", map[string]interface{}{"addr": cfg.Server.Listen})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sd.Wait()
	sd.Shutdown()
	return nil
}

// buildStorage selects the artifact store backend from configuration.
func buildStorage(cfg config.StorageConfig) (processor.Storage, func() error, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "file", "":
		store, err := storage.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
