package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full voxbatch configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Governor   GovernorConfig   `mapstructure:"governor" yaml:"governor"`
	Jobs       JobsConfig       `mapstructure:"jobs" yaml:"jobs"`
	Models     ModelsConfig     `mapstructure:"models" yaml:"models"`
	Transcribe TranscribeConfig `mapstructure:"transcribe" yaml:"transcribe"`
	Analysis   AnalysisConfig   `mapstructure:"analysis" yaml:"analysis"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "file" or "sqlite"
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`
}

// GovernorConfig holds resource governor thresholds
type GovernorConfig struct {
	HighWaterPercent float64 `mapstructure:"high_water_percent" yaml:"high_water_percent"`
	LowWaterPercent  float64 `mapstructure:"low_water_percent" yaml:"low_water_percent"`
	PerJobMB         int     `mapstructure:"per_job_mb" yaml:"per_job_mb"`
	MaxWorkers       int     `mapstructure:"max_workers" yaml:"max_workers"`
}

// JobsConfig holds scheduler and retry settings
type JobsConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	JobTimeout     time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	RequeueDelay   time.Duration `mapstructure:"requeue_delay" yaml:"requeue_delay"`
	RetuneInterval time.Duration `mapstructure:"retune_interval" yaml:"retune_interval"`
	TranscribeFrom int           `mapstructure:"transcribe_from" yaml:"transcribe_from"`
	TranscribeTo   int           `mapstructure:"transcribe_to" yaml:"transcribe_to"`
	AnalysisFrom   int           `mapstructure:"analysis_from" yaml:"analysis_from"`
	AnalysisTo     int           `mapstructure:"analysis_to" yaml:"analysis_to"`
}

// ModelsConfig holds model pool settings
type ModelsConfig struct {
	Dir         string        `mapstructure:"dir" yaml:"dir"`
	LoadTimeout time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ModelMB     int           `mapstructure:"model_mb" yaml:"model_mb"`
}

// TranscribeConfig holds the exec transcriber settings
type TranscribeConfig struct {
	FFmpegPath          string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	WhisperPath         string `mapstructure:"whisper_path" yaml:"whisper_path"`
	ChunkSeconds        int    `mapstructure:"chunk_seconds" yaml:"chunk_seconds"`
	MaxConcurrentChunks int    `mapstructure:"max_concurrent_chunks" yaml:"max_concurrent_chunks"`
}

// AnalysisConfig toggles the built-in analyzers
type AnalysisConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server:  ServerConfig{Listen: ":8080"},
		Logging: LoggingConfig{Level: "info", JSON: false, Dir: "./logs"},
		Storage: StorageConfig{Backend: "file", DataDir: "./data/transcripts", DBPath: "./data/voxbatch.db"},
		Governor: GovernorConfig{
			HighWaterPercent: 85.0,
			LowWaterPercent:  70.0,
			PerJobMB:         1024,
			MaxWorkers:       4,
		},
		Jobs: JobsConfig{
			MaxRetries:     2,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     2 * time.Minute,
			JobTimeout:     30 * time.Minute,
			RequeueDelay:   2 * time.Second,
			RetuneInterval: 10 * time.Second,
			TranscribeFrom: 10,
			TranscribeTo:   80,
			AnalysisFrom:   80,
			AnalysisTo:     95,
		},
		Models: ModelsConfig{
			Dir:         "./models",
			LoadTimeout: 2 * time.Minute,
			IdleTimeout: 5 * time.Minute,
			ModelMB:     1024,
		},
		Transcribe: TranscribeConfig{
			FFmpegPath:          "ffmpeg",
			WhisperPath:         "whisper.cpp",
			ChunkSeconds:        60,
			MaxConcurrentChunks: 4,
		},
		Analysis: AnalysisConfig{Enabled: true},
	}
}

// Load reads configuration from the given file (or the default search
// paths when cfgFile is empty), with VOXBATCH_* environment overrides.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".voxbatch"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VOXBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return Config{}, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("server.listen", def.Server.Listen)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.json", def.Logging.JSON)
	v.SetDefault("logging.dir", def.Logging.Dir)
	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.data_dir", def.Storage.DataDir)
	v.SetDefault("storage.db_path", def.Storage.DBPath)
	v.SetDefault("governor.high_water_percent", def.Governor.HighWaterPercent)
	v.SetDefault("governor.low_water_percent", def.Governor.LowWaterPercent)
	v.SetDefault("governor.per_job_mb", def.Governor.PerJobMB)
	v.SetDefault("governor.max_workers", def.Governor.MaxWorkers)
	v.SetDefault("jobs.max_retries", def.Jobs.MaxRetries)
	v.SetDefault("jobs.initial_backoff", def.Jobs.InitialBackoff)
	v.SetDefault("jobs.max_backoff", def.Jobs.MaxBackoff)
	v.SetDefault("jobs.job_timeout", def.Jobs.JobTimeout)
	v.SetDefault("jobs.requeue_delay", def.Jobs.RequeueDelay)
	v.SetDefault("jobs.retune_interval", def.Jobs.RetuneInterval)
	v.SetDefault("jobs.transcribe_from", def.Jobs.TranscribeFrom)
	v.SetDefault("jobs.transcribe_to", def.Jobs.TranscribeTo)
	v.SetDefault("jobs.analysis_from", def.Jobs.AnalysisFrom)
	v.SetDefault("jobs.analysis_to", def.Jobs.AnalysisTo)
	v.SetDefault("models.dir", def.Models.Dir)
	v.SetDefault("models.load_timeout", def.Models.LoadTimeout)
	v.SetDefault("models.idle_timeout", def.Models.IdleTimeout)
	v.SetDefault("models.model_mb", def.Models.ModelMB)
	v.SetDefault("transcribe.ffmpeg_path", def.Transcribe.FFmpegPath)
	v.SetDefault("transcribe.whisper_path", def.Transcribe.WhisperPath)
	v.SetDefault("transcribe.chunk_seconds", def.Transcribe.ChunkSeconds)
	v.SetDefault("transcribe.max_concurrent_chunks", def.Transcribe.MaxConcurrentChunks)
	v.SetDefault("analysis.enabled", def.Analysis.Enabled)
}
