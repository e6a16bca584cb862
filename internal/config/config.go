package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Workers       WorkersConfig       `yaml:"workers"`
	Limits        LimitsConfig        `yaml:"limits"`
	Access        AccessConfig        `yaml:"access"`
	Acquisition   AcquisitionConfig   `yaml:"acquisition"`
	Whisper       WhisperConfig       `yaml:"whisper"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	GoogleDrive   GoogleDriveConfig   `yaml:"google_drive"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Database  string `yaml:"database"`
	TempDir   string `yaml:"temp_dir"`
	OutputDir string `yaml:"output_dir"`
}

type WorkersConfig struct {
	Count      int           `yaml:"count"`
	QueueSize  int           `yaml:"queue_size"`
	LeaseGrace time.Duration `yaml:"lease_grace"`
}

type LimitsConfig struct {
	MaxDurationMinutes int `yaml:"max_duration_minutes"`
}

// MaxDuration returns the longest source the pipeline accepts
func (l LimitsConfig) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationMinutes) * time.Minute
}

// AccessConfig is a static allow-list. An empty list denies everyone.
type AccessConfig struct {
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

// Allowed reports whether the user may submit tasks
func (a AccessConfig) Allowed(userID int64) bool {
	for _, id := range a.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type AcquisitionConfig struct {
	YtDlpPath    string        `yaml:"ytdlp_path"`
	CookiesFile  string        `yaml:"cookies_file"`
	Probe        string        `yaml:"probe"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type WhisperConfig struct {
	Model    string `yaml:"model"`
	Device   string `yaml:"device"`
	Language string `yaml:"language"`
	Python   string `yaml:"python"`
	Threads  int    `yaml:"threads"`
}

type SummarizationConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	TargetLanguage string        `yaml:"target_language"`
	ChunkMaxUnits  int           `yaml:"chunk_max_units"`
	ChunkCounter   string        `yaml:"chunk_counter"`
	Concurrency    int           `yaml:"concurrency"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// StagePolicyConfig configures retries and timeout for one stage
type StagePolicyConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	Acquisition   StagePolicyConfig `yaml:"acquisition"`
	Transcription StagePolicyConfig `yaml:"transcription"`
	Summarization StagePolicyConfig `yaml:"summarization"`
	Finalization  StagePolicyConfig `yaml:"finalization"`
	Chunk         StagePolicyConfig `yaml:"chunk"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
}

type GoogleDriveConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	FolderName      string `yaml:"folder_name"`
}

type CleanupConfig struct {
	IntervalMinutes int           `yaml:"interval_minutes"`
	MaxAgeHours     int           `yaml:"max_age_hours"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Load reads the YAML file at path, applies environment overrides and validates
func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(file)
}

// Parse decodes a YAML document into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("YTDLP_COOKIES_FILE"); v != "" {
		c.Acquisition.CookiesFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("MAX_VIDEO_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_VIDEO_MINUTES: %w", err)
		}
		c.Limits.MaxDurationMinutes = n
	}
	if c.Summarization.APIKey == "" {
		switch strings.ToLower(c.Summarization.Provider) {
		case "openai":
			c.Summarization.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			c.Summarization.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	return nil
}

// Validate checks required fields and fills defaults
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "data/lecture-digest.db"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = "temp"
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "outputs"
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 2
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 100
	}
	if c.Workers.LeaseGrace == 0 {
		c.Workers.LeaseGrace = time.Minute
	}
	if c.Limits.MaxDurationMinutes == 0 {
		c.Limits.MaxDurationMinutes = 60
	}
	if c.Limits.MaxDurationMinutes < 0 {
		return fmt.Errorf("limits.max_duration_minutes must be positive")
	}

	if c.Acquisition.YtDlpPath == "" {
		c.Acquisition.YtDlpPath = "yt-dlp"
	}
	switch c.Acquisition.Probe {
	case "":
		c.Acquisition.Probe = "ytdlp"
	case "ytdlp", "browser", "none":
	default:
		return fmt.Errorf("acquisition.probe must be one of ytdlp, browser, none (got %q)", c.Acquisition.Probe)
	}
	if c.Acquisition.ProbeTimeout == 0 {
		c.Acquisition.ProbeTimeout = 30 * time.Second
	}

	if c.Whisper.Model == "" {
		c.Whisper.Model = "small"
	}
	if c.Whisper.Device == "" {
		c.Whisper.Device = "cpu"
	}
	if c.Whisper.Python == "" {
		c.Whisper.Python = "python"
	}

	switch c.Summarization.Provider {
	case "":
		c.Summarization.Provider = "gemini"
	case "gemini", "openai":
	default:
		return fmt.Errorf("summarization.provider must be gemini or openai (got %q)", c.Summarization.Provider)
	}
	if c.Summarization.Model == "" {
		if c.Summarization.Provider == "openai" {
			c.Summarization.Model = "gpt-4o-mini"
		} else {
			c.Summarization.Model = "gemini-2.5-flash"
		}
	}
	if c.Summarization.TargetLanguage == "" {
		c.Summarization.TargetLanguage = "English"
	}
	if c.Summarization.ChunkMaxUnits == 0 {
		c.Summarization.ChunkMaxUnits = 12000
	}
	if c.Summarization.ChunkMaxUnits < 0 {
		return fmt.Errorf("summarization.chunk_max_units must be positive")
	}
	switch c.Summarization.ChunkCounter {
	case "":
		c.Summarization.ChunkCounter = "chars"
	case "chars", "tokens":
	default:
		return fmt.Errorf("summarization.chunk_counter must be chars or tokens (got %q)", c.Summarization.ChunkCounter)
	}
	if c.Summarization.Concurrency == 0 {
		c.Summarization.Concurrency = 3
	}
	if c.Summarization.CallTimeout == 0 {
		c.Summarization.CallTimeout = 2 * time.Minute
	}

	defaultStage(&c.Pipeline.Acquisition, 4, 30*time.Minute)
	defaultStage(&c.Pipeline.Transcription, 3, 2*time.Hour)
	defaultStage(&c.Pipeline.Summarization, 3, 30*time.Minute)
	defaultStage(&c.Pipeline.Finalization, 3, 5*time.Minute)
	defaultStage(&c.Pipeline.Chunk, 3, c.Summarization.CallTimeout)

	if c.GoogleDrive.FolderName == "" {
		c.GoogleDrive.FolderName = "Lecture Digests"
	}
	if c.Cleanup.IntervalMinutes == 0 {
		c.Cleanup.IntervalMinutes = 60
	}
	if c.Cleanup.MaxAgeHours == 0 {
		c.Cleanup.MaxAgeHours = 24
	}
	if c.Cleanup.SweepInterval == 0 {
		c.Cleanup.SweepInterval = time.Minute
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "lecture-digest"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	return nil
}

func defaultStage(s *StagePolicyConfig, attempts int, timeout time.Duration) {
	if s.MaxAttempts == 0 {
		s.MaxAttempts = attempts
	}
	if s.InitialBackoff == 0 {
		s.InitialBackoff = 5 * time.Second
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = 2 * time.Minute
	}
	if s.Timeout == 0 {
		s.Timeout = timeout
	}
}
