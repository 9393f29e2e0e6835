package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/pkg/logger"
)

// Config holds all configuration for the application.
type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts" yaml:"artifacts"`
	Chunking      ChunkingConfig      `mapstructure:"chunking" yaml:"chunking"`
	Workers       WorkersConfig       `mapstructure:"workers" yaml:"workers"`
	Download      DownloadConfig      `mapstructure:"download" yaml:"download"`
	Transcription TranscriptionConfig `mapstructure:"transcription" yaml:"transcription"`
	Analysis      AnalysisConfig      `mapstructure:"analysis" yaml:"analysis"`
	Notes         NotesConfig         `mapstructure:"notes" yaml:"notes"`
	Apprise       AppriseConfig       `mapstructure:"apprise" yaml:"apprise"`
	Watch         WatchConfig         `mapstructure:"watch" yaml:"watch"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
	Dev   bool   `mapstructure:"dev" yaml:"dev"`
}

type StoreConfig struct {
	// Driver: "sqlite" (default), "redis" or "memory"
	Driver   string `mapstructure:"driver" yaml:"driver"`
	Path     string `mapstructure:"path" yaml:"path"`           // SQLite database file
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"` // e.g. redis://localhost:6379/0
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`       // Redis key prefix
}

type ArtifactsConfig struct {
	// Driver: "fs" (default) or "minio"
	Driver string      `mapstructure:"driver" yaml:"driver"`
	Dir    string      `mapstructure:"dir" yaml:"dir"`
	MinIO  MinIOConfig `mapstructure:"minio" yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

type ChunkingConfig struct {
	ChunkSizeMs int64 `mapstructure:"chunk_size_ms" yaml:"chunk_size_ms"`
	OverlapMs   int64 `mapstructure:"overlap_ms" yaml:"overlap_ms"`
}

type WorkersConfig struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

type DownloadConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Binary  string `mapstructure:"binary" yaml:"binary"` // yt-dlp
	Format  string `mapstructure:"format" yaml:"format"`
	FFprobe string `mapstructure:"ffprobe" yaml:"ffprobe"`
}

type TranscriptionConfig struct {
	// Provider: "local" (faster-whisper script) or "openai" (API)
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Model overrides the model picked from the quality tier.
	Model  string `mapstructure:"model" yaml:"model"`
	Script string `mapstructure:"script" yaml:"script"`
	FFmpeg string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	// Quality: low, medium, high
	Quality  string `mapstructure:"quality" yaml:"quality"`
	Language string `mapstructure:"language" yaml:"language"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`

	RateLimitRPM int `mapstructure:"rate_limit_rpm" yaml:"rate_limit_rpm"` // 0 = no limit
}

type AnalysisConfig struct {
	// Provider: "local" (keyword frequency) or "gemini"
	Provider     string   `mapstructure:"provider" yaml:"provider"`
	Model        string   `mapstructure:"model" yaml:"model"`
	APIKeys      []string `mapstructure:"api_keys" yaml:"api_keys"`
	RateLimitRPM int      `mapstructure:"rate_limit_rpm" yaml:"rate_limit_rpm"`
	TopKeywords  int      `mapstructure:"top_keywords" yaml:"top_keywords"`
}

type NotesConfig struct {
	// Detail: summary, standard, comprehensive
	Detail    string `mapstructure:"detail" yaml:"detail"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
}

type AppriseConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"` // Apprise API URL
	Key     string `mapstructure:"key" yaml:"key"`           // Apprise config key
	Tag     string `mapstructure:"tag" yaml:"tag"`           // Tag to filter services
}

type WatchConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

const envPrefix = "VIDEOINSIGHT"

// DefaultPath returns ~/.videoinsight/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".videoinsight")
}

func setDefaults(v *viper.Viper) {
	base := homeDir()

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(base, "state.db"))
	v.SetDefault("store.prefix", "videoinsight")
	v.SetDefault("artifacts.driver", "fs")
	v.SetDefault("artifacts.dir", filepath.Join(base, "artifacts"))
	v.SetDefault("artifacts.minio.bucket", "videoinsight")
	v.SetDefault("chunking.chunk_size_ms", 1800000)
	v.SetDefault("chunking.overlap_ms", 5000)
	v.SetDefault("workers.concurrency", 2)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.attempt_timeout", "30m")
	v.SetDefault("workers.retry_delay", "2s")
	v.SetDefault("download.dir", filepath.Join(base, "media"))
	v.SetDefault("download.binary", "yt-dlp")
	v.SetDefault("download.format", "bestaudio/best")
	v.SetDefault("download.ffprobe", "ffprobe")
	v.SetDefault("transcription.provider", "local")
	v.SetDefault("transcription.script", "scripts/transcribe.py")
	v.SetDefault("transcription.ffmpeg", "ffmpeg")
	v.SetDefault("transcription.quality", "medium")
	v.SetDefault("transcription.language", "auto")
	v.SetDefault("transcription.base_url", "https://api.openai.com/v1")
	v.SetDefault("analysis.provider", "local")
	v.SetDefault("analysis.model", "gemini-2.5-flash")
	v.SetDefault("analysis.top_keywords", 20)
	v.SetDefault("notes.detail", "standard")
	v.SetDefault("notes.output_dir", "notes")
	v.SetDefault("watch.dir", filepath.Join(base, "inbox"))
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper, path string) (*Config, error) {
	// A missing file is fine: defaults and env still apply.
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills zero values with defaults and rejects impossible settings.
func (c *Config) Validate() error {
	if c.Workers.Concurrency <= 0 {
		c.Workers.Concurrency = 2
	}
	if c.Workers.MaxAttempts <= 0 {
		c.Workers.MaxAttempts = 3
	}
	if c.Workers.RetryDelay < 0 {
		c.Workers.RetryDelay = 0
	}
	if c.Chunking.ChunkSizeMs <= 0 {
		c.Chunking.ChunkSizeMs = 1800000
	}
	if c.Chunking.OverlapMs <= 0 {
		c.Chunking.OverlapMs = 5000
	}
	if c.Chunking.OverlapMs >= c.Chunking.ChunkSizeMs {
		return fmt.Errorf("chunking.overlap_ms (%d) must be smaller than chunking.chunk_size_ms (%d)",
			c.Chunking.OverlapMs, c.Chunking.ChunkSizeMs)
	}
	if c.Analysis.TopKeywords <= 0 {
		c.Analysis.TopKeywords = 20
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Artifacts.Driver == "" {
		c.Artifacts.Driver = "fs"
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Artifacts.Driver {
	case "fs":
	case "minio":
		if c.Artifacts.MinIO.Endpoint == "" || c.Artifacts.MinIO.Bucket == "" {
			return fmt.Errorf("artifacts.minio.endpoint and artifacts.minio.bucket are required for the minio driver")
		}
	default:
		return fmt.Errorf("unknown artifacts.driver %q", c.Artifacts.Driver)
	}

	switch strings.ToLower(c.Transcription.Provider) {
	case "", "local":
	case "openai":
		if c.Transcription.APIKey == "" {
			return fmt.Errorf("transcription.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown transcription.provider %q", c.Transcription.Provider)
	}

	switch strings.ToLower(c.Analysis.Provider) {
	case "", "local":
	case "gemini":
		if len(c.Analysis.APIKeys) == 0 {
			return fmt.Errorf("analysis.api_keys is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown analysis.provider %q", c.Analysis.Provider)
	}

	return nil
}

// JobDefaults is the configuration snapshot given to newly created jobs.
func (c *Config) JobDefaults() job.Config {
	return job.Config{
		ChunkSizeMs:      c.Chunking.ChunkSizeMs,
		OverlapMs:        c.Chunking.OverlapMs,
		Quality:          c.Transcription.Quality,
		Detail:           c.Notes.Detail,
		Language:         c.Transcription.Language,
		MaxAttempts:      c.Workers.MaxAttempts,
		AttemptTimeoutMs: c.Workers.AttemptTimeout.Milliseconds(),
	}
}

// ChangeCallback is called when config changes.
type ChangeCallback func(old, new *Config)

// Manager handles config loading and hot-reload. Reloads never touch jobs
// that already exist: each job carries its own snapshot.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	cfg       *Config
	callbacks []ChangeCallback
	stop      chan struct{}
	stopOnce  sync.Once

	path        string
	lastModTime time.Time
}

// NewManager creates a config manager with hot-reload support via polling.
func NewManager(path string, interval time.Duration) (*Manager, error) {
	v := newViper(path)
	cfg, err := read(v, path)
	if err != nil {
		return nil, err
	}

	var lastMod time.Time
	if stat, err := os.Stat(path); err == nil {
		lastMod = stat.ModTime()
	}

	m := &Manager{
		v:           v,
		cfg:         cfg,
		stop:        make(chan struct{}),
		path:        path,
		lastModTime: lastMod,
	}

	if interval > 0 {
		go m.pollForChanges(interval)
		logger.Infof("📋 Config loaded (polling every %v for changes)", interval)
	}

	return m, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkForChanges()
		}
	}
}

func (m *Manager) checkForChanges() {
	stat, err := os.Stat(m.path)
	if err != nil {
		return
	}

	m.mu.RLock()
	lastMod := m.lastModTime
	m.mu.RUnlock()

	if !stat.ModTime().After(lastMod) {
		return
	}

	logger.Infof("🔄 Config file changed, reloading...")

	m.mu.Lock()
	m.lastModTime = stat.ModTime()
	m.mu.Unlock()

	m.reload()
}

func (m *Manager) reload() {
	newCfg, err := read(m.v, m.path)
	if err != nil {
		logger.Errorf("❌ Failed to reload config: %v", err)
		return
	}

	m.mu.Lock()
	oldCfg := m.cfg
	m.cfg = newCfg
	callbacks := m.callbacks
	m.mu.Unlock()

	logChanges(oldCfg, newCfg, "")

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
}

// secretFields are masked when changes are logged.
var secretFields = map[string]bool{"APIKey": true, "APIKeys": true, "SecretKey": true, "AccessKey": true}

func logChanges(old, cur any, prefix string) {
	oldVal := reflect.ValueOf(old)
	newVal := reflect.ValueOf(cur)

	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	if oldVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		fieldName := field.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		if oldField.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			logChanges(oldField.Interface(), newField.Interface(), fieldName)
			continue
		}

		if reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
			continue
		}
		if secretFields[field.Name] {
			logger.Infof("  📝 %s: (changed)", fieldName)
			continue
		}
		logger.Infof("  📝 %s: %v → %v", fieldName, oldField.Interface(), newField.Interface())
	}
}

// Load is a convenience function for one-time loading.
func Load(path string) (*Config, error) {
	return read(newViper(path), path)
}
