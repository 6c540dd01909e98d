package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"commguard/internal/model"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Analysis   AnalysisConfig   `json:"analysis" yaml:"analysis"`
	Mail       MailConfig       `json:"mail" yaml:"mail"`
	Directory  DirectoryConfig  `json:"directory" yaml:"directory"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Policies   []model.Policy   `json:"policies" yaml:"policies"`
}

type IngestConfig struct {
	ChannelBuffer   int           `json:"channel_buffer" yaml:"channel_buffer"`
	DefaultCategory string        `json:"default_category" yaml:"default_category"`
	MaxClockSkew    time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew   time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	REST            RESTConfig    `json:"rest" yaml:"rest"`
	Kafka           KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DispatcherConfig struct {
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Workers          int           `json:"workers" yaml:"workers"`
	BatchLimit       int           `json:"batch_limit" yaml:"batch_limit"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff     time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	HandlerTimeout   time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
	DedupeScheduling bool          `json:"dedupe_scheduling" yaml:"dedupe_scheduling"`
}

type AnalysisConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	Endpoint      string        `json:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

type MailConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	From     string `json:"from" yaml:"from"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type DirectoryConfig struct {
	Subjects map[string]SubjectEntry `json:"subjects" yaml:"subjects"`
}

type SubjectEntry struct {
	Group               string  `json:"group" yaml:"group"`
	Email               string  `json:"email" yaml:"email"`
	ManagerEmail        string  `json:"manager_email" yaml:"manager_email"`
	HistoricalRiskScore float64 `json:"historical_risk_score" yaml:"historical_risk_score"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver              string `json:"driver" yaml:"driver"`
	DSN                 string `json:"dsn" yaml:"dsn"`
	ProvisionSideTables bool   `json:"provision_side_tables" yaml:"provision_side_tables"`
}

type AuditConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer:   10000,
			DefaultCategory: "general",
			MaxClockSkew:    5 * time.Minute,
			MaxFutureSkew:   2 * time.Second,
			REST:            RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:           KafkaConfig{Enabled: false},
		},
		Dispatcher: DispatcherConfig{
			PollInterval:     5 * time.Second,
			Workers:          1,
			BatchLimit:       100,
			MaxRetries:       3,
			RetryBackoff:     30 * time.Second,
			HandlerTimeout:   10 * time.Second,
			DedupeScheduling: true,
		},
		Analysis: AnalysisConfig{
			Enabled:       true,
			BatchSize:     5,
			FlushInterval: 2 * time.Second,
			Timeout:       30 * time.Second,
		},
		Mail:    MailConfig{Enabled: false},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:commguard.db?_pragma=busy_timeout(5000)", ProvisionSideTables: true},
		Audit:   AuditConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.DefaultCategory == "" {
		cfg.Ingest.DefaultCategory = "general"
	}
	if cfg.Dispatcher.PollInterval <= 0 {
		cfg.Dispatcher.PollInterval = 5 * time.Second
	}
	if cfg.Dispatcher.Workers <= 0 {
		cfg.Dispatcher.Workers = 1
	}
	if cfg.Dispatcher.BatchLimit <= 0 {
		cfg.Dispatcher.BatchLimit = 100
	}
	if cfg.Dispatcher.MaxRetries <= 0 {
		cfg.Dispatcher.MaxRetries = 3
	}
	if cfg.Dispatcher.RetryBackoff <= 0 {
		cfg.Dispatcher.RetryBackoff = 30 * time.Second
	}
	if cfg.Dispatcher.HandlerTimeout <= 0 {
		cfg.Dispatcher.HandlerTimeout = 10 * time.Second
	}
	if cfg.Analysis.BatchSize <= 0 {
		cfg.Analysis.BatchSize = 5
	}
	if cfg.Analysis.FlushInterval <= 0 {
		cfg.Analysis.FlushInterval = 2 * time.Second
	}
	if cfg.Analysis.Timeout <= 0 {
		cfg.Analysis.Timeout = 30 * time.Second
	}
	if cfg.Audit.StoreLimit <= 0 {
		cfg.Audit.StoreLimit = 1000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Mail.Enabled {
		if cfg.Mail.Addr == "" || cfg.Mail.From == "" {
			return errors.New("mail requires addr and from when enabled")
		}
	}
	if cfg.Analysis.Enabled && cfg.Analysis.Endpoint != "" && !strings.HasPrefix(cfg.Analysis.Endpoint, "http") {
		return fmt.Errorf("analysis.endpoint must be an http(s) URL: %q", cfg.Analysis.Endpoint)
	}
	for i, p := range cfg.Policies {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("policies[%d]: name is required", i)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file. Reload
// and Watch are no-ops; Update replaces the snapshot.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if m.path != "" {
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
