package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

const (
	configPathEnv  = "PKM_CONFIG"
	envFileEnv     = "PKM_ENV_FILE"
	workspaceEnv   = "PKM_WORKSPACE"
	storageTypeEnv = "PKM_STORAGE_TYPE"
	serverAddrEnv  = "PKM_SERVER_ADDR"
	redisAddrEnv   = "REDIS_ADDR"
	logLevelEnv    = "PKM_LOG_LEVEL"
)

// Config is the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	AI         AIConfig         `yaml:"ai"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Sync       SyncConfig       `yaml:"sync"`
	Queue      QueueConfig      `yaml:"queue"`
	Lock       LockConfig       `yaml:"lock"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Log        logger.Config    `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowOrigins    []string      `yaml:"allowOrigins"`
}

// WorkspaceConfig 本地工作目录
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

func (w WorkspaceConfig) StagingDir() string { return filepath.Join(w.Root, "staging") }
func (w WorkspaceConfig) RecordsDir() string { return filepath.Join(w.Root, "records") }
func (w WorkspaceConfig) SourcesDir() string { return filepath.Join(w.Root, "sources") }

// SyncConfig controls the reconcile loop.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	WatchTTL    time.Duration `yaml:"watchTTL"`
	RenewBefore time.Duration `yaml:"renewBefore"`
	Debounce    time.Duration `yaml:"debounce"`
	Concurrency int           `yaml:"concurrency"`
	// in_progress records older than this are resumed by the reprocess loop
	StaleAfter time.Duration `yaml:"staleAfter"`
}

type QueueConfig struct {
	Enabled     bool           `yaml:"enabled"`
	RedisAddr   string         `yaml:"redisAddr"`
	RedisDB     int            `yaml:"redisDB"`
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
	CycleCron   string         `yaml:"cycleCron"`
}

// LockConfig selects the identity lock backend: "memory" or "redis".
type LockConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at path (or $PKM_CONFIG), loads a .env file when
// present and applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	envFile := os.Getenv(envFileEnv)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: cannot load %s: %v, falling back to environment variables", envFile, err)
	}

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration usable for a local, single process setup.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
			AllowOrigins:    []string{"*"},
		},
		Storage:    defaultStorage(),
		Workspace:  WorkspaceConfig{Root: "data"},
		AI:         defaultAI(),
		Extraction: defaultExtraction(),
		Sync: SyncConfig{
			Interval:    5 * time.Minute,
			WatchTTL:    24 * time.Hour,
			RenewBefore: time.Hour,
			Debounce:    2 * time.Second,
			Concurrency: 4,
			StaleAfter:  30 * time.Minute,
		},
		Queue: QueueConfig{
			RedisAddr:   "localhost:6379",
			Concurrency: 2,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			CycleCron: "@every 5m",
		},
		Lock:   LockConfig{Backend: "memory", TTL: 10 * time.Minute},
		Ledger: LedgerConfig{Path: filepath.Join("data", "ledger.db")},
		Log: logger.Config{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout", "logs/app.log"},
			ErrorPaths:  []string{"stderr", "logs/error.log"},
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(workspaceEnv); v != "" {
		c.Workspace.Root = v
	}
	if v := os.Getenv(storageTypeEnv); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv(serverAddrEnv); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Log.Level = v
	}
	c.Storage.applyEnvOverrides()
	c.AI.applyEnvOverrides()
	c.Extraction.applyEnvOverrides()
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageTypeLocal, StorageTypeS3, StorageTypeMinio:
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}
	if c.Workspace.Root == "" {
		return errors.New("workspace root is required")
	}
	if c.Sync.Concurrency < 1 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync interval must be positive")
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported lock backend: %q", c.Lock.Backend)
	}
	switch c.Extraction.ImageEngine {
	case ImageEngineTesseract, ImageEngineTextract:
	default:
		return fmt.Errorf("unsupported image engine: %q", c.Extraction.ImageEngine)
	}
	if c.AI.MaxAttempts < 1 {
		c.AI.MaxAttempts = 1
	}
	return nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
