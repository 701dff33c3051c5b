// Package config loads service settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tasklist/taskstore"
)

// Backend names accepted in BACKEND.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendTables = "tables"
)

type Config struct {
	Backend    string `yaml:"backend"`
	StorageKey string `yaml:"storageKey"`

	DataDir    string `yaml:"dataDir"`
	SQLitePath string `yaml:"sqlitePath"`

	RedisConnectionString string `yaml:"redisConnectionString"`
	RedisKeyPrefix        string `yaml:"redisKeyPrefix"`

	StorageConnectionString string `yaml:"storageConnectionString"`
	TasksTable              string `yaml:"tasksTable"`
	TasksPartition          string `yaml:"tasksPartition"`

	ChangesQueue   string `yaml:"changesQueue"`
	ChangesChannel string `yaml:"changesChannel"`

	WriteTimeout time.Duration `yaml:"writeTimeout"`
	ListenAddr   string        `yaml:"listenAddr"`
	DeduperTTL   time.Duration `yaml:"deduperTTL"`
	ResetOnStart bool          `yaml:"resetOnStart"`

	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"logFormat"`
}

// Defaults returns the settings used when nothing else is configured.
func Defaults() Config {
	return Config{
		Backend:        BackendFile,
		StorageKey:     taskstore.DefaultKey,
		DataDir:        "data",
		SQLitePath:     filepath.Join("data", "tasks.db"),
		RedisKeyPrefix: "tasklist:",
		TasksTable:     "Tasks",
		TasksPartition: "device",
		WriteTimeout:   10 * time.Second,
		ListenAddr:     ":8080",
		DeduperTTL:     24 * time.Hour,
		LogFormat:      "text",
	}
}

// Load reads .env if present, then the YAML file named by TASKLIST_CONFIG,
// then environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("TASKLIST_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Backend = strings.ToLower(envString("BACKEND", c.Backend))
	c.StorageKey = envString("STORAGE_KEY", c.StorageKey)
	c.DataDir = envString("DATA_DIR", c.DataDir)
	c.SQLitePath = envString("SQLITE_PATH", c.SQLitePath)
	c.RedisConnectionString = envString("REDIS_CONNECTION_STRING", c.RedisConnectionString)
	c.RedisKeyPrefix = envString("REDIS_KEY_PREFIX", c.RedisKeyPrefix)
	c.StorageConnectionString = envString("STORAGE_CONNECTION_STRING", c.StorageConnectionString)
	c.TasksTable = envString("TASKS_TABLE", c.TasksTable)
	c.TasksPartition = envString("TASKS_PARTITION", c.TasksPartition)
	c.ChangesQueue = envString("CHANGES_QUEUE", c.ChangesQueue)
	c.ChangesChannel = envString("CHANGES_CHANNEL", c.ChangesChannel)
	c.WriteTimeout = envDur("WRITE_TIMEOUT", c.WriteTimeout)
	c.ListenAddr = envString("LISTEN_ADDR", c.ListenAddr)
	c.DeduperTTL = envDur("DEDUPER_TTL", c.DeduperTTL)
	c.ResetOnStart = envBool("RESET_ON_START", c.ResetOnStart)
	c.Debug = envBool("DEBUG", c.Debug)
	c.LogFormat = strings.ToLower(envString("LOG_FORMAT", c.LogFormat))
}

// Validate reports settings the selected backend cannot start with.
func (c Config) Validate() error {
	if c.StorageKey == "" {
		return errors.New("STORAGE_KEY must not be empty")
	}
	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.DataDir == "" {
			return errors.New("DATA_DIR is required for the file backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendRedis:
		if c.RedisConnectionString == "" {
			return errors.New("REDIS_CONNECTION_STRING is required for the redis backend")
		}
	case BackendTables:
		if c.StorageConnectionString == "" || c.TasksTable == "" {
			return errors.New("STORAGE_CONNECTION_STRING and TASKS_TABLE are required for the tables backend")
		}
	default:
		return fmt.Errorf("unknown BACKEND %q", c.Backend)
	}
	if c.ChangesQueue != "" && c.StorageConnectionString == "" {
		return errors.New("CHANGES_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if c.ChangesChannel != "" && c.RedisConnectionString == "" {
		return errors.New("CHANGES_CHANNEL requires REDIS_CONNECTION_STRING")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("WRITE_TIMEOUT must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// envDur accepts Go durations ("5s") or a bare number of seconds.
func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
