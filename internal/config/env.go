package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".guildwatch/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"guildwatch/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type MonitorEnv struct {
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	Quiescence       time.Duration `envconfig:"QUIESCENCE" default:"500ms"`
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"10s"`
	RingCapacity     int           `envconfig:"RING_CAPACITY" default:"200"`
	CommitWindow     int           `envconfig:"COMMIT_WINDOW" default:"20"`
	AgentsConfig     string        `envconfig:"AGENTS_CONFIG" default:".guildwatch/agents.yaml"`
}

type Env struct {
	BaseEnv
	StorageEnv
	MonitorEnv
}

const namespace = "GUILDWATCH"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func MonitorEnvFromEnv(env *Env) *MonitorEnv {
	return &env.MonitorEnv
}
