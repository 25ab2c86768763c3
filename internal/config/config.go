package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema         string        `mapstructure:"DB_SCHEMA"`
	DefaultPartition string        `mapstructure:"DEFAULT_PARTITION"`
	ArchiveRoot      string        `mapstructure:"ARCHIVE_ROOT"`
	ArchiveMediaID   string        `mapstructure:"ARCHIVE_MEDIA_ID"`
	StorageBackend   string        `mapstructure:"STORAGE_BACKEND"`
	GCSBucket        string        `mapstructure:"GCS_BUCKET"`
	MaxUploadBytes   int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	TracingEnabled   bool          `mapstructure:"TRACING_ENABLED"`
	TracingExporter  string        `mapstructure:"TRACING_EXPORTER"`
	ImportWorkers    int           `mapstructure:"IMPORT_WORKERS"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"DEFAULT_PARTITION", "ARCHIVE_ROOT", "ARCHIVE_MEDIA_ID", "STORAGE_BACKEND",
	"GCS_BUCKET", "MAX_UPLOAD_BYTES", "TRACING_ENABLED", "TRACING_EXPORTER",
	"IMPORT_WORKERS", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("ARCHIVE_ROOT", "./data/archive")
	v.SetDefault("STORAGE_BACKEND", StorageLocal)
	v.SetDefault("MAX_UPLOAD_BYTES", 512<<20)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("IMPORT_WORKERS", 4)
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UseMemoryStore reports whether the server runs without Postgres.
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == ""
}

// PartitionID parses DEFAULT_PARTITION. An empty value yields uuid.Nil, which
// makes the partition header mandatory.
func (c *Config) PartitionID() (uuid.UUID, error) {
	if c.DefaultPartition == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.DefaultPartition)
	if err != nil {
		return uuid.Nil, fmt.Errorf("DEFAULT_PARTITION is not a uuid: %w", err)
	}
	return id, nil
}

// MediaID parses ARCHIVE_MEDIA_ID. Files written without a media id are
// addressed by their path alone.
func (c *Config) MediaID() (uuid.UUID, error) {
	if c.ArchiveMediaID == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.ArchiveMediaID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ARCHIVE_MEDIA_ID is not a uuid: %w", err)
	}
	return id, nil
}

// Validate checks combinations Load cannot express as defaults.
func (c *Config) Validate() error {
	if !c.IsDev() && c.UseMemoryStore() {
		return fmt.Errorf("DATABASE_URL is required when ENV=%q", c.Env)
	}
	switch c.StorageBackend {
	case StorageLocal:
		if c.ArchiveRoot == "" {
			return fmt.Errorf("ARCHIVE_ROOT is required for the local storage backend")
		}
	case StorageGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND is %q", StorageGCS)
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageLocal, StorageGCS, c.StorageBackend)
	}
	if c.TracingExporter != "stdout" && c.TracingExporter != "none" {
		return fmt.Errorf("TRACING_EXPORTER must be \"stdout\" or \"none\", got %q", c.TracingExporter)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.ImportWorkers <= 0 {
		return fmt.Errorf("IMPORT_WORKERS must be positive, got %d", c.ImportWorkers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if _, err := c.PartitionID(); err != nil {
		return err
	}
	if _, err := c.MediaID(); err != nil {
		return err
	}
	return nil
}
