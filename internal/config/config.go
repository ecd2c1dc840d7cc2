package config

import "time"

// Config is the full coverscan configuration.
type Config struct {
	Server          ServerConfig     `mapstructure:"server"`
	Logging         LoggingConfig    `mapstructure:"logging"`
	Health          HealthConfig     `mapstructure:"health"`
	Debug           DebugConfig      `mapstructure:"debug"`
	Workers         int              `mapstructure:"workers"`
	DefaultLanguage string           `mapstructure:"default_language"`
	Queue           QueueConfig      `mapstructure:"queue"`
	Store           DatabaseConfig   `mapstructure:"store"`
	Images          ImagesConfig     `mapstructure:"images"`
	Extraction      ExtractionConfig `mapstructure:"extraction"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds handler execution. Zero disables the bound.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// RoutePrefix is where the book and job routes are mounted.
	RoutePrefix string `mapstructure:"route_prefix"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// QueueConfig selects the job store backend.
type QueueConfig struct {
	// Backend is "sql" or "redis".
	Backend string `mapstructure:"backend"`

	SQL   DatabaseConfig `mapstructure:"sql"`
	Redis RedisConfig    `mapstructure:"redis"`

	// Retention expires finished jobs (redis) or bounds `jobs gc` (sql).
	Retention time.Duration `mapstructure:"retention"`
}

// DatabaseConfig mirrors sqlstore.Config.
type DatabaseConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

// ImagesConfig selects where uploaded covers live.
type ImagesConfig struct {
	// Backend is "file" or "s3".
	Backend  string   `mapstructure:"backend"`
	Dir      string   `mapstructure:"dir"`
	Patterns []string `mapstructure:"patterns"`
	MaxBytes int64    `mapstructure:"max_bytes"`
	S3       S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// ExtractionConfig selects and tunes the extraction service client.
type ExtractionConfig struct {
	// Provider is "ocrservice" or "openai".
	Provider string        `mapstructure:"provider"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RateLimit caps extraction calls per second across a worker. Zero is unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`

	OCRService OCRServiceConfig `mapstructure:"ocrservice"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
}

type OCRServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Path    string `mapstructure:"path"`
	APIKey  string `mapstructure:"api_key"`
}

type OpenAIConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// AppIdentity names the binary, its environment prefix, and its config
// file stem.
type AppIdentity struct {
	BinaryName string
	Vendor     string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the coverscan binary.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "coverscan",
		Vendor:     "3leaps",
		EnvPrefix:  "COVERSCAN",
		ConfigName: "coverscan",
	}
}
