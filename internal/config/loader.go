// Package config loads coverscan configuration.
//
// Layers, lowest to highest precedence:
//
//  1. built-in defaults
//  2. a YAML file (explicit --config, then <project>/coverscan.yaml, then user config)
//  3. a .env file at the project root (never overrides the process environment)
//  4. COVERSCAN_* environment variables
//  5. runtime overrides passed to Load
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
	usedFile    string
)

// envSpec maps one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

// envKeys lists the variables read from the environment, without prefix.
var envKeys = []envSpec{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"REQUEST_TIMEOUT", "server.request_timeout"},
	{"ROUTE_PREFIX", "server.route_prefix"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},
	{"DEFAULT_LANGUAGE", "default_language"},
	{"QUEUE_BACKEND", "queue.backend"},
	{"QUEUE_RETENTION", "queue.retention"},
	{"QUEUE_DB_DRIVER", "queue.sql.driver"},
	{"QUEUE_DB_PATH", "queue.sql.path"},
	{"QUEUE_DB_URL", "queue.sql.url"},
	{"QUEUE_DSN", "queue.sql.dsn"},
	{"REDIS_ADDR", "queue.redis.addr"},
	{"REDIS_USERNAME", "queue.redis.username"},
	{"REDIS_PASSWORD", "queue.redis.password"},
	{"REDIS_DB", "queue.redis.db"},
	{"REDIS_PREFIX", "queue.redis.prefix"},
	{"DB_DRIVER", "store.driver"},
	{"DB_PATH", "store.path"},
	{"DB_URL", "store.url"},
	{"DB_AUTH_TOKEN", "store.auth_token"},
	{"DATABASE_URL", "store.dsn"},
	{"IMAGES_BACKEND", "images.backend"},
	{"UPLOAD_DIR", "images.dir"},
	{"IMAGES_MAX_BYTES", "images.max_bytes"},
	{"S3_BUCKET", "images.s3.bucket"},
	{"S3_PREFIX", "images.s3.prefix"},
	{"S3_REGION", "images.s3.region"},
	{"S3_ENDPOINT", "images.s3.endpoint"},
	{"S3_PROFILE", "images.s3.profile"},
	{"S3_FORCE_PATH_STYLE", "images.s3.force_path_style"},
	{"EXTRACTOR", "extraction.provider"},
	{"EXTRACT_TIMEOUT", "extraction.timeout"},
	{"EXTRACT_RATE_LIMIT", "extraction.rate_limit"},
	{"OCR_URL", "extraction.ocrservice.base_url"},
	{"OCR_PATH", "extraction.ocrservice.path"},
	{"OCR_API_KEY", "extraction.ocrservice.api_key"},
	{"OPENAI_BASE_URL", "extraction.openai.base_url"},
	{"OPENAI_API_KEY", "extraction.openai.api_key"},
	{"OPENAI_MODEL", "extraction.openai.model"},
}

// SetConfigFile selects an explicit config file for subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetIdentity replaces the application identity used by Load.
func SetIdentity(id *AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// Identity returns the application identity, or nil before the first Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Load builds the configuration and caches it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	identity := appIdentity
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)
	SetDataDefaults(v, identity)

	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}

	path := resolveConfigFile(explicit, root, identity)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(root); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok && val != "" {
			v.Set(spec.Path, val)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	usedFile = path
	configMu.Unlock()
	return &cfg, nil
}

// ConfigFileUsed returns the config file read by the last Load, or "" when
// only defaults and environment were used.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return usedFile
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	switch c.Queue.Backend {
	case QueueBackendSQL, QueueBackendRedis:
	default:
		return fmt.Errorf("queue.backend must be %s or %s, got %q", QueueBackendSQL, QueueBackendRedis, c.Queue.Backend)
	}
	switch c.Images.Backend {
	case ImagesBackendFile, ImagesBackendS3:
	default:
		return fmt.Errorf("images.backend must be %s or %s, got %q", ImagesBackendFile, ImagesBackendS3, c.Images.Backend)
	}
	switch c.Extraction.Provider {
	case ProviderOCRService, ProviderOpenAI:
	default:
		return fmt.Errorf("extraction.provider must be %s or %s, got %q", ProviderOCRService, ProviderOpenAI, c.Extraction.Provider)
	}
	if c.Extraction.RateLimit < 0 {
		return fmt.Errorf("extraction.rate_limit must be >= 0")
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	cfg.Images.Backend = strings.ToLower(strings.TrimSpace(cfg.Images.Backend))
	cfg.Extraction.Provider = strings.ToLower(strings.TrimSpace(cfg.Extraction.Provider))

	prefix := "/" + strings.Trim(strings.TrimSpace(cfg.Server.RoutePrefix), "/")
	cfg.Server.RoutePrefix = prefix
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = "ru"
	}
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.EnvPrefix == "" {
		return []envSpec{}
	}

	specs := make([]envSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, envSpec{Name: id.EnvPrefix + "_" + k.Name, Path: k.Path})
	}
	return specs
}

// getUserConfigPaths lists per-user config file candidates, most specific first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.ConfigName == "" {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, id.ConfigName+".yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName+".yaml"))
	}
	return paths
}

func resolveConfigFile(explicit, root string, id *AppIdentity) string {
	if explicit != "" {
		return explicit
	}
	var candidates []string
	if root != "" && id != nil {
		candidates = append(candidates, filepath.Join(root, id.ConfigName+".yaml"))
	}
	candidates = append(candidates, getUserConfigPaths()...)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func loadDotEnv(root string) error {
	if root == "" {
		return nil
	}
	path := filepath.Join(root, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
