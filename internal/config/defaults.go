package config

import (
	"path/filepath"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"

	"github.com/3leaps/coverscan/pkg/imagestore"
)

// Backend and provider names.
const (
	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"

	ImagesBackendFile = "file"
	ImagesBackendS3   = "s3"

	ProviderOCRService = "ocrservice"
	ProviderOpenAI     = "openai"
)

// SetDefaults registers the built-in defaults on v. Paths that depend on
// the per-user data directory are left to SetDataDefaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.route_prefix", "/api/books")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
	v.SetDefault("default_language", "ru")

	v.SetDefault("queue.backend", QueueBackendSQL)
	v.SetDefault("queue.sql.driver", "sqlite")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.prefix", "coverscan:book-processing")
	v.SetDefault("queue.redis.block_timeout", "2s")
	v.SetDefault("queue.retention", "168h")

	v.SetDefault("store.driver", "sqlite")

	v.SetDefault("images.backend", ImagesBackendFile)
	v.SetDefault("images.patterns", imagestore.DefaultPatterns)
	v.SetDefault("images.max_bytes", imagestore.DefaultMaxBytes)

	v.SetDefault("extraction.provider", ProviderOCRService)
	v.SetDefault("extraction.timeout", "60s")
	v.SetDefault("extraction.rate_limit", 0)
	v.SetDefault("extraction.ocrservice.base_url", "http://localhost:5001")
	v.SetDefault("extraction.ocrservice.path", "/extract")
	v.SetDefault("extraction.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("extraction.openai.model", "gpt-4o-mini")
}

// SetDataDefaults points the local databases and the upload directory
// into the application data directory.
func SetDataDefaults(v *viper.Viper, identity *AppIdentity) {
	if identity == nil || identity.ConfigName == "" {
		return
	}
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	v.SetDefault("store.path", filepath.Join(dataDir, "books.db"))
	v.SetDefault("queue.sql.path", filepath.Join(dataDir, "jobs.db"))
	v.SetDefault("images.dir", filepath.Join(dataDir, "uploads"))
}
