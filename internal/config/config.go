package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryBackend selects the Session Registry's persistence medium.
type RegistryBackend string

const (
	RegistryBackendMemory RegistryBackend = "memory"
	RegistryBackendRedis  RegistryBackend = "redis"
)

// BlobStoreBackend selects the Blob Store's storage medium.
type BlobStoreBackend string

const (
	BlobStoreBackendLocal BlobStoreBackend = "local"
	BlobStoreBackendS3    BlobStoreBackend = "s3"
)

// Config holds every process-wide setting, read once at startup.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	UploadDir   string
	ChunkSize   int64
	MaxFileSize int64

	RegistryBackend RegistryBackend
	BlobStoreBackend BlobStoreBackend

	RedisURL string

	ErasureEnabled      bool
	ErasureDataShards   int
	ErasureParityShards int

	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3ForcePathStyle bool

	StaleThreshold time.Duration
	Retention      time.Duration
	ReapInterval   time.Duration

	MaxParallelWrites      int
	MaxParallelPerSession  int
	PerSessionQueueBound   int
	AdmitTimeout           time.Duration
	ChunkWriteTimeout      time.Duration

	RateLimitGeneralPerMinute    int
	RateLimitUploadPerMinute    int
	RateLimitMonitoringPerMinute int

	AllowedOrigins []string
}

// Load builds a Config from environment variables (optionally seeded by a
// .env file) and, when configPath names a readable file, overlays it with
// YAML values: every key present in the file replaces the value derived
// from the environment, and keys absent from the file leave it untouched.
func Load(configPath string) (*Config, error) {
	LoadEnvOnce()

	cfg := &Config{
		Port:        GetEnvWithFallback("PORT", "8080"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),
		LogLevel:    GetEnvWithFallback("LOG_LEVEL", "info"),

		UploadDir:   GetEnvWithFallback("UPLOAD_DIR", "./data/uploads"),
		ChunkSize:   GetEnvInt64("CHUNK_SIZE", 1<<20),
		MaxFileSize: GetEnvInt64("MAX_FILE_SIZE", 2<<30),

		RegistryBackend:  RegistryBackend(GetEnvWithFallback("REGISTRY_BACKEND", "memory")),
		BlobStoreBackend: BlobStoreBackend(GetEnvWithFallback("BLOBSTORE_BACKEND", "local")),

		RedisURL: GetEnvWithFallback("REDIS_URL", "redis://localhost:6379/0"),

		ErasureEnabled:      GetEnvBool("ERASURE_ENABLED", false),
		ErasureDataShards:   GetEnvInt("ERASURE_DATA_SHARDS", 4),
		ErasureParityShards: GetEnvInt("ERASURE_PARITY_SHARDS", 2),

		S3Bucket:         GetEnvWithFallback("S3_BUCKET", ""),
		S3Region:         GetEnvWithFallback("S3_REGION", "us-east-1"),
		S3Endpoint:       GetEnvWithFallback("S3_ENDPOINT", ""),
		S3ForcePathStyle: GetEnvBool("S3_FORCE_PATH_STYLE", false),

		StaleThreshold: GetEnvDuration("STALE_THRESHOLD", 30*time.Minute),
		Retention:      GetEnvDuration("RETENTION", 30*24*time.Hour),
		ReapInterval:   GetEnvDuration("REAP_INTERVAL", 5*time.Minute),

		MaxParallelWrites:     GetEnvInt("MAX_PARALLEL_WRITES", 16),
		MaxParallelPerSession: GetEnvInt("MAX_PARALLEL_PER_SESSION", 3),
		PerSessionQueueBound:  GetEnvInt("PER_SESSION_QUEUE_BOUND", 8),
		AdmitTimeout:          GetEnvDuration("ADMIT_TIMEOUT", 30*time.Second),
		ChunkWriteTimeout:     GetEnvDuration("CHUNK_WRITE_TIMEOUT", 30*time.Second),

		RateLimitGeneralPerMinute:    GetEnvInt("RATE_LIMIT_GENERAL", 100),
		RateLimitUploadPerMinute:    GetEnvInt("RATE_LIMIT_UPLOAD", 1000),
		RateLimitMonitoringPerMinute: GetEnvInt("RATE_LIMIT_MONITORING", 500),

		AllowedOrigins: []string{GetEnvWithFallback("ALLOWED_ORIGIN", "http://localhost:3000")},
	}

	if configPath != "" {
		if err := overlayYAML(cfg, configPath); err != nil {
			return nil, err
		}
	}

	if cfg.MaxParallelPerSession > cfg.MaxParallelWrites {
		return nil, fmt.Errorf("config: MAX_PARALLEL_PER_SESSION (%d) cannot exceed MAX_PARALLEL_WRITES (%d)", cfg.MaxParallelPerSession, cfg.MaxParallelWrites)
	}

	return cfg, nil
}

// fileOverlay mirrors the subset of Config a deployment might prefer to pin
// in a checked-in file rather than the environment. Fields are pointers so
// an absent key in the file leaves the environment-derived value untouched.
type fileOverlay struct {
	ChunkSize   *int64  `yaml:"chunkSize"`
	MaxFileSize *int64  `yaml:"maxFileSize"`
	UploadDir   *string `yaml:"uploadDir"`

	MaxParallelWrites     *int `yaml:"maxParallelWrites"`
	MaxParallelPerSession *int `yaml:"maxParallelPerSession"`

	AllowedOrigins *[]string `yaml:"allowedOrigins"`
}

func overlayYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: reading overlay file %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parsing overlay file %s: %w", path, err)
	}

	if overlay.ChunkSize != nil {
		cfg.ChunkSize = *overlay.ChunkSize
	}
	if overlay.MaxFileSize != nil {
		cfg.MaxFileSize = *overlay.MaxFileSize
	}
	if overlay.UploadDir != nil {
		cfg.UploadDir = *overlay.UploadDir
	}
	if overlay.MaxParallelWrites != nil {
		cfg.MaxParallelWrites = *overlay.MaxParallelWrites
	}
	if overlay.MaxParallelPerSession != nil {
		cfg.MaxParallelPerSession = *overlay.MaxParallelPerSession
	}
	if overlay.AllowedOrigins != nil {
		cfg.AllowedOrigins = *overlay.AllowedOrigins
	}

	return nil
}
