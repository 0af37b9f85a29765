package common

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v4"
)

// EnvPrefix is prepended to every flag name when reading environment variables.
const EnvPrefix = "INVOICE"

// Config holds all application configuration
type Config struct {
	Pipeline    PipelineConfig
	Retry       RetryConfig
	Cache       CacheConfig
	TaskStore   TaskStoreConfig
	Database    DatabaseConfig
	OCR         OCRConfig
	Entities    EntitiesConfig
	Export      ExportConfig
	Maintenance MaintenanceConfig
	Server      ServerConfig
	LogLevel    string
}

// PipelineConfig controls batching and task limits.
type PipelineConfig struct {
	MaxWorkers      int
	BatchSize       int
	QueueSize       int
	TempDir         string
	MaxUploadMB     int
	SoftLimitSingle time.Duration
	SoftLimitBatch  time.Duration
	HardLimitGrace  time.Duration
}

// RetryConfig is the collaborator retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend string // memory | bolt
	Path    string
	TTL     time.Duration
}

// TaskStoreConfig selects task durability.
type TaskStoreConfig struct {
	Backend             string // memory | sqlite | postgres | firestore
	DSN                 string
	FirestoreProject    string
	FirestoreCollection string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// OCRConfig holds OCR collaborator configuration
type OCRConfig struct {
	Backend       string // tesseract | vision | http
	URL           string
	TesseractBin  string
	TesseractLang string
	TessdataDir   string
	Timeout       time.Duration
	GoogleAPIKey  string
}

// EntitiesConfig holds structured-entity collaborator configuration
type EntitiesConfig struct {
	Backend        string // none | documentai | http | gemini | vertex
	URL            string
	ProcessorName  string
	APIKey         string
	GeminiKey      string
	GeminiModel    string
	VertexProject  string
	VertexLocation string
	VertexModel    string
	Timeout        time.Duration
}

// ExportConfig holds export destinations.
type ExportConfig struct {
	OutputDir string
	Bucket    string
}

// MaintenanceConfig holds periodic job settings.
type MaintenanceConfig struct {
	Interval             time.Duration
	StatusInterval       time.Duration
	TaskRetention        time.Duration
	LongRunningThreshold time.Duration
	TempMaxAge           time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string
}

// LoadConfig parses flags from args, falling back to INVOICE_* environment variables.
func LoadConfig(name string, args []string) (*Config, *ff.FlagSet, error) {
	fs := ff.NewFlagSet(name)
	var (
		maxWorkers     = fs.IntLong("max-workers", 5, "concurrent task workers")
		batchSize      = fs.IntLong("batch-size", 10, "documents per extraction batch")
		queueSize      = fs.IntLong("queue-size", 256, "pending task capacity")
		tempDir        = fs.StringLong("temp-dir", "/tmp", "root for per-task work directories")
		maxUploadMB    = fs.IntLong("max-upload-mb", 100, "largest accepted document in MB")
		softSingle     = fs.DurationLong("soft-limit-single", 7*time.Minute, "soft time limit for one-document tasks")
		softBatch      = fs.DurationLong("soft-limit-batch", 2*time.Hour, "soft time limit for batch tasks")
		hardGrace      = fs.DurationLong("hard-limit-grace", time.Minute, "extra time before a worker abandons a task")
		retryAttempts  = fs.IntLong("retry-attempts", 3, "collaborator call attempts")
		retryBase      = fs.DurationLong("retry-base", 4*time.Second, "first retry delay")
		retryMax       = fs.DurationLong("retry-max", 10*time.Second, "retry delay cap")
		cacheBackend   = fs.StringLong("cache-backend", "memory", "result cache: memory or bolt")
		cachePath      = fs.StringLong("cache-path", "invoice-cache.db", "bolt cache file")
		cacheTTL       = fs.DurationLong("cache-ttl", 24*time.Hour, "result cache expiry")
		storeBackend   = fs.StringLong("task-store", "memory", "task store: memory, sqlite, postgres or firestore")
		storeDSN       = fs.StringLong("task-store-dsn", "", "sqlite path or postgres DSN")
		fsProject      = fs.StringLong("firestore-project", "", "firestore project id")
		fsCollection   = fs.StringLong("firestore-collection", "invoice_tasks", "firestore collection")
		dbMaxConns     = fs.IntLong("db-max-conns", 20, "postgres pool max connections")
		dbMinConns     = fs.IntLong("db-min-conns", 2, "postgres pool min connections")
		dbLifetime     = fs.DurationLong("db-max-conn-lifetime", 30*time.Minute, "postgres connection lifetime")
		dbIdle         = fs.DurationLong("db-max-conn-idle-time", 5*time.Minute, "postgres connection idle time")
		dbDial         = fs.DurationLong("db-dial-timeout", 3*time.Second, "postgres dial timeout")
		dbStmt         = fs.DurationLong("db-statement-timeout", 0, "postgres statement timeout")
		ocrBackend     = fs.StringLong("ocr-backend", "tesseract", "OCR collaborator: tesseract, vision or http")
		ocrURL         = fs.StringLong("ocr-url", "", "layout service base URL")
		tessBin        = fs.StringLong("tesseract-bin", "tesseract", "tesseract binary")
		tessLang       = fs.StringLong("tesseract-lang", "eng", "tesseract language")
		tessdata       = fs.StringLong("tessdata-dir", "", "tessdata directory")
		ocrTimeout     = fs.DurationLong("ocr-timeout", 60*time.Second, "OCR call timeout")
		googleKey      = fs.StringLong("google-api-key", "", "API key for the Vision and Document AI REST APIs (default: application credentials)")
		entBackend     = fs.StringLong("entities-backend", "none", "structured entities: none, documentai, http, gemini or vertex")
		docaiURL       = fs.StringLong("docai-url", "", "document AI endpoint base URL")
		docaiProcessor = fs.StringLong("docai-processor", "", "document AI processor name")
		docaiKey       = fs.StringLong("docai-api-key", "", "document AI API key")
		geminiKey      = fs.StringLong("gemini-key", "", "Gemini API key")
		geminiModel    = fs.StringLong("gemini-model", "gemini-1.5-flash", "Gemini model")
		vertexProject  = fs.StringLong("vertex-project", "", "Vertex AI project")
		vertexLocation = fs.StringLong("vertex-location", "us-central1", "Vertex AI location")
		vertexModel    = fs.StringLong("vertex-model", "gemini-1.5-flash", "Vertex AI model")
		entTimeout     = fs.DurationLong("entities-timeout", 90*time.Second, "structured entity call timeout")
		outputDir      = fs.StringLong("output-dir", "./exports", "export directory")
		bucket         = fs.StringLong("export-bucket", "", "optional GCS bucket for exports")
		mInterval      = fs.DurationLong("maintenance-interval", time.Hour, "maintenance period")
		mStatus        = fs.DurationLong("maintenance-status-interval", 15*time.Minute, "queue and worker status check period")
		retention      = fs.DurationLong("task-retention", 30*24*time.Hour, "age after which finished tasks are evicted")
		longRunning    = fs.DurationLong("long-running-threshold", 420*time.Second, "age after which a running task is reported")
		tempMaxAge     = fs.DurationLong("temp-max-age", 24*time.Hour, "age after which stale work dirs are removed")
		grpcAddr       = fs.StringLong("grpc-addr", ":8080", "gRPC listen address")
		logLevel       = fs.StringLong("log-level", "info", "debug, info, warn or error")
	)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return nil, fs, err
	}

	return &Config{
		Pipeline: PipelineConfig{
			MaxWorkers:      *maxWorkers,
			BatchSize:       *batchSize,
			QueueSize:       *queueSize,
			TempDir:         *tempDir,
			MaxUploadMB:     *maxUploadMB,
			SoftLimitSingle: *softSingle,
			SoftLimitBatch:  *softBatch,
			HardLimitGrace:  *hardGrace,
		},
		Retry: RetryConfig{
			MaxAttempts: *retryAttempts,
			BaseDelay:   *retryBase,
			MaxDelay:    *retryMax,
		},
		Cache: CacheConfig{
			Backend: *cacheBackend,
			Path:    *cachePath,
			TTL:     *cacheTTL,
		},
		TaskStore: TaskStoreConfig{
			Backend:             *storeBackend,
			DSN:                 *storeDSN,
			FirestoreProject:    *fsProject,
			FirestoreCollection: *fsCollection,
		},
		Database: DatabaseConfig{
			MaxConns:         int32(*dbMaxConns),
			MinConns:         int32(*dbMinConns),
			MaxConnLifetime:  *dbLifetime,
			MaxConnIdleTime:  *dbIdle,
			DialTimeout:      *dbDial,
			StatementTimeout: *dbStmt,
		},
		OCR: OCRConfig{
			Backend:       *ocrBackend,
			URL:           *ocrURL,
			TesseractBin:  *tessBin,
			TesseractLang: *tessLang,
			TessdataDir:   *tessdata,
			Timeout:       *ocrTimeout,
			GoogleAPIKey:  *googleKey,
		},
		Entities: EntitiesConfig{
			Backend:        *entBackend,
			URL:            *docaiURL,
			ProcessorName:  *docaiProcessor,
			APIKey:         *docaiKey,
			GeminiKey:      *geminiKey,
			GeminiModel:    *geminiModel,
			VertexProject:  *vertexProject,
			VertexLocation: *vertexLocation,
			VertexModel:    *vertexModel,
			Timeout:        *entTimeout,
		},
		Export: ExportConfig{
			OutputDir: *outputDir,
			Bucket:    *bucket,
		},
		Maintenance: MaintenanceConfig{
			Interval:             *mInterval,
			StatusInterval:       *mStatus,
			TaskRetention:        *retention,
			LongRunningThreshold: *longRunning,
			TempMaxAge:           *tempMaxAge,
		},
		Server:   ServerConfig{GRPCAddr: *grpcAddr},
		LogLevel: *logLevel,
	}, fs, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Pipeline.MaxWorkers <= 0 {
		return NewAppError("CONFIG_ERROR", "max-workers must be positive", ErrInvalidInput)
	}
	if c.Pipeline.BatchSize <= 0 {
		return NewAppError("CONFIG_ERROR", "batch-size must be positive", ErrInvalidInput)
	}
	if c.Retry.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "retry-attempts must be positive", ErrInvalidInput)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return NewAppError("CONFIG_ERROR", "retry-max must not be below retry-base", ErrInvalidInput)
	}
	switch c.Cache.Backend {
	case "memory":
	case "bolt":
		if c.Cache.Path == "" {
			return NewAppError("CONFIG_ERROR", "cache-path is required for the bolt cache", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown cache-backend %q", c.Cache.Backend), ErrInvalidInput)
	}
	switch c.TaskStore.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.TaskStore.DSN == "" {
			return NewAppError("CONFIG_ERROR", "task-store-dsn is required for "+c.TaskStore.Backend, ErrInvalidInput)
		}
	case "firestore":
		if c.TaskStore.FirestoreProject == "" {
			return NewAppError("CONFIG_ERROR", "firestore-project is required", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown task-store %q", c.TaskStore.Backend), ErrInvalidInput)
	}
	switch c.OCR.Backend {
	case "tesseract", "vision":
	case "http":
		if c.OCR.URL == "" {
			return NewAppError("CONFIG_ERROR", "ocr-url is required for the http OCR backend", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown ocr-backend %q", c.OCR.Backend), ErrInvalidInput)
	}
	switch c.Entities.Backend {
	case "none":
	case "documentai":
		if c.Entities.ProcessorName == "" {
			return NewAppError("CONFIG_ERROR", "docai-processor is required for the documentai entities backend", ErrInvalidInput)
		}
	case "http":
		if c.Entities.URL == "" {
			return NewAppError("CONFIG_ERROR", "docai-url is required for the http entities backend", ErrInvalidInput)
		}
	case "gemini":
		if c.Entities.GeminiKey == "" {
			return NewAppError("CONFIG_ERROR", "gemini-key is required for the gemini entities backend", ErrInvalidInput)
		}
	case "vertex":
		if c.Entities.VertexProject == "" {
			return NewAppError("CONFIG_ERROR", "vertex-project is required for the vertex entities backend", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown entities-backend %q", c.Entities.Backend), ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "grpc-addr is required", ErrInvalidInput)
	}
	return nil
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Pipeline.MaxUploadMB) << 20
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
