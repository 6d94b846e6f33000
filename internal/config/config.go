package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DispatchModeLocal = "local"
	DispatchModeRedis = "redis"

	StorageProviderSupabase = "supabase"
	StorageProviderLocalFS  = "localfs"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool   // Run the redis chunk consumer inside the API process
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database (optional; run history is only kept when set)
	DatabaseURL string

	// Dispatch
	DispatchMode string // "local" runs chunks in-process, "redis" hands them to consumers
	RedisURL     string

	// Storage
	StorageProvider       string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	StorageLocalRoot      string

	// Renderer
	RenderCommand    string // Command prefix, e.g. "npx remotion render"
	RenderEntryPoint string // Remotion entry point passed to the command
	RenderOutputDir  string // Where the renderer writes chunk files
	ScratchDir       string // Combiner download/concat scratch space

	// Orchestration
	DefaultChunkSize    int
	SubmitDelay         time.Duration // Pause between chunk submissions
	MaxConcurrentChunks int           // Local dispatcher in-flight limit
	MaxConcurrentJobs   int           // Redis consumer goroutines
	ChunkResultTTL      time.Duration
	ChunkJoinTimeout    time.Duration // How long a redis-dispatched chunk may go without a result

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		DispatchMode:          getEnv("DISPATCH_MODE", DispatchModeLocal),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageProvider:       getEnv("STORAGE_PROVIDER", StorageProviderSupabase),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "remotion-videos"),
		StorageLocalRoot:      getEnv("STORAGE_LOCAL_ROOT", "/tmp/splitrender/blobs"),
		RenderCommand:         getEnv("RENDER_COMMAND", "npx remotion render"),
		RenderEntryPoint:      getEnv("RENDER_ENTRY_POINT", "src/index.ts"),
		RenderOutputDir:       getEnv("RENDER_OUTPUT_DIR", "/tmp/splitrender/out"),
		ScratchDir:            getEnv("SCRATCH_DIR", "/tmp/splitrender"),
		DefaultChunkSize:      getEnvInt("DEFAULT_CHUNK_SIZE", 250),
		SubmitDelay:           getEnvDuration("RENDER_SUBMIT_DELAY", 500*time.Millisecond),
		MaxConcurrentChunks:   getEnvInt("MAX_CONCURRENT_CHUNKS", 4),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		ChunkResultTTL:        getEnvDuration("CHUNK_RESULT_TTL", 24*time.Hour),
		ChunkJoinTimeout:      getEnvDuration("CHUNK_JOIN_TIMEOUT", 2*time.Hour),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the selected providers have what they need.
func (c *Config) Validate() error {
	switch c.StorageProvider {
	case StorageProviderSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase storage provider")
		}
	case StorageProviderLocalFS:
		if c.StorageLocalRoot == "" {
			return fmt.Errorf("STORAGE_LOCAL_ROOT is required for the localfs storage provider")
		}
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.StorageProvider)
	}

	switch c.DispatchMode {
	case DispatchModeLocal:
	case DispatchModeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when DISPATCH_MODE=redis")
		}
		if c.ChunkJoinTimeout <= 0 {
			return fmt.Errorf("CHUNK_JOIN_TIMEOUT must be positive, got %s", c.ChunkJoinTimeout)
		}
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}

	if c.DefaultChunkSize <= 0 {
		return fmt.Errorf("DEFAULT_CHUNK_SIZE must be positive, got %d", c.DefaultChunkSize)
	}
	if c.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_CHUNKS must be positive, got %d", c.MaxConcurrentChunks)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
