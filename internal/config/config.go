package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by TITAN_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("TITAN_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

// DataDir returns the data root. TITAN_DATA_DIR overrides; the default is
// ~/.titan (falling back to ./.titan when the home dir is unknown).
func DataDir() string {
	if dir := os.Getenv("TITAN_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".titan"
	}
	return filepath.Join(home, ".titan")
}

// SurpriseThreshold is the minimum surprise for the long-term default sink.
func SurpriseThreshold() float64 {
	v, err := strconv.ParseFloat(os.Getenv("TITAN_SURPRISE_THRESHOLD"), 64)
	if err != nil || v < 0 || v > 1 {
		return 0.3
	}
	return v
}

// OfflineMode reports whether all network providers must be disabled.
// The core runs fully offline by default.
func OfflineMode() bool {
	v := os.Getenv("TITAN_OFFLINE_MODE")
	return v == "" || v == "1" || v == "true"
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("A2A_PORT"))
	if err != nil {
		return 9876
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func HeartbeatInterval() time.Duration {
	return durationEnv("A2A_HEARTBEAT_MS", 30*time.Second)
}

func HeartbeatTimeout() time.Duration {
	return durationEnv("A2A_HEARTBEAT_TIMEOUT_MS", 90*time.Second)
}

func LockExpiry() time.Duration {
	return durationEnv("A2A_LOCK_EXPIRY_MS", 60*time.Second)
}

func LockTimeout() time.Duration {
	return durationEnv("A2A_LOCK_TIMEOUT_MS", 30*time.Second)
}

func RequestTimeout() time.Duration {
	return durationEnv("A2A_REQUEST_TIMEOUT_MS", 10*time.Second)
}

func MaxAgents() int {
	return intEnv("A2A_MAX_AGENTS", 100)
}

func MaxLocksPerAgent() int {
	return intEnv("A2A_MAX_LOCKS_PER_AGENT", 10)
}

func MaxWaitQueueSize() int {
	return intEnv("A2A_MAX_WAITERS", 50)
}

// PruneInterval returns how often the background decay prune runs.
func PruneInterval() time.Duration {
	return durationEnv("TITAN_PRUNE_INTERVAL_MS", 6*time.Hour)
}

// RateLimitRPS returns per-agent requests per second for the A2A server.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("A2A_RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
func RateLimitBurst() int {
	return intEnv("A2A_RATE_LIMIT_BURST", 20)
}

// LogLevel returns the log level (debug, info, warn, error).
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

func AnthropicAPIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}

func VoyageAPIKey() string {
	return os.Getenv("VOYAGE_API_KEY")
}

// EmbeddingProvider returns the configured embedding provider.
// Valid values: openai, mock. Offline mode forces mock.
func EmbeddingProvider() string {
	if OfflineMode() {
		return "mock"
	}
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "mock"
	}
	return p
}

// LLMProvider returns the configured LLM provider.
// Valid values: openai, anthropic, mock. Offline mode forces mock.
func LLMProvider() string {
	if OfflineMode() {
		return "mock"
	}
	p := os.Getenv("LLM_PROVIDER")
	if p == "" {
		return "mock"
	}
	return p
}

func intEnv(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func durationEnv(key string, def time.Duration) time.Duration {
	ms, err := strconv.Atoi(os.Getenv(key))
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
