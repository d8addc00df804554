package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string
	CORSOrigin    string
	// Rounds
	Canonicalizer     string
	SigningKeyDir     string
	TickInterval      time.Duration
	SubmitWindow      time.Duration
	ContinueWindow    time.Duration
	HeartbeatInterval time.Duration
	// Auth
	ChallengeTTL      time.Duration
	CredentialTTL     time.Duration
	EnforceBinding    bool
	RequireCredential bool
	NonceMode         string
	OperatorToken     string
	// Operations
	RequireDurable bool
	FaultInjection bool
	// Integrations, each disabled when empty
	MeiliURL       string
	MeiliMasterKey string
	MirrorDir      string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	LogLevel       string
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("config: ignoring unreadable .env file")
	}

	return Config{
		Addr:          getenv("API_ADDR", ":8787"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("ROUNDTABLE_MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:      getenv("REDIS_URL", ""),
		CORSOrigin:    getenv("ROUNDTABLE_CORS_ORIGIN", "*"),

		Canonicalizer:     getenv("ROUNDTABLE_CANONICALIZER", "sorted"),
		SigningKeyDir:     getenv("ROUNDTABLE_SIGNING_KEY_DIR", ""),
		TickInterval:      time.Duration(getenvInt("ROUNDTABLE_TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		SubmitWindow:      time.Duration(getenvInt("ROUNDTABLE_SUBMIT_WINDOW_SECONDS", 300)) * time.Second,
		ContinueWindow:    time.Duration(getenvInt("ROUNDTABLE_CONTINUE_WINDOW_SECONDS", 60)) * time.Second,
		HeartbeatInterval: time.Duration(getenvInt("ROUNDTABLE_HEARTBEAT_SECONDS", 15)) * time.Second,

		ChallengeTTL:      time.Duration(getenvInt("ROUNDTABLE_CHALLENGE_TTL_SECONDS", 300)) * time.Second,
		CredentialTTL:     time.Duration(getenvInt("ROUNDTABLE_CREDENTIAL_TTL_SECONDS", 3600)) * time.Second,
		EnforceBinding:    getenvBool("ROUNDTABLE_ENFORCE_AUTHOR_BINDING", false),
		RequireCredential: getenvBool("ROUNDTABLE_REQUIRE_CREDENTIAL", true),
		NonceMode:         getenv("ROUNDTABLE_NONCE_MODE", "client"),
		OperatorToken:     getenv("ROUNDTABLE_OPERATOR_TOKEN", ""),

		RequireDurable: getenvBool("ROUNDTABLE_REQUIRE_DURABLE", false),
		FaultInjection: getenvBool("ROUNDTABLE_FAULT_INJECTION", false),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MirrorDir:      getenv("ROUNDTABLE_JOURNAL_MIRROR_DIR", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "roundtable-exports"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		LogLevel:       getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
