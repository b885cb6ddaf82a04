package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	DatabaseURL string

	// Document vault.
	VaultDir          string
	MasterKey         string
	KDFSalt           string
	KDFIterations     int
	MaxUploadBytes    int64
	AcceptedMimeTypes []string

	// Statutory policy windows.
	ValidityWindow  time.Duration
	RetentionWindow time.Duration
	ExpiryInterval  time.Duration
	PurgeInterval   time.Duration

	// E-signature provider.
	ESignBaseURL       string
	ESignAuthURL       string
	ESignTokenURL      string
	ESignClientID      string
	ESignClientSecret  string
	ESignAccountID     string
	ESignTemplateID    string
	ESignRedirectURI   string
	ESignWebhookURL    string
	ESignWebhookSecret string
	ESignTimeout       time.Duration
	StateTTL           time.Duration
	StateStoreBackend  string
	RedisURL           string

	// Audit retention.
	AuditArchiveAfter time.Duration

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

const (
	day  = 24 * time.Hour
	year = 365 * day
)

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "taxdocs"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		VaultDir:          getEnv("VAULT_DIR", "/var/lib/taxdocs/vault"),
		MasterKey:         os.Getenv("DOCUMENT_MASTER_KEY"),
		KDFSalt:           getEnv("DOCUMENT_KDF_SALT", "taxdocs-vault-v1"),
		KDFIterations:     getInt("DOCUMENT_KDF_ITERATIONS", 150_000),
		MaxUploadBytes:    int64(getInt("MAX_UPLOAD_BYTES", 5<<20)),
		AcceptedMimeTypes: getList("ACCEPTED_MIME_TYPES", []string{"application/pdf"}),

		ValidityWindow:  getDuration("W9_VALIDITY_WINDOW", 3*year),
		RetentionWindow: getDuration("W9_RETENTION_WINDOW", 7*year),
		ExpiryInterval:  getDuration("EXPIRY_PASS_INTERVAL", day),
		PurgeInterval:   getDuration("PURGE_PASS_INTERVAL", 30*day),

		ESignBaseURL:       getEnv("ESIGN_BASE_URL", "https://demo.docusign.net/restapi"),
		ESignAuthURL:       getEnv("ESIGN_AUTH_URL", "https://account-d.docusign.com/oauth/auth"),
		ESignTokenURL:      getEnv("ESIGN_TOKEN_URL", "https://account-d.docusign.com/oauth/token"),
		ESignClientID:      os.Getenv("ESIGN_CLIENT_ID"),
		ESignClientSecret:  os.Getenv("ESIGN_CLIENT_SECRET"),
		ESignAccountID:     os.Getenv("ESIGN_ACCOUNT_ID"),
		ESignTemplateID:    os.Getenv("ESIGN_TEMPLATE_ID"),
		ESignRedirectURI:   os.Getenv("ESIGN_REDIRECT_URI"),
		ESignWebhookURL:    os.Getenv("ESIGN_WEBHOOK_URL"),
		ESignWebhookSecret: os.Getenv("ESIGN_WEBHOOK_SECRET"),
		ESignTimeout:       getDuration("ESIGN_TIMEOUT", 30*time.Second),
		StateTTL:           getDuration("ESIGN_STATE_TTL", 10*time.Minute),
		StateStoreBackend:  getEnv("ESIGN_STATE_STORE", "memory"),
		RedisURL:           os.Getenv("REDIS_URL"),

		AuditArchiveAfter: getDuration("AUDIT_ARCHIVE_AFTER", 7*year),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MasterKey == "" {
		return Config{}, fmt.Errorf("DOCUMENT_MASTER_KEY is required")
	}
	if cfg.ESignWebhookSecret == "" {
		return Config{}, fmt.Errorf("ESIGN_WEBHOOK_SECRET is required")
	}
	if cfg.KDFIterations < 100_000 {
		cfg.KDFIterations = 100_000
	}
	if cfg.StateTTL < 10*time.Minute {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.StateStoreBackend == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required when ESIGN_STATE_STORE=redis")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
