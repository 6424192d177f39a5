package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIPort           string
	DecryptorGRPCPort string
	DecryptorHost     string
	DecryptorPort     string
	DecryptTimeout    time.Duration
	// InternalChannelSecret authenticates gateway calls to the decryptor.
	InternalChannelSecret string

	CacheHost     string
	CachePort     string
	CachePassword string
	CacheEnabled  bool
	CachePrefix   string

	// DatabaseURL holds the records table. Empty keeps records in memory.
	DatabaseURL      string
	AuditDatabaseURL string
	MigrationsDir    string

	AuditMode    string // "kafka", "postgres" or "log"
	KafkaBrokers []string
	AuditTopic   string
	AuditGroupID string

	AccessTokenTTL time.Duration
	QueryTokenTTL  time.Duration

	// Key custody for the decryptor
	KeyProvider      string // "vault", "static" or "ephemeral"
	KEKBase64        string
	SealedPrivateKey string
	KeyBits          int
	VaultAddress     string
	VaultToken       string
	VaultMountPath   string
	VaultDataPath    string
	VaultGenerateKey bool

	PolicyFile  string
	Environment string
}

func Load() *Config {
	return &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		DecryptorGRPCPort:     getEnv("DECRYPTOR_GRPC_PORT", "9090"),
		DecryptorHost:         getEnv("DECRYPTOR_HOST", "localhost"),
		DecryptorPort:         getEnv("DECRYPTOR_PORT", "9090"),
		DecryptTimeout:        getEnvAsDuration("DECRYPT_TIMEOUT", 5*time.Second),
		InternalChannelSecret: getEnv("INTERNAL_CHANNEL_SECRET", ""),

		CacheHost:     getEnv("CACHE_HOST", "localhost"),
		CachePort:     getEnv("CACHE_PORT", "6379"),
		CachePassword: getEnv("CACHE_PASSWORD", ""),
		CacheEnabled:  getEnvAsBool("CACHE_ENABLED", true),
		CachePrefix:   getEnv("CACHE_PREFIX", "vq:"),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),
		MigrationsDir:    getEnv("MIGRATIONS_DIR", "migrations"),

		AuditMode:    strings.ToLower(getEnv("AUDIT_MODE", "log")),
		KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		AuditTopic:   getEnv("AUDIT_TOPIC", "vaultquery.audit"),
		AuditGroupID: getEnv("AUDIT_GROUP_ID", "vaultquery-audit"),

		AccessTokenTTL: getEnvAsDuration("ACCESS_TOKEN_TTL", time.Hour),
		QueryTokenTTL:  getEnvAsDuration("QUERY_TOKEN_TTL", time.Hour),

		KeyProvider:      strings.ToLower(getEnv("KEY_PROVIDER", "ephemeral")),
		KEKBase64:        getEnv("KEK_BASE64", ""),
		SealedPrivateKey: getEnv("SEALED_PRIVATE_KEY", ""),
		KeyBits:          getEnvAsInt("PAILLIER_KEY_BITS", 2048),
		VaultAddress:     getEnv("VAULT_ADDR", "http://localhost:8200"),
		VaultToken:       getEnv("VAULT_TOKEN", ""),
		VaultMountPath:   getEnv("VAULT_MOUNT_PATH", "secret"),
		VaultDataPath:    getEnv("VAULT_DATA_PATH", "vaultquery/decryptor"),
		VaultGenerateKey: getEnvAsBool("VAULT_GENERATE_KEY", false),

		PolicyFile:  getEnv("POLICY_FILE", ""),
		Environment: getEnv("ENVIRONMENT", "production"),
	}
}

// DecryptorAddr is the dial target for the decryption authority.
func (c *Config) DecryptorAddr() string {
	return c.DecryptorHost + ":" + c.DecryptorPort
}

// CacheAddr is the Redis address for the token store.
func (c *Config) CacheAddr() string {
	return c.CacheHost + ":" + c.CachePort
}

// AuditDSN falls back to the records database when no separate audit
// database is configured.
func (c *Config) AuditDSN() string {
	if c.AuditDatabaseURL != "" {
		return c.AuditDatabaseURL
	}
	return c.DatabaseURL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsBool parses an environment variable as a boolean
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("3600").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
