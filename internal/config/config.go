package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"app_env"`
		LogLevel string `yaml:"log_level"`
		Version  string `yaml:"-"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Auth resuelve la identidad del requester desde un bearer JWT (HS256, claim sub).
	// Deshabilitado sólo en dev: se usa el header X-Requester-Identity.
	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
		Audience  string `yaml:"audience"`
	} `yaml:"auth"`

	Storage struct {
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxConns        int32         `yaml:"max_conns"`
			ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Keys struct {
		Source string `yaml:"source"` // memory | file | postgres
		Dir    string `yaml:"dir"`
	} `yaml:"keys"`

	Audit struct {
		Store    string `yaml:"store"` // memory | bolt | postgres
		BoltPath string `yaml:"bolt_path"`
		Kafka    struct {
			Enabled     bool          `yaml:"enabled"`
			Brokers     []string      `yaml:"brokers"`
			Topic       string        `yaml:"topic"`
			ClientID    string        `yaml:"client_id"`
			EnsureTopic bool          `yaml:"ensure_topic"`
			Partitions  int32         `yaml:"partitions"`
			Replication int16         `yaml:"replication"`
			Timeout     time.Duration `yaml:"timeout"`
		} `yaml:"kafka"`
	} `yaml:"audit"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Rate struct {
		Backend      string `yaml:"backend"` // memory | redis (usa cache.redis)
		PerKey       Limit  `yaml:"per_key"`
		PerRequester Limit  `yaml:"per_requester"`
	} `yaml:"rate"`

	Policy struct {
		MaxPayloadBytes int                 `yaml:"max_payload_bytes"`
		Allowlist       map[string][]string `yaml:"allowlist"` // key_id -> requesters
	} `yaml:"policy"`

	Dispatcher struct {
		IdempotenceWindow time.Duration `yaml:"idempotence_window"`
		Timeout           time.Duration `yaml:"timeout"`
		MaxPayloadBytes   int           `yaml:"max_payload_bytes"`
	} `yaml:"dispatcher"`

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	Presign struct {
		KeyID       string `yaml:"key_id"`
		AccessKeyID string `yaml:"access_key_id"`
		Bucket      string `yaml:"bucket"`
		Endpoint    string `yaml:"endpoint"`
		Region      string `yaml:"region"`
	} `yaml:"presign"`

	Security struct {
		// base64(32 bytes). Sella el material de claves en file/postgres.
		SecretBoxMasterKey string `yaml:"secretbox_master_key"`
	} `yaml:"security"`
}

// Limit es un umbral de rate limit. Limit <= 0 deshabilita la regla.
type Limit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Load lee el YAML (opcional: path vacío o inexistente => sólo defaults + env),
// aplica defaults, overrides por env y valida.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Storage.Postgres.MaxConns == 0 {
		c.Storage.Postgres.MaxConns = 10
	}
	if c.Keys.Source == "" {
		c.Keys.Source = "memory"
	}
	if c.Keys.Dir == "" {
		c.Keys.Dir = "./data/keys"
	}
	if c.Audit.Store == "" {
		c.Audit.Store = "memory"
	}
	if c.Audit.BoltPath == "" {
		c.Audit.BoltPath = "./data/audit.db"
	}
	if c.Audit.Kafka.Topic == "" {
		c.Audit.Kafka.Topic = "signer.audit"
	}
	if c.Audit.Kafka.ClientID == "" {
		c.Audit.Kafka.ClientID = "signer"
	}
	if c.Audit.Kafka.Partitions == 0 {
		c.Audit.Kafka.Partitions = 3
	}
	if c.Audit.Kafka.Replication == 0 {
		c.Audit.Kafka.Replication = 1
	}
	if c.Audit.Kafka.Timeout == 0 {
		c.Audit.Kafka.Timeout = 5 * time.Second
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "localhost:6379"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "signer:idem"
	}
	if c.Rate.Backend == "" {
		c.Rate.Backend = "memory"
	}
	if c.Rate.PerKey.Window == 0 {
		c.Rate.PerKey.Window = time.Minute
	}
	if c.Rate.PerKey.Limit == 0 {
		c.Rate.PerKey.Limit = 600
	}
	if c.Rate.PerRequester.Window == 0 {
		c.Rate.PerRequester.Window = time.Minute
	}
	if c.Rate.PerRequester.Limit == 0 {
		c.Rate.PerRequester.Limit = 60
	}
	if c.Policy.MaxPayloadBytes == 0 {
		c.Policy.MaxPayloadBytes = 64 << 10
	}
	if c.Dispatcher.IdempotenceWindow == 0 {
		c.Dispatcher.IdempotenceWindow = 10 * time.Minute
	}
	if c.Dispatcher.Timeout == 0 {
		c.Dispatcher.Timeout = 10 * time.Second
	}
	if c.Dispatcher.MaxPayloadBytes == 0 {
		c.Dispatcher.MaxPayloadBytes = 1 << 20
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 50 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = time.Second
	}
	if c.Presign.Region == "" {
		c.Presign.Region = "auto"
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvDur("SERVER_SHUTDOWN_TIMEOUT"); ok {
		c.Server.ShutdownTimeout = v
	}

	// AUTH
	if v, ok := getEnvBool("AUTH_ENABLED"); ok {
		c.Auth.Enabled = v
	}
	if v, ok := getEnvStr("AUTH_JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := getEnvStr("AUTH_ISSUER"); ok {
		c.Auth.Issuer = v
	}
	if v, ok := getEnvStr("AUTH_AUDIENCE"); ok {
		c.Auth.Audience = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_CONNS"); ok {
		c.Storage.Postgres.MaxConns = int32(v)
	}

	// KEYS
	if v, ok := getEnvStr("KEYS_SOURCE"); ok {
		c.Keys.Source = strings.ToLower(v)
	}
	if v, ok := getEnvStr("KEYS_DIR"); ok {
		c.Keys.Dir = v
	}

	// AUDIT
	if v, ok := getEnvStr("AUDIT_STORE"); ok {
		c.Audit.Store = strings.ToLower(v)
	}
	if v, ok := getEnvStr("AUDIT_BOLT_PATH"); ok {
		c.Audit.BoltPath = v
	}
	if v, ok := getEnvBool("AUDIT_KAFKA_ENABLED"); ok {
		c.Audit.Kafka.Enabled = v
	}
	if v, ok := getEnvCSV("AUDIT_KAFKA_BROKERS"); ok {
		c.Audit.Kafka.Brokers = v
	}
	if v, ok := getEnvStr("AUDIT_KAFKA_TOPIC"); ok {
		c.Audit.Kafka.Topic = v
	}

	// CACHE
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}

	// RATE
	if v, ok := getEnvStr("RATE_BACKEND"); ok {
		c.Rate.Backend = strings.ToLower(v)
	}
	if v, ok := getEnvInt("RATE_PER_KEY_LIMIT"); ok {
		c.Rate.PerKey.Limit = v
	}
	if v, ok := getEnvDur("RATE_PER_KEY_WINDOW"); ok {
		c.Rate.PerKey.Window = v
	}
	if v, ok := getEnvInt("RATE_PER_REQUESTER_LIMIT"); ok {
		c.Rate.PerRequester.Limit = v
	}
	if v, ok := getEnvDur("RATE_PER_REQUESTER_WINDOW"); ok {
		c.Rate.PerRequester.Window = v
	}

	// POLICY / DISPATCHER / RETRY
	if v, ok := getEnvInt("POLICY_MAX_PAYLOAD_BYTES"); ok {
		c.Policy.MaxPayloadBytes = v
	}
	if v, ok := getEnvDur("IDEMPOTENCE_WINDOW"); ok {
		c.Dispatcher.IdempotenceWindow = v
	}
	if v, ok := getEnvDur("REQUEST_TIMEOUT"); ok {
		c.Dispatcher.Timeout = v
	}
	if v, ok := getEnvInt("RETRY_MAX_ATTEMPTS"); ok {
		c.Retry.MaxAttempts = v
	}
	if v, ok := getEnvDur("RETRY_BASE_DELAY"); ok {
		c.Retry.BaseDelay = v
	}
	if v, ok := getEnvDur("RETRY_MAX_DELAY"); ok {
		c.Retry.MaxDelay = v
	}

	// PRESIGN
	if v, ok := getEnvStr("PRESIGN_KEY_ID"); ok {
		c.Presign.KeyID = v
	}
	if v, ok := getEnvStr("PRESIGN_ACCESS_KEY_ID"); ok {
		c.Presign.AccessKeyID = v
	}
	if v, ok := getEnvStr("PRESIGN_BUCKET"); ok {
		c.Presign.Bucket = v
	}
	if v, ok := getEnvStr("PRESIGN_ENDPOINT"); ok {
		c.Presign.Endpoint = v
	}
	if v, ok := getEnvStr("PRESIGN_REGION"); ok {
		c.Presign.Region = v
	}

	// SECURITY - SecretBox Master Key
	if v, ok := getEnvStr("SIGNER_MASTER_KEY"); ok {
		c.Security.SecretBoxMasterKey = v
	}
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", field, strings.Join(allowed, "|"), v)
}

// Validate chequea valores críticos. Los errores de infraestructura (DSN
// inalcanzable, broker caído) aparecen recién al abrir las dependencias.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(oneOf("app.app_env", c.App.Env, "dev", "staging", "prod"))
	add(oneOf("keys.source", c.Keys.Source, "memory", "file", "postgres"))
	add(oneOf("audit.store", c.Audit.Store, "memory", "bolt", "postgres"))
	add(oneOf("cache.kind", c.Cache.Kind, "memory", "redis"))
	add(oneOf("rate.backend", c.Rate.Backend, "memory", "redis"))

	if c.NeedsPostgres() && strings.TrimSpace(c.Storage.DSN) == "" {
		add(errors.New("config: storage.dsn required for postgres keys or audit"))
	}
	if (c.Keys.Source == "file" || c.Keys.Source == "postgres") && c.Security.SecretBoxMasterKey == "" {
		add(errors.New("config: SIGNER_MASTER_KEY required for persistent key sources"))
	}
	if c.Audit.Kafka.Enabled && len(c.Audit.Kafka.Brokers) == 0 {
		add(errors.New("config: audit.kafka.brokers required when kafka mirror is enabled"))
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		add(errors.New("config: auth.jwt_secret must be at least 32 bytes"))
	}
	if c.Dispatcher.MaxPayloadBytes < c.Policy.MaxPayloadBytes {
		add(errors.New("config: dispatcher.max_payload_bytes must be >= policy.max_payload_bytes"))
	}
	if c.Retry.MaxAttempts < 1 {
		add(errors.New("config: retry.max_attempts must be >= 1"))
	}

	// Guardia dura: en prod NUNCA sin auth ni con estado sólo en memoria.
	if c.App.Env == "prod" {
		if !c.Auth.Enabled {
			add(errors.New("config: auth must be enabled in prod"))
		}
		if c.Audit.Store == "memory" {
			add(errors.New("config: audit.store=memory is not durable, not allowed in prod"))
		}
	}
	return errors.Join(errs...)
}

// NeedsPostgres indica si algún componente usa el pool de postgres.
func (c *Config) NeedsPostgres() bool {
	return c.Keys.Source == "postgres" || c.Audit.Store == "postgres"
}

// UsesRedis indica si algún componente usa redis.
func (c *Config) UsesRedis() bool {
	return c.Cache.Kind == "redis" || c.Rate.Backend == "redis"
}
