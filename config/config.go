// Package config loads the service configuration from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"taskmaster/domain"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendAzTables = "aztables"
)

const (
	keyDebug           = "DEBUG"
	keyPort            = "FUNCTIONS_CUSTOMHANDLER_PORT"
	keyBackend         = "STORAGE_BACKEND"
	keyConnString      = "STORAGE_CONNECTION_STRING"
	keyTasksTable      = "TASKS_TABLE"
	keyEventsQueue     = "EVENTS_QUEUE"
	keySQLitePath      = "SQLITE_PATH"
	keyRedis           = "REDIS_CONNECTION_STRING"
	keyCacheTTL        = "CACHE_TTL"
	keyDeduperTTL      = "DEDUPER_TTL"
	keyLockTimeout     = "LOCK_TIMEOUT"
	keyLockTTL         = "LOCK_TTL"
	keyMoveMaxAttempts = "MOVE_MAX_ATTEMPTS"
	keyWriteTimeout    = "WRITE_TIMEOUT"
	keyAuth0Domain     = "AUTH0_DOMAIN"
	keyAuth0Audience   = "AUTH0_AUDIENCE"
	keyLocalAuthMode   = "LOCAL_AUTH_MODE"
	keyLocalAuthSecret = "LOCAL_AUTH_SHARED_SECRET"
	keyAuth0TestMode   = "AUTH0_TEST_MODE"
	keyTestJWTSecret   = "TEST_JWT_SECRET"
	keyJWKSCacheTTL    = "JWKS_CACHE_TTL"
	keyCORSOrigins     = "CORS_ORIGINS"
	keyCookieSecure    = "COOKIE_SECURE"
	keyTokenTTL        = "TOKEN_TTL"
)

// Config holds every setting of the taskmaster service.
type Config struct {
	Debug bool
	Port  string

	StorageBackend          string
	StorageConnectionString string
	TasksTable              string
	EventsQueue             string
	SQLitePath              string

	RedisConnectionString string
	CacheTTL              time.Duration
	DeduperTTL            time.Duration
	LockTimeout           time.Duration
	LockTTL               time.Duration

	MoveMaxAttempts int
	WriteTimeout    time.Duration

	Auth0Domain     string
	Auth0Audience   string
	LocalAuthMode   string
	LocalAuthSecret string
	AuthTestMode    bool
	TestJWTSecret   string
	JWKSCacheTTL    time.Duration
	TokenTTL        time.Duration

	CORSOrigins  []string
	CookieSecure bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyPort, "8080")
	v.SetDefault(keyBackend, BackendMemory)
	v.SetDefault(keyTasksTable, "Tasks")
	v.SetDefault(keySQLitePath, "taskmaster.db")
	v.SetDefault(keyCacheTTL, "1m")
	v.SetDefault(keyDeduperTTL, "24h")
	v.SetDefault(keyLockTimeout, "2s")
	v.SetDefault(keyLockTTL, "45s")
	v.SetDefault(keyMoveMaxAttempts, 3)
	v.SetDefault(keyWriteTimeout, "30s")
	v.SetDefault(keyJWKSCacheTTL, "15m")
	v.SetDefault(keyTokenTTL, "5h")
	v.SetDefault(keyCORSOrigins, "http://localhost:5173")
}

// New returns a viper instance reading the process environment.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)

	cfg := Config{
		Debug:                   v.GetBool(keyDebug),
		Port:                    strings.TrimSpace(v.GetString(keyPort)),
		StorageBackend:          strings.ToLower(strings.TrimSpace(v.GetString(keyBackend))),
		StorageConnectionString: v.GetString(keyConnString),
		TasksTable:              v.GetString(keyTasksTable),
		EventsQueue:             v.GetString(keyEventsQueue),
		SQLitePath:              v.GetString(keySQLitePath),
		RedisConnectionString:   v.GetString(keyRedis),
		MoveMaxAttempts:         v.GetInt(keyMoveMaxAttempts),
		Auth0Domain:             v.GetString(keyAuth0Domain),
		Auth0Audience:           v.GetString(keyAuth0Audience),
		LocalAuthMode:           strings.ToLower(v.GetString(keyLocalAuthMode)),
		LocalAuthSecret:         v.GetString(keyLocalAuthSecret),
		AuthTestMode:            v.GetString(keyAuth0TestMode) == "1",
		TestJWTSecret:           v.GetString(keyTestJWTSecret),
		CookieSecure:            v.GetBool(keyCookieSecure),
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{keyCacheTTL, &cfg.CacheTTL},
		{keyDeduperTTL, &cfg.DeduperTTL},
		{keyLockTimeout, &cfg.LockTimeout},
		{keyLockTTL, &cfg.LockTTL},
		{keyWriteTimeout, &cfg.WriteTimeout},
		{keyJWKSCacheTTL, &cfg.JWKSCacheTTL},
		{keyTokenTTL, &cfg.TokenTTL},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(v.GetString(d.key))
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %q", d.key, raw))
			continue
		}
		*d.dst = parsed
	}

	for _, origin := range strings.Split(v.GetString(keyCORSOrigins), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("missing "+keyPort))
	}
	switch c.StorageBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("missing "+keySQLitePath))
		}
	case BackendAzTables:
		if c.StorageConnectionString == "" || c.TasksTable == "" {
			errs = append(errs, errors.New("missing storage config"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q", keyBackend, c.StorageBackend))
	}
	if c.EventsQueue != "" && c.StorageConnectionString == "" {
		errs = append(errs, errors.New(keyEventsQueue+" requires "+keyConnString))
	}
	writeTimeout := c.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = domain.DefaultWriteTimeout
	}
	if c.LockTTL > 0 && c.LockTTL <= writeTimeout {
		errs = append(errs, fmt.Errorf("%s %v must exceed %s %v", keyLockTTL, c.LockTTL, keyWriteTimeout, writeTimeout))
	}
	if c.MoveMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("invalid %s: must be greater than zero", keyMoveMaxAttempts))
	}
	switch {
	case c.LocalAuthMode != "":
		if c.LocalAuthMode != "hs256" {
			errs = append(errs, fmt.Errorf("unsupported %s value %q", keyLocalAuthMode, c.LocalAuthMode))
		} else if c.LocalAuthSecret == "" {
			errs = append(errs, errors.New(keyLocalAuthSecret+" must be set when "+keyLocalAuthMode+"=hs256"))
		}
	case c.AuthTestMode:
		if c.TestJWTSecret == "" {
			errs = append(errs, errors.New(keyTestJWTSecret+" must be set when "+keyAuth0TestMode+"=1"))
		}
	default:
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	}
	return errs
}

// LocalAuth reports whether tokens are HS256 signed by this service.
func (c Config) LocalAuth() bool {
	return c.LocalAuthMode != "" || c.AuthTestMode
}

// JWKSURL is the Auth0 key set endpoint.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected token issuer for Auth0 tokens.
func (c Config) Issuer() string {
	if c.Auth0Domain == "" {
		return ""
	}
	return "https://" + c.Auth0Domain + "/"
}

// RedisOptions parses REDIS_CONNECTION_STRING, accepting either a redis://
// URL or the Azure "host:port,password=...,ssl=True" form. It returns nil
// when no redis is configured.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisConnectionString == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(c.RedisConnectionString); err == nil {
		return opts, nil
	}
	parts := strings.Split(c.RedisConnectionString, ",")
	addr := strings.TrimSpace(parts[0])
	if addr == "" || strings.Contains(addr, "=") {
		return nil, fmt.Errorf("invalid %s", keyRedis)
	}
	opts := &redis.Options{Addr: addr}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
