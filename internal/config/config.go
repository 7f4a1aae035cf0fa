package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Env         string
	HTTPPort    string
	StoreDriver string
	DatabaseURL string

	StoreMaxRetries int
	StoreRetryBase  time.Duration
	EditMaxAttempts int
	RepairWorkers   int
	ReconcileGrace  time.Duration

	AuthRatePerMin int
	AuthBurst      int
	HTTPRateRPS    int

	AdminAuth bool
	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	OTLPEndpoint string
}

// Load reads the environment. Malformed numbers fall back to their defaults.
func Load() Config {
	return Config{
		Env:         get("APP_ENV", "dev"),
		HTTPPort:    get("HTTP_PORT", "8080"),
		StoreDriver: get("STORE_DRIVER", DriverMemory),
		DatabaseURL: get("DATABASE_URL", ""),

		StoreMaxRetries: getInt("STORE_MAX_RETRIES", 4),
		StoreRetryBase:  getDuration("STORE_RETRY_BASE", 20*time.Millisecond),
		EditMaxAttempts: getInt("EDIT_MAX_ATTEMPTS", 5),
		RepairWorkers:   getInt("REPAIR_WORKERS", 2),
		ReconcileGrace:  getDuration("RECONCILE_GRACE", 5*time.Second),

		AuthRatePerMin: getInt("AUTH_RATE_PER_MIN", 60),
		AuthBurst:      getInt("AUTH_BURST", 10),
		HTTPRateRPS:    getInt("HTTP_RATE_RPS", 100),

		AdminAuth: getBool("ADMIN_AUTH", false),
		JWTSecret: get("JWT_SECRET", ""),
		JWTIssuer: get("JWT_ISSUER", "librarylend"),
		JWTTTL:    getDuration("JWT_TTL", time.Hour),

		OTLPEndpoint: get("OTLP_ENDPOINT", ""),
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.AdminAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required when ADMIN_AUTH is enabled"))
	}
	if c.StoreMaxRetries < 0 {
		errs = append(errs, errors.New("STORE_MAX_RETRIES must not be negative"))
	}
	if c.EditMaxAttempts < 1 {
		errs = append(errs, errors.New("EDIT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RepairWorkers < 1 {
		errs = append(errs, errors.New("REPAIR_WORKERS must be at least 1"))
	}
	if c.ReconcileGrace < 0 {
		errs = append(errs, errors.New("RECONCILE_GRACE must not be negative"))
	}
	return errors.Join(errs...)
}

// TokensEnabled reports whether login should issue access tokens.
func (c Config) TokensEnabled() bool { return c.JWTSecret != "" }

func get(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
