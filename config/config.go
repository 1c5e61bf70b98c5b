// Package config resolves the application settings from flags, environment
// variables and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	cs "github.com/isseis/go-book-catalog/counter_store"
	lc "github.com/isseis/go-book-catalog/local_cache"
)

// Config holds the settings of the catalog application.
type Config struct {
	// StoreURL is the base URL of the PostgREST endpoint. Empty runs against an
	// in-memory store.
	StoreURL           string        `validate:"omitempty,url"`
	StoreKey           string
	StoreTable         string        `validate:"required"`
	StoreRPC           string        `validate:"required"`
	CachePath          string        `validate:"required"`
	CacheLockTimeout   time.Duration `validate:"gt=0"`
	CatalogFile        string        `validate:"omitempty,file"`
	AssetBaseURL       string        `validate:"required,url"`
	HTTPTimeout        time.Duration `validate:"gt=0"`
	RateLimit          float64       `validate:"gte=0"`
	ReadRetries        uint64        `validate:"gte=1,lte=10"`
	BreakerFailures    uint32        `validate:"gte=1"`
	AuthoritativeCount bool
}

// EnvVar documents an environment variable for usage output.
type EnvVar struct {
	Name        string
	Description string
}

// GetEnvVarsHelp returns the environment variables understood by Load.
func GetEnvVarsHelp() []EnvVar {
	return []EnvVar{
		{"CATALOG_STORE_URL", "Base URL of the PostgREST counter store (empty: in-memory store)"},
		{"CATALOG_STORE_KEY", "API key sent to the counter store"},
		{"CATALOG_STORE_TABLE", "Table holding download counters (default: books)"},
		{"CATALOG_STORE_RPC", "Stored procedure incrementing a counter (default: increment_download_count)"},
		{"CATALOG_CACHE_PATH", "Local cache file (default: user cache dir)"},
		{"CATALOG_CACHE_LOCK_TIMEOUT", "How long a cache write waits for another writer (default: 2s)"},
		{"CATALOG_FILE", "YAML catalog file (default: built-in catalog)"},
		{"CATALOG_ASSET_BASE_URL", "Base URL of downloadable files"},
		{"CATALOG_HTTP_TIMEOUT", "Timeout of a counter store request (default: 10s)"},
		{"CATALOG_RATE_LIMIT", "Max counter store requests per second, 0 for unlimited"},
		{"CATALOG_READ_RETRIES", "Attempts for reading a counter (default: 1)"},
		{"CATALOG_BREAKER_FAILURES", "Consecutive failures opening the circuit breaker (default: 3)"},
		{"CATALOG_AUTHORITATIVE_COUNT", "Use the count returned by the store after a download (true/false)"},
	}
}

// LoadDotEnv loads variables from the given .env files (default ".env") into the
// process environment. A missing file is not an error; existing variables are kept.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// Flags holds the command-line flags overriding environment variables.
type Flags struct {
	storeURL     *string
	storeKey     *string
	storeTable   *string
	storeRPC     *string
	cachePath    *string
	lockTimeout  *string
	catalogFile  *string
	assetBaseURL *string
	httpTimeout  *string
	rateLimit    *string
	readRetries  *string
	breaker      *string
	trustStore   *string
}

// RegisterFlags defines the configuration flags on set.
func RegisterFlags(set *flag.FlagSet) *Flags {
	return &Flags{
		storeURL:     set.String("store_url", "", "Base URL of the PostgREST counter store"),
		storeKey:     set.String("store_key", "", "API key sent to the counter store"),
		storeTable:   set.String("store_table", "", "Table holding download counters"),
		storeRPC:     set.String("store_rpc", "", "Stored procedure incrementing a counter"),
		cachePath:    set.String("cache", "", "Local cache file"),
		lockTimeout:  set.String("cache_lock_timeout", "", "How long a cache write waits for another writer (e.g. 2s)"),
		catalogFile:  set.String("catalog", "", "YAML catalog file"),
		assetBaseURL: set.String("asset_url", "", "Base URL of downloadable files"),
		httpTimeout:  set.String("timeout", "", "Timeout of a counter store request (e.g. 5s)"),
		rateLimit:    set.String("rate_limit", "", "Max counter store requests per second"),
		readRetries:  set.String("read_retries", "", "Attempts for reading a counter"),
		breaker:      set.String("breaker_failures", "", "Consecutive failures opening the circuit breaker"),
		trustStore:   set.String("authoritative", "", "Use the count returned by the store after a download"),
	}
}

// resolve returns the flag value if set, else the environment variable, else def.
func resolve(flagValue *string, env string, def string) string {
	if flagValue != nil && *flagValue != "" {
		return *flagValue
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v
	}
	return def
}

// DefaultCachePath returns the cache file location below the user cache directory.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".book-catalog-cache.json"
	}
	return filepath.Join(dir, "book-catalog", "downloads.json")
}

// Load resolves the configuration. Flags take precedence over environment variables.
// The flag set must already be parsed. f may be nil to use only the environment.
func (f *Flags) Load() (*Config, error) {
	if f == nil {
		f = &Flags{}
	}
	var errs []error

	timeout, err := time.ParseDuration(resolve(f.httpTimeout, "CATALOG_HTTP_TIMEOUT", cs.DefaultTimeout.String()))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid timeout: %w", err))
	}
	lockTimeout, err := time.ParseDuration(resolve(f.lockTimeout, "CATALOG_CACHE_LOCK_TIMEOUT", lc.DefaultLockTimeout.String()))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid cache lock timeout: %w", err))
	}
	rateLimit, err := strconv.ParseFloat(resolve(f.rateLimit, "CATALOG_RATE_LIMIT", "0"), 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid rate limit: %w", err))
	}
	retries, err := strconv.ParseUint(resolve(f.readRetries, "CATALOG_READ_RETRIES", "1"), 10, 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid read retries: %w", err))
	}
	failures, err := strconv.ParseUint(resolve(f.breaker, "CATALOG_BREAKER_FAILURES", "3"), 10, 32)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid breaker failures: %w", err))
	}
	authoritative, err := strconv.ParseBool(resolve(f.trustStore, "CATALOG_AUTHORITATIVE_COUNT", "false"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid authoritative flag: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cfg := &Config{
		StoreURL:           resolve(f.storeURL, "CATALOG_STORE_URL", ""),
		StoreKey:           resolve(f.storeKey, "CATALOG_STORE_KEY", ""),
		StoreTable:         resolve(f.storeTable, "CATALOG_STORE_TABLE", cs.DefaultTable),
		StoreRPC:           resolve(f.storeRPC, "CATALOG_STORE_RPC", cs.DefaultIncrementFunction),
		CachePath:          resolve(f.cachePath, "CATALOG_CACHE_PATH", DefaultCachePath()),
		CacheLockTimeout:   lockTimeout,
		CatalogFile:        resolve(f.catalogFile, "CATALOG_FILE", ""),
		AssetBaseURL:       resolve(f.assetBaseURL, "CATALOG_ASSET_BASE_URL", "http://localhost:8080/assets/"),
		HTTPTimeout:        timeout,
		RateLimit:          rateLimit,
		ReadRetries:        retries,
		BreakerFailures:    uint32(failures),
		AuthoritativeCount: authoritative,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field constraints of cfg.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q constraint (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
