// Package config loads habitsync settings. Values are layered: built-in
// defaults, then an optional config file (.cue validated against an
// embedded schema, or .toml), then HABITSYNC_* environment variables.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/roach88/habitsync/internal/cache"
	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/engine"
	"github.com/roach88/habitsync/internal/onboarding"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HABITSYNC_"

const defaultDatabasePath = "habitsync.db"

// Config is the full set of runtime settings.
type Config struct {
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT"`
	RetryDelay     time.Duration `env:"RETRY_DELAY"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS"`
	LandingCeiling time.Duration `env:"LANDING_CEILING"`
	CacheTTL       time.Duration `env:"CACHE_TTL"`
	WriteDebounce  time.Duration `env:"WRITE_DEBOUNCE"`

	ReadCostPer100k  float64 `env:"READ_COST_PER_100K"`
	WriteCostPer100k float64 `env:"WRITE_COST_PER_100K"`

	DatabasePath string `env:"DB"`
	TokenFile    string `env:"TOKEN_FILE"`
	TokenSecret  string `env:"TOKEN_SECRET"`
	TokenIssuer  string `env:"TOKEN_ISSUER"`
	// DocumentDSN selects PostgreSQL for documents when set; otherwise
	// documents live in the SQLite database.
	DocumentDSN string `env:"DOCUMENT_DSN"`
}

// Default returns the built-in settings.
func Default() Config {
	gate := onboarding.DefaultConfig()
	pricing := costmeter.DefaultPricing()
	return Config{
		AttemptTimeout:   gate.AttemptTimeout,
		RetryDelay:       gate.RetryDelay,
		MaxAttempts:      gate.MaxAttempts,
		LandingCeiling:   gate.Ceiling,
		CacheTTL:         cache.DefaultTTL,
		WriteDebounce:    engine.DefaultWriteDebounce,
		ReadCostPer100k:  pricing.ReadPer100k,
		WriteCostPer100k: pricing.WritePer100k,
		DatabasePath:     defaultDatabasePath,
	}
}

// fileConfig is the on-disk shape shared by the CUE and TOML loaders.
// Pointers distinguish "absent" from zero.
type fileConfig struct {
	AttemptTimeout *string `json:"attempt_timeout" toml:"attempt_timeout"`
	RetryDelay     *string `json:"retry_delay" toml:"retry_delay"`
	MaxAttempts    *int    `json:"max_attempts" toml:"max_attempts"`
	LandingCeiling *string `json:"landing_ceiling" toml:"landing_ceiling"`
	CacheTTL       *string `json:"cache_ttl" toml:"cache_ttl"`
	WriteDebounce  *string `json:"write_debounce" toml:"write_debounce"`

	ReadCostPer100k  *float64 `json:"read_cost_per_100k" toml:"read_cost_per_100k"`
	WriteCostPer100k *float64 `json:"write_cost_per_100k" toml:"write_cost_per_100k"`

	DatabasePath *string `json:"database_path" toml:"database_path"`
	TokenFile    *string `json:"token_file" toml:"token_file"`
	TokenSecret  *string `json:"token_secret" toml:"token_secret"`
	TokenIssuer  *string `json:"token_issuer" toml:"token_issuer"`
	DocumentDSN  *string `json:"document_dsn" toml:"document_dsn"`
}

// Load builds the effective config. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := fc.apply(&cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"attempt_timeout", c.AttemptTimeout},
		{"retry_delay", c.RetryDelay},
		{"landing_ceiling", c.LandingCeiling},
		{"cache_ttl", c.CacheTTL},
		{"write_debounce", c.WriteDebounce},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.ReadCostPer100k < 0 || c.WriteCostPer100k < 0 {
		errs = append(errs, errors.New("costs must not be negative"))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.TokenFile != "" && c.TokenSecret == "" {
		errs = append(errs, errors.New("token_secret is required when token_file is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Engine converts the settings into engine configuration.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Gate: onboarding.Config{
			AttemptTimeout: c.AttemptTimeout,
			RetryDelay:     c.RetryDelay,
			MaxAttempts:    c.MaxAttempts,
			Ceiling:        c.LandingCeiling,
		},
		CacheTTL:      c.CacheTTL,
		WriteDebounce: c.WriteDebounce,
		Pricing: costmeter.Pricing{
			ReadPer100k:  c.ReadCostPer100k,
			WritePer100k: c.WriteCostPer100k,
		},
	}
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return decodeCUE(path, data)
	case ".toml":
		var fc fileConfig
		dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		return &fc, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .cue or .toml)", ext)
	}
}

// decodeCUE unifies the file with the embedded #Config schema. Unknown
// fields and mistyped values fail here rather than silently defaulting.
func decodeCUE(path string, data []byte) (*fileConfig, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	file := ctx.CompileBytes(data, cue.Filename(path))
	if err := file.Err(); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(file)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	var fc fileConfig
	if err := value.Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"attempt_timeout", fc.AttemptTimeout, &cfg.AttemptTimeout},
		{"retry_delay", fc.RetryDelay, &cfg.RetryDelay},
		{"landing_ceiling", fc.LandingCeiling, &cfg.LandingCeiling},
		{"cache_ttl", fc.CacheTTL, &cfg.CacheTTL},
		{"write_debounce", fc.WriteDebounce, &cfg.WriteDebounce},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if fc.MaxAttempts != nil {
		cfg.MaxAttempts = *fc.MaxAttempts
	}
	if fc.ReadCostPer100k != nil {
		cfg.ReadCostPer100k = *fc.ReadCostPer100k
	}
	if fc.WriteCostPer100k != nil {
		cfg.WriteCostPer100k = *fc.WriteCostPer100k
	}
	strs := []struct {
		src *string
		dst *string
	}{
		{fc.DatabasePath, &cfg.DatabasePath},
		{fc.TokenFile, &cfg.TokenFile},
		{fc.TokenSecret, &cfg.TokenSecret},
		{fc.TokenIssuer, &cfg.TokenIssuer},
		{fc.DocumentDSN, &cfg.DocumentDSN},
	}
	for _, s := range strs {
		if s.src != nil {
			*s.dst = strings.TrimSpace(*s.src)
		}
	}
	return nil
}
