// Package config loads the tracker configuration: a YAML file with the
// recognized options, overridden by SIGNALRUN_* environment variables.
// Unknown file keys and unrecognized SIGNALRUN_* variables are fatal at
// startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/resolve"
)

// envPrefix marks the environment variables this package owns. Every
// variable carrying the prefix must name a recognized option.
const envPrefix = "SIGNALRUN_"

// Error marks an invalid or unparseable configuration. Configuration
// problems are always fatal at startup.
type Error struct {
	Option string // file path, option name, or environment key
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Option, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Option, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Config is the complete tracker configuration.
type Config struct {
	// DataDir is where the tracking files, the reputation books, and the
	// price point cache live.
	DataDir string `yaml:"data_dir"`

	// Providers is the ordered upstream list; order is fallback order.
	Providers []ProviderConfig `yaml:"providers"`

	// CheckpointOffsets overrides the capture schedule, seconds from
	// entry per checkpoint name. Test knob; empty means the production
	// 1h/4h/24h/3d/7d/30d schedule.
	CheckpointOffsets map[string]int `yaml:"checkpoint_offsets"`

	WorkerPoolSize      int `yaml:"worker_pool_size"`
	LiveCyclePeriodSecs int `yaml:"live_cycle_period_secs"`

	TDAlpha                 float64 `yaml:"td_alpha"`
	WinnerATHThreshold      float64 `yaml:"winner_ath_threshold"`
	MinSignalsForReputation int     `yaml:"min_signals_for_reputation"`

	// AmbiguousSymbolBlocklist and WrappedNativeAliases point at the
	// resolver table files. Empty paths mean empty tables.
	AmbiguousSymbolBlocklist string `yaml:"ambiguous_symbol_blocklist"`
	WrappedNativeAliases     string `yaml:"wrapped_native_aliases"`

	Redis   RedisConfig   `yaml:"redis"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Monitor MonitorConfig `yaml:"monitor"`
	Stream  StreamConfig  `yaml:"stream"`
}

// ProviderConfig is one upstream's budget and credentials.
type ProviderConfig struct {
	Name          string `yaml:"name"`
	APIKey        string `yaml:"api_key"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	DailyBudget   int    `yaml:"daily_budget"` // 0 = no daily cap
	TimeoutMS     int    `yaml:"timeout_ms"`
	Enabled       bool   `yaml:"enabled"`
}

// RequestTimeout returns the per-request deadline as a time.Duration.
func (p *ProviderConfig) RequestTimeout() time.Duration {
	if p.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// RedisConfig selects the optional Redis backend for the current-price
// hot cache. Disabled means the in-memory cache.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	TTLSecs int    `yaml:"ttl_secs"`
}

// CacheTTL returns the hot-cache entry lifetime as a time.Duration.
func (r *RedisConfig) CacheTTL() time.Duration {
	if r.TTLSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(r.TTLSecs) * time.Second
}

// MirrorConfig is the optional Postgres mirror of completed signals.
type MirrorConfig struct {
	Enabled            bool   `yaml:"enabled"`
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_min"`
	QueryTimeoutMS     int    `yaml:"query_timeout_ms"`
}

// ConnMaxLifetime returns the pool connection lifetime as a time.Duration.
func (m *MirrorConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(m.ConnMaxLifetimeMin) * time.Minute
}

// QueryTimeout returns the statement deadline as a time.Duration.
func (m *MirrorConfig) QueryTimeout() time.Duration {
	return time.Duration(m.QueryTimeoutMS) * time.Millisecond
}

// MonitorConfig is the monitor server's bind address.
type MonitorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StreamConfig is the live mention stream endpoint. An empty URL runs
// the live loop without intake.
type StreamConfig struct {
	URL    string `yaml:"url"`
	Buffer int    `yaml:"buffer"`
}

// DefaultConfig returns the defaults every load starts from. Provider
// budgets follow the upstreams' published free tiers.
func DefaultConfig() Config {
	return Config{
		DataDir: "data",
		Providers: []ProviderConfig{
			{Name: "dexscreener", RatePerMinute: 300, TimeoutMS: 10000, Enabled: true},
			{Name: "mobula", RatePerMinute: 100, DailyBudget: 10000, TimeoutMS: 10000, Enabled: true},
			{Name: "coingecko", RatePerMinute: 30, DailyBudget: 10000, TimeoutMS: 10000, Enabled: true},
			{Name: "cryptocompare", RatePerMinute: 80, DailyBudget: 100000, TimeoutMS: 10000, Enabled: true},
			{Name: "etherscan", RatePerMinute: 5, DailyBudget: 100000, TimeoutMS: 10000, Enabled: true},
		},
		WorkerPoolSize:          5,
		LiveCyclePeriodSecs:     7200,
		TDAlpha:                 0.1,
		WinnerATHThreshold:      2.0,
		MinSignalsForReputation: 5,
		Redis:                   RedisConfig{TTLSecs: 300},
		Mirror: MirrorConfig{
			MaxOpenConns:       10,
			MaxIdleConns:       5,
			ConnMaxLifetimeMin: 30,
			QueryTimeoutMS:     10000,
		},
		Monitor: MonitorConfig{Host: "127.0.0.1", Port: 8090},
		Stream:  StreamConfig{Buffer: 256},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join("config", "providers.yaml")
}

// Load reads the config file at path (empty path means defaults only),
// applies SIGNALRUN_* environment overrides, and validates. Every
// failure is a *Error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, &Error{Option: path, Reason: "read config file", Err: err}
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &Error{Option: path, Reason: "parse config file", Err: err}
		}
	}

	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv folds SIGNALRUN_* variables over the file values. Processing
// order is sorted by key so repeated loads behave identically.
func (c *Config) applyEnv(environ []string) error {
	keys := make([]string, 0, 4)
	values := make(map[string]string, 4)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		key, value, _ := strings.Cut(kv, "=")
		keys = append(keys, key)
		values[key] = value
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := c.applyEnvOption(key, strings.TrimPrefix(key, envPrefix), values[key]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnvOption(key, opt, value string) error {
	switch opt {
	case "DATA_DIR":
		c.DataDir = value
	case "WORKER_POOL_SIZE":
		n, err := parseEnvInt(key, value)
		if err != nil {
			return err
		}
		c.WorkerPoolSize = n
	case "LIVE_CYCLE_PERIOD":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return &Error{Option: key, Reason: fmt.Sprintf("want a positive duration like 2h, got %q", value), Err: err}
		}
		c.LiveCyclePeriodSecs = int(d / time.Second)
	case "TD_ALPHA":
		f, err := parseEnvFloat(key, value)
		if err != nil {
			return err
		}
		c.TDAlpha = f
	case "WINNER_ATH_THRESHOLD":
		f, err := parseEnvFloat(key, value)
		if err != nil {
			return err
		}
		c.WinnerATHThreshold = f
	case "MIN_SIGNALS_FOR_REPUTATION":
		n, err := parseEnvInt(key, value)
		if err != nil {
			return err
		}
		c.MinSignalsForReputation = n
	case "AMBIGUOUS_SYMBOL_BLOCKLIST":
		c.AmbiguousSymbolBlocklist = value
	case "WRAPPED_NATIVE_ALIASES":
		c.WrappedNativeAliases = value
	case "CHECKPOINT_OFFSETS":
		offsets, err := parseOffsets(key, value)
		if err != nil {
			return err
		}
		c.CheckpointOffsets = offsets
	case "MIRROR_DSN":
		c.Mirror.DSN = value
	case "REDIS_ADDR":
		c.Redis.Addr = value
	default:
		if name, ok := strings.CutPrefix(opt, "API_KEY_"); ok {
			return c.setProviderKey(key, name, value)
		}
		return &Error{Option: key, Reason: "unrecognized option"}
	}
	return nil
}

// setProviderKey routes SIGNALRUN_API_KEY_<NAME> to the named provider.
func (c *Config) setProviderKey(key, name, value string) error {
	name = strings.ToLower(name)
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			c.Providers[i].APIKey = value
			return nil
		}
	}
	return &Error{Option: key, Reason: fmt.Sprintf("no configured provider named %q", name)}
}

func parseEnvInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &Error{Option: key, Reason: fmt.Sprintf("want an integer, got %q", value), Err: err}
	}
	return n, nil
}

func parseEnvFloat(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &Error{Option: key, Reason: fmt.Sprintf("want a number, got %q", value), Err: err}
	}
	return f, nil
}

// parseOffsets reads "1h=3600,4h=14400,..." into a name→seconds map.
func parseOffsets(key, value string) (map[string]int, error) {
	offsets := make(map[string]int)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, secsStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &Error{Option: key, Reason: fmt.Sprintf("want name=seconds pairs, got %q", pair)}
		}
		secs, err := strconv.Atoi(strings.TrimSpace(secsStr))
		if err != nil || secs <= 0 {
			return nil, &Error{Option: key, Reason: fmt.Sprintf("checkpoint %s wants positive seconds, got %q", name, secsStr), Err: err}
		}
		offsets[strings.TrimSpace(name)] = secs
	}
	if len(offsets) == 0 {
		return nil, &Error{Option: key, Reason: "no checkpoint offsets given"}
	}
	return offsets, nil
}

// Validate ensures the configuration is usable. Called by Load; exposed
// for programmatically built configs.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return &Error{Option: "data_dir", Reason: "cannot be empty"}
	}
	if c.WorkerPoolSize <= 0 {
		return &Error{Option: "worker_pool_size", Reason: fmt.Sprintf("must be positive, got %d", c.WorkerPoolSize)}
	}
	if c.LiveCyclePeriodSecs <= 0 {
		return &Error{Option: "live_cycle_period_secs", Reason: fmt.Sprintf("must be positive, got %d", c.LiveCyclePeriodSecs)}
	}
	if c.TDAlpha <= 0 || c.TDAlpha > 1 {
		return &Error{Option: "td_alpha", Reason: fmt.Sprintf("must be in (0, 1], got %g", c.TDAlpha)}
	}
	if c.WinnerATHThreshold < 1 {
		return &Error{Option: "winner_ath_threshold", Reason: fmt.Sprintf("must be >= 1, got %g", c.WinnerATHThreshold)}
	}
	if c.MinSignalsForReputation < 1 {
		return &Error{Option: "min_signals_for_reputation", Reason: fmt.Sprintf("must be >= 1, got %d", c.MinSignalsForReputation)}
	}

	if len(c.Providers) == 0 {
		return &Error{Option: "providers", Reason: "at least one provider is required"}
	}
	seen := make(map[string]bool, len(c.Providers))
	anyEnabled := false
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return &Error{Option: "providers", Reason: fmt.Sprintf("provider %d has no name", i)}
		}
		if p.Name != strings.ToLower(p.Name) {
			return &Error{Option: "providers", Reason: fmt.Sprintf("provider name %q must be lowercase", p.Name)}
		}
		if seen[p.Name] {
			return &Error{Option: "providers", Reason: fmt.Sprintf("provider %q listed twice", p.Name)}
		}
		seen[p.Name] = true
		if p.RatePerMinute <= 0 {
			return &Error{Option: "providers", Reason: fmt.Sprintf("provider %q: rate_per_minute must be positive, got %d", p.Name, p.RatePerMinute)}
		}
		if p.DailyBudget < 0 {
			return &Error{Option: "providers", Reason: fmt.Sprintf("provider %q: daily_budget cannot be negative, got %d", p.Name, p.DailyBudget)}
		}
		if p.TimeoutMS < 0 {
			return &Error{Option: "providers", Reason: fmt.Sprintf("provider %q: timeout_ms cannot be negative, got %d", p.Name, p.TimeoutMS)}
		}
		anyEnabled = anyEnabled || p.Enabled
	}
	if !anyEnabled {
		return &Error{Option: "providers", Reason: "every provider is disabled"}
	}

	if len(c.CheckpointOffsets) > 0 {
		if _, err := c.Schedule(); err != nil {
			return err
		}
	}

	if c.Monitor.Host == "" {
		return &Error{Option: "monitor.host", Reason: "cannot be empty"}
	}
	if c.Monitor.Port <= 0 || c.Monitor.Port > 65535 {
		return &Error{Option: "monitor.port", Reason: fmt.Sprintf("must be in 1..65535, got %d", c.Monitor.Port)}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return &Error{Option: "redis.addr", Reason: "required when redis is enabled"}
	}
	if c.Mirror.Enabled && c.Mirror.DSN == "" {
		return &Error{Option: "mirror.dsn", Reason: "required when the mirror is enabled"}
	}
	if c.Stream.Buffer < 0 {
		return &Error{Option: "stream.buffer", Reason: fmt.Sprintf("cannot be negative, got %d", c.Stream.Buffer)}
	}
	return nil
}

// CyclePeriod returns the live advancement period as a time.Duration.
func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(c.LiveCyclePeriodSecs) * time.Second
}

// Schedule builds the checkpoint schedule: the production set, or the
// configured override.
func (c *Config) Schedule() (domain.Schedule, error) {
	if len(c.CheckpointOffsets) == 0 {
		return domain.DefaultSchedule(), nil
	}
	offsets := make(map[domain.Checkpoint]time.Duration, len(c.CheckpointOffsets))
	for name, secs := range c.CheckpointOffsets {
		offsets[domain.Checkpoint(name)] = time.Duration(secs) * time.Second
	}
	sched, err := domain.NewSchedule(offsets)
	if err != nil {
		return domain.Schedule{}, &Error{Option: "checkpoint_offsets", Reason: "invalid schedule", Err: err}
	}
	return sched, nil
}

// Provider returns the named provider's configuration.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// EnabledProviders returns the enabled providers in fallback order.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// LoadTables reads the resolver tables from the configured paths. The
// aliases file carries the wrapped-native aliases and per-provider chain
// spellings; the blocklist file carries the ambiguous symbols. Either
// path may be empty. Sections a configured file carries replace the
// built-in tables wholesale; sections no file mentions keep the
// resolver's defaults.
func (c *Config) LoadTables() (resolve.Tables, error) {
	tables := resolve.DefaultTables()
	for _, path := range []string{c.WrappedNativeAliases, c.AmbiguousSymbolBlocklist} {
		if path == "" {
			continue
		}
		var file resolve.Tables
		if err := decodeYAMLFile(path, &file); err != nil {
			return resolve.Tables{}, err
		}
		if file.Aliases.Symbols != nil {
			tables.Aliases.Symbols = file.Aliases.Symbols
		}
		if file.Aliases.Addresses != nil {
			tables.Aliases.Addresses = file.Aliases.Addresses
		}
		if file.Blocklist != nil {
			tables.Blocklist = file.Blocklist
		}
		if file.ChainSpellings != nil {
			tables.ChainSpellings = file.ChainSpellings
		}
	}
	return tables, nil
}

func decodeYAMLFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return &Error{Option: path, Reason: "read table file", Err: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Option: path, Reason: "parse table file", Err: err}
	}
	return nil
}
