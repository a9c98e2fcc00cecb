package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"tradingbot/internal/core"
)

const (
	VenueCrypto     = "crypto"
	VenueAlpaca     = "alpaca"
	VenuePolymarket = "polymarket"

	legacyCryptoName = "ccxt"
)

var knownVenues = []string{VenueCrypto, VenueAlpaca, VenuePolymarket}

var errMultipleDocuments = errors.New("config must contain a single YAML document")

var logLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

type Config struct {
	LogLevel          string               `yaml:"log_level"`
	DryRun            *bool                `yaml:"dry_run"`
	EnabledConnectors []string             `yaml:"enabled_connectors"`
	WorkerPoolSize    int                  `yaml:"worker_pool_size"`
	Routes            map[string]string    `yaml:"routes"`
	Engine            EngineConfig         `yaml:"engine"`
	Web               WebConfig            `yaml:"web"`
	Crypto            CryptoConfig         `yaml:"crypto"`
	Alpaca            AlpacaConfig         `yaml:"alpaca"`
	Polymarket        PolymarketConfig     `yaml:"polymarket"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability     ObservabilityConfig  `yaml:"observability"`
}

type EngineConfig struct {
	LoopIntervalMs int64 `yaml:"loop_interval_ms"`
	ActivitySize   int   `yaml:"activity_size"`
	// LockFile, when set, makes `start` hold an instance lock at that path.
	LockFile     string `yaml:"lock_file"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type WebConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	PushIntervalSec int64  `yaml:"push_interval_sec"`
}

type CryptoConfig struct {
	ExchangeID     string `yaml:"exchange_id"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	Testnet        *bool  `yaml:"testnet"`
	RestBaseURL    string `yaml:"rest_base_url"`
	RecvWindowMs   int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type AlpacaConfig struct {
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	Paper          *bool  `yaml:"paper"`
	BaseURL        string `yaml:"base_url"`
	DataURL        string `yaml:"data_url"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
}

type PolymarketConfig struct {
	PrivateKey     string  `yaml:"private_key"`
	ChainID        int64   `yaml:"chain_id"`
	Host           string  `yaml:"host"`
	TickSize       Decimal `yaml:"tick_size"`
	HTTPTimeoutSec int64   `yaml:"http_timeout_sec"`
}

type CircuitBreakerConfig struct {
	Enabled     bool  `yaml:"enabled"`
	MaxFailures int   `yaml:"max_failures"`
	CooldownSec int64 `yaml:"cooldown_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
	QueueSize  int    `yaml:"queue_size"`
}

// Load reads a single required config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, core.NewConfigError("", "read %s: %v", path, err)
	}
	cfg, err := decode(data)
	if err != nil {
		return Config{}, err
	}
	return finish(cfg)
}

// LoadFiles deep-merges the files that exist, in order, later keys winning.
// Missing files are skipped, so with none present the result is env plus defaults.
func LoadFiles(paths ...string) (Config, error) {
	merged := map[string]any{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, core.NewConfigError("", "read %s: %v", path, err)
		}
		var doc map[string]any
		if err := decodeSingle(data, &doc, false); err != nil {
			return Config{}, core.NewConfigError("", "parse %s: %v", path, err)
		}
		mergeMaps(merged, doc)
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, core.NewConfigError("", "merge config: %v", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return Config{}, err
	}
	return finish(cfg)
}

func decode(data []byte) (Config, error) {
	var cfg Config
	if err := decodeSingle(data, &cfg, true); err != nil {
		return Config{}, core.NewConfigError("", "%v", err)
	}
	return cfg, nil
}

// decodeSingle decodes the first YAML document into out and rejects any
// document after it. The trailing document goes into a yaml.Node so strict
// field checking never masks the multi-document error.
func decodeSingle(data []byte, out any, strict bool) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return errMultipleDocuments
		}
		return err
	}
	return nil
}

func finish(cfg Config) (Config, error) {
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolPtr := func(key string, dst **bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return core.NewConfigError(key, "must be a boolean, got %q", v)
		}
		*dst = &b
		return nil
	}
	integer := func(key string, dst *int64) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return core.NewConfigError(key, "must be an integer, got %q", v)
		}
		*dst = n
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("WEB_HOST", &c.Web.Host)
	str("CRYPTO_EXCHANGE_ID", &c.Crypto.ExchangeID)
	str("CRYPTO_API_KEY", &c.Crypto.APIKey)
	str("CRYPTO_API_SECRET", &c.Crypto.APISecret)
	str("ALPACA_API_KEY", &c.Alpaca.APIKey)
	str("ALPACA_API_SECRET", &c.Alpaca.APISecret)
	str("POLYMARKET_PRIVATE_KEY", &c.Polymarket.PrivateKey)
	str("POLYMARKET_HOST", &c.Polymarket.Host)
	if v, ok := lookup("ENABLED_CONNECTORS"); ok {
		c.EnabledConnectors = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.EnabledConnectors = append(c.EnabledConnectors, name)
			}
		}
	}
	for key, dst := range map[string]**bool{
		"DRY_RUN":        &c.DryRun,
		"CRYPTO_TESTNET": &c.Crypto.Testnet,
		"ALPACA_PAPER":   &c.Alpaca.Paper,
	} {
		if err := boolPtr(key, dst); err != nil {
			return err
		}
	}
	var pool, port int64 = int64(c.WorkerPoolSize), int64(c.Web.Port)
	if err := integer("WORKER_POOL_SIZE", &pool); err != nil {
		return err
	}
	if err := integer("WEB_PORT", &port); err != nil {
		return err
	}
	if err := integer("POLYMARKET_CHAIN_ID", &c.Polymarket.ChainID); err != nil {
		return err
	}
	c.WorkerPoolSize, c.Web.Port = int(pool), int(port)
	return nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	c.EnabledConnectors = normalizeVenues(c.EnabledConnectors)
	if len(c.Routes) > 0 {
		routes := make(map[string]string, len(c.Routes))
		for strategy, venue := range c.Routes {
			routes[strings.TrimSpace(strategy)] = normalizeVenue(venue)
		}
		c.Routes = routes
	}
	c.Web.Host = strings.TrimSpace(c.Web.Host)
	c.Engine.LockFile = strings.TrimSpace(c.Engine.LockFile)
	c.Crypto.ExchangeID = strings.ToLower(strings.TrimSpace(c.Crypto.ExchangeID))
	c.Crypto.APIKey = strings.TrimSpace(c.Crypto.APIKey)
	c.Crypto.APISecret = strings.TrimSpace(c.Crypto.APISecret)
	c.Crypto.RestBaseURL = strings.TrimSpace(c.Crypto.RestBaseURL)
	c.Alpaca.APIKey = strings.TrimSpace(c.Alpaca.APIKey)
	c.Alpaca.APISecret = strings.TrimSpace(c.Alpaca.APISecret)
	c.Alpaca.BaseURL = strings.TrimSpace(c.Alpaca.BaseURL)
	c.Alpaca.DataURL = strings.TrimSpace(c.Alpaca.DataURL)
	c.Polymarket.PrivateKey = strings.TrimSpace(c.Polymarket.PrivateKey)
	c.Polymarket.Host = strings.TrimRight(strings.TrimSpace(c.Polymarket.Host), "/")
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func normalizeVenue(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == legacyCryptoName {
		return VenueCrypto
	}
	return name
}

func normalizeVenues(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = normalizeVenue(n)
		if _, dup := seen[n]; dup || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DryRun == nil {
		c.DryRun = boolRef(true)
	}
	if c.EnabledConnectors == nil {
		c.EnabledConnectors = append([]string(nil), knownVenues...)
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 4
	}
	if c.Engine.LoopIntervalMs == 0 {
		c.Engine.LoopIntervalMs = 1000
	}
	if c.Engine.ActivitySize == 0 {
		c.Engine.ActivitySize = 200
	}
	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8000
	}
	if c.Web.PushIntervalSec == 0 {
		c.Web.PushIntervalSec = 5
	}
	if c.Crypto.ExchangeID == "" {
		c.Crypto.ExchangeID = "binance"
	}
	if c.Crypto.Testnet == nil {
		c.Crypto.Testnet = boolRef(true)
	}
	if c.Crypto.RecvWindowMs == 0 {
		c.Crypto.RecvWindowMs = 5000
	}
	if c.Crypto.HTTPTimeoutSec == 0 {
		c.Crypto.HTTPTimeoutSec = 15
	}
	if c.Alpaca.Paper == nil {
		c.Alpaca.Paper = boolRef(true)
	}
	if c.Alpaca.HTTPTimeoutSec == 0 {
		c.Alpaca.HTTPTimeoutSec = 15
	}
	if c.Polymarket.ChainID == 0 {
		c.Polymarket.ChainID = 137
	}
	if c.Polymarket.Host == "" {
		c.Polymarket.Host = "https://clob.polymarket.com"
	}
	if c.Polymarket.HTTPTimeoutSec == 0 {
		c.Polymarket.HTTPTimeoutSec = 15
	}
	if c.CircuitBreaker.MaxFailures == 0 {
		c.CircuitBreaker.MaxFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 60
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Telegram.QueueSize == 0 {
		c.Observability.Telegram.QueueSize = 256
	}
}

func (c Config) Validate() error {
	if _, ok := logLevels[c.LogLevel]; !ok {
		return core.NewConfigError("log_level", "must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	for _, name := range c.EnabledConnectors {
		if !isKnownVenue(name) {
			return core.NewConfigError("enabled_connectors", "unknown connector %q (known: %s)", name, strings.Join(knownVenues, ", "))
		}
	}
	if c.WorkerPoolSize < 1 || c.WorkerPoolSize > 64 {
		return core.NewConfigError("worker_pool_size", "must be between 1 and 64")
	}
	strategies := make([]string, 0, len(c.Routes))
	for s := range c.Routes {
		strategies = append(strategies, s)
	}
	sort.Strings(strategies)
	for _, s := range strategies {
		if s == "" {
			return core.NewConfigError("routes", "strategy name must not be empty")
		}
		if !c.Enabled(c.Routes[s]) {
			return core.NewConfigError("routes."+s, "must name an enabled connector, got %q", c.Routes[s])
		}
	}
	if c.Engine.LoopIntervalMs < 1 || c.Engine.LoopIntervalMs > 3600000 {
		return core.NewConfigError("engine.loop_interval_ms", "must be between 1 and 3600000")
	}
	if c.Engine.ActivitySize < 1 || c.Engine.ActivitySize > 100000 {
		return core.NewConfigError("engine.activity_size", "must be between 1 and 100000")
	}
	if c.Engine.LockStaleSec < 0 {
		return core.NewConfigError("engine.lock_stale_sec", "must be >= 0")
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return core.NewConfigError("web.port", "must be between 1 and 65535")
	}
	if c.Web.PushIntervalSec < 1 || c.Web.PushIntervalSec > 3600 {
		return core.NewConfigError("web.push_interval_sec", "must be between 1 and 3600")
	}
	if c.Crypto.RestBaseURL != "" {
		if err := validateURL(c.Crypto.RestBaseURL, "http", "https"); err != nil {
			return core.NewConfigError("crypto.rest_base_url", "%v", err)
		}
	}
	if c.Crypto.RecvWindowMs < 1 || c.Crypto.RecvWindowMs > 60000 {
		return core.NewConfigError("crypto.recv_window_ms", "must be between 1 and 60000")
	}
	for field, v := range map[string]int64{
		"crypto.http_timeout_sec":     c.Crypto.HTTPTimeoutSec,
		"alpaca.http_timeout_sec":     c.Alpaca.HTTPTimeoutSec,
		"polymarket.http_timeout_sec": c.Polymarket.HTTPTimeoutSec,
	} {
		if v < 1 || v > 120 {
			return core.NewConfigError(field, "must be between 1 and 120")
		}
	}
	for field, raw := range map[string]string{
		"alpaca.base_url": c.Alpaca.BaseURL,
		"alpaca.data_url": c.Alpaca.DataURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateURL(raw, "http", "https"); err != nil {
			return core.NewConfigError(field, "%v", err)
		}
	}
	if c.Polymarket.ChainID <= 0 {
		return core.NewConfigError("polymarket.chain_id", "must be > 0")
	}
	if err := validateURL(c.Polymarket.Host, "http", "https"); err != nil {
		return core.NewConfigError("polymarket.host", "%v", err)
	}
	if c.Polymarket.TickSize.IsNegative() {
		return core.NewConfigError("polymarket.tick_size", "must be >= 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxFailures < 1 {
			return core.NewConfigError("circuit_breaker.max_failures", "must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return core.NewConfigError("circuit_breaker.cooldown_sec", "must be between 1 and 3600")
		}
	}
	tg := c.Observability.Telegram
	if tg.Enabled {
		if tg.BotToken == "" {
			return core.NewConfigError("observability.telegram.bot_token", "is required when telegram enabled")
		}
		if tg.ChatID == "" {
			return core.NewConfigError("observability.telegram.chat_id", "is required when telegram enabled")
		}
		if tg.TimeoutSec < 1 || tg.TimeoutSec > 120 {
			return core.NewConfigError("observability.telegram.timeout_sec", "must be between 1 and 120")
		}
		if tg.QueueSize < 1 || tg.QueueSize > 10000 {
			return core.NewConfigError("observability.telegram.queue_size", "must be between 1 and 10000")
		}
		if err := validateURL(tg.APIBaseURL, "http", "https"); err != nil {
			return core.NewConfigError("observability.telegram.api_base_url", "%v", err)
		}
	}
	return nil
}

// Enabled reports whether the named connector is in enabled_connectors.
func (c Config) Enabled(name string) bool {
	for _, n := range c.EnabledConnectors {
		if n == name {
			return true
		}
	}
	return false
}

func (c Config) IsDryRun() bool { return c.DryRun == nil || *c.DryRun }

func (c Config) CryptoTestnet() bool { return c.Crypto.Testnet == nil || *c.Crypto.Testnet }

func (c Config) AlpacaPaper() bool { return c.Alpaca.Paper == nil || *c.Alpaca.Paper }

func (c Config) LockTakeover() bool { return c.Engine.LockTakeover == nil || *c.Engine.LockTakeover }

func isKnownVenue(name string) bool {
	for _, v := range knownVenues {
		if v == name {
			return true
		}
	}
	return false
}

func boolRef(v bool) *bool { return &v }

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
