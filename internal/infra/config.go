package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"crypto_arb/internal/domain"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	ModePaper   = "paper"
	ModeLive    = "live"
	ModeMonitor = "monitor"

	ScanModeBest       = "best"
	ScanModeExhaustive = "exhaustive"
)

// Duration lets config files use Go duration strings ("250ms", "5s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Credentials for signed login / REST.
type Credentials struct {
	AccessKey  string `yaml:"access_key" toml:"access_key"`
	SecretKey  string `yaml:"secret_key" toml:"secret_key"`
	Passphrase string `yaml:"passphrase" toml:"passphrase"`
}

// Present reports whether a key pair is configured.
func (c Credentials) Present() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// VenueConfig is the per-venue section.
type VenueConfig struct {
	Enabled        bool            `yaml:"enabled" toml:"enabled"`
	WSURL          string          `yaml:"ws_url" toml:"ws_url"`
	RestURL        string          `yaml:"rest_url" toml:"rest_url"`
	Symbols        []string        `yaml:"symbols" toml:"symbols"` // Canonical BASE/QUOTE
	MakerFee       decimal.Decimal `yaml:"maker_fee" toml:"maker_fee"`
	TakerFee       decimal.Decimal `yaml:"taker_fee" toml:"taker_fee"`
	Staleness      Duration        `yaml:"staleness" toml:"staleness"`
	PollInterval   Duration        `yaml:"poll_interval" toml:"poll_interval"` // > 0 selects the polling variant
	MaxSymbols     int             `yaml:"max_symbols" toml:"max_symbols"`
	SubscribeBatch int             `yaml:"subscribe_batch" toml:"subscribe_batch"`
	SubscribeDelay Duration        `yaml:"subscribe_delay" toml:"subscribe_delay"`
	PingInterval   Duration        `yaml:"ping_interval" toml:"ping_interval"`
	ReadTimeout    Duration        `yaml:"read_timeout" toml:"read_timeout"`
	ErrorThreshold int             `yaml:"error_threshold" toml:"error_threshold"`
	Cooldown       Duration        `yaml:"cooldown" toml:"cooldown"`
	Binary         bool            `yaml:"binary" toml:"binary"` // MEXC protobuf stream instead of REST polling
	Credentials    Credentials     `yaml:"credentials" toml:"credentials"`
}

// Streaming reports whether the venue uses a push connection.
func (v VenueConfig) Streaming() bool {
	return v.PollInterval <= 0
}

// Config is the immutable application configuration. It is built once by
// LoadConfig and passed by value or pointer to constructors; nothing mutates
// it afterwards.
type Config struct {
	App struct {
		Name string `yaml:"name" toml:"name"`
		Mode string `yaml:"mode" toml:"mode"` // paper | live | monitor
	} `yaml:"app" toml:"app"`

	Logging struct {
		Level      string `yaml:"level" toml:"level"`
		Dir        string `yaml:"dir" toml:"dir"`
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	} `yaml:"logging" toml:"logging"`

	Venues map[string]VenueConfig `yaml:"venues" toml:"venues"`

	Scanner struct {
		Mode               string          `yaml:"mode" toml:"mode"` // best | exhaustive
		MaxCandidates      int             `yaml:"max_candidates" toml:"max_candidates"`
		MinProfitPct       decimal.Decimal `yaml:"min_profit_pct" toml:"min_profit_pct"`
		SlippagePct        decimal.Decimal `yaml:"slippage_pct" toml:"slippage_pct"`
		PositionNotional   decimal.Decimal `yaml:"position_notional" toml:"position_notional"`
		UseMakerFees       bool            `yaml:"use_maker_fees" toml:"use_maker_fees"`
		RouteCooldown      Duration        `yaml:"route_cooldown" toml:"route_cooldown"`
		Debounce           Duration        `yaml:"debounce" toml:"debounce"`
		Interval           Duration        `yaml:"interval" toml:"interval"`
		VolatilityWeight   decimal.Decimal `yaml:"volatility_weight" toml:"volatility_weight"`
		VolatilityWindow   Duration        `yaml:"volatility_window" toml:"volatility_window"`
		Triangular         bool            `yaml:"triangular" toml:"triangular"`
		TriangularMinPct   decimal.Decimal `yaml:"triangular_min_pct" toml:"triangular_min_pct"`
		TriangularSlipPct  decimal.Decimal `yaml:"triangular_slippage_pct" toml:"triangular_slippage_pct"`
		TriangularInterval Duration        `yaml:"triangular_interval" toml:"triangular_interval"`
	} `yaml:"scanner" toml:"scanner"`

	Liquidity struct {
		MinFillRatio      decimal.Decimal `yaml:"min_fill_ratio" toml:"min_fill_ratio"`
		MaxPriceImpactPct decimal.Decimal `yaml:"max_price_impact_pct" toml:"max_price_impact_pct"`
		MinLiquidity      decimal.Decimal `yaml:"min_liquidity" toml:"min_liquidity"`
		MaxLevels         int             `yaml:"max_levels" toml:"max_levels"`
	} `yaml:"liquidity" toml:"liquidity"`

	Risk struct {
		MaxDailyLoss        decimal.Decimal `yaml:"max_daily_loss" toml:"max_daily_loss"`
		MaxOpenPositions    int             `yaml:"max_open_positions" toml:"max_open_positions"`
		MinProfitPct        decimal.Decimal `yaml:"min_profit_pct" toml:"min_profit_pct"`
		MaxPositionNotional decimal.Decimal `yaml:"max_position_notional" toml:"max_position_notional"`
		MinVenueBalance     decimal.Decimal `yaml:"min_venue_balance" toml:"min_venue_balance"`
		BlockTTL            Duration        `yaml:"block_ttl" toml:"block_ttl"`
		FailuresBeforeBlock int             `yaml:"failures_before_block" toml:"failures_before_block"`
		BalanceTimeout      Duration        `yaml:"balance_timeout" toml:"balance_timeout"`
	} `yaml:"risk" toml:"risk"`

	Execution struct {
		Timeout       Duration        `yaml:"timeout" toml:"timeout"`
		PollInterval  Duration        `yaml:"poll_interval" toml:"poll_interval"`
		CancelTimeout Duration        `yaml:"cancel_timeout" toml:"cancel_timeout"`
		Unwind        bool            `yaml:"unwind" toml:"unwind"`
		PaperBalance  decimal.Decimal `yaml:"paper_balance" toml:"paper_balance"` // Quote currency per venue
	} `yaml:"execution" toml:"execution"`

	Storage struct {
		Driver      string `yaml:"driver" toml:"driver"` // sqlite | postgres
		Path        string `yaml:"path" toml:"path"`
		PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	} `yaml:"storage" toml:"storage"`

	Redis struct {
		Enabled  bool   `yaml:"enabled" toml:"enabled"`
		Addr     string `yaml:"addr" toml:"addr"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		Channel  string `yaml:"channel" toml:"channel"`
	} `yaml:"redis" toml:"redis"`

	Metrics struct {
		Addr string `yaml:"addr" toml:"addr"` // pprof + /metrics listener, empty disables
	} `yaml:"metrics" toml:"metrics"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// .toml files are decoded with BurntSushi/toml, everything else as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	overrideWithEnv(cfg)
	cfg.applyVenueDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a config with every tunable set to its default.
// Venue-level defaults are filled in by applyVenueDefaults after decoding.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "crypto-arb"
	cfg.App.Mode = ModePaper
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.MaxBackups = 3

	cfg.Scanner.Mode = ScanModeExhaustive
	cfg.Scanner.MaxCandidates = 5
	cfg.Scanner.MinProfitPct = decimal.RequireFromString("0.15")
	cfg.Scanner.SlippagePct = decimal.RequireFromString("0.05")
	cfg.Scanner.PositionNotional = decimal.NewFromInt(100)
	cfg.Scanner.RouteCooldown = Duration(30 * time.Second)
	cfg.Scanner.Debounce = Duration(25 * time.Millisecond)
	cfg.Scanner.Interval = Duration(time.Second)
	cfg.Scanner.VolatilityWindow = Duration(time.Minute)
	cfg.Scanner.TriangularMinPct = decimal.RequireFromString("0.05")
	cfg.Scanner.TriangularSlipPct = decimal.RequireFromString("0.02")
	cfg.Scanner.TriangularInterval = Duration(time.Second)

	cfg.Liquidity.MinFillRatio = decimal.RequireFromString("0.5")
	cfg.Liquidity.MaxPriceImpactPct = decimal.RequireFromString("0.5")
	cfg.Liquidity.MinLiquidity = decimal.NewFromInt(5)
	cfg.Liquidity.MaxLevels = 20

	cfg.Risk.MaxDailyLoss = decimal.NewFromInt(50)
	cfg.Risk.MaxOpenPositions = 3
	cfg.Risk.MinProfitPct = decimal.RequireFromString("0.15")
	cfg.Risk.MaxPositionNotional = decimal.NewFromInt(1000)
	cfg.Risk.BlockTTL = Duration(5 * time.Minute)
	cfg.Risk.FailuresBeforeBlock = 3
	cfg.Risk.BalanceTimeout = Duration(2 * time.Second)

	cfg.Execution.Timeout = Duration(30 * time.Second)
	cfg.Execution.PollInterval = Duration(250 * time.Millisecond)
	cfg.Execution.CancelTimeout = Duration(5 * time.Second)
	cfg.Execution.Unwind = true
	cfg.Execution.PaperBalance = decimal.NewFromInt(10000)

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "data/arb.db"
	cfg.Redis.Channel = "arb:opportunities"
	cfg.Metrics.Addr = "localhost:6060"
	return cfg
}

func (c *Config) applyVenueDefaults() {
	for name, v := range c.Venues {
		v.Symbols = canonicalSymbols(v.Symbols)
		if v.MaxSymbols <= 0 {
			v.MaxSymbols = 30
		}
		if v.SubscribeBatch <= 0 {
			v.SubscribeBatch = 10
		}
		if v.SubscribeDelay <= 0 {
			v.SubscribeDelay = Duration(100 * time.Millisecond)
		}
		if v.PingInterval <= 0 {
			v.PingInterval = Duration(20 * time.Second)
		}
		if v.ReadTimeout <= 0 {
			v.ReadTimeout = Duration(60 * time.Second)
		}
		if v.ErrorThreshold <= 0 {
			v.ErrorThreshold = 5
		}
		if v.Cooldown <= 0 {
			v.Cooldown = Duration(60 * time.Second)
		}
		if v.Staleness <= 0 {
			if v.Streaming() {
				v.Staleness = Duration(5 * time.Second)
			} else {
				v.Staleness = 2 * v.PollInterval
			}
		}
		c.Venues[name] = v
	}
}

// canonicalSymbols rewrites venue notations (btc-usdt, ETHBTC) to BASE/QUOTE
// and drops duplicates. Unparseable entries are kept as written so Validate
// can name them.
func canonicalSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		s := raw
		if canon, ok := domain.NormalizeSymbol(raw); ok {
			s = canon
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.App.Mode {
	case ModePaper, ModeLive, ModeMonitor:
	default:
		return domain.NewConfigError("app.mode", "unknown mode %q", c.App.Mode)
	}

	enabled := c.EnabledVenues()
	if len(enabled) == 0 {
		return domain.NewConfigError("venues", "no venue enabled")
	}
	for _, name := range enabled {
		v := c.Venues[name]
		field := "venues." + name
		// Empty URLs fall back to each adapter's public endpoint.
		if v.WSURL != "" && !hasPrefix(v.WSURL, "ws://") && !hasPrefix(v.WSURL, "wss://") {
			return domain.NewConfigError(field+".ws_url", "invalid websocket url %q", v.WSURL)
		}
		if v.RestURL != "" && !hasPrefix(v.RestURL, "http://") && !hasPrefix(v.RestURL, "https://") {
			return domain.NewConfigError(field+".rest_url", "invalid REST url %q", v.RestURL)
		}
		if !v.Streaming() {
			if v.Staleness < v.PollInterval {
				return domain.NewConfigError(field+".staleness", "staleness %s below poll interval %s", v.Staleness.D(), v.PollInterval.D())
			}
		}
		if len(v.Symbols) == 0 {
			return domain.NewConfigError(field+".symbols", "at least one symbol is required")
		}
		for _, s := range v.Symbols {
			canon, ok := domain.NormalizeSymbol(s)
			if !ok {
				return domain.NewConfigError(field+".symbols", "symbol %q is not BASE/QUOTE", s)
			}
			if canon != s {
				return domain.NewConfigError(field+".symbols", "symbol %q is not canonical, use %q", s, canon)
			}
		}
		if v.TakerFee.IsNegative() || v.MakerFee.IsNegative() {
			return domain.NewConfigError(field, "fees must not be negative")
		}
	}

	if c.Scanner.Mode != ScanModeBest && c.Scanner.Mode != ScanModeExhaustive {
		return domain.NewConfigError("scanner.mode", "unknown scan mode %q", c.Scanner.Mode)
	}
	if !c.Scanner.PositionNotional.IsPositive() {
		return domain.NewConfigError("scanner.position_notional", "must be positive")
	}
	if c.Scanner.Debounce <= 0 || c.Scanner.Interval <= 0 {
		return domain.NewConfigError("scanner", "debounce and interval must be positive")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return domain.NewConfigError("risk.max_open_positions", "must be positive")
	}
	if c.Execution.Timeout <= 0 || c.Execution.PollInterval <= 0 {
		return domain.NewConfigError("execution", "timeout and poll interval must be positive")
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return domain.NewConfigError("storage.postgres_dsn", "required for postgres driver")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return domain.NewConfigError("redis.addr", "required when redis is enabled")
	}

	return nil
}

// EnabledVenues returns the enabled venue names in a stable order.
func (c *Config) EnabledVenues() []string {
	names := make([]string, 0, len(c.Venues))
	for name, v := range c.Venues {
		if v.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// VenueSet builds the domain venue roster of enabled venues.
func (c *Config) VenueSet() domain.VenueSet {
	set := make(domain.VenueSet)
	for _, name := range c.EnabledVenues() {
		v := c.Venues[name]
		set[name] = domain.Venue{
			Name:            name,
			MakerFee:        v.MakerFee,
			TakerFee:        v.TakerFee,
			Streaming:       v.Streaming() || v.Binary,
			PrivateChannels: v.Credentials.Present(),
			Staleness:       v.Staleness.D(),
		}
	}
	return set
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
// Keys: ARB_<VENUE>_KEY, ARB_<VENUE>_SECRET, ARB_<VENUE>_PASSPHRASE.
func overrideWithEnv(cfg *Config) {
	for name, v := range cfg.Venues {
		prefix := "ARB_" + strings.ToUpper(name) + "_"
		if key := os.Getenv(prefix + "KEY"); key != "" {
			v.Credentials.AccessKey = key
		}
		if secret := os.Getenv(prefix + "SECRET"); secret != "" {
			v.Credentials.SecretKey = secret
		}
		if pass := os.Getenv(prefix + "PASSPHRASE"); pass != "" {
			v.Credentials.Passphrase = pass
		}
		cfg.Venues[name] = v
	}
	if mode := os.Getenv("ARB_MODE"); mode != "" {
		cfg.App.Mode = mode
	}
	if addr := os.Getenv("ARB_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("ARB_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if dsn := os.Getenv("ARB_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
		cfg.Storage.Driver = "postgres"
	}
}
