// Package config defines the top-level configuration for the sniper bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SNIPER_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Routes    []RouteConfig   `toml:"routes"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Screener  ScreenerConfig  `toml:"screener"`
	Risk      RiskConfig      `toml:"risk"`
	Modes     ModesConfig     `toml:"modes"`
	Class     ClassConfig     `toml:"class"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the trading wallet credentials. Either a raw hex key or
// an encrypted key file plus password must be provided.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds RPC endpoints and chain-level parameters.
type ChainConfig struct {
	RPCURL       string  `toml:"rpc_url"`
	WSURL        string  `toml:"ws_url"`
	ChainID      int64   `toml:"chain_id"`
	WETHAddress  string  `toml:"weth_address"`
	USDCAddress  string  `toml:"usdc_address"`
	GasBufferETH float64 `toml:"gas_buffer_eth"`
	CallTimeout  duration `toml:"call_timeout"`
}

// RouteConfig describes one DEX route; routes are attempted in priority
// order (lower first) by the aggregator.
type RouteConfig struct {
	Name     string `toml:"name"`
	Router   string `toml:"router"`
	Factory  string `toml:"factory"`
	Quoter   string `toml:"quoter"`
	Protocol string `toml:"protocol"` // "v2" or "v3"
	Priority int    `toml:"priority"`
}

// DiscoveryConfig holds the pool and mempool poller parameters.
type DiscoveryConfig struct {
	Interval        duration `toml:"interval"`
	MempoolEnabled  bool     `toml:"mempool_enabled"`
	SeenTTL         duration `toml:"seen_ttl"`
	MaxBackoff      duration `toml:"max_backoff"`
	MaxAuthFailures int      `toml:"max_auth_failures"`
	// MetadataURL is a token-security API endpoint used to enrich
	// candidates with holder and verification data. Empty disables
	// enrichment, which leaves tokens unverified.
	MetadataURL string `toml:"metadata_url"`
}

// ScreenerConfig holds the hard-fail thresholds for the security screener.
type ScreenerConfig struct {
	RequireVerified  bool     `toml:"require_verified"`
	MaxTaxPct        float64  `toml:"max_tax_pct"`
	MaxTopHolderPct  float64  `toml:"max_top_holder_pct"`
	MinLiquidityETH  float64  `toml:"min_liquidity_eth"`
	MinHolders       int      `toml:"min_holders"`
	MaxTokenAge      duration `toml:"max_token_age"`
	HoneypotProbeETH float64  `toml:"honeypot_probe_eth"`
	MinScore         int      `toml:"min_score"`
}

// RiskConfig holds the exposure, drawdown and circuit-breaker limits.
type RiskConfig struct {
	MaxExposureETH   float64  `toml:"max_exposure_eth"`
	MaxTradesPerDay  int      `toml:"max_trades_per_day"`
	MaxLossStreak    int      `toml:"max_loss_streak"`
	DailyDrawdownETH float64  `toml:"daily_drawdown_eth"`
	Cooldown         duration `toml:"cooldown"`
}

// ModeConfig holds one operating profile's parameter bundle.
type ModeConfig struct {
	TradeSizeETH      float64   `toml:"trade_size_eth"`
	TakeProfitPcts    []float64 `toml:"take_profit_pcts"`
	TakeProfitSells   []float64 `toml:"take_profit_sells"`
	StopLossPct       float64   `toml:"stop_loss_pct"`
	TrailingStopPct   float64   `toml:"trailing_stop_pct"`
	MempoolInterval   duration  `toml:"mempool_interval"`
	ExitPollInterval  duration  `toml:"exit_poll_interval"`
	MaxPositions      int       `toml:"max_positions"`
	MaxSlippageBps    float64   `toml:"max_slippage_bps"`
	MaxGasPriceGwei   float64   `toml:"max_gas_price_gwei"`
}

// ModesConfig holds both profiles and selects which one starts active.
type ModesConfig struct {
	Active string     `toml:"active"` // "normal" or "turbo"
	Normal ModeConfig `toml:"normal"`
	Turbo  ModeConfig `toml:"turbo"`
}

// ClassConfig holds the per-class investment ceilings and timeout rules.
type ClassConfig struct {
	MemecoinMaxInvestmentETH float64  `toml:"memecoin_max_investment_eth"`
	MemecoinMaxAge           duration `toml:"memecoin_max_age"`
	MemecoinTimeoutProfitPct float64  `toml:"memecoin_timeout_profit_pct"`
	AltcoinSizeMultiplier    float64  `toml:"altcoin_size_multiplier"`
	AltcoinMaxAge            duration `toml:"altcoin_max_age"`
	AltcoinTimeoutProfitPct  float64  `toml:"altcoin_timeout_profit_pct"`
	MemecoinMinLiquidityETH  float64  `toml:"memecoin_min_liquidity_eth"`
	MemecoinMinHolders       int      `toml:"memecoin_min_holders"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for trade archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls closed-trade archival to object storage.
type ArchiveConfig struct {
	Enabled bool     `toml:"enabled"`
	Prefix  string   `toml:"prefix"`
	Every   duration `toml:"every"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder can parse strings like
// "5m" or "50ms".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values the bot ships with:
// Base mainnet endpoints, two routes (BaseSwap V2, Uniswap V3), the normal
// and turbo mode bundles, and conservative risk limits.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:       "https://mainnet.base.org",
			WSURL:        "wss://mainnet.base.org",
			ChainID:      8453,
			WETHAddress:  "0x4200000000000000000000000000000000000006",
			USDCAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			GasBufferETH: 0.002,
			CallTimeout:  duration{10 * time.Second},
		},
		Routes: []RouteConfig{
			{
				Name:     "baseswap",
				Router:   "0x327Df1E6de05895d2ab08525862d053346e2f5FB",
				Factory:  "0xFDa619b6d20975be80A10332cD39b9a4b0FAa8BB",
				Protocol: "v2",
				Priority: 1,
			},
			{
				Name:     "uniswap_v3",
				Router:   "0x2626664c2603336E57B271c5C0b26F421741e481",
				Factory:  "0x33128a8fC17869897dcE68Ed026d694621f6FDfD",
				Quoter:   "0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a",
				Protocol: "v3",
				Priority: 2,
			},
		},
		Discovery: DiscoveryConfig{
			Interval:        duration{3 * time.Second},
			MempoolEnabled:  true,
			SeenTTL:         duration{24 * time.Hour},
			MaxBackoff:      duration{time.Minute},
			MaxAuthFailures: 5,
		},
		Screener: ScreenerConfig{
			RequireVerified:  true,
			MaxTaxPct:        10.0,
			MaxTopHolderPct:  50.0,
			MinLiquidityETH:  0.05,
			MinHolders:       10,
			MaxTokenAge:      duration{24 * time.Hour},
			HoneypotProbeETH: 0.001,
			MinScore:         70,
		},
		Risk: RiskConfig{
			MaxExposureETH:   0.05,
			MaxTradesPerDay:  10,
			MaxLossStreak:    5,
			DailyDrawdownETH: 0.02,
			Cooldown:         duration{30 * time.Second},
		},
		Modes: ModesConfig{
			Active: "normal",
			Normal: ModeConfig{
				TradeSizeETH:     0.0008,
				TakeProfitPcts:   []float64{0.25, 0.50, 1.00, 2.00},
				TakeProfitSells:  []float64{0.25, 0.25, 0.25, 0.25},
				StopLossPct:      0.12,
				TrailingStopPct:  0.12,
				MempoolInterval:  duration{200 * time.Millisecond},
				ExitPollInterval: duration{5 * time.Second},
				MaxPositions:     2,
				MaxSlippageBps:   500,
				MaxGasPriceGwei:  0.5,
			},
			Turbo: ModeConfig{
				TradeSizeETH:     0.0012,
				TakeProfitPcts:   []float64{0.25, 0.50, 1.00, 2.00},
				TakeProfitSells:  []float64{0.25, 0.25, 0.25, 0.25},
				StopLossPct:      0.08,
				TrailingStopPct:  0.12,
				MempoolInterval:  duration{50 * time.Millisecond},
				ExitPollInterval: duration{2 * time.Second},
				MaxPositions:     3,
				MaxSlippageBps:   1000,
				MaxGasPriceGwei:  1.0,
			},
		},
		Class: ClassConfig{
			MemecoinMaxInvestmentETH: 0.008,
			MemecoinMaxAge:           duration{24 * time.Hour},
			MemecoinTimeoutProfitPct: 0.50,
			AltcoinSizeMultiplier:    2.0,
			AltcoinMaxAge:            duration{7 * 24 * time.Hour},
			AltcoinTimeoutProfitPct:  0.20,
			MemecoinMinLiquidityETH:  0.05,
			MemecoinMinHolders:       50,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "sniperbot",
			User:          "sniperbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "",
			Region:         "us-east-1",
			Bucket:         "sniperbot-data",
			UseSSL:         true,
			ForcePathStyle: false,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Prefix:  "trades",
			Every:   duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_partial", "position_closed", "risk_level", "execution_failed"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Mode converts a ModeConfig to the domain bundle.
func (mc ModeConfig) Mode(name domain.ModeName) domain.Mode {
	levels := make([]domain.TakeProfitLevel, 0, len(mc.TakeProfitPcts))
	for i, pct := range mc.TakeProfitPcts {
		sell := 0.25
		if i < len(mc.TakeProfitSells) {
			sell = mc.TakeProfitSells[i]
		}
		levels = append(levels, domain.TakeProfitLevel{Threshold: pct, SellFraction: sell})
	}
	return domain.Mode{
		Name:             name,
		TradeSizeETH:     mc.TradeSizeETH,
		TakeProfits:      levels,
		StopLossPct:      mc.StopLossPct,
		TrailingStopPct:  mc.TrailingStopPct,
		MempoolInterval:  mc.MempoolInterval.Duration,
		ExitPollInterval: mc.ExitPollInterval.Duration,
		MaxPositions:     mc.MaxPositions,
		MaxSlippageBps:   mc.MaxSlippageBps,
		MaxGasPriceGwei:  mc.MaxGasPriceGwei,
	}
}

// ActiveMode returns the configured starting mode name.
func (c *Config) ActiveMode() domain.ModeName {
	if strings.EqualFold(c.Modes.Active, string(domain.ModeTurbo)) {
		return domain.ModeTurbo
	}
	return domain.ModeNormal
}

// Validate checks the configuration for obviously invalid or missing values
// and returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.WETHAddress == "" {
		errs = append(errs, "chain: weth_address must not be empty")
	}
	if c.Chain.GasBufferETH < 0 {
		errs = append(errs, "chain: gas_buffer_eth must be >= 0")
	}

	// Routes
	if len(c.Routes) == 0 {
		errs = append(errs, "routes: at least one DEX route must be configured")
	}
	seen := map[string]bool{}
	for i, r := range c.Routes {
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("routes[%d]: name must not be empty", i))
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Sprintf("routes: duplicate name %q", r.Name))
		}
		seen[r.Name] = true
		if r.Router == "" || r.Factory == "" {
			errs = append(errs, fmt.Sprintf("routes[%d] (%s): router and factory must be set", i, r.Name))
		}
		switch r.Protocol {
		case "v2":
		case "v3":
			if r.Quoter == "" {
				errs = append(errs, fmt.Sprintf("routes[%d] (%s): v3 routes need a quoter address", i, r.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("routes[%d] (%s): protocol must be \"v2\" or \"v3\", got %q", i, r.Name, r.Protocol))
		}
	}

	// Discovery
	if c.Discovery.Interval.Duration <= 0 {
		errs = append(errs, "discovery: interval must be > 0")
	}
	if c.Discovery.SeenTTL.Duration <= 0 {
		errs = append(errs, "discovery: seen_ttl must be > 0")
	}

	// Screener
	if c.Screener.MaxTaxPct < 0 || c.Screener.MaxTaxPct > 100 {
		errs = append(errs, "screener: max_tax_pct must be within 0-100")
	}
	if c.Screener.MinScore < 0 || c.Screener.MinScore > 100 {
		errs = append(errs, "screener: min_score must be within 0-100")
	}

	// Risk
	if c.Risk.MaxExposureETH <= 0 {
		errs = append(errs, "risk: max_exposure_eth must be > 0")
	}
	if c.Risk.MaxLossStreak < 1 {
		errs = append(errs, "risk: max_loss_streak must be >= 1")
	}
	if c.Risk.DailyDrawdownETH <= 0 {
		errs = append(errs, "risk: daily_drawdown_eth must be > 0")
	}

	// Modes
	if m := c.Modes.Active; m != "" && !strings.EqualFold(m, "normal") && !strings.EqualFold(m, "turbo") {
		errs = append(errs, fmt.Sprintf("modes: active must be \"normal\" or \"turbo\", got %q", m))
	}
	if err := c.Modes.Normal.Mode(domain.ModeNormal).Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Modes.Turbo.Mode(domain.ModeTurbo).Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "archive: s3.bucket must be set when archive is enabled")
		}
		if c.Archive.Every.Duration <= 0 {
			errs = append(errs, "archive: every must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
