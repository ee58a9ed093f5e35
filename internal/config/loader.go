package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the configuration in three layers: built-in defaults, an
// optional TOML file, and SNIPER_* environment variables (highest
// precedence). A .env file beside the process, if present, is loaded into
// the environment first. The result is validated before being returned.
func Load(path string) (Config, error) {
	// Ignore a missing .env; only surface real read errors.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SNIPER_* environment variables. Only the
// settings that commonly differ between deployments are exposed this way;
// everything else comes from the TOML file.
func applyEnv(cfg *Config) {
	setStr("SNIPER_LOG_LEVEL", &cfg.LogLevel)

	setStr("SNIPER_WALLET_PRIVATE_KEY", &cfg.Wallet.PrivateKey)
	setStr("SNIPER_WALLET_KEY_PATH", &cfg.Wallet.EncryptedKeyPath)
	setStr("SNIPER_WALLET_KEY_PASSWORD", &cfg.Wallet.KeyPassword)

	setStr("SNIPER_RPC_URL", &cfg.Chain.RPCURL)
	setStr("SNIPER_WS_URL", &cfg.Chain.WSURL)
	setInt64("SNIPER_CHAIN_ID", &cfg.Chain.ChainID)

	setStr("SNIPER_MODE", &cfg.Modes.Active)
	setFloat("SNIPER_TRADE_SIZE_ETH", &cfg.Modes.Normal.TradeSizeETH)
	setFloat("SNIPER_TURBO_TRADE_SIZE_ETH", &cfg.Modes.Turbo.TradeSizeETH)

	setFloat("SNIPER_MAX_EXPOSURE_ETH", &cfg.Risk.MaxExposureETH)
	setInt("SNIPER_MAX_TRADES_PER_DAY", &cfg.Risk.MaxTradesPerDay)
	setDur("SNIPER_COOLDOWN", &cfg.Risk.Cooldown)

	setBool("SNIPER_MEMPOOL_ENABLED", &cfg.Discovery.MempoolEnabled)
	setDur("SNIPER_DISCOVERY_INTERVAL", &cfg.Discovery.Interval)

	setStr("SNIPER_POSTGRES_DSN", &cfg.Postgres.DSN)
	setStr("SNIPER_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("SNIPER_POSTGRES_PORT", &cfg.Postgres.Port)
	setStr("SNIPER_POSTGRES_DB", &cfg.Postgres.Database)
	setStr("SNIPER_POSTGRES_USER", &cfg.Postgres.User)
	setStr("SNIPER_POSTGRES_PASSWORD", &cfg.Postgres.Password)

	setStr("SNIPER_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("SNIPER_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("SNIPER_REDIS_DB", &cfg.Redis.DB)

	setStr("SNIPER_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("SNIPER_S3_REGION", &cfg.S3.Region)
	setStr("SNIPER_S3_BUCKET", &cfg.S3.Bucket)
	setStr("SNIPER_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("SNIPER_S3_SECRET_KEY", &cfg.S3.SecretKey)
	setBool("SNIPER_ARCHIVE_ENABLED", &cfg.Archive.Enabled)

	setStr("SNIPER_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("SNIPER_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("SNIPER_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDur(key string, dst *duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			dst.Duration = d
		}
	}
}
