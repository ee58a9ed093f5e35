package app

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"os"

	"github.com/Luisqbd/sniperbot/internal/archive"
	"github.com/Luisqbd/sniperbot/internal/blob/s3"
	redisc "github.com/Luisqbd/sniperbot/internal/cache/redis"
	"github.com/Luisqbd/sniperbot/internal/chain"
	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/crypto"
	"github.com/Luisqbd/sniperbot/internal/dex"
	"github.com/Luisqbd/sniperbot/internal/discovery"
	"github.com/Luisqbd/sniperbot/internal/domain"
	"github.com/Luisqbd/sniperbot/internal/engine"
	"github.com/Luisqbd/sniperbot/internal/notify"
	"github.com/Luisqbd/sniperbot/internal/risk"
	"github.com/Luisqbd/sniperbot/internal/screener"
	"github.com/Luisqbd/sniperbot/internal/store/postgres"
)

// Dependencies holds every constructed component.
type Dependencies struct {
	Logger    *slog.Logger
	Chain     *chain.Client
	Wallet    *chain.Wallet
	Engine    *engine.Engine
	Monitor   *discovery.Monitor
	Feed      *chain.MempoolFeed // nil when the websocket endpoint is unset
	Archiver  *archive.Archiver  // nil when archival is disabled
	Notify    *notify.Notifier
}

// Wire constructs the full dependency graph from cfg. The returned cleanup
// releases everything built so far, in reverse order, and is safe to call
// after a partial failure.
func Wire(ctx context.Context, cfg config.Config) (*Dependencies, func(), error) {
	logger := newLogger(cfg.LogLevel)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	key, err := loadKey(cfg.Wallet)
	if err != nil {
		return fail(err)
	}

	chainClient, err := chain.NewClient(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, cfg.Chain.CallTimeout.Duration, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, chainClient.Close)
	wallet := chain.NewWallet(key, chainClient, logger)

	pg, err := postgres.NewClient(ctx, cfg.Postgres, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, pg.Close)
	positionStore := postgres.NewPositionStore(pg)
	tradeStore := postgres.NewTradeStore(pg)
	stateStore := postgres.NewEngineStateStore(pg)

	rd, err := redisc.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { rd.Close() })
	seenSet := redisc.NewSeenSet(rd, cfg.Discovery.SeenTTL.Duration)
	priceCache := redisc.NewPriceCache(rd)

	routes := make([]domain.DexRoute, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, domain.DexRoute{
			Name:     r.Name,
			Router:   r.Router,
			Factory:  r.Factory,
			Quoter:   r.Quoter,
			Protocol: domain.Protocol(r.Protocol),
			Priority: r.Priority,
		})
	}
	routeClient := dex.NewChainRouteClient(chainClient, wallet, cfg.Chain.WETHAddress, logger)
	aggregator := dex.NewAggregator(routes, routeClient, chainClient, logger)

	screen := screener.New(cfg.Screener, chainClient, aggregator, logger)
	riskManager := risk.NewManager(cfg.Risk, tradeStore, logger)
	notifier := newNotifier(cfg.Notify, logger)

	modes := map[domain.ModeName]domain.Mode{
		domain.ModeNormal: cfg.Modes.Normal.Mode(domain.ModeNormal),
		domain.ModeTurbo:  cfg.Modes.Turbo.Mode(domain.ModeTurbo),
	}
	eng := engine.New(modes, cfg.ActiveMode(), screen, aggregator, wallet, riskManager,
		positionStore, stateStore, priceCache, notifier, cfg.Class, cfg.Chain.GasBufferETH, logger)
	if err := eng.Restore(ctx); err != nil {
		return fail(err)
	}

	var metadata discovery.MetadataProvider
	if cfg.Discovery.MetadataURL != "" {
		metadata = discovery.NewHTTPMetadata(cfg.Discovery.MetadataURL, logger)
	}
	inspector := discovery.NewChainInspector(chainClient, cfg.Chain.WETHAddress, metadata, logger)
	monitor := discovery.NewMonitor(cfg.Discovery, routes, cfg.Chain.WETHAddress,
		chainClient, chainClient, seenSet, inspector,
		func(ctx context.Context, c domain.Candidate) {
			if err := eng.OnCandidate(ctx, c); err != nil {
				logger.Debug("candidate not entered",
					slog.String("token", c.Token.Address),
					slog.Any("error", err),
				)
			}
		}, logger)
	monitor.SetMempoolInterval(eng.Mode().MempoolInterval)
	eng.OnModeSwap(func(m domain.Mode) { monitor.SetMempoolInterval(m.MempoolInterval) })

	var feed *chain.MempoolFeed
	if cfg.Discovery.MempoolEnabled && cfg.Chain.WSURL != "" {
		feed = chain.NewMempoolFeed(cfg.Chain.WSURL, monitor.OnPendingTx, logger)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.S3, logger)
		if err != nil {
			return fail(err)
		}
		archiver = archive.New(positionStore, s3Client, cfg.Archive.Prefix, cfg.Archive.Every.Duration, logger)
	}

	return &Dependencies{
		Logger:   logger,
		Chain:    chainClient,
		Wallet:   wallet,
		Engine:   eng,
		Monitor:  monitor,
		Feed:     feed,
		Archiver: archiver,
		Notify:   notifier,
	}, cleanup, nil
}

func loadKey(cfg config.WalletConfig) (*ecdsa.PrivateKey, error) {
	if cfg.EncryptedKeyPath != "" {
		return crypto.DecryptKeyFile(cfg.EncryptedKeyPath, cfg.KeyPassword)
	}
	return crypto.ParseKey(cfg.PrivateKey)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscord(cfg.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		logger.Info("no alert channels configured")
	}
	return notify.New(senders, cfg.Events, logger)
}
