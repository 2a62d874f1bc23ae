package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perpbot/internal/cache"
	"perpbot/internal/config"
	"perpbot/internal/integrations/exchange"
	"perpbot/internal/integrations/hyperliquid"
	"perpbot/internal/integrations/telegram"
	"perpbot/internal/integrations/webhook"
	"perpbot/internal/security/secretbox"
	"perpbot/internal/service/broker"
	"perpbot/internal/service/contextbuilder"
	"perpbot/internal/service/credentials"
	"perpbot/internal/service/decision"
	"perpbot/internal/service/engine"
	"perpbot/internal/service/marketdata"
	"perpbot/internal/service/risk"
	"perpbot/internal/service/strategy"
	storepkg "perpbot/internal/store"
	"perpbot/internal/store/memory"
	"perpbot/internal/store/postgres"
	"perpbot/internal/store/sqlite"
)

// app is the fully wired engine shared by every command.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    storepkg.Store
	sessions *engine.Sessions
	orch     *engine.Orchestrator
	vault    *credentials.Vault
	closers  []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	var quoteStore cache.Store = cache.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStoreFromURL(cfg.RedisURL, "perpbot:")
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		quoteStore = rs
		a.closers = append(a.closers, rs.Close)
	}

	var box *secretbox.Box
	if cfg.CredentialEncryptionKey != "" {
		if box, err = secretbox.New(cfg.CredentialEncryptionKey); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Warn("CREDENTIAL_ENCRYPTION_KEY not set; provider credentials cannot be stored or resolved")
	}
	a.vault = credentials.NewVault(st, box)

	feed := hyperliquid.NewClient(cfg.HyperliquidURL, cfg.MarketDataTimeout, cfg.MarketDataRate, logger)
	quotes := marketdata.NewQuoteCache(feed, quoteStore, cfg.QuoteTTL, logger)

	var real broker.Broker
	gateway := exchange.NewClient(cfg.ExchangeURL, cfg.ExchangeAPIKey, cfg.ExchangeTimeout, cfg.ExchangeRate, logger)
	if gateway.Configured() {
		real = broker.NewRealBroker(gateway, st, logger)
	}
	router := broker.NewRouter(broker.NewSimBroker(st, logger), real)

	a.sessions = engine.NewSessions(st, router)
	a.orch = engine.NewOrchestrator(engine.Deps{
		Store:       st,
		Context:     contextbuilder.New(quotes, st, logger),
		Providers:   decision.NewSet(cfg.ProviderRatePerMin, logger),
		Credentials: a.vault,
		Broker:      router,
		Risk:        risk.NewEngine(logger),
		Classifier: strategy.NewClassifier(strategy.Thresholds{
			TrendEMAGapPct: cfg.TrendEMAGapPct,
			BreakoutATRPct: cfg.BreakoutATRPct,
			RSIOversold:    cfg.RSIOversold,
			RSIOverbought:  cfg.RSIOverbought,
		}),
		Sinks: []engine.EventSink{
			telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID),
			webhook.NewPublisher(cfg.WebhookURL, cfg.WebhookTimeout, cfg.WebhookMaxRetries, cfg.WebhookRetryBase, cfg.WebhookRetryMax, logger),
		},
		Logger: logger,
	}, engine.Options{
		ProviderTimeout: cfg.ProviderTimeout,
		BrokerTimeout:   cfg.BrokerTimeout,
		TickLease:       cfg.TickLease,
	})

	if cfg.StrategiesFile != "" {
		if err := a.seedStrategies(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// seedStrategies upserts the strategies from STRATEGIES_FILE.
func (a *app) seedStrategies(ctx context.Context) error {
	list, err := config.LoadStrategies(a.cfg.StrategiesFile)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, s := range list {
		s.UpdatedAt = now
		if err := a.store.SaveStrategy(ctx, s); err != nil {
			return fmt.Errorf("seed strategy %s: %w", s.ID, err)
		}
	}
	a.logger.Info("strategies seeded", zap.Int("count", len(list)), zap.String("file", a.cfg.StrategiesFile))
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func openStore(cfg config.Config, logger *zap.Logger) (storepkg.Store, error) {
	switch cfg.StoreMode {
	case "postgres":
		if cfg.DatabaseURL == "" {
			logger.Warn("DATABASE_URL not set, falling back to memory store")
			return memory.NewStore(), nil
		}
		st, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres store unavailable, falling back to memory store", zap.Error(err))
			return memory.NewStore(), nil
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return memory.NewStore(), nil
}
