package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentMarket-Chain/internal/api"
	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/config"
	"AgentMarket-Chain/internal/escrow"
	"AgentMarket-Chain/internal/identity"
	"AgentMarket-Chain/internal/market"
	"AgentMarket-Chain/internal/marketplace"
	"AgentMarket-Chain/internal/notify"
	"AgentMarket-Chain/internal/observability/alerting"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/succession"
	"AgentMarket-Chain/internal/web3/provider"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是市场守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("marketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "marketd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Service:     "marketd",
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	marketStore, successionStore, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		_ = marketStore.Close()
		_ = successionStore.Close()
	}()

	stream, err := openStream(cfg.Notify)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Printf("关闭事件流失败: %v", err)
		}
	}()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	if !common.IsHexAddress(cfg.Web3.MarketAccount) {
		return fmt.Errorf("market_account 地址非法: %s", cfg.Web3.MarketAccount)
	}
	ledger := escrow.NewLedger(web3Client, common.HexToAddress(cfg.Web3.MarketAccount))

	marketOpts := []market.Option{
		market.WithFeeRate(cfg.Market.FeeRateBps),
		market.WithAlerts(alerting.NewFanout(&alerting.LogNotifier{})),
	}
	if common.IsHexAddress(cfg.Market.FeeRecipient) {
		marketOpts = append(marketOpts, market.WithFeeRecipient(common.HexToAddress(cfg.Market.FeeRecipient)))
	}
	marketSvc := market.NewService(marketStore, ledger, stream, marketOpts...)

	var resolver identity.Resolver
	if cfg.Identity.NamesFile != "" {
		static, err := identity.LoadStaticResolver(cfg.Identity.NamesFile)
		if err != nil {
			return err
		}
		resolver = static
	}

	successionSvc := succession.NewService(successionStore, resolver,
		succession.WithGracePeriod(time.Duration(cfg.Succession.GracePeriodSeconds)*time.Second),
		succession.WithProducer(stream),
	)

	agentRegistry, err := openRegistry(cfg.Registry)
	if err != nil {
		return err
	}

	facade := marketplace.New(marketSvc, successionSvc, agentRegistry)

	authStore, err := auth.NewMemoryStore(authSeeds(cfg.Auth.Seeds))
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		Secret:    cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
		AccessTTL: cfg.Auth.AccessTTLSeconds,
	}, authStore)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, facade, authSvc, chainRegistry)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg config.StorageConfig) (market.Store, succession.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return market.NewMemoryStore(), succession.NewMemoryStore(), nil
	case "mysql":
		lifetime := time.Duration(cfg.ConnMaxLifetime) * time.Second
		marketStore, err := market.NewMySQLStore(ctx, market.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: lifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		successionStore, err := succession.NewMySQLStore(ctx, succession.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: lifetime,
		})
		if err != nil {
			_ = marketStore.Close()
			return nil, nil, err
		}
		return marketStore, successionStore, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openStream(cfg config.NotifyConfig) (notify.Stream, error) {
	switch cfg.Driver {
	case "", "memory":
		return notify.NewMemoryStream(0), nil
	case "redis":
		return notify.NewRedisStream(notify.RedisStreamConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return notify.NewRabbitMQStream(notify.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件流驱动: %s", cfg.Driver)
	}
}

func openRegistry(cfg config.RegistryConfig) (registry.Provider, error) {
	switch cfg.Source {
	case "", "static":
		if cfg.File == "" {
			return nil, nil
		}
		return registry.LoadStaticProvider(cfg.File, cfg.MaxResults)
	case "http":
		return registry.NewHTTPProvider(cfg.BaseURL, nil)
	default:
		return nil, fmt.Errorf("未知的注册表来源: %s", cfg.Source)
	}
}

func authSeeds(seeds []config.AuthSeed) []auth.Seed {
	converted := make([]auth.Seed, 0, len(seeds))
	for _, seed := range seeds {
		converted = append(converted, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Permissions: seed.Permissions,
		})
	}
	return converted
}
