package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"lendvault/config"
	"lendvault/lending"
	"lendvault/observability/logging"
	"lendvault/oracle"
	"lendvault/rewards"
	"lendvault/rpc"
	"lendvault/storage"
	"lendvault/token"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LENDVAULT_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup("lendvaultd", env, cfg.LogFile)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	params, err := cfg.ProtocolParams()
	if err != nil {
		logger.Error("invalid protocol parameters", slog.Any("error", err))
		os.Exit(1)
	}
	rate, err := cfg.InterestRate()
	if err != nil {
		logger.Error("invalid interest rate", slog.Any("error", err))
		os.Exit(1)
	}

	feed := oracle.NewManualFeed()
	prices, err := cfg.OraclePrices()
	if err != nil {
		logger.Error("invalid oracle prices", slog.Any("error", err))
		os.Exit(1)
	}
	for asset, price := range prices {
		if err := feed.SetPrice(asset, price); err != nil {
			logger.Error("failed to post bootstrap price", slog.String("asset", asset), slog.Any("error", err))
			os.Exit(1)
		}
	}
	aggregator := oracle.NewAggregator(time.Duration(cfg.Oracle.MaxAgeSeconds) * time.Second)
	aggregator.Register("manual", feed)

	vault := cfg.VaultAddress()
	admin := cfg.AdminAddress()
	collateralBook := token.NewBook(cfg.CollateralAsset, vault)
	borrowBook := token.NewBook(cfg.BorrowAsset, vault)

	engine := lending.NewEngine(admin, params, rate)
	engine.SetLedger(lending.NewLedger(db))
	engine.SetOracle(aggregator)
	engine.SetTokens(collateralBook, borrowBook)
	engine.SetAssets(cfg.CollateralAsset, cfg.BorrowAsset)
	if err := engine.SetRewardsDistributor(admin, rewards.NewAccumulator(vault)); err != nil {
		logger.Error("failed to wire rewards distributor", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("lendvault daemon configured",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("collateral", cfg.CollateralAsset),
		slog.String("borrow", cfg.BorrowAsset))

	server := rpc.NewServer(engine, logger)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("rpc server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
