package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"crypto-futures-trader/internal/api"
	"crypto-futures-trader/internal/data"
	"crypto-futures-trader/internal/engine"
	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/execution"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/oracle"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/strategy"
	"crypto-futures-trader/pkg/ta"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := "config"
	// 读取配置前先用默认配置初始化日志
	service.InitLogger("", "")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		service.Logger.Fatal("Invalid configuration", zap.Error(err))
	}

	service.InitLogger(cfg.Log.Level, cfg.Log.File)
	defer service.Logger.Sync()
	logger := service.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	symbols := cfg.SymbolNames()
	logger.Info("Starting futures trader",
		zap.String("Exchange", cfg.Exchange.Name), zap.Strings("Symbols", symbols),
		zap.Strings("Timeframes", cfg.Engine.Timeframes), zap.Bool("Testnet", cfg.Exchange.Testnet))

	// 1. 行情：Connector -> DataEngine -> Store
	store := data.NewStore(cfg.Engine.Retention)
	connector := api.NewConnector(cfg.Exchange.WSURL, symbols, cfg.Engine.Timeframes, logger)
	dataEngine := data.NewDataEngine(store, connector.GetTickerChannel(), connector.GetKlineChannel(), symbols, logger)

	// 2. 交易所
	var ex exchange.Exchange
	switch cfg.Exchange.Name {
	case "paper":
		// 模拟盘用不带 Key 的公共接口拉取历史 K 线与精度
		market := exchange.NewBinanceExchange(exchange.BinanceConfig{Testnet: cfg.Exchange.Testnet}, logger)
		paper := exchange.NewPaperExchange(exchange.PaperConfig{
			InitialCapital: cfg.Exchange.PaperBalance,
			FeeRate:        cfg.Exchange.PaperFeeRate,
		}, market, logger)
		dataEngine.AddPriceSink(paper)
		ex = paper
	default:
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
			logger.Fatal("exchange.api_key and exchange.secret_key are required for live trading (or set BINANCE_API_KEY / BINANCE_API_SECRET)")
		}
		ex = exchange.NewBinanceExchange(exchange.BinanceConfig{
			APIKey:    cfg.Exchange.APIKey,
			SecretKey: cfg.Exchange.SecretKey,
			Testnet:   cfg.Exchange.Testnet,
		}, logger)
	}
	defer func() {
		if err := ex.Close(); err != nil {
			logger.Warn("Exchange close error", zap.Error(err))
		}
	}()

	// 3. 交易流水
	tradeJournal, err := openJournal(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open trade journal", zap.Error(err))
	}
	defer tradeJournal.Close()
	safeJournal := journal.NewSafe(tradeJournal, logger)

	// 4. AI 过滤
	var model oracle.Oracle
	if cfg.AI.ModelPath != "" {
		onnx, err := oracle.NewONNXOracle(cfg.AI.ModelPath, cfg.AI.LibraryPath, cfg.AI.Features, logger)
		if err != nil {
			logger.Fatal("Failed to load AI model", zap.Error(err))
		}
		defer onnx.Close()
		model = onnx
	} else if cfg.AI.RequireModel {
		logger.Warn("No AI model configured and ai.require_model is set: every non-priority signal will be rejected")
	}
	gate := oracle.NewGate(model, oracle.GateConfig{RequireModel: cfg.AI.RequireModel, MinConfidence: cfg.AI.MinConfidence}, logger)

	// 5. 执行与对账
	table := execution.NewTable(symbols)
	executor := execution.NewExecutor(ex, safeJournal, execution.Config{
		Leverage:            cfg.Risk.Leverage,
		MakerOffset:         cfg.Execution.MakerOffset,
		FillPolls:           cfg.Execution.FillPolls,
		FillPollInterval:    cfg.Execution.FillPollInterval,
		BracketAttempts:     cfg.Execution.BracketAttempts,
		BracketRetryDelay:   cfg.Execution.BracketRetryDelay,
		BracketMaxDeviation: cfg.Execution.BracketMaxDeviation,
	}, logger)

	eng := engine.New(cfg, engine.Deps{
		Exchange:  ex,
		Store:     store,
		Evaluator: strategy.NewEvaluator(ta.NewTalibCalculator(), store, cfg.Engine.Timeframes, logger),
		Governor: risk.NewGovernor(ex, risk.Limits{
			MaxSpread:       cfg.Risk.MaxSpread,
			DepthMultiplier: cfg.Risk.DepthMultiplier,
			DepthMode:       cfg.Risk.DepthMode,
			MaxTradesPerDay: cfg.Risk.MaxTradesPerDay,
		}, logger),
		Gate:       gate,
		Executor:   executor,
		Reconciler: execution.NewReconciler(ex, executor, logger),
		Journal:    safeJournal,
		Table:      table,
	}, logger)

	if err := eng.Startup(ctx); err != nil {
		logger.Fatal("Startup failed", zap.Error(err))
	}

	// 6. 启动所有 goroutine；任一返回错误时整体退出
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return connector.Run(gctx) })
	g.Go(func() error { return dataEngine.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	if cfg.Status.Listen != "" {
		status := api.NewStatusServer(cfg.Status.Listen, table, safeJournal, eng, logger)
		g.Go(func() error { return status.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Shutting down after error", zap.Error(err))
		return
	}
	logger.Info("Shutdown complete")
}

func openJournal(ctx context.Context, cfg *service.Config) (journal.Journal, error) {
	switch cfg.Journal.Backend {
	case "clickhouse":
		ch := cfg.Journal.ClickHouse
		return journal.NewClickHouseJournal(ctx, journal.ClickHouseConfig{
			Addr:     ch.Addr,
			Database: ch.Database,
			Table:    ch.Table,
			Username: ch.Username,
			Password: ch.Password,
		})
	default:
		return journal.NewCSVJournal(cfg.Journal.Path)
	}
}
