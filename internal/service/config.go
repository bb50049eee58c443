// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// OutputProbabilityOfLong 是 AI 模型输出语义的唯一合法取值
const OutputProbabilityOfLong = "probability_of_long"

type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Symbols   []SymbolConfig  `mapstructure:"symbols"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	AI        AIConfig        `mapstructure:"ai"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Status    StatusConfig    `mapstructure:"status"`
	Log       LogConfig       `mapstructure:"log"`
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name      string `mapstructure:"name"` // binance 或 paper
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`
	WSURL     string `mapstructure:"ws_url"`

	// 仅 paper 模式使用
	PaperBalance float64 `mapstructure:"paper_balance"`
	PaperFeeRate float64 `mapstructure:"paper_fee_rate"`
}

// EngineConfig 主循环参数
type EngineConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	Timeframes     []string      `mapstructure:"timeframes"`
	Retention      int           `mapstructure:"retention"` // 每个 (symbol, timeframe) 保留的 K 线数量
	Backfill       int           `mapstructure:"backfill"`  // 启动时拉取的历史 K 线数量
	SignalPriority bool          `mapstructure:"signal_priority"`
}

// SymbolConfig 每个交易对的指标周期与止盈止损比例
type SymbolConfig struct {
	Symbol     string  `mapstructure:"symbol"`
	EMAShort   int     `mapstructure:"ema_short"`
	EMALong    int     `mapstructure:"ema_long"`
	RSI        int     `mapstructure:"rsi"`
	MACDFast   int     `mapstructure:"macd_fast"`
	MACDSlow   int     `mapstructure:"macd_slow"`
	MACDSignal int     `mapstructure:"macd_signal"`
	ADX        int     `mapstructure:"adx"`
	TakeProfit float64 `mapstructure:"tp"`
	StopLoss   float64 `mapstructure:"sl"`
	MinQty     float64 `mapstructure:"min_qty"`
}

// RiskConfig 定义了风控参数
type RiskConfig struct {
	Leverage        int     `mapstructure:"leverage"`
	MaxTradesPerDay int     `mapstructure:"max_trades_per_day"`
	MaxSpread       float64 `mapstructure:"max_spread"`       // 0.002 = 0.2%
	DepthMultiplier float64 `mapstructure:"depth_multiplier"` // 盘口深度至少为下单量的倍数
	DepthMode       string  `mapstructure:"depth_mode"`       // cumulative 或 top
	TradeValue      float64 `mapstructure:"trade_value"`      // 每笔交易投入的保证金 (USDT)
}

// ExecutionConfig 下单与重试参数
type ExecutionConfig struct {
	MakerOffset         float64       `mapstructure:"maker_offset"`
	FillPolls           int           `mapstructure:"fill_polls"`
	FillPollInterval    time.Duration `mapstructure:"fill_poll_interval"`
	BracketAttempts     int           `mapstructure:"bracket_attempts"`
	BracketRetryDelay   time.Duration `mapstructure:"bracket_retry_delay"`
	BracketMaxDeviation float64       `mapstructure:"bracket_max_deviation"`
}

// AIConfig 概率模型配置
type AIConfig struct {
	ModelPath     string   `mapstructure:"model_path"`
	LibraryPath   string   `mapstructure:"library_path"`
	RequireModel  bool     `mapstructure:"require_model"`
	MinConfidence float64  `mapstructure:"min_confidence"`
	Output        string   `mapstructure:"output"`
	Features      []string `mapstructure:"features"`
	BBPeriod      int      `mapstructure:"bb_period"`
	BBK           float64  `mapstructure:"bb_k"`
	StochKPeriod  int      `mapstructure:"stoch_k_period"`
	StochDPeriod  int      `mapstructure:"stoch_d_period"`
}

// JournalConfig 交易流水存储
type JournalConfig struct {
	Backend    string           `mapstructure:"backend"` // csv 或 clickhouse
	Path       string           `mapstructure:"path"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type StatusConfig struct {
	Listen string `mapstructure:"listen"` // 为空则不启动状态服务
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Symbol 按名称查找交易对配置
func (c *Config) Symbol(name string) (SymbolConfig, bool) {
	for _, s := range c.Symbols {
		if s.Symbol == name {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

// SymbolNames 返回所有交易对，保持配置顺序
func (c *Config) SymbolNames() []string {
	names := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		names = append(names, s.Symbol)
	}
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.ws_url", "wss://fstream.binance.com/stream")
	v.SetDefault("exchange.paper_balance", 1000.0)
	v.SetDefault("exchange.paper_fee_rate", 0.0004)

	v.SetDefault("engine.tick_interval", "60s")
	v.SetDefault("engine.timeframes", []string{"5m", "15m", "30m", "1h", "4h", "1d"})
	v.SetDefault("engine.retention", 300)
	v.SetDefault("engine.backfill", 300)

	v.SetDefault("risk.leverage", 10)
	v.SetDefault("risk.max_trades_per_day", 5)
	v.SetDefault("risk.max_spread", 0.002)
	v.SetDefault("risk.depth_multiplier", 3.0)
	v.SetDefault("risk.depth_mode", "cumulative")
	v.SetDefault("risk.trade_value", 50.0)

	v.SetDefault("execution.maker_offset", 0.0)
	v.SetDefault("execution.fill_polls", 3)
	v.SetDefault("execution.fill_poll_interval", "5s")
	v.SetDefault("execution.bracket_attempts", 2)
	v.SetDefault("execution.bracket_retry_delay", "2s")
	v.SetDefault("execution.bracket_max_deviation", 0.05)

	v.SetDefault("ai.require_model", true)
	v.SetDefault("ai.min_confidence", 0.5)
	v.SetDefault("ai.output", OutputProbabilityOfLong)
	v.SetDefault("ai.bb_period", 20)
	v.SetDefault("ai.bb_k", 2.0)
	v.SetDefault("ai.stoch_k_period", 14)
	v.SetDefault("ai.stoch_d_period", 3)

	v.SetDefault("journal.backend", "csv")
	v.SetDefault("journal.path", "data/trade_log.csv")
	v.SetDefault("journal.clickhouse.database", "trading")
	v.SetDefault("journal.clickhouse.table", "trade_log")

	v.SetDefault("log.level", "info")
}

// LoadConfig 读取并解析配置文件 (configPath 目录下的 config.yaml)
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	setDefaults(v)

	// API Key 允许通过环境变量覆盖
	_ = v.BindEnv("exchange.api_key", "BINANCE_API_KEY")
	_ = v.BindEnv("exchange.secret_key", "BINANCE_API_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	cfg.applySymbolDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySymbolDefaults() {
	for i := range c.Symbols {
		s := &c.Symbols[i]
		if s.MACDFast == 0 {
			s.MACDFast = 12
		}
		if s.MACDSlow == 0 {
			s.MACDSlow = 26
		}
		if s.MACDSignal == 0 {
			s.MACDSignal = 9
		}
		if s.ADX == 0 {
			s.ADX = 14
		}
		if s.TakeProfit == 0 {
			s.TakeProfit = 0.04
		}
		if s.StopLoss == 0 {
			s.StopLoss = 0.025
		}
	}
}

// Validate 检查启动必需的配置；任何错误都必须阻止引擎启动
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("config must include at least one entry under 'symbols'")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return errors.New("symbol entry without 'symbol' name")
		}
		if seen[s.Symbol] {
			return fmt.Errorf("duplicate symbol %s", s.Symbol)
		}
		seen[s.Symbol] = true
		if s.EMAShort <= 0 || s.EMALong <= 0 || s.RSI <= 0 {
			return fmt.Errorf("symbol %s: ema_short, ema_long and rsi periods are required", s.Symbol)
		}
		if s.EMAShort >= s.EMALong {
			return fmt.Errorf("symbol %s: ema_short (%d) must be below ema_long (%d)", s.Symbol, s.EMAShort, s.EMALong)
		}
		if s.MinQty < 0 || s.TakeProfit < 0 || s.StopLoss < 0 {
			return fmt.Errorf("symbol %s: negative tp/sl/min_qty", s.Symbol)
		}
	}

	if len(c.Engine.Timeframes) == 0 {
		return errors.New("engine.timeframes must not be empty")
	}
	for _, tf := range c.Engine.Timeframes {
		if _, err := ParseIntervalDuration(tf); err != nil {
			return fmt.Errorf("engine.timeframes: %w", err)
		}
	}
	if c.Engine.Retention < 30 {
		return fmt.Errorf("engine.retention must be at least 30, got %d", c.Engine.Retention)
	}
	if c.Engine.TickInterval <= 0 {
		return errors.New("engine.tick_interval must be positive")
	}

	if c.Risk.Leverage < 1 {
		return fmt.Errorf("risk.leverage must be >= 1, got %d", c.Risk.Leverage)
	}
	if c.Risk.MaxTradesPerDay < 1 {
		return fmt.Errorf("risk.max_trades_per_day must be >= 1, got %d", c.Risk.MaxTradesPerDay)
	}
	if c.Risk.DepthMode != "cumulative" && c.Risk.DepthMode != "top" {
		return fmt.Errorf("risk.depth_mode must be cumulative or top, got %q", c.Risk.DepthMode)
	}

	if c.Execution.FillPolls < 1 || c.Execution.BracketAttempts < 1 {
		return errors.New("execution.fill_polls and execution.bracket_attempts must be >= 1")
	}

	if c.AI.MinConfidence < 0 || c.AI.MinConfidence > 1 {
		return fmt.Errorf("ai.min_confidence must be within [0,1], got %v", c.AI.MinConfidence)
	}
	if c.AI.Output != OutputProbabilityOfLong {
		return fmt.Errorf("ai.output %q is not supported; the gate requires %q", c.AI.Output, OutputProbabilityOfLong)
	}

	switch c.Exchange.Name {
	case "binance", "paper":
	default:
		return fmt.Errorf("exchange.name must be binance or paper, got %q", c.Exchange.Name)
	}
	switch c.Journal.Backend {
	case "csv":
		if c.Journal.Path == "" {
			return errors.New("journal.path is required for the csv backend")
		}
	case "clickhouse":
		if c.Journal.ClickHouse.Addr == "" {
			return errors.New("journal.clickhouse.addr is required for the clickhouse backend")
		}
	default:
		return fmt.Errorf("journal.backend must be csv or clickhouse, got %q", c.Journal.Backend)
	}
	return nil
}
