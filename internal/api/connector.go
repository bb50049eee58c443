package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// reconnectDelay 断线后的固定重连间隔
const reconnectDelay = 5 * time.Second

// BinanceStreamMsg 组合流 (combined stream) 的通用外层结构
type BinanceStreamMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"` // 延迟解析
}

// BinanceKlineEvent kline 频道数据结构
type BinanceKlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// BinanceTickerEvent 24hrTicker 频道数据结构 (只取最新价)
type BinanceTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

// Connector 订阅 Binance 合约的 K 线与 ticker 组合流
type Connector struct {
	wsURL         string
	tickerChannel chan model.Ticker
	klineChannel  chan model.KLine
	logger        *zap.Logger
}

// NewConnector baseURL 形如 wss://fstream.binance.com/stream
func NewConnector(baseURL string, symbols, timeframes []string, logger *zap.Logger) *Connector {
	// 确保通道有足够的缓冲区来应对高频数据
	c := &Connector{
		wsURL:         BuildStreamURL(baseURL, symbols, timeframes),
		tickerChannel: make(chan model.Ticker, 2048),
		klineChannel:  make(chan model.KLine, 2048),
		logger:        logger.With(zap.String("component", "connector")),
	}
	c.logger.Info("Connector initialized", zap.Strings("Symbols", symbols), zap.Strings("Timeframes", timeframes))
	return c
}

// BuildStreamURL 例如 .../stream?streams=btcusdt@kline_5m/btcusdt@ticker
func BuildStreamURL(baseURL string, symbols, timeframes []string) string {
	var streams []string
	for _, s := range symbols {
		lower := strings.ToLower(s)
		for _, tf := range timeframes {
			streams = append(streams, lower+"@kline_"+tf)
		}
		streams = append(streams, lower+"@ticker")
	}
	return baseURL + "?streams=" + strings.Join(streams, "/")
}

// Run 建立连接并持续读取，断线后固定间隔重连；ctx 取消时关闭通道并返回
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.tickerChannel)
	defer close(c.klineChannel)

	u, err := url.Parse(c.wsURL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}

	for {
		c.logger.Info("Starting Binance WS multi-symbol connection...", zap.String("URL", u.Host))
		err := c.session(ctx, u.String())
		if ctx.Err() != nil {
			c.logger.Info("Connector stopped")
			return nil
		}
		c.logger.Error("WS session ended, reconnecting...", zap.Error(err), zap.Duration("Delay", reconnectDelay))

		select {
		case <-ctx.Done():
			c.logger.Info("Connector stopped")
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Connector) session(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// ctx 取消时关闭连接以打断阻塞的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("Subscribed to Binance kline and ticker streams")
	return c.readLoop(conn)
}

// readLoop 持续读取 WS 消息并处理
func (c *Connector) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		kline, ticker, err := ParseMessage(message)
		if err != nil {
			c.logger.Debug("Skipping WS message", zap.Error(err))
			continue
		}

		// 使用 select/default 防止阻塞 Connector
		if kline != nil {
			select {
			case c.klineChannel <- *kline:
			default:
				c.logger.Warn("KLine channel full! Dropping kline for", zap.String("Symbol", kline.Symbol))
			}
		}
		if ticker != nil {
			select {
			case c.tickerChannel <- *ticker:
			default:
				c.logger.Debug("Ticker channel full! Dropping ticker snapshot for", zap.String("Symbol", ticker.Symbol))
			}
		}
	}
}

var errUnknownStream = errors.New("unknown stream")

// ParseMessage 解析一条组合流消息；返回的 kline/ticker 至多一个非空
func ParseMessage(raw []byte) (*model.KLine, *model.Ticker, error) {
	var msg BinanceStreamMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch {
	case strings.Contains(msg.Stream, "@kline_"):
		var ev BinanceKlineEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil, nil, fmt.Errorf("unmarshal kline: %w", err)
		}
		k := model.KLine{
			Symbol:    ev.Symbol,
			Interval:  ev.Kline.Interval,
			StartTime: time.UnixMilli(ev.Kline.StartTime).UTC(),
			Closed:    ev.Kline.Closed,
		}
		var err error
		if k.Open, err = service.StringToFloat(ev.Kline.Open); err != nil {
			return nil, nil, fmt.Errorf("kline open: %w", err)
		}
		if k.Close, err = service.StringToFloat(ev.Kline.Close); err != nil {
			return nil, nil, fmt.Errorf("kline close: %w", err)
		}
		k.High = service.ParseFloatOrZero(ev.Kline.High)
		k.Low = service.ParseFloatOrZero(ev.Kline.Low)
		k.Volume = service.ParseFloatOrZero(ev.Kline.Volume)
		return &k, nil, nil

	case strings.HasSuffix(msg.Stream, "@ticker"):
		var ev BinanceTickerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil, nil, fmt.Errorf("unmarshal ticker: %w", err)
		}
		price, err := service.StringToFloat(ev.LastPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("ticker price: %w", err)
		}
		return nil, &model.Ticker{Symbol: ev.Symbol, Timestamp: ev.EventTime, Price: price}, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", errUnknownStream, msg.Stream)
}

// GetTickerChannel 供 DataEngine 消费
func (c *Connector) GetTickerChannel() <-chan model.Ticker {
	return c.tickerChannel
}

// GetKlineChannel 供 DataEngine 消费
func (c *Connector) GetKlineChannel() <-chan model.KLine {
	return c.klineChannel
}
