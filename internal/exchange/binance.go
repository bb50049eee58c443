package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

// BinanceConfig 定义 Binance 执行器所需的全部配置
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// BinanceExchange 基于 go-binance 的 USDⓈ-M 合约实现
type BinanceExchange struct {
	client *futures.Client
	logger *zap.Logger

	mu        sync.Mutex
	precision map[string]model.Precision
}

// NewBinanceExchange 初始化 Binance 合约客户端
func NewBinanceExchange(cfg BinanceConfig, logger *zap.Logger) *BinanceExchange {
	// 测试网是 go-binance 的包级开关
	futures.UseTestnet = cfg.Testnet
	client := binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey)

	mode := "mainnet"
	if cfg.Testnet {
		mode = "testnet"
	}
	logger.Info("Binance futures client initialized", zap.String("Mode", mode))

	return &BinanceExchange{
		client:    client,
		logger:    logger.With(zap.String("exchange", "Binance")),
		precision: make(map[string]model.Precision),
	}
}

func (b *BinanceExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.KLine, error) {
	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("fetch_candles", err)
	}
	out := make([]model.KLine, 0, len(klines))
	for _, k := range klines {
		out = append(out, model.KLine{
			Symbol:    symbol,
			Interval:  timeframe,
			Open:      service.ParseFloatOrZero(k.Open),
			High:      service.ParseFloatOrZero(k.High),
			Low:       service.ParseFloatOrZero(k.Low),
			Close:     service.ParseFloatOrZero(k.Close),
			Volume:    service.ParseFloatOrZero(k.Volume),
			StartTime: time.UnixMilli(k.OpenTime).UTC(),
			Closed:    k.CloseTime < time.Now().UnixMilli(),
		})
	}
	return out, nil
}

func (b *BinanceExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	res, err := b.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return model.OrderBook{}, classify("fetch_order_book", err)
	}
	book := model.OrderBook{
		Bids: make([]model.PriceLevel, 0, len(res.Bids)),
		Asks: make([]model.PriceLevel, 0, len(res.Asks)),
	}
	for _, l := range res.Bids {
		book.Bids = append(book.Bids, model.PriceLevel{
			Price:    service.ParseFloatOrZero(l.Price),
			Quantity: service.ParseFloatOrZero(l.Quantity),
		})
	}
	for _, l := range res.Asks {
		book.Asks = append(book.Asks, model.PriceLevel{
			Price:    service.ParseFloatOrZero(l.Price),
			Quantity: service.ParseFloatOrZero(l.Quantity),
		})
	}
	return book, nil
}

func (b *BinanceExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("fetch_open_orders", err)
	}
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (b *BinanceExchange) FetchOrder(ctx context.Context, symbol, id string) (model.Order, error) {
	orderID, err := parseOrderID(id)
	if err != nil {
		return model.Order{}, NewError(KindRejected, "fetch_order", err)
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return model.Order{}, classify("fetch_order", err)
	}
	return convertOrder(o), nil
}

func (b *BinanceExchange) CreateLimitOrder(ctx context.Context, req LimitOrderRequest) (model.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeLimit).
		Quantity(req.Quantity).
		Price(req.Price)
	if req.PostOnly {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTX)
	} else {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return model.Order{}, classify("create_limit_order", err)
	}
	order := convertCreateResponse(res)
	// GTX 单在撮合时会吃单则直接 EXPIRED，按被拒处理
	if req.PostOnly && order.Status == model.StatusExpired {
		return order, NewError(KindRejected, "create_limit_order", fmt.Errorf("post-only order %s would cross the book", order.ID))
	}
	return order, nil
}

func (b *BinanceExchange) CreateOrder(ctx context.Context, req OrderRequest) (model.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity).
		ReduceOnly(req.ReduceOnly)
	if req.StopPrice != "" {
		svc = svc.StopPrice(req.StopPrice).
			WorkingType(futures.WorkingTypeMarkPrice).
			TimeInForce(futures.TimeInForceTypeGTC)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return model.Order{}, classify("create_order", err)
	}
	return convertCreateResponse(res), nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, id string) error {
	orderID, err := parseOrderID(id)
	if err != nil {
		return NewError(KindRejected, "cancel_order", err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return classify("cancel_order", err)
}

func (b *BinanceExchange) FetchPosition(ctx context.Context, symbol string) (model.ExchangePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return model.ExchangePosition{}, classify("fetch_position", err)
	}
	pos := model.ExchangePosition{Symbol: symbol}
	// 单向持仓模式下只有一条 BOTH 记录；取第一条非零仓位
	for _, r := range risks {
		amt := service.ParseFloatOrZero(r.PositionAmt)
		if amt == 0 {
			continue
		}
		pos.Quantity = amt
		pos.EntryPrice = service.ParseFloatOrZero(r.EntryPrice)
		pos.UnrealizedPnL = service.ParseFloatOrZero(r.UnRealizedProfit)
		break
	}
	return pos, nil
}

func (b *BinanceExchange) FetchBalance(ctx context.Context) (float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, classify("fetch_balance", err)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			return service.ParseFloatOrZero(bal.AvailableBalance), nil
		}
	}
	return 0, nil
}

func (b *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return classify("set_leverage", err)
	}
	b.logger.Info("Leverage set", zap.String("Symbol", symbol), zap.Int("Leverage", leverage))
	return nil
}

func (b *BinanceExchange) SymbolPrecision(ctx context.Context, symbol string) (model.Precision, error) {
	b.mu.Lock()
	p, ok := b.precision[symbol]
	b.mu.Unlock()
	if ok {
		return p, nil
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return model.Precision{}, classify("symbol_precision", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		b.precision[s.Symbol] = model.Precision{PriceDecimals: s.PricePrecision, QtyDecimals: s.QuantityPrecision}
	}
	p, ok = b.precision[symbol]
	if !ok {
		return model.Precision{}, NewError(KindFatal, "symbol_precision", fmt.Errorf("symbol %s not listed", symbol))
	}
	return p, nil
}

// Close REST 客户端无长连接，保留接口以便 paper 等实现释放资源
func (b *BinanceExchange) Close() error {
	b.client.HTTPClient.CloseIdleConnections()
	b.logger.Info("Binance client connection closed")
	return nil
}

func parseOrderID(id string) (int64, error) {
	orderID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q: %w", id, err)
	}
	return orderID, nil
}

func convertOrder(o *futures.Order) model.Order {
	return model.Order{
		ID:        strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		Symbol:    o.Symbol,
		Side:      model.OrderSide(o.Side),
		Type:      model.OrderType(o.Type),
		Status:    model.OrderStatus(o.Status),
		Price:     service.ParseFloatOrZero(o.Price),
		AvgPrice:  service.ParseFloatOrZero(o.AvgPrice),
		StopPrice: service.ParseFloatOrZero(o.StopPrice),
		Quantity:  service.ParseFloatOrZero(o.OrigQuantity),
		Executed:  service.ParseFloatOrZero(o.ExecutedQuantity),
	}
}

func convertCreateResponse(r *futures.CreateOrderResponse) model.Order {
	return model.Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		ClientID:  r.ClientOrderID,
		Symbol:    r.Symbol,
		Side:      model.OrderSide(r.Side),
		Type:      model.OrderType(r.Type),
		Status:    model.OrderStatus(r.Status),
		Price:     service.ParseFloatOrZero(r.Price),
		AvgPrice:  service.ParseFloatOrZero(r.AvgPrice),
		StopPrice: service.ParseFloatOrZero(r.StopPrice),
		Quantity:  service.ParseFloatOrZero(r.OrigQuantity),
		Executed:  service.ParseFloatOrZero(r.ExecutedQuantity),
	}
}
