package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/model"
)

// fakeExchange 内存交易所：订单按调用即时生效，错误可按方法排队注入
type fakeExchange struct {
	mu sync.Mutex

	book        model.OrderBook
	position    model.ExchangePosition
	orders      map[string]model.Order
	nextID      int
	limitStatus model.OrderStatus // 开仓限价单创建后的状态
	marketPrice float64
	errs        map[string][]error

	limits  []exchange.LimitOrderRequest
	created []exchange.OrderRequest
	cancels []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		book: model.OrderBook{
			Bids: []model.PriceLevel{{Price: 100, Quantity: 10}},
			Asks: []model.PriceLevel{{Price: 100.1, Quantity: 10}},
		},
		orders:      make(map[string]model.Order),
		limitStatus: model.StatusFilled,
		marketPrice: 100,
		errs:        make(map[string][]error),
	}
}

func transientErr(op string) error {
	return exchange.NewError(exchange.KindTransient, op, errors.New("timeout"))
}

func rejectedErr(op string) error {
	return exchange.NewError(exchange.KindRejected, op, errors.New("rejected"))
}

func (f *fakeExchange) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakeExchange) pop(op string) error {
	q := f.errs[op]
	if len(q) == 0 {
		return nil
	}
	f.errs[op] = q[1:]
	return q[0]
}

func (f *fakeExchange) newID() string {
	f.nextID++
	return fmt.Sprintf("o%03d", f.nextID)
}

// addOrder 直接在交易所挂一张单 (模拟人工下单或重启前遗留)
func (f *fakeExchange) addOrder(o model.Order) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.ID = f.newID()
	if o.Status == "" {
		o.Status = model.StatusNew
	}
	f.orders[o.ID] = o
	return o.ID
}

// trigger 触发一张止盈止损单：按触发价成交，持仓归零
func (f *fakeExchange) trigger(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.Status = model.StatusFilled
	o.AvgPrice = o.StopPrice
	o.Executed = o.Quantity
	f.orders[id] = o
	f.position = model.ExchangePosition{Symbol: o.Symbol}
}

// fillLimit 开仓限价单在交易所侧成交：按挂单价全部成交并建立持仓
func (f *fakeExchange) fillLimit(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.Status = model.StatusFilled
	o.AvgPrice = o.Price
	o.Executed = o.Quantity
	f.orders[id] = o
	signed := o.Quantity
	if o.Side == model.SideSell {
		signed = -o.Quantity
	}
	f.position = model.ExchangePosition{Symbol: o.Symbol, Quantity: signed, EntryPrice: o.Price}
}

func (f *fakeExchange) setPosition(p model.ExchangePosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = p
}

func (f *fakeExchange) order(id string) model.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeExchange) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeExchange) FetchCandles(context.Context, string, string, int) ([]model.KLine, error) {
	return nil, nil
}

func (f *fakeExchange) FetchOrderBook(context.Context, string, int) (model.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("book"); err != nil {
		return model.OrderBook{}, err
	}
	return f.book, nil
}

func (f *fakeExchange) FetchOpenOrders(_ context.Context, symbol string) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("open_orders"); err != nil {
		return nil, err
	}
	var out []model.Order
	for _, o := range f.orders {
		if o.Status.IsOpen() && o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeExchange) FetchOrder(_ context.Context, _ string, id string) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("fetch_order"); err != nil {
		return model.Order{}, err
	}
	o, ok := f.orders[id]
	if !ok {
		return model.Order{}, rejectedErr("fetch_order")
	}
	return o, nil
}

func (f *fakeExchange) CreateLimitOrder(_ context.Context, req exchange.LimitOrderRequest) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, req)
	if err := f.pop("limit"); err != nil {
		return model.Order{}, err
	}
	price, _ := strconv.ParseFloat(req.Price, 64)
	qty, _ := strconv.ParseFloat(req.Quantity, 64)
	o := model.Order{
		ID: f.newID(), ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Type: model.OrderTypeLimit, Status: f.limitStatus, Price: price, Quantity: qty,
	}
	if o.Status == model.StatusFilled {
		o.AvgPrice = price
		o.Executed = qty
		signed := qty
		if req.Side == model.SideSell {
			signed = -qty
		}
		f.position = model.ExchangePosition{Symbol: req.Symbol, Quantity: signed, EntryPrice: price}
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeExchange) CreateOrder(_ context.Context, req exchange.OrderRequest) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if err := f.pop("create"); err != nil {
		return model.Order{}, err
	}
	stop, _ := strconv.ParseFloat(req.StopPrice, 64)
	qty, _ := strconv.ParseFloat(req.Quantity, 64)
	o := model.Order{
		ID: f.newID(), Symbol: req.Symbol, Side: req.Side, Type: req.Type,
		Status: model.StatusNew, StopPrice: stop, Quantity: qty,
	}
	if req.Type == model.OrderTypeMarket {
		o.Status = model.StatusFilled
		o.AvgPrice = f.marketPrice
		o.Executed = qty
		f.position = model.ExchangePosition{Symbol: req.Symbol}
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	if err := f.pop("cancel"); err != nil {
		return err
	}
	o, ok := f.orders[id]
	if !ok || !o.Status.IsOpen() {
		return rejectedErr("cancel")
	}
	o.Status = model.StatusCanceled
	f.orders[id] = o
	return nil
}

func (f *fakeExchange) FetchPosition(context.Context, string) (model.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pop("position"); err != nil {
		return model.ExchangePosition{}, err
	}
	return f.position, nil
}

func (f *fakeExchange) FetchBalance(context.Context) (float64, error) { return 1000, nil }

func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) SymbolPrecision(context.Context, string) (model.Precision, error) {
	return model.Precision{PriceDecimals: 2, QtyDecimals: 3}, nil
}

func (f *fakeExchange) Close() error { return nil }

// memJournal 记录所有流水
type memJournal struct {
	mu      sync.Mutex
	entries []model.TradeLogEntry
}

func (j *memJournal) Append(_ context.Context, e model.TradeLogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Recent(context.Context, string) ([]model.TradeLogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.TradeLogEntry(nil), j.entries...), nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) count(t model.TradeType) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Type == t {
			n++
		}
	}
	return n
}
