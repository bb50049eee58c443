package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-futures-trader/internal/engine"
	"crypto-futures-trader/internal/execution"
	"crypto-futures-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockCloser struct {
	mock.Mock
}

func (m *MockCloser) RequestClose(ctx context.Context, symbol string) error {
	args := m.Called(ctx, symbol)
	return args.Error(0)
}

type stubJournal struct {
	entries []model.TradeLogEntry
	err     error
	symbol  string
}

func (s *stubJournal) Append(context.Context, model.TradeLogEntry) error { return nil }

func (s *stubJournal) Recent(_ context.Context, symbol string) ([]model.TradeLogEntry, error) {
	s.symbol = symbol
	return s.entries, s.err
}

func (s *stubJournal) Close() error { return nil }

func newTestServer(j *stubJournal, closer PositionCloser) (*StatusServer, *execution.Table) {
	table := execution.NewTable([]string{"BTCUSDT", "ETHUSDT"})
	st := table.Checkout("BTCUSDT")
	st.Phase = execution.PhaseProtected
	st.Position = model.Position{Side: model.DirLong, EntryPrice: 100, Quantity: 0.5, Timeframe: "15m", EntryTime: time.Now()}
	st.Brackets = model.BracketOrders{StopLossID: "1", TakeProfitID: "2"}
	st.TradeTimes = []time.Time{time.Now()}
	table.Commit(st)
	return NewStatusServer(":0", table, j, closer, zap.NewNop()), table
}

func do(t *testing.T, s *StatusServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(&stubJournal{}, &MockCloser{})
	w := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestPositions(t *testing.T) {
	s, _ := newTestServer(&stubJournal{}, &MockCloser{})
	w := do(t, s, http.MethodGet, "/positions")
	require.Equal(t, http.StatusOK, w.Code)

	var views []PositionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "BTCUSDT", views[0].Symbol)
	assert.Equal(t, "PROTECTED", views[0].Phase)
	assert.Equal(t, "long", views[0].Side)
	assert.Equal(t, 0.5, views[0].Quantity)
	assert.Equal(t, "1", views[0].StopLossID)
	assert.Equal(t, 1, views[0].Trades24h)
	assert.Equal(t, "FLAT", views[1].Phase)
}

func TestTrades(t *testing.T) {
	j := &stubJournal{entries: []model.TradeLogEntry{
		model.NewEntryLog(time.Now(), "BTCUSDT", "15m", 100),
	}}
	s, _ := newTestServer(j, &MockCloser{})

	w := do(t, s, http.MethodGet, "/trades?symbol=BTCUSDT")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BTCUSDT", j.symbol)

	var entries []model.TradeLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, model.TradeEntry, entries[0].Type)

	j.err = errors.New("disk gone")
	w = do(t, s, http.MethodGet, "/trades")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestClosePosition(t *testing.T) {
	closer := &MockCloser{}
	closer.On("RequestClose", mock.Anything, "BTCUSDT").Return(nil)
	closer.On("RequestClose", mock.Anything, "ETHUSDT").Return(execution.ErrNoPosition)
	closer.On("RequestClose", mock.Anything, "DOGEUSDT").Return(engine.ErrUnknownSymbol)
	closer.On("RequestClose", mock.Anything, "XRPUSDT").Return(errors.New("exchange down"))
	s, _ := newTestServer(&stubJournal{}, closer)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/positions/BTCUSDT/close").Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/positions/ETHUSDT/close").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/positions/DOGEUSDT/close").Code)
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodPost, "/positions/XRPUSDT/close").Code)
	closer.AssertExpectations(t)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(&stubJournal{}, &MockCloser{})
	w := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
