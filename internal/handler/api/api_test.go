package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/usecase"
	xlogger "CandleFlow/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	candles []models.Candle
	err     error

	symbol string
	from   time.Time
	to     time.Time
	tf     domrepo.Timeframe
	n      int
}

func (s *fakeStore) GetCandles(_ context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.Candle, error) {
	s.symbol, s.from, s.to, s.tf = symbol, from, to, tf
	return s.candles, s.err
}

func (s *fakeStore) GetLatestNCandles(_ context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	s.symbol, s.n, s.tf = symbol, n, tf
	return s.candles, s.err
}

type apiBody struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func serve(t *testing.T, h interface{ RegisterRoutes(*echo.Echo) }, target string) (int, apiBody) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body apiBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func newCandlesHandler(store *fakeStore) *CandlesHandler {
	return NewCandlesHandler(xlogger.Nop(), usecase.NewCandlesUseCase(store, "1m"))
}

func TestCandlesRange(t *testing.T) {
	store := &fakeStore{candles: []models.Candle{
		{Symbol: "BTCUSDT", WindowStartMs: 0, WindowEndMs: 60000, Open: 100, High: 105, Low: 95, Close: 95, Volume: 4},
		{Symbol: "BTCUSDT", WindowStartMs: 60000, WindowEndMs: 120000, Open: 101, High: 101, Low: 101, Close: 101, Volume: 1},
	}}
	code, body := serve(t, newCandlesHandler(store), "/api/v1/candles?symbol=btcusdt&from=1970-01-01T00:00:00Z&to=1970-01-01T00:02:00Z")
	require.Equal(t, http.StatusOK, code)

	var res usecase.GetCandlesResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "1m", res.Timeframe)
	assert.Equal(t, 95.0, res.Candles[0].Close)

	assert.Equal(t, "BTCUSDT", store.symbol)
	assert.Equal(t, domrepo.Timeframe("1m"), store.tf)
	assert.True(t, store.to.Equal(time.Unix(120, 0)))
}

func TestCandlesDefaultRange(t *testing.T) {
	store := &fakeStore{}
	h := newCandlesHandler(store)
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	code, _ := serve(t, h, "/api/v1/candles?symbol=ETHUSDT&tf=5m")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, store.to.Equal(now))
	assert.True(t, store.from.Equal(now.Add(-24*time.Hour)))
	assert.Equal(t, domrepo.Timeframe("5m"), store.tf)
}

func TestCandlesBadRequests(t *testing.T) {
	h := newCandlesHandler(&fakeStore{})

	code, body := serve(t, h, "/api/v1/candles")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body.Data), "ERR_REQUIRED")

	code, body = serve(t, h, "/api/v1/candles?symbol=BTCUSDT&from=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body.Data), "ERR_INVALID_TIME")

	code, _ = serve(t, h, "/api/v1/candles?symbol=BTCUSDT&from=2024-01-02&to=2024-01-01")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = serve(t, h, "/api/v1/candles?symbol=BTCUSDT&tf=fortnight")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCandlesStoreError(t *testing.T) {
	h := newCandlesHandler(&fakeStore{err: errors.New("connection refused")})
	code, body := serve(t, h, "/api/v1/candles?symbol=BTCUSDT")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, string(body.Data), "ERR_INTERNAL")
}

func TestCandlesStoreTimeout(t *testing.T) {
	h := newCandlesHandler(&fakeStore{err: fmt.Errorf("query: %w", context.DeadlineExceeded)})
	code, body := serve(t, h, "/api/v1/candles/latest?symbol=BTCUSDT")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body.Data), "ERR_UNAVAILABLE")
}

func TestLatestCandles(t *testing.T) {
	store := &fakeStore{candles: []models.Candle{{Symbol: "BTCUSDT", WindowStartMs: 60000}}}
	h := newCandlesHandler(store)

	code, body := serve(t, h, "/api/v1/candles/latest?symbol=BTCUSDT")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100, store.n)
	var list struct {
		Rows  []models.Candle `json:"rows"`
		Total int64           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &list))
	assert.Equal(t, int64(1), list.Total)

	code, _ = serve(t, h, "/api/v1/candles/latest?symbol=BTCUSDT&n=6000")
	assert.Equal(t, http.StatusBadRequest, code)
}

type fakeStatus struct {
	state usecase.State
}

func (f fakeStatus) State() usecase.State { return f.state }
func (f fakeStatus) SourceActive() bool   { return f.state == usecase.StateRunning }
func (f fakeStatus) Pending() int         { return 3 }
func (f fakeStatus) OpenWindows() int     { return 2 }

func TestHealth(t *testing.T) {
	code, body := serve(t, NewHealthHandler(fakeStatus{state: usecase.StateRunning}), "/health")
	require.Equal(t, http.StatusOK, code)
	var res HealthResponse
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "running", res.State)
	assert.True(t, res.SourceActive)
	assert.Equal(t, 3, res.Pending)
	assert.Equal(t, 2, res.OpenWindows)

	code, body = serve(t, NewHealthHandler(fakeStatus{state: usecase.StateStopped}), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, "stopped", res.Status)
}
