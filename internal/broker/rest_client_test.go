package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trade-guard/internal/config"
	"trade-guard/internal/trade"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	client := resty.New().SetBaseURL(server.URL)

	rc := &RestClient{
		client:      client,
		apiKey:      "test_api_key",
		accessToken: "test_token",
		logger:      zap.NewNop(),
		limiter:     rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
	}

	return rc, server
}

func TestQuote(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/quote/ltp", r.URL.Path)
			assert.Equal(t, []string{"NSE:INFY", "NSE:TCS"}, r.URL.Query()["i"])
			assert.Equal(t, "token test_api_key:test_token", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","data":{"NSE:INFY":{"instrument_token":408065,"last_price":1412.95}}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		quotes, err := rc.Quote(context.Background(), []string{"NSE:INFY", "NSE:TCS"})

		require.NoError(t, err)
		assert.Len(t, quotes, 1, "unknown keys are omitted")
		assert.Equal(t, 1412.95, quotes["NSE:INFY"].LastPrice)
	})

	t.Run("SessionExpired", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.Quote(context.Background(), []string{"NSE:INFY"})

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSessionExpired))
	})

	t.Run("ServerErrorIsRetried", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"status":"success","data":{"NSE:INFY":{"last_price":1400}}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		quotes, err := rc.Quote(context.Background(), []string{"NSE:INFY"})

		require.NoError(t, err)
		assert.Equal(t, 1400.0, quotes["NSE:INFY"].LastPrice)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestPlaceOrder(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/orders/regular", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "INFY", r.PostForm.Get("tradingsymbol"))
			assert.Equal(t, "SELL", r.PostForm.Get("transaction_type"))
			assert.Equal(t, "SL-M", r.PostForm.Get("order_type"))
			assert.Equal(t, "95.50", r.PostForm.Get("trigger_price"))
			assert.Equal(t, "MIS", r.PostForm.Get("product"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"151220000000000"}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		id, err := rc.PlaceOrder(context.Background(), OrderRequest{
			Symbol: "INFY", Exchange: "NSE", Side: SideSell, Quantity: 10,
			Kind: KindStopLoss, TriggerPrice: 95.5,
		})

		require.NoError(t, err)
		assert.Equal(t, "151220000000000", id)
	})

	t.Run("Rejected", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","message":"Insufficient funds","error_type":"MarginException"}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.PlaceOrder(context.Background(), OrderRequest{Symbol: "INFY", Exchange: "NSE", Side: SideBuy, Quantity: 1, Kind: KindMarket})

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRejected))
		assert.Contains(t, err.Error(), "Insufficient funds")
	})

	t.Run("ServerErrorIsNotRetried", func(t *testing.T) {
		var posts atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if posts.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"status":"error","message":"upstream timeout"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"X2"}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		id, err := rc.PlaceOrder(context.Background(), OrderRequest{Symbol: "INFY", Exchange: "NSE", Side: SideBuy, Quantity: 1, Kind: KindMarket})

		require.Error(t, err)
		assert.Empty(t, id)
		assert.Equal(t, int32(1), posts.Load(), "an order the venue may have accepted is sent once")
	})

	t.Run("ThrottledIsRetried", func(t *testing.T) {
		var posts atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if posts.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"X2"}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		id, err := rc.PlaceOrder(context.Background(), OrderRequest{Symbol: "INFY", Exchange: "NSE", Side: SideBuy, Quantity: 1, Kind: KindMarket})

		require.NoError(t, err)
		assert.Equal(t, "X2", id)
		assert.Equal(t, int32(2), posts.Load())
	})
}

func TestModifyAndCancel(t *testing.T) {
	var methods []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "5", r.PostForm.Get("quantity"))
			assert.Equal(t, "101.00", r.PostForm.Get("trigger_price"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"42"}}`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	require.NoError(t, rc.ModifyOrder(context.Background(), "42", 5, 101))
	require.NoError(t, rc.CancelOrder(context.Background(), "42"))
	assert.Equal(t, []string{"PUT /orders/regular/42", "DELETE /orders/regular/42"}, methods)
}

func TestHistoricalCandles(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/instruments/historical/408065/minute", r.URL.Path)
			assert.Equal(t, "2026-10-16 09:15:00", r.URL.Query().Get("from"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[
				["2026-10-16T09:15:00+0530",100,101.5,99.5,101,1200],
				["2026-10-16T09:16:00+0530",101,102,100.5,100.75,900]]}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		from := time.Date(2026, 10, 16, 9, 15, 0, 0, time.UTC)
		candles, err := rc.HistoricalCandles(context.Background(), 408065, from, from.Add(time.Hour), "minute")

		require.NoError(t, err)
		require.Len(t, candles, 2)
		assert.Equal(t, trade.Candle{Time: candles[0].Time, Open: 100, High: 101.5, Low: 99.5, Close: 101}, candles[0])
		assert.Equal(t, 16, candles[1].Time.In(time.FixedZone("IST", 19800)).Minute())
	})

	t.Run("Empty", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[]}}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		_, err := rc.HistoricalCandles(context.Background(), 1, time.Now(), time.Now(), "minute")
		assert.True(t, errors.Is(err, ErrNoData))
	})
}

func TestNewRestClient(t *testing.T) {
	cfg := &config.Broker{ApiKey: "k", AccessToken: "t", RateLimit: 3, RateLimitBurst: 1}
	rc := NewRestClient(cfg, zap.NewNop())
	assert.NotNil(t, rc)
	assert.Equal(t, cfg.ApiKey, rc.apiKey)
	assert.Equal(t, cfg.AccessToken, rc.accessToken)

	other := rc.WithAccessToken("t2")
	assert.Equal(t, "t2", other.accessToken)
	assert.Equal(t, "t", rc.accessToken)
	assert.Same(t, rc.limiter, other.limiter)
}

func TestBrokeredExecutor_NoSession(t *testing.T) {
	ex := ForMode(trade.ModeBrokered, nil)
	_, err := ex.Buy(context.Background(), &trade.Trade{Symbol: "INFY"}, 1)
	assert.ErrorIs(t, err, ErrNoSession)

	sim := ForMode(trade.ModeSimulated, nil)
	id, err := sim.PlaceStop(context.Background(), &trade.Trade{Symbol: "INFY"})
	assert.NoError(t, err)
	assert.Empty(t, id)
}
