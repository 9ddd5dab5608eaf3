package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trade-guard/internal/config"
	"trade-guard/internal/trade"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.kite.trade"
	apiVersion     = "3"
	candleLayout   = "2006-01-02T15:04:05-0700"
	queryLayout    = "2006-01-02 15:04:05"
)

// RestClient talks to the brokerage REST API. Every request waits on a shared
// rate limiter and is retried on throttling and server errors.
// It implements the Gateway interface.
type RestClient struct {
	client      *resty.Client
	apiKey      string
	accessToken string
	logger      *zap.Logger
	limiter     *rate.Limiter
}

// ensure RestClient implements the interface
var _ Gateway = (*RestClient)(nil)

// NewRestClient creates a new brokerage REST API client.
func NewRestClient(cfg *config.Broker, logger *zap.Logger) *RestClient {
	url := cfg.BaseURL
	if url == "" {
		url = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(url).
		SetHeader("X-Kite-Version", apiVersion)
	if cfg.TimeoutSeconds > 0 {
		client.SetTimeout(cfg.Timeout())
	}

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:      client,
		apiKey:      cfg.ApiKey,
		accessToken: cfg.AccessToken,
		logger:      logger.Named("broker"),
		limiter:     limiter,
	}
}

// WithAccessToken returns a client for another user session. The HTTP client
// and rate limiter are shared because the broker limits per API key.
func (c *RestClient) WithAccessToken(token string) *RestClient {
	cp := *c
	cp.accessToken = token
	return &cp
}

func (c *RestClient) request(ctx context.Context) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken))
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// A non-idempotent request is retried only on 429, when the venue has not
// accepted it; a server error or a lost response is returned as is.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = idempotent
			}
		} else if idempotent {
			shouldRetry = true
		} else {
			return nil, fmt.Errorf("request not retried: %w", err)
		}

		if !shouldRetry {
			return nil, classify(resp)
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s: %s", resp.Status(), resp.String())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// classify maps an error envelope to the broker error taxonomy.
func classify(resp *resty.Response) error {
	body := resp.Body()
	errType := gjson.GetBytes(body, "error_type").String()
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = resp.String()
	}
	switch {
	case errType == "TokenException" || resp.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrSessionExpired, msg)
	case errType == "InputException", errType == "OrderException", errType == "MarginException":
		return fmt.Errorf("%w: %s: %s", ErrRejected, errType, msg)
	}
	return fmt.Errorf("request failed with status %s: %s", resp.Status(), msg)
}

type quoteResponse struct {
	Status string           `json:"status"`
	Data   map[string]Quote `json:"data"`
}

// Quote fetches last traded prices for up to one batch of instrument keys.
func (c *RestClient) Quote(ctx context.Context, keys []string) (map[string]Quote, error) {
	if len(keys) == 0 {
		return map[string]Quote{}, nil
	}
	params := url.Values{}
	for _, k := range keys {
		params.Add("i", k)
	}
	req := c.request(ctx).
		SetQueryParamsFromValues(params).
		SetResult(&quoteResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/quote/ltp", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get quotes: %w", err)
	}
	result := resp.Result().(*quoteResponse)
	if result.Data == nil {
		return map[string]Quote{}, nil
	}
	return result.Data, nil
}

type orderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

// PlaceOrder places a regular order and returns the broker order id.
func (c *RestClient) PlaceOrder(ctx context.Context, o OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("tradingsymbol", o.Symbol)
	params.Set("exchange", o.Exchange)
	params.Set("transaction_type", o.Side)
	params.Set("quantity", strconv.Itoa(o.Quantity))
	params.Set("order_type", o.Kind)
	product := o.Product
	if product == "" {
		product = ProductIntraday
	}
	params.Set("product", product)
	params.Set("validity", "DAY")
	if o.LimitPrice > 0 {
		params.Set("price", strconv.FormatFloat(o.LimitPrice, 'f', 2, 64))
	}
	if o.TriggerPrice > 0 {
		params.Set("trigger_price", strconv.FormatFloat(o.TriggerPrice, 'f', 2, 64))
	}

	req := c.request(ctx).
		SetFormDataFromValues(params).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/orders/regular", req, false)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", o.Symbol),
			zap.String("side", o.Side),
			zap.String("kind", o.Kind),
		)
		return "", fmt.Errorf("failed to place order: %w", err)
	}

	result := resp.Result().(*orderResponse)
	c.logger.Info("Order placed",
		zap.String("order_id", result.Data.OrderID),
		zap.String("symbol", o.Symbol),
		zap.String("side", o.Side),
		zap.Int("quantity", o.Quantity))
	return result.Data.OrderID, nil
}

// ModifyOrder changes quantity and/or trigger price of an open order. Zero
// values leave the field untouched.
func (c *RestClient) ModifyOrder(ctx context.Context, orderID string, quantity int, triggerPrice float64) error {
	params := url.Values{}
	if quantity > 0 {
		params.Set("quantity", strconv.Itoa(quantity))
	}
	if triggerPrice > 0 {
		params.Set("trigger_price", strconv.FormatFloat(triggerPrice, 'f', 2, 64))
		params.Set("order_type", KindStopLoss)
	}
	req := c.request(ctx).
		SetFormDataFromValues(params).
		SetResult(&orderResponse{})

	if _, err := c.doRequest(ctx, http.MethodPut, "/orders/regular/"+orderID, req, true); err != nil {
		return fmt.Errorf("failed to modify order %s: %w", orderID, err)
	}
	return nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) error {
	req := c.request(ctx).SetResult(&orderResponse{})
	if _, err := c.doRequest(ctx, http.MethodDelete, "/orders/regular/"+orderID, req, true); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// HistoricalCandles fetches OHLC intervals for an instrument in chronological order.
func (c *RestClient) HistoricalCandles(ctx context.Context, token int64, from, to time.Time, interval string) ([]trade.Candle, error) {
	req := c.request(ctx).
		SetQueryParam("from", from.Format(queryLayout)).
		SetQueryParam("to", to.Format(queryLayout))

	path := fmt.Sprintf("/instruments/historical/%d/%s", token, interval)
	resp, err := c.doRequest(ctx, http.MethodGet, path, req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get historical candles: %w", err)
	}

	rows := gjson.GetBytes(resp.Body(), "data.candles").Array()
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	candles := make([]trade.Candle, 0, len(rows))
	for _, row := range rows {
		cols := row.Array()
		if len(cols) < 5 {
			continue
		}
		at, err := time.Parse(candleLayout, cols[0].String())
		if err != nil {
			c.logger.Warn("Skipping candle with bad timestamp", zap.String("raw", cols[0].String()))
			continue
		}
		candles = append(candles, trade.Candle{
			Time:  at,
			Open:  cols[1].Float(),
			High:  cols[2].Float(),
			Low:   cols[3].Float(),
			Close: cols[4].Float(),
		})
	}
	if len(candles) == 0 {
		return nil, ErrNoData
	}
	return candles, nil
}
