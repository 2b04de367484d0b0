package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RESTConfig holds credentials for the broker's HTTP API.
type RESTConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// RESTClient implements Client against an HMAC-signed JSON-over-HTTP broker
// API. Responses are decoded but not normalized; the Gateway owns that.
type RESTClient struct {
	cfg        RESTConfig
	httpClient *http.Client
	token      string
}

// NewRESTClient builds a wire client for the configured broker endpoint.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// do executes one signed request and decodes the JSON body.
func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	var reader io.Reader
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-TIMESTAMP", ts)
	req.Header.Set("X-SIGNATURE", sign(ts+method+path+string(encoded), c.cfg.APISecret))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: http %d", ErrNotLoggedIn, res.StatusCode)
	}
	if res.StatusCode >= 500 {
		return nil, fmt.Errorf("broker http %d: %s", res.StatusCode, truncate(raw, 200))
	}

	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return payload, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func (c *RESTClient) Login(ctx context.Context) error {
	payload, err := c.do(ctx, http.MethodPost, "/session/login", nil, map[string]string{
		"api_key": c.cfg.APIKey,
	})
	if err != nil {
		return err
	}
	row, tag := normalizeObject(payload)
	if tag != payloadRows {
		return fmt.Errorf("login: %w", ErrBadPayload)
	}
	token := fieldStr(row, "token", "access_token", "session_token")
	if token == "" {
		return fmt.Errorf("login: %w", ErrBadPayload)
	}
	c.token = token
	return nil
}

func (c *RESTClient) Validate(ctx context.Context) error {
	if c.token == "" {
		return ErrNotLoggedIn
	}
	_, err := c.do(ctx, http.MethodGet, "/session/validate", nil, nil)
	return err
}

func (c *RESTClient) Positions(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/positions", nil, nil)
}

func (c *RESTClient) Orders(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/orders", nil, nil)
}

func (c *RESTClient) Limits(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/limits", nil, nil)
}

func orderBody(req OrderRequest) map[string]any {
	body := map[string]any{
		"exchange":   req.Exchange,
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"qty":        req.Qty,
		"product":    req.Product,
		"price_mode": string(req.PriceMode),
	}
	if req.PriceMode == PriceLimit {
		body["price"] = req.Price
	}
	if req.StopLoss > 0 {
		body["stop_loss"] = req.StopLoss
	}
	if req.Target > 0 {
		body["target"] = req.Target
	}
	if req.Trailing > 0 {
		body["trailing"] = req.Trailing
	}
	if req.Tag != "" {
		body["tag"] = req.Tag
	}
	return body
}

func (c *RESTClient) Place(ctx context.Context, req OrderRequest) (any, error) {
	return c.do(ctx, http.MethodPost, "/orders", nil, orderBody(req))
}

func (c *RESTClient) Modify(ctx context.Context, brokerOrderID string, req OrderRequest) (any, error) {
	return c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(brokerOrderID), nil, orderBody(req))
}

func (c *RESTClient) Cancel(ctx context.Context, brokerOrderID string) (any, error) {
	return c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), nil, nil)
}

func (c *RESTClient) Holdings(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/holdings", nil, nil)
}

func (c *RESTClient) Quote(ctx context.Context, exchange, symbol string) (any, error) {
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("symbol", symbol)
	return c.do(ctx, http.MethodGet, "/quote", q, nil)
}

func (c *RESTClient) Search(ctx context.Context, exchange, query string) (any, error) {
	q := url.Values{}
	q.Set("exchange", exchange)
	q.Set("query", query)
	return c.do(ctx, http.MethodGet, "/symbols/search", q, nil)
}
