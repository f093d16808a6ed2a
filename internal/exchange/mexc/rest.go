// Package mexc implements the exchange capability surface against the MEXC
// spot REST and websocket APIs.
package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mvg-fi-dev/mrmarket/errs"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

const (
	venueName = "mexc"

	defaultRESTURL    = "https://api.mexc.com"
	defaultTimeout    = 10 * time.Second
	maxErrorBodySize  = 4 << 10
	maxRequestRetries = 3
)

// Options configures the REST client.
type Options struct {
	RESTURL    string
	WSURL      string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
	// RateLimit is requests per second shared across all endpoints.
	RateLimit float64
	RateBurst int
}

// Client talks to the MEXC spot API.
type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// New constructs a MEXC client.
func New(opts Options) *Client {
	baseURL := strings.TrimSpace(opts.RESTURL)
	if baseURL == "" {
		baseURL = defaultRESTURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		wsURL:      strings.TrimSpace(opts.WSURL),
		apiKey:     strings.TrimSpace(opts.APIKey),
		apiSecret:  strings.TrimSpace(opts.APISecret),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		now:        time.Now,
	}
}

// Name returns the venue identifier.
func (c *Client) Name() string { return venueName }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type orderResponse struct {
	OrderID             json.Number `json:"orderId"`
	Symbol              string      `json:"symbol"`
	Side                string      `json:"side"`
	Status              string      `json:"status"`
	Price               string      `json:"price"`
	OrigQty             string      `json:"origQty"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	UpdateTime          int64       `json:"updateTime"`
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type depositAddressResponse struct {
	Coin    string `json:"coin"`
	Network string `json:"network"`
	Address string `json:"address"`
	Memo    string `json:"memo"`
}

type withdrawResponse struct {
	ID string `json:"id"`
}

// PlaceLimitOrder rests a limit order on the venue.
func (c *Client) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest) (exchange.OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(req.Pair))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", "LIMIT")
	params.Set("quantity", req.Qty)
	params.Set("price", req.Price)
	if clientID := strings.TrimSpace(req.ClientOrderID); clientID != "" {
		params.Set("newClientOrderId", clientID)
	}

	var resp orderResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return exchange.OrderSnapshot{}, err
	}
	return snapshotFromOrder(resp, req.Pair), nil
}

// CancelOrder removes a resting order.
func (c *Client) CancelOrder(ctx context.Context, pair, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol(pair))
	params.Set("orderId", strings.TrimSpace(exchangeOrderID))
	var resp orderResponse
	return c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params, &resp)
}

// FetchOrder returns the venue's view of an order.
func (c *Client) FetchOrder(ctx context.Context, pair, exchangeOrderID string) (exchange.OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(pair))
	params.Set("orderId", strings.TrimSpace(exchangeOrderID))
	var resp orderResponse
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return exchange.OrderSnapshot{}, err
	}
	return snapshotFromOrder(resp, pair), nil
}

// GetDeposits returns raw deposit records for the asset.
func (c *Client) GetDeposits(ctx context.Context, asset string, since time.Time, limit int) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("coin", strings.ToUpper(strings.TrimSpace(asset)))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var records []map[string]any
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/capital/deposit/hisrec", params, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetDepositAddress returns the deposit destination for an asset/network.
func (c *Client) GetDepositAddress(ctx context.Context, asset, network string) (exchange.DepositAddress, error) {
	params := url.Values{}
	params.Set("coin", strings.ToUpper(strings.TrimSpace(asset)))
	if trimmed := strings.TrimSpace(network); trimmed != "" {
		params.Set("network", trimmed)
	}
	var resp []depositAddressResponse
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/capital/deposit/address", params, &resp); err != nil {
		return exchange.DepositAddress{}, err
	}
	if len(resp) == 0 {
		return exchange.DepositAddress{}, errs.New(venueName, errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("no deposit address for %s on %s", asset, network)))
	}
	first := resp[0]
	return exchange.DepositAddress{
		Asset:   first.Coin,
		Network: first.Network,
		Address: first.Address,
		Memo:    first.Memo,
	}, nil
}

// CreateWithdrawal submits an outbound transfer.
func (c *Client) CreateWithdrawal(ctx context.Context, req exchange.WithdrawalRequest) (exchange.WithdrawalReceipt, error) {
	params := url.Values{}
	params.Set("coin", strings.ToUpper(strings.TrimSpace(req.Asset)))
	params.Set("netWork", strings.TrimSpace(req.Network))
	params.Set("address", strings.TrimSpace(req.Address))
	params.Set("amount", req.Amount)
	if memo := strings.TrimSpace(req.Memo); memo != "" {
		params.Set("memo", memo)
	}
	var resp withdrawResponse
	if err := c.signedRequest(ctx, http.MethodPost, "/api/v3/capital/withdraw", params, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	return exchange.WithdrawalReceipt{WithdrawalID: resp.ID}, nil
}

// BalanceBySymbol returns the venue balance for one asset.
func (c *Client) BalanceBySymbol(ctx context.Context, asset string) (exchange.Balance, error) {
	var resp accountResponse
	if err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &resp); err != nil {
		return exchange.Balance{}, err
	}
	wanted := strings.ToUpper(strings.TrimSpace(asset))
	for _, balance := range resp.Balances {
		if strings.ToUpper(balance.Asset) == wanted {
			return exchange.Balance{
				Asset:     wanted,
				Free:      balance.Free,
				Locked:    balance.Locked,
				UpdatedAt: c.now(),
			}, nil
		}
	}
	return exchange.Balance{Asset: wanted, Free: "0", Locked: "0", UpdatedAt: c.now()}, nil
}

// Ticker returns the top-of-book quote for a pair.
func (c *Client) Ticker(ctx context.Context, pair string) (exchange.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(pair))
	var resp bookTickerResponse
	if err := c.publicRequest(ctx, "/api/v3/ticker/bookTicker", params, &resp); err != nil {
		return exchange.Ticker{}, err
	}
	return exchange.Ticker{
		Pair:      pair,
		Bid:       resp.BidPrice,
		Ask:       resp.AskPrice,
		Timestamp: c.now(),
	}, nil
}

func (c *Client) publicRequest(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.apiKey == "" || c.apiSecret == "" {
		return errs.New(venueName, errs.CodeInvalid, errs.WithMessage("api credentials not configured"))
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + c.sign(query)

	endpoint := c.baseURL + path + "?" + query
	headers := http.Header{}
	headers.Set("X-MEXC-APIKEY", c.apiKey)
	return c.do(ctx, method, endpoint, headers, out)
}

// do issues the request with rate limiting and a short retry loop for
// transient failures. Non-retryable classifications abort immediately.
func (c *Client) do(ctx context.Context, method, endpoint string, headers http.Header, out any) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 250 * time.Millisecond
	backoffCfg.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxRequestRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("mexc: rate limiter: %w", err)
		}

		err := c.once(ctx, method, endpoint, headers, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return err
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, endpoint string, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("mexc: create request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return c.classifyHTTP(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("mexc: decode response: %w", err)
	}
	return nil
}

func (c *Client) classifyHTTP(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	message := strings.TrimSpace(apiErr.Msg)
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	rawCode := ""
	if apiErr.Code != 0 {
		rawCode = strconv.Itoa(apiErr.Code)
	}

	opts := []errs.Option{errs.WithHTTP(status), errs.WithRawCode(rawCode), errs.WithMessage(message)}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.New(venueName, errs.CodeRateLimited, opts...)
	case status >= http.StatusInternalServerError:
		return errs.New(venueName, errs.CodeNetwork, opts...)
	case apiErr.Code == 30004:
		return errs.New(venueName, errs.CodeInsufficientBalance, opts...)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(venueName, errs.CodeInvalid, opts...)
	default:
		return errs.New(venueName, errs.CodeExchange, opts...)
	}
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// venueSymbol converts a canonical BASE/QUOTE pair to MEXC's concatenated form.
func venueSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), "/", ""))
}

func snapshotFromOrder(resp orderResponse, pair string) exchange.OrderSnapshot {
	updatedAt := time.Time{}
	if resp.UpdateTime > 0 {
		updatedAt = time.UnixMilli(resp.UpdateTime)
	}
	return exchange.OrderSnapshot{
		ExchangeOrderID: resp.OrderID.String(),
		Pair:            pair,
		Side:            exchange.Side(strings.ToLower(resp.Side)),
		Price:           resp.Price,
		Qty:             resp.OrigQty,
		Filled:          resp.ExecutedQty,
		Status:          resp.Status,
		UpdatedAt:       updatedAt,
	}
}

var _ exchange.Exchange = (*Client)(nil)
