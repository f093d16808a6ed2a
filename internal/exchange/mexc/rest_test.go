package mexc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvg-fi-dev/mrmarket/errs"
	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

func TestVenueSymbol(t *testing.T) {
	require.Equal(t, "BTCUSDT", venueSymbol("BTC/USDT"))
	require.Equal(t, "ETHUSDC", venueSymbol(" eth/usdc "))
}

func TestClassifyHTTP(t *testing.T) {
	c := New(Options{})

	cases := []struct {
		status   int
		body     string
		wantCode errs.Code
	}{
		{http.StatusTooManyRequests, `{}`, errs.CodeRateLimited},
		{http.StatusTeapot, `{}`, errs.CodeRateLimited},
		{http.StatusBadGateway, `{}`, errs.CodeNetwork},
		{http.StatusBadRequest, `{"code":30004,"msg":"insufficient balance"}`, errs.CodeInsufficientBalance},
		{http.StatusBadRequest, `{"code":700002,"msg":"signature invalid"}`, errs.CodeInvalid},
		{http.StatusConflict, `{}`, errs.CodeExchange},
	}
	for _, tc := range cases {
		err := c.classifyHTTP(tc.status, []byte(tc.body))
		var envelope *errs.E
		require.ErrorAs(t, err, &envelope, "status %d", tc.status)
		require.Equal(t, tc.wantCode, envelope.Code, "status %d body %s", tc.status, tc.body)
	}
}

func TestChannelSymbol(t *testing.T) {
	require.Equal(t, "BTCUSDT", channelSymbol("spot@public.bookTicker.v3.api@BTCUSDT"))
	require.Equal(t, "", channelSymbol("spot@public.deals.v3.api@BTCUSDT"))
	require.Equal(t, "", channelSymbol("nonsense"))
}

func TestTickerRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"49999.5","askPrice":"50000.5"}`))
	}))
	defer server.Close()

	c := New(Options{RESTURL: server.URL, RateLimit: 1000, RateBurst: 10})
	ticker, err := c.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, "49999.5", ticker.Bid)
	require.Equal(t, "50000.5", ticker.Ask)
}

func TestSignedRequestRequiresCredentials(t *testing.T) {
	c := New(Options{})
	_, err := c.FetchOrder(context.Background(), "BTC/USDT", "1")
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, errs.CodeInvalid, envelope.Code)
}

func TestPlaceLimitOrderSignsAndParses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "key", r.Header.Get("X-MEXC-APIKEY"))
		query := r.URL.Query()
		require.Equal(t, "BTCUSDT", query.Get("symbol"))
		require.Equal(t, "BUY", query.Get("side"))
		require.NotEmpty(t, query.Get("signature"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orderId":123456,"symbol":"BTCUSDT","side":"BUY","status":"NEW","price":"50000","origQty":"0.01","executedQty":"0","updateTime":1700000000000}`))
	}))
	defer server.Close()

	c := New(Options{RESTURL: server.URL, APIKey: "key", APISecret: "secret", RateLimit: 1000, RateBurst: 10})
	snapshot, err := c.PlaceLimitOrder(context.Background(), exchange.LimitOrderRequest{
		Pair:  "BTC/USDT",
		Side:  exchange.SideBuy,
		Price: "50000",
		Qty:   "0.01",
	})
	require.NoError(t, err)
	require.Equal(t, "123456", snapshot.ExchangeOrderID)
	require.Equal(t, "NEW", snapshot.Status)
	require.Equal(t, time.UnixMilli(1700000000000), snapshot.UpdatedAt)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"1","askPrice":"2"}`))
	}))
	defer server.Close()

	c := New(Options{RESTURL: server.URL, RateLimit: 1000, RateBurst: 10})
	_, err := c.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}
