package mexc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/internal/exchange"
)

const (
	defaultWSURL           = "wss://wbs.mexc.com/ws"
	wsReadLimit            = 1 << 20
	wsPingInterval         = 30 * time.Second
	wsMaxReconnectInterval = 30 * time.Second
)

// TickerHandler receives top-of-book updates from the stream.
type TickerHandler func(exchange.Ticker)

// TickerStream maintains a websocket subscription to MEXC book tickers and
// feeds quotes to the registered handler. The connection reconnects with
// exponential backoff and resubscribes after every reconnect.
type TickerStream struct {
	wsURL   string
	handler TickerHandler
	logger  *slog.Logger

	mu    sync.Mutex
	pairs map[string]string
	conn  *websocket.Conn
}

// NewTickerStream constructs a stream delivering quotes to handler.
func NewTickerStream(wsURL string, handler TickerHandler, logger *slog.Logger) *TickerStream {
	trimmed := strings.TrimSpace(wsURL)
	if trimmed == "" {
		trimmed = defaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TickerStream{
		wsURL:   trimmed,
		handler: handler,
		logger:  logger,
		pairs:   make(map[string]string),
	}
}

// Watch adds a pair to the subscription set. Safe to call while running; the
// subscription is sent on the live connection when one exists.
func (s *TickerStream) Watch(ctx context.Context, pair string) error {
	symbol := venueSymbol(pair)
	s.mu.Lock()
	s.pairs[symbol] = pair
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.sendSubscribe(ctx, conn, []string{symbol})
}

// Unwatch removes a pair from the subscription set.
func (s *TickerStream) Unwatch(pair string) {
	s.mu.Lock()
	delete(s.pairs, venueSymbol(pair))
	s.mu.Unlock()
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

type wsBookTicker struct {
	Channel string `json:"c"`
	Data    struct {
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"d"`
	Timestamp int64 `json:"t"`
}

// Run keeps one websocket session alive until the context is cancelled.
func (s *TickerStream) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.Dial(ctx, s.wsURL, nil)
		if err != nil {
			s.logger.Warn("ticker stream dial failed",
				slog.String("url", s.wsURL),
				slog.String("error", err.Error()))
			if !s.sleep(ctx, backoffCfg) {
				return ctx.Err()
			}
			continue
		}
		conn.SetReadLimit(wsReadLimit)

		s.mu.Lock()
		s.conn = conn
		symbols := make([]string, 0, len(s.pairs))
		for symbol := range s.pairs {
			symbols = append(symbols, symbol)
		}
		s.mu.Unlock()

		backoffCfg.Reset()

		if len(symbols) > 0 {
			if err := s.sendSubscribe(ctx, conn, symbols); err != nil {
				s.logger.Warn("ticker stream subscribe failed", slog.String("error", err.Error()))
			}
		}

		err = s.session(ctx, conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("ticker stream session ended", slog.String("error", err.Error()))
		}
		if !s.sleep(ctx, backoffCfg) {
			return ctx.Err()
		}
	}
}

func (s *TickerStream) session(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop(sessionCtx, conn) }()
	go func() { errCh <- s.pingLoop(sessionCtx, conn) }()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

func (s *TickerStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var message wsBookTicker
		if err := json.Unmarshal(data, &message); err != nil {
			continue
		}
		symbol := channelSymbol(message.Channel)
		if symbol == "" || message.Data.BidPrice == "" {
			continue
		}

		s.mu.Lock()
		pair, ok := s.pairs[symbol]
		s.mu.Unlock()
		if !ok || s.handler == nil {
			continue
		}

		s.handler(exchange.Ticker{
			Pair:      pair,
			Bid:       message.Data.BidPrice,
			Ask:       message.Data.AskPrice,
			Timestamp: time.UnixMilli(message.Timestamp),
		})
	}
}

func (s *TickerStream) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.send(ctx, conn, wsRequest{Method: "PING"}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (s *TickerStream) sendSubscribe(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	params := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		params = append(params, "spot@public.bookTicker.v3.api@"+symbol)
	}
	return s.send(ctx, conn, wsRequest{Method: "SUBSCRIPTION", Params: params})
}

func (s *TickerStream) send(ctx context.Context, conn *websocket.Conn, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *TickerStream) sleep(ctx context.Context, cfg *backoff.ExponentialBackOff) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = wsMaxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

func channelSymbol(channel string) string {
	idx := strings.LastIndex(channel, "@")
	if idx < 0 || idx == len(channel)-1 {
		return ""
	}
	if !strings.Contains(channel, "bookTicker") {
		return ""
	}
	return channel[idx+1:]
}
