// Package payment provides the blockchain-settled payment network client
// used for inbound snapshots and outbound transfers.
package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mvg-fi-dev/mrmarket/errs"
)

// SafeSnapshot is one settled transfer observed on the payment network.
type SafeSnapshot struct {
	SnapshotID      string    `json:"snapshot_id"`
	AssetID         string    `json:"asset_id"`
	Amount          string    `json:"amount"`
	Confirmations   int       `json:"confirmations"`
	TransactionHash string    `json:"transaction_hash"`
	OpponentID      string    `json:"opponent_id"`
	Memo            string    `json:"memo"`
	CreatedAt       time.Time `json:"created_at"`
}

// TransferRequest asks the network to send funds to an opponent.
type TransferRequest struct {
	AssetID    string `json:"asset_id"`
	OpponentID string `json:"opponent_id"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo"`
	// TraceID deduplicates the transfer network-side.
	TraceID string `json:"trace_id"`
}

// Receipt acknowledges one transfer leg.
type Receipt struct {
	ReceiptID string `json:"receipt_id"`
	TraceID   string `json:"trace_id"`
}

// Client is the payment network capability surface. Transfer and Refund
// return a non-empty receipt slice on success.
type Client interface {
	FetchSafeSnapshot(ctx context.Context, txID string) (SafeSnapshot, error)
	FetchSafeSnapshots(ctx context.Context, limit int) ([]SafeSnapshot, error)
	Transfer(ctx context.Context, req TransferRequest) ([]Receipt, error)
	Refund(ctx context.Context, snapshot SafeSnapshot) ([]Receipt, error)
}

// HTTPClient implements Client against the payment network HTTP API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Options configures the HTTP client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewHTTPClient constructs an HTTP payment client.
func NewHTTPClient(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
	}
}

// FetchSafeSnapshot returns one snapshot by transaction id.
func (c *HTTPClient) FetchSafeSnapshot(ctx context.Context, txID string) (SafeSnapshot, error) {
	var snapshot SafeSnapshot
	path := "/safe/snapshots/" + url.PathEscape(strings.TrimSpace(txID))
	if err := c.do(ctx, http.MethodGet, path, nil, &snapshot); err != nil {
		return SafeSnapshot{}, err
	}
	return snapshot, nil
}

// FetchSafeSnapshots returns recent snapshots, newest first.
func (c *HTTPClient) FetchSafeSnapshots(ctx context.Context, limit int) ([]SafeSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var snapshots []SafeSnapshot
	path := "/safe/snapshots?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Transfer sends funds out. An empty receipt list is treated as failure so
// callers can rely on len(receipts) > 0 after a nil error.
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) ([]Receipt, error) {
	var receipts []Receipt
	if err := c.do(ctx, http.MethodPost, "/safe/transfers", req, &receipts); err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, errs.New("payment", errs.CodeExchange, errs.WithMessage("transfer returned no receipts"))
	}
	return receipts, nil
}

// Refund returns a snapshot's funds to its sender.
func (c *HTTPClient) Refund(ctx context.Context, snapshot SafeSnapshot) ([]Receipt, error) {
	var receipts []Receipt
	if err := c.do(ctx, http.MethodPost, "/safe/snapshots/"+url.PathEscape(snapshot.SnapshotID)+"/refund", nil, &receipts); err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, errs.New("payment", errs.CodeExchange, errs.WithMessage("refund returned no receipts"))
	}
	return receipts, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return errs.New("payment", errs.CodeInvalid, errs.WithMessage("base url not configured"))
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("payment: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payment: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New("payment", errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		code := errs.CodeExchange
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			code = errs.CodeRateLimited
		case resp.StatusCode >= http.StatusInternalServerError:
			code = errs.CodeNetwork
		case resp.StatusCode == http.StatusNotFound:
			code = errs.CodeNotFound
		case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
			code = errs.CodeInvalid
		}
		return errs.New("payment", code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(strings.TrimSpace(string(raw))))
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("payment: decode response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
