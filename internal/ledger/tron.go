package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payoutengine/internal/payout"
)

// TronClient talks to a TRON relay node over its REST API. It performs
// no signing itself; the relay holds the hot wallet key.
type TronClient struct {
	baseURL string
	http    *http.Client
}

// TronClientOptions configures the relay client.
type TronClientOptions struct {
	BaseURL string
	Timeout time.Duration
}

// NewTronClient creates a relay client.
func NewTronClient(opts TronClientOptions) *TronClient {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &TronClient{
		baseURL: opts.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	To     string `json:"to_address"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type submitResponse struct {
	TxID string `json:"txid"`
}

// Submit broadcasts a transfer through the relay.
func (c *TronClient) Submit(ctx context.Context, to string, amount decimal.Decimal, asset payout.Asset) (string, error) {
	body := submitRequest{To: to, Amount: amount.String(), Asset: string(asset)}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", body, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", fmt.Errorf("%w: relay returned no txid", ErrRejected)
	}
	return resp.TxID, nil
}

// GetStatus returns confirmation progress for a transaction.
func (c *TronClient) GetStatus(ctx context.Context, txid string) (TxStatus, error) {
	var status TxStatus
	err := c.do(ctx, http.MethodGet, "/v1/transactions/"+txid, nil, &status)
	if err != nil {
		return TxStatus{}, err
	}
	return status, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// GetBalance returns the relay wallet balance for an address.
func (c *TronClient) GetBalance(ctx context.Context, address string, asset payout.Asset) (decimal.Decimal, error) {
	var resp balanceResponse
	path := fmt.Sprintf("/v1/addresses/%s/balance?asset=%s", address, asset)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed balance %q: %w", resp.Balance, err)
	}
	return bal, nil
}

// Rebroadcast re-announces a transaction the network has not seen.
func (c *TronClient) Rebroadcast(ctx context.Context, txid string) error {
	return c.do(ctx, http.MethodPost, "/v1/transactions/"+txid+"/rebroadcast", nil, nil)
}

func (c *TronClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("relay returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound && out != nil:
		// Unknown transaction id maps to an explicit status.
		if status, ok := out.(*TxStatus); ok {
			*status = TxStatus{Result: ResultNotFound}
			return nil
		}
		return fmt.Errorf("%w: not found", ErrRejected)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrRejected, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
