// Package gateway reads recent incoming transfers from the bank gateway's HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02 15:04:05"

// TxnID accepts both JSON numbers and strings; gateways are not consistent about it.
type TxnID string

func (id *TxnID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = TxnID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("transaction id: %w", err)
	}
	*id = TxnID(n.String())
	return nil
}

// Transaction is one incoming transfer as seen by the gateway.
type Transaction struct {
	ID        string
	Amount    int64
	Memo      string
	Reference string
	At        time.Time
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	// Location for gateway timestamps, which carry no zone.
	Location *time.Location
}

func New(baseURL, token string, timeout time.Duration, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		HTTP:     &http.Client{Timeout: timeout},
		Location: loc,
	}
}

type rawTxn struct {
	ID              TxnID           `json:"id"`
	TransactionDate string          `json:"transaction_date"`
	AmountIn        decimal.Decimal `json:"amount_in"`
	AmountOut       decimal.Decimal `json:"amount_out"`
	Content         string          `json:"transaction_content"`
	ReferenceNumber string          `json:"reference_number"`
}

type listResponse struct {
	Status       int      `json:"status"`
	Messages     any      `json:"messages"`
	Transactions []rawTxn `json:"transactions"`
}

var ErrNotConfigured = errors.New("gateway: base url not configured")

// Recent returns up to limit incoming transfers, newest first as the gateway sends
// them. Outgoing transfers are dropped.
func (c *Client) Recent(ctx context.Context, limit int) ([]Transaction, error) {
	if c.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/transactions/list?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&lr); err != nil {
		return nil, fmt.Errorf("gateway: decode: %w", err)
	}

	out := make([]Transaction, 0, len(lr.Transactions))
	for _, r := range lr.Transactions {
		if !r.AmountIn.IsPositive() || r.ID == "" {
			continue
		}
		at, err := time.ParseInLocation(timeLayout, r.TransactionDate, c.Location)
		if err != nil {
			// tanpa timestamp tidak bisa dicek recency; skip
			continue
		}
		out = append(out, Transaction{
			ID:        string(r.ID),
			Amount:    r.AmountIn.Round(0).IntPart(),
			Memo:      r.Content,
			Reference: r.ReferenceNumber,
			At:        at.UTC(),
		})
	}
	return out, nil
}
