package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubmissionPayload is the claim document sent to a payer endpoint.
type SubmissionPayload struct {
	ClaimID     uuid.UUID        `json:"claim_id"`
	PatientID   string           `json:"patient_id"`
	ProviderID  string           `json:"provider_id"`
	ClaimType   string           `json:"claim_type"`
	ServiceDate time.Time        `json:"service_date"`
	TotalAmount float64          `json:"total_amount"`
	LineItems   []PayloadItem    `json:"line_items"`
}

type PayloadItem struct {
	ServiceCode string  `json:"service_code"`
	Amount      float64 `json:"amount"`
	Quantity    int     `json:"quantity"`
}

// SubmissionResponse is the payer's acknowledgement of a submission.
type SubmissionResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Client speaks HTTP to payer endpoints. Timeouts come from the connection,
// not the shared transport.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{}}
}

// Submit posts the claim payload to the connection's endpoint. Any transport
// error or non-2xx response is a delivery failure the gateway may retry.
func (c *Client) Submit(ctx context.Context, conn *Connection, payload *SubmissionPayload) (*SubmissionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, conn.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, conn)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver to %s: %w", conn.Endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read payer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var sub SubmissionResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode payer response: %w", err)
		}
	}
	return &sub, nil
}

// CheckStatus queries the payer for the current state of a previously
// submitted claim, keyed by the payer's own reference.
func (c *Client) CheckStatus(ctx context.Context, conn *Connection, reference string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, conn.Timeout())
	defer cancel()

	url := strings.TrimRight(conn.Endpoint, "/") + "/status/" + reference
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	applyAuth(req, conn)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("status check %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("payer status returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(out.Status)), nil
}

func applyAuth(req *http.Request, conn *Connection) {
	switch conn.AuthType {
	case AuthBasic:
		req.SetBasicAuth(conn.Username, conn.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+conn.Token)
	case AuthAPIKey:
		header := conn.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, conn.APIKey)
	}
}
