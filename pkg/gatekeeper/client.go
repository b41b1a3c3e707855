// Package gatekeeper is the client for a remote authorization service that
// answers POST /validate.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gravitas/pkg/breaker"
	"gravitas/pkg/httpx"
)

// ErrUnavailable means the remote verdict could not be obtained and the
// caller should decide locally.
var ErrUnavailable = errors.New("gatekeeper unavailable")

const DefaultTimeout = 500 * time.Millisecond

type ValidateRequest struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Verdict is the remote decision. A 401 or 403 answer becomes a denial with
// Status set and Detail carrying the server's explanation.
type Verdict struct {
	Allowed bool     `json:"allowed"`
	GhostID string   `json:"ghost_id,omitempty"`
	Groups  []string `json:"groups,omitempty"`
	AuditID string   `json:"audit_id,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Detail  string   `json:"detail,omitempty"`
	Status  int      `json:"-"`
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Breaker    *breaker.Breaker
}

func NewClient(baseURL string, timeout time.Duration, b *breaker.Breaker) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if b == nil {
		b = breaker.New(breaker.Options{})
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Breaker:    b,
	}
}

// Validate asks the remote side for a verdict. Transport errors, undecodable
// bodies, and statuses other than 200/401/403 count against the breaker and
// come back as ErrUnavailable.
func (c *Client) Validate(ctx context.Context, token, action, resource string, metadata map[string]any) (Verdict, error) {
	var v Verdict
	err := c.Breaker.Do(func() error {
		var err error
		v, err = c.validate(ctx, token, ValidateRequest{Action: action, Resource: resource, Metadata: metadata})
		return err
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

func (c *Client) validate(ctx context.Context, token string, req ValidateRequest) (Verdict, error) {
	caller := httpx.Caller{Client: c.HTTPClient}
	resp, err := caller.PostJSON(ctx, c.BaseURL+"/validate", token, req)
	if err != nil {
		return Verdict{}, err
	}
	status := resp.Status
	switch status {
	case http.StatusOK:
		var v Verdict
		if err := resp.Decode(&v); err != nil {
			return Verdict{}, fmt.Errorf("decode verdict: %w", err)
		}
		v.Status = status
		return v, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		var denial struct {
			Detail string `json:"detail"`
		}
		_ = resp.Decode(&denial)
		if denial.Detail == "" {
			denial.Detail = http.StatusText(status)
		}
		return Verdict{Allowed: false, Reason: denial.Detail, Detail: denial.Detail, Status: status}, nil
	default:
		return Verdict{}, fmt.Errorf("status=%d", status)
	}
}
