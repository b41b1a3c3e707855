package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxResponse caps how much of a response body Caller reads.
const DefaultMaxResponse = 1 << 20

// Caller sends JSON requests. Transport errors and 5xx answers are retried
// up to Retries more times with doubling Backoff; anything else is returned
// to the caller as is.
type Caller struct {
	Client      *http.Client
	Retries     int
	Backoff     time.Duration
	MaxResponse int64
}

// Response is a fully read reply.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the body into v.
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsHTTPURL reports whether raw is an absolute http or https URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// PostJSON encodes in, posts it to target and reads the reply. A non-empty
// bearer is sent in the Authorization header.
func (c Caller) PostJSON(ctx context.Context, target, bearer string, in any) (Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := c.MaxResponse
	if limit <= 0 {
		limit = DefaultMaxResponse
	}
	backoff := c.Backoff
	for attempt := 0; ; attempt++ {
		resp, err := c.once(ctx, client, target, bearer, body, limit)
		retryable := err != nil || resp.Status >= 500
		if !retryable || attempt >= c.Retries {
			return resp, err
		}
		if !sleep(ctx, backoff) {
			return resp, err
		}
		backoff *= 2
	}
}

func (c Caller) once(ctx context.Context, client *http.Client, target, bearer string, body []byte, limit int64) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b := strings.TrimSpace(bearer); b != "" {
		req.Header.Set("Authorization", "Bearer "+b)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return Response{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: raw}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
