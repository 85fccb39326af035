// Package api is the HTTP client for the authority server. The server is
// treated as opaque: it accepts mutations and returns authoritative state.
//
// Transport failures and 5xx responses surface as clientsync.TransientError,
// credential rejections as clientsync.ErrAuthentication, and semantic 4xx
// rejections as clientsync.BusinessError, so callers can branch on the
// taxonomy without inspecting status codes.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	clientsync "github.com/wolfeidau/client-sync"
)

const (
	// DefaultTimeout is the default timeout for server requests.
	DefaultTimeout = 30 * time.Second
)

// Client talks to the authority server.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the session bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EntitlementStatus fetches the user's current entitlement snapshot.
func (c *Client) EntitlementStatus(ctx context.Context) (*clientsync.EntitlementSnapshot, error) {
	var resp entitlementResponse
	if err := c.do(ctx, http.MethodGet, "/v1/entitlement", nil, &resp); err != nil {
		return nil, err
	}

	snap := &clientsync.EntitlementSnapshot{
		Entitled: resp.Entitled,
		Plan:     resp.Plan,
		PlanHint: resp.PlanID,
		Used:     resp.Used,
		Limit:    resp.Limit,
	}
	if resp.Unlimited {
		snap.Limit = clientsync.UnlimitedLimit
	}
	if resp.ExpiresAt != nil {
		t := time.UnixMilli(*resp.ExpiresAt)
		snap.ExpiresAt = &t
	}
	return snap, nil
}

// PlanCatalog fetches the list of available subscription plans.
func (c *Client) PlanCatalog(ctx context.Context) ([]clientsync.PlanRef, error) {
	var resp planCatalogResponse
	if err := c.do(ctx, http.MethodGet, "/v1/plans", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plans, nil
}

// ToggleItem applies a saved-item membership mutation. A business rejection
// arrives in the response body with OK=false rather than as an error, so the
// caller can distinguish quota rejections from transport failures.
func (c *Client) ToggleItem(ctx context.Context, req ToggleRequest) (*ToggleResponse, error) {
	var resp ToggleResponse
	if err := c.do(ctx, http.MethodPost, "/v1/items/toggle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreatePaymentOrder creates a payment order for planID and returns the
// external payment link to redirect to.
func (c *Client) CreatePaymentOrder(ctx context.Context, planID string) (*PaymentOrder, error) {
	body := struct {
		PlanID string `json:"planId"`
	}{PlanID: planID}

	var resp PaymentOrder
	if err := c.do(ctx, http.MethodPost, "/v1/payments/orders", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyPayment asks the server to confirm an externally-completed payment.
func (c *Client) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payments/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return clientsync.Transient(fmt.Errorf("performing request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx responses onto the error taxonomy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return clientsync.ErrAuthentication
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return clientsync.Transient(fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body)))
	default:
		return &clientsync.BusinessError{Code: rejectionCode(resp)}
	}
}

func rejectionCode(resp *http.Response) string {
	var body struct {
		Reason    string `json:"reason"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		if body.ErrorCode != "" {
			return body.ErrorCode
		}
		if body.Reason != "" {
			return body.Reason
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return clientsync.ReasonNotFound
	}
	return fmt.Sprintf("http_%d", resp.StatusCode)
}
