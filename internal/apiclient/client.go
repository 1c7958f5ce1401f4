// Package apiclient talks to the Identity and Order services over HTTP/JSON.
// It reports HTTP failures as *StatusError and leaves policy (refresh, logout,
// retry) to its callers.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storeorders/internal/models"
)

const maxBodyBytes = 1 << 20

var (
	// ErrMalformedBody marks a 2xx response whose body could not be decoded.
	ErrMalformedBody = errors.New("malformed response body")
	// ErrResponseTooLarge marks a 2xx response whose body exceeds maxBodyBytes.
	ErrResponseTooLarge = errors.New("response body too large")
)

type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0 when err did not
// come from a server response.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "storectl",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type AuthResponse struct {
	User         models.Identity `json:"user"`
	Token        string          `json:"token"`
	RefreshToken string          `json:"refresh_token"`
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	var resp AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context, accessToken string) (models.Identity, error) {
	var user models.Identity
	err := c.doJSON(ctx, http.MethodGet, "/auth/me", accessToken, nil, &user)
	return user, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	var resp AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{
		"refresh_token": refreshToken,
	}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

type CreateOrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	StoreID string            `json:"store_id"`
	Items   []CreateOrderItem `json:"items"`
	Notes   *string           `json:"notes,omitempty"`
}

// CreateOrder returns the raw response body; locating the order in it is the
// caller's concern because an unreadable success must not look like a failure.
func (c *Client) CreateOrder(ctx context.Context, accessToken string, req CreateOrderRequest, idempotencyKey string) (json.RawMessage, error) {
	headers := http.Header{}
	if idempotencyKey != "" {
		headers.Set("Idempotency-Key", idempotencyKey)
	}
	return c.doRaw(ctx, http.MethodPost, "/orders", accessToken, req, headers)
}

type envelope struct {
	Success bool         `json:"success"`
	Data    models.Order `json:"data"`
}

func (c *Client) GetOrder(ctx context.Context, accessToken, orderID string) (models.Order, error) {
	var env envelope
	err := c.doJSON(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), accessToken, nil, &env)
	return env.Data, err
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status"`
	Notes  *string            `json:"notes,omitempty"`
}

func (c *Client) UpdateOrderStatus(ctx context.Context, accessToken, orderID string, status models.OrderStatus, notes *string) (models.Order, error) {
	var env envelope
	err := c.doJSON(ctx, http.MethodPut, "/orders/"+url.PathEscape(orderID)+"/status", accessToken,
		updateStatusRequest{Status: status, Notes: notes}, &env)
	return env.Data, err
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	raw, err := c.doRaw(ctx, method, path, token, body, nil)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedBody, method, path, err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path, token string, body any, headers http.Header) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	truncated := len(data) > maxBodyBytes
	if truncated {
		data = data[:maxBodyBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if truncated {
		return nil, fmt.Errorf("%w: %s %s: over %d bytes", ErrResponseTooLarge, method, path, maxBodyBytes)
	}
	return data, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
