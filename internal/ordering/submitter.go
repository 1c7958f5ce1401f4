// Package ordering turns a cart into an order on the Order Service and moves
// existing orders through their status workflow.
//
// Nothing here retries. IsRetrySafe tells a caller whether repeating a failed
// call could create a duplicate or repeat a transition.
package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"storeorders/internal/apiclient"
	"storeorders/internal/cart"
	"storeorders/internal/ids"
	"storeorders/internal/models"
	"storeorders/internal/orderstatus"
)

var (
	ErrMissingStore      = errors.New("store is required")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrRequestFailed     = errors.New("order request failed")
	ErrMalformedResponse = errors.New("order response did not identify the order")
)

// RequestFailedError carries the server's status and message. StatusCode is 0
// when no response arrived.
type RequestFailedError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestFailedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("order request failed: %s", e.Message)
	}
	return fmt.Sprintf("order request failed (%d): %s", e.StatusCode, e.Message)
}

func (e *RequestFailedError) Is(target error) bool {
	return target == ErrRequestFailed
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}

// IsRetrySafe reports whether err proves the server did not act on the
// request. Only a 4xx answer does: a lost response, a 5xx or a gateway error
// may hide a committed order.
func IsRetrySafe(err error) bool {
	var rf *RequestFailedError
	if !errors.As(err, &rf) {
		return false
	}
	return rf.StatusCode >= 400 && rf.StatusCode < 500 && rf.StatusCode != http.StatusRequestTimeout
}

func requestFailed(err error) error {
	var se *apiclient.StatusError
	if errors.As(err, &se) {
		return &RequestFailedError{StatusCode: se.StatusCode, Message: se.Message, Err: err}
	}
	return &RequestFailedError{Message: err.Error(), Err: err}
}

// TokenSource supplies the bearer token for order calls; *session.Manager
// satisfies it.
type TokenSource interface {
	AccessToken() (string, bool)
}

type OrderClient interface {
	CreateOrder(ctx context.Context, accessToken string, req apiclient.CreateOrderRequest, idempotencyKey string) (json.RawMessage, error)
	UpdateOrderStatus(ctx context.Context, accessToken, orderID string, status models.OrderStatus, notes *string) (models.Order, error)
}

type Submitter struct {
	client OrderClient
	tokens TokenSource
	log    zerolog.Logger
}

func NewSubmitter(client OrderClient, tokens TokenSource, logger zerolog.Logger) *Submitter {
	return &Submitter{client: client, tokens: tokens, log: logger}
}

// Place submits the cart as an order for storeID. The cart is left untouched;
// clearing it after success is the caller's job.
func (s *Submitter) Place(ctx context.Context, c *cart.Cart, storeID string, notes *string) (models.Order, error) {
	return s.PlaceKeyed(ctx, ids.New(), c, storeID, notes)
}

// PlaceKeyed is Place with a caller-chosen idempotency key, so a manual retry
// of an ambiguous submission can reuse the first attempt's key.
func (s *Submitter) PlaceKeyed(ctx context.Context, key string, c *cart.Cart, storeID string, notes *string) (models.Order, error) {
	if storeID == "" {
		return models.Order{}, ErrMissingStore
	}
	if c == nil || c.IsEmpty() {
		return models.Order{}, ErrEmptyCart
	}
	token, ok := s.tokens.AccessToken()
	if !ok {
		return models.Order{}, ErrNotAuthenticated
	}

	req := apiclient.CreateOrderRequest{StoreID: storeID, Notes: notes}
	for _, line := range c.Lines() {
		req.Items = append(req.Items, apiclient.CreateOrderItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	raw, err := s.client.CreateOrder(ctx, token, req, key)
	if err != nil {
		s.log.Warn().Err(err).Str("store_id", storeID).Msg("order submission failed")
		return models.Order{}, requestFailed(err)
	}

	order, err := parseCreated(raw)
	if err != nil {
		s.log.Error().Str("store_id", storeID).Str("idempotency_key", key).Msg("order accepted but response unreadable")
		return models.Order{}, err
	}
	s.log.Info().Str("order_id", order.ID).Str("store_id", storeID).Msg("order placed")
	return order, nil
}

// parseCreated accepts {data:{id}}, {data:{order:{id}}} or a bare order.
func parseCreated(raw []byte) (models.Order, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Order{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	var candidates []json.RawMessage
	if len(env.Data) > 0 && string(env.Data) != "null" {
		candidates = append(candidates, env.Data)
		var nested struct {
			Order json.RawMessage `json:"order"`
		}
		if json.Unmarshal(env.Data, &nested) == nil && len(nested.Order) > 0 {
			candidates = append(candidates, nested.Order)
		}
	}
	candidates = append(candidates, raw)

	for _, candidate := range candidates {
		var ref struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(candidate, &ref) != nil || ref.ID == "" {
			continue
		}
		var order models.Order
		if json.Unmarshal(candidate, &order) != nil {
			return models.Order{ID: ref.ID}, nil
		}
		return order, nil
	}
	return models.Order{}, ErrMalformedResponse
}

type StatusUpdater struct {
	client OrderClient
	tokens TokenSource
	now    func() time.Time
	log    zerolog.Logger
}

func NewStatusUpdater(client OrderClient, tokens TokenSource, logger zerolog.Logger) *StatusUpdater {
	return &StatusUpdater{client: client, tokens: tokens, now: time.Now, log: logger}
}

// Update asks the server to move order to target. The transition is checked
// locally first. order itself is never modified; the updated copy is
// returned.
func (u *StatusUpdater) Update(ctx context.Context, order models.Order, role models.Role, target models.OrderStatus, notes *string) (models.Order, error) {
	if err := orderstatus.Check(role, order.Status, target); err != nil {
		return models.Order{}, err
	}
	token, ok := u.tokens.AccessToken()
	if !ok {
		return models.Order{}, ErrNotAuthenticated
	}

	updated, err := u.client.UpdateOrderStatus(ctx, token, order.ID, target, notes)
	if err != nil {
		u.log.Warn().Err(err).Str("order_id", order.ID).Str("target", target.String()).Msg("status update failed")
		if errors.Is(err, apiclient.ErrMalformedBody) {
			return models.Order{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		switch apiclient.StatusCode(err) {
		case http.StatusForbidden:
			return models.Order{}, fmt.Errorf("%w: %w", orderstatus.ErrForbidden, err)
		case http.StatusConflict:
			return models.Order{}, fmt.Errorf("%w: %w", orderstatus.ErrInvalidTransition, err)
		}
		return models.Order{}, requestFailed(err)
	}

	if updated.ID == "" {
		updated = order.Clone()
		if err := orderstatus.Apply(&updated, role, target, u.now()); err != nil {
			return models.Order{}, err
		}
		if notes != nil {
			updated.Notes = notes
		}
	}
	return updated, nil
}
