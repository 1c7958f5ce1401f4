package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"storeorders/internal/ids"
	"storeorders/internal/models"
	"storeorders/internal/orderstatus"
	"storeorders/internal/queue"
	"storeorders/internal/repository"
	"storeorders/internal/storage"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrUnknownProduct   = errors.New("unknown product")
	ErrUnknownStore     = errors.New("unknown store")
	ErrStoreMismatch    = errors.New("store users may only order for their own store")
	ErrEmptyOrder       = errors.New("order has no items")
	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
	ErrMissingStore     = errors.New("store_id is required")
	ErrManifestNotReady = errors.New("manifest not archived yet")
	ErrRoleNotPermitted = errors.New("role may not place orders")
)

type OrderStore interface {
	Create(ctx context.Context, draft repository.OrderDraft) (models.Order, error)
	GetByID(ctx context.Context, id string) (models.Order, error)
	List(ctx context.Context, filter repository.OrderFilter) ([]models.Order, error)
	UpdateStatus(ctx context.Context, id string, mutate func(*models.Order) error) (models.Order, error)
}

type StoreDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event queue.Event) error
}

type ManifestLocator interface {
	PresignManifest(ctx context.Context, orderID string) (*url.URL, error)
}

type OrderService struct {
	orders    OrderStore
	stores    StoreDirectory
	events    EventPublisher
	manifests ManifestLocator
	log       zerolog.Logger
	now       func() time.Time
}

func NewOrderService(orders OrderStore, stores StoreDirectory, events EventPublisher, manifests ManifestLocator, log zerolog.Logger) *OrderService {
	return &OrderService{
		orders:    orders,
		stores:    stores,
		events:    events,
		manifests: manifests,
		log:       log,
		now:       time.Now,
	}
}

type PlaceLine struct {
	ProductID string
	Quantity  int
}

type PlaceInput struct {
	StoreID string
	Lines   []PlaceLine
	Notes   *string
}

// Place creates a Pending order priced from the current product catalogue.
// Repeated product lines are merged.
func (s *OrderService) Place(ctx context.Context, caller models.Identity, input PlaceInput) (models.Order, error) {
	if caller.Role != models.RoleAdmin && caller.Role != models.RoleStore {
		return models.Order{}, ErrRoleNotPermitted
	}
	if input.StoreID == "" {
		return models.Order{}, ErrMissingStore
	}
	if caller.Role == models.RoleStore && caller.StoreID != input.StoreID {
		return models.Order{}, ErrStoreMismatch
	}
	if len(input.Lines) == 0 {
		return models.Order{}, ErrEmptyOrder
	}

	lines := make([]repository.DraftLine, 0, len(input.Lines))
	index := make(map[string]int, len(input.Lines))
	for _, line := range input.Lines {
		if line.Quantity < 1 {
			return models.Order{}, fmt.Errorf("%w: product %s", ErrInvalidQuantity, line.ProductID)
		}
		if i, ok := index[line.ProductID]; ok {
			lines[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(lines)
		lines = append(lines, repository.DraftLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	exists, err := s.stores.Exists(ctx, input.StoreID)
	if err != nil {
		return models.Order{}, err
	}
	if !exists {
		return models.Order{}, ErrUnknownStore
	}

	now := s.now().UTC()
	order, err := s.orders.Create(ctx, repository.OrderDraft{
		ID:          ids.New(),
		OrderNumber: ids.OrderNumber(now),
		UserID:      caller.ID,
		StoreID:     input.StoreID,
		Notes:       input.Notes,
		Lines:       lines,
		CreatedAt:   now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return models.Order{}, fmt.Errorf("%w: %w", ErrUnknownProduct, err)
		}
		return models.Order{}, err
	}

	s.log.Info().
		Str("order_id", order.ID).
		Str("order_number", order.OrderNumber).
		Str("store_id", order.StoreID).
		Str("total", order.TotalAmount.StringFixed(2)).
		Msg("order placed")
	s.publish(ctx, queue.EventOrderCreated, order)
	return order, nil
}

// publish never fails the request; the order is already committed.
func (s *OrderService) publish(ctx context.Context, eventType string, order models.Order) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), queue.Event{Type: eventType, Order: order}); err != nil {
		s.log.Error().Err(err).Str("order_id", order.ID).Str("type", eventType).Msg("publish order event failed")
	}
}

// visible hides other stores' orders from store users.
func visible(caller models.Identity, order models.Order) bool {
	return caller.Role == models.RoleAdmin || (caller.Role == models.RoleStore && caller.StoreID == order.StoreID)
}

func (s *OrderService) Get(ctx context.Context, caller models.Identity, id string) (models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return models.Order{}, ErrOrderNotFound
		}
		return models.Order{}, err
	}
	if !visible(caller, order) {
		return models.Order{}, ErrOrderNotFound
	}
	return order, nil
}

type ListInput struct {
	StoreID string
	Status  models.OrderStatus
	Limit   int
	Offset  int
}

// List returns every order to admins; store users only see their own store
// and asking for another store is ErrStoreMismatch.
func (s *OrderService) List(ctx context.Context, caller models.Identity, input ListInput) ([]models.Order, error) {
	filter := repository.OrderFilter{
		StoreID: input.StoreID,
		Status:  input.Status,
		Limit:   input.Limit,
		Offset:  input.Offset,
	}
	switch caller.Role {
	case models.RoleAdmin:
	case models.RoleStore:
		if input.StoreID != "" && input.StoreID != caller.StoreID {
			return nil, ErrStoreMismatch
		}
		filter.StoreID = caller.StoreID
	default:
		return nil, orderstatus.ErrForbidden
	}
	return s.orders.List(ctx, filter)
}

// UpdateStatus applies the transition table under a row lock, so two
// concurrent updates cannot both succeed from the same starting status.
func (s *OrderService) UpdateStatus(ctx context.Context, caller models.Identity, id string, target models.OrderStatus, notes *string) (models.Order, error) {
	var from models.OrderStatus
	order, err := s.orders.UpdateStatus(ctx, id, func(o *models.Order) error {
		if !visible(caller, *o) {
			return ErrOrderNotFound
		}
		from = o.Status
		if err := orderstatus.Apply(o, caller.Role, target, s.now().UTC()); err != nil {
			return err
		}
		if notes != nil {
			o.Notes = notes
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return models.Order{}, ErrOrderNotFound
		}
		return models.Order{}, err
	}

	s.log.Info().
		Str("order_id", order.ID).
		Str("from", from.String()).
		Str("to", order.Status.String()).
		Str("role", string(caller.Role)).
		Msg("order status changed")
	s.publish(ctx, queue.EventOrderStatusChanged, order)
	return order, nil
}

func (s *OrderService) ManifestURL(ctx context.Context, caller models.Identity, id string) (*url.URL, error) {
	order, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	u, err := s.manifests.PresignManifest(ctx, order.ID)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrManifestNotReady
		}
		return nil, err
	}
	return u, nil
}
