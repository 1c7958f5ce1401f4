// Package orderstatus holds the role-gated transition table for orders.
// Both the portal client and the order service consult it, so a UI only asks
// whether a transition is currently valid instead of re-deriving the rule.
package orderstatus

import (
	"errors"
	"fmt"
	"time"

	"storeorders/internal/models"
)

var (
	ErrForbidden         = errors.New("transition not allowed for role")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown order status")
)

type rule struct {
	role models.Role
	from func(models.OrderStatus) bool
	to   models.OrderStatus
}

func is(status models.OrderStatus) func(models.OrderStatus) bool {
	return func(s models.OrderStatus) bool { return s == status }
}

func notDelivered(s models.OrderStatus) bool {
	return s != models.OrderStatusDelivered
}

// Only an admin marks goods as dispatched; the receiving store may confirm
// receipt at any point before delivery, skipping Shipped.
var rules = []rule{
	{role: models.RoleAdmin, from: is(models.OrderStatusPending), to: models.OrderStatusShipped},
	{role: models.RoleAdmin, from: is(models.OrderStatusPending), to: models.OrderStatusDelivered},
	{role: models.RoleStore, from: notDelivered, to: models.OrderStatusDelivered},
}

// Check validates moving an order from one status to another on behalf of
// role. Re-applying the current status or moving backwards is an
// ErrInvalidTransition for every role, never a silent no-op.
func Check(role models.Role, from, to models.OrderStatus) error {
	if !from.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if to.Rank() <= from.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for _, r := range rules {
		if r.role == role && r.to == to && r.from(from) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot move %s -> %s", ErrForbidden, role, from, to)
}

func Can(role models.Role, from, to models.OrderStatus) bool {
	return Check(role, from, to) == nil
}

// Allowed lists the statuses role may move an order to from its current status.
func Allowed(role models.Role, from models.OrderStatus) []models.OrderStatus {
	var out []models.OrderStatus
	for _, to := range models.OrderStatuses {
		if Can(role, from, to) {
			out = append(out, to)
		}
	}
	return out
}

// Apply moves order to the target status. Items and TotalAmount are never
// touched; on error the order is left unchanged.
func Apply(order *models.Order, role models.Role, to models.OrderStatus, now time.Time) error {
	if err := Check(role, order.Status, to); err != nil {
		return err
	}
	order.Status = to
	order.UpdatedAt = now
	if to == models.OrderStatusDelivered {
		ts := now
		order.StatusChangedToCompleted = &ts
	}
	return nil
}
