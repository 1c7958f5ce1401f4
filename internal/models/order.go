package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusDelivered OrderStatus = "Delivered"
)

// OrderStatuses lists every status along the fulfillment path.
var OrderStatuses = []OrderStatus{OrderStatusPending, OrderStatusShipped, OrderStatusDelivered}

// ParseOrderStatus accepts any casing; the database stores upper case.
func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, status := range OrderStatuses {
		if strings.EqualFold(strings.TrimSpace(s), string(status)) {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Rank is the position along Pending -> Shipped -> Delivered, or -1.
func (s OrderStatus) Rank() int {
	for i, status := range OrderStatuses {
		if s == status {
			return i
		}
	}
	return -1
}

func (s OrderStatus) Valid() bool {
	return s.Rank() >= 0
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered
}

func (s OrderStatus) DBValue() string {
	return strings.ToUpper(string(s))
}

func (s OrderStatus) String() string {
	return string(s)
}

type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// NewOrderItem freezes the line total at the given unit price.
func NewOrderItem(productID, name string, quantity int, unitPrice decimal.Decimal) OrderItem {
	return OrderItem{
		ProductID:   productID,
		ProductName: name,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		TotalPrice:  unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// Order is an immutable record of a placed cart. Only Status, Notes and the
// timestamps change after creation.
type Order struct {
	ID                       string          `json:"id"`
	OrderNumber              string          `json:"order_number"`
	UserID                   string          `json:"user_id"`
	StoreID                  string          `json:"store_id"`
	Status                   OrderStatus     `json:"status"`
	Items                    []OrderItem     `json:"items"`
	TotalAmount              decimal.Decimal `json:"total_amount"`
	Notes                    *string         `json:"notes,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
	StatusChangedToPending   *time.Time      `json:"status_changed_to_pending,omitempty"`
	StatusChangedToCompleted *time.Time      `json:"status_changed_to_completed,omitempty"`
}

// SumItems returns Σ item.TotalPrice.
func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.TotalPrice)
	}
	return total
}

type Product struct {
	ID    string
	Name  string
	SKU   string
	Price decimal.Decimal
}

// Clone returns a deep copy so callers can hand out orders without sharing
// the item slice.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	if o.Notes != nil {
		notes := *o.Notes
		out.Notes = &notes
	}
	return out
}
