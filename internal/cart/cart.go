// Package cart holds the products a store user intends to order. A cart is
// mutated by one flow at a time and has no persistence of its own.
package cart

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"storeorders/internal/models"
)

var ErrInvalidQuantity = errors.New("quantity must be at least 1")

type Line struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is not safe for concurrent use. No line ever has a quantity below 1.
type Cart struct {
	lines map[string]Line
}

func New() *Cart {
	return &Cart{lines: make(map[string]Line)}
}

// Add accumulates quantity onto the product's line, creating it if needed.
// The line takes the product's current name and price.
func (c *Cart) Add(product models.Product, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	line, ok := c.lines[product.ID]
	if !ok {
		line = Line{ProductID: product.ID}
	}
	line.Name = product.Name
	line.UnitPrice = product.Price
	line.Quantity += quantity
	c.lines[product.ID] = line
	return nil
}

// SetQuantity replaces the quantity of an existing line; below 1 removes it.
// Products not in the cart are ignored.
func (c *Cart) SetQuantity(productID string, quantity int) {
	line, ok := c.lines[productID]
	if !ok {
		return
	}
	if quantity < 1 {
		delete(c.lines, productID)
		return
	}
	line.Quantity = quantity
	c.lines[productID] = line
}

func (c *Cart) Remove(productID string) {
	delete(c.lines, productID)
}

func (c *Cart) Clear() {
	clear(c.lines)
}

func (c *Cart) Line(productID string) (Line, bool) {
	line, ok := c.lines[productID]
	return line, ok
}

// Lines returns a copy of the lines ordered by product ID.
func (c *Cart) Lines() []Line {
	out := make([]Line, 0, len(c.lines))
	for _, line := range c.lines {
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

func (c *Cart) TotalItems() int {
	total := 0
	for _, line := range c.lines {
		total += line.Quantity
	}
	return total
}

// TotalPrice is computed from the lines' current prices, unlike an order's
// frozen total.
func (c *Cart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.Total())
	}
	return total
}
