package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderStatus(t *testing.T) {
	for _, raw := range []string{"PENDING", "pending", " Pending "} {
		status, err := ParseOrderStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, OrderStatusPending, status)
	}

	_, err := ParseOrderStatus("Cancelled")
	assert.Error(t, err)
}

func TestOrderStatus_Rank(t *testing.T) {
	assert.Less(t, OrderStatusPending.Rank(), OrderStatusShipped.Rank())
	assert.Less(t, OrderStatusShipped.Rank(), OrderStatusDelivered.Rank())
	assert.Equal(t, -1, OrderStatus("Refunded").Rank())
	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.Equal(t, "SHIPPED", OrderStatusShipped.DBValue())
}

func TestNewOrderItem_FreezesTotal(t *testing.T) {
	item := NewOrderItem("p1", "Flour", 3, decimal.RequireFromString("2.15"))
	assert.True(t, item.TotalPrice.Equal(decimal.RequireFromString("6.45")))

	total := SumItems([]OrderItem{item, NewOrderItem("p2", "Salt", 1, decimal.NewFromInt(1))})
	assert.Equal(t, "7.45", total.StringFixed(2))
}

func TestOrder_CloneDoesNotShareItems(t *testing.T) {
	notes := "leave at back door"
	order := Order{ID: "o1", Items: []OrderItem{{ProductID: "p1", Quantity: 1}}, Notes: &notes}

	clone := order.Clone()
	clone.Items[0].Quantity = 9
	*clone.Notes = "changed"

	assert.Equal(t, 1, order.Items[0].Quantity)
	assert.Equal(t, "leave at back door", *order.Notes)
}

func TestIdentity_Valid(t *testing.T) {
	assert.True(t, Identity{ID: "u1", Role: RoleAdmin}.Valid())
	assert.False(t, Identity{ID: "u1", Role: RoleStore}.Valid())
	assert.True(t, Identity{ID: "u1", Role: RoleStore, StoreID: "s1"}.Valid())
	assert.False(t, Identity{ID: "u1", Role: "owner"}.Valid())

	assert.Empty(t, Identity{ID: "u1", Role: RoleAdmin, StoreID: "s1"}.EffectiveStoreID())
}

func TestUser_IdentityDropsStoreForAdmins(t *testing.T) {
	store := "s9"
	admin := User{ID: "u1", Role: RoleAdmin, StoreID: &store}
	assert.Empty(t, admin.Identity().StoreID)

	storeUser := User{ID: "u2", Role: RoleStore, StoreID: &store}
	assert.Equal(t, "s9", storeUser.Identity().StoreID)
}
