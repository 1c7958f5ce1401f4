package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"storeorders/internal/models"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")
)

// OrderDraft is an order before prices are resolved. Lines must have unique
// product IDs.
type OrderDraft struct {
	ID          string
	OrderNumber string
	UserID      string
	StoreID     string
	Notes       *string
	Lines       []DraftLine
	CreatedAt   time.Time
}

type DraftLine struct {
	ProductID string
	Quantity  int
}

type OrderFilter struct {
	StoreID string
	Status  models.OrderStatus
	Limit   int
	Offset  int
}

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, order_number, user_id, store_id, status, total_amount, notes,
	created_at, updated_at, status_changed_to_pending, status_changed_to_completed`

func scanOrder(row pgx.Row) (models.Order, error) {
	var (
		order  models.Order
		status string
	)
	if err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.StoreID,
		&status,
		&order.TotalAmount,
		&order.Notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.StatusChangedToPending,
		&order.StatusChangedToCompleted,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, ErrOrderNotFound
		}
		return models.Order{}, err
	}
	parsed, err := models.ParseOrderStatus(status)
	if err != nil {
		return models.Order{}, fmt.Errorf("order %s: %w", order.ID, err)
	}
	order.Status = parsed
	return order, nil
}

// Create resolves every line's current product price and inserts the order
// with its items in one transaction. The prices are frozen on the items.
func (r *OrderRepository) Create(ctx context.Context, draft OrderDraft) (models.Order, error) {
	return withTx(ctx, r.pool, func(tx pgx.Tx) (models.Order, error) {
		productIDs := make([]string, 0, len(draft.Lines))
		for _, line := range draft.Lines {
			productIDs = append(productIDs, line.ProductID)
		}
		products, err := productsByID(ctx, tx, productIDs)
		if err != nil {
			return models.Order{}, err
		}

		order := models.Order{
			ID:          draft.ID,
			OrderNumber: draft.OrderNumber,
			UserID:      draft.UserID,
			StoreID:     draft.StoreID,
			Status:      models.OrderStatusPending,
			Notes:       draft.Notes,
			CreatedAt:   draft.CreatedAt,
			UpdatedAt:   draft.CreatedAt,
		}
		pendingAt := draft.CreatedAt
		order.StatusChangedToPending = &pendingAt

		for _, line := range draft.Lines {
			product, ok := products[line.ProductID]
			if !ok {
				return models.Order{}, fmt.Errorf("%w: %s", ErrProductNotFound, line.ProductID)
			}
			order.Items = append(order.Items, models.NewOrderItem(product.ID, product.Name, line.Quantity, product.Price))
		}
		order.TotalAmount = models.SumItems(order.Items)

		const insertOrder = `
			INSERT INTO orders (
				id, order_number, user_id, store_id, status, total_amount, notes,
				created_at, updated_at, status_changed_to_pending
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $8, $8
			)
		`
		if _, err := tx.Exec(ctx, insertOrder,
			order.ID,
			order.OrderNumber,
			order.UserID,
			order.StoreID,
			order.Status.DBValue(),
			order.TotalAmount,
			order.Notes,
			order.CreatedAt,
		); err != nil {
			return models.Order{}, fmt.Errorf("insert order: %w", err)
		}

		const insertItem = `
			INSERT INTO order_items (
				order_id, position, product_id, product_name, quantity, unit_price, total_price
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7
			)
		`
		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(insertItem, order.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.TotalPrice)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return models.Order{}, fmt.Errorf("insert order items: %w", err)
		}

		return order, nil
	})
}

func productsByID(ctx context.Context, q querier, ids []string) (map[string]models.Product, error) {
	const query = `
		SELECT id, name, sku, price
		FROM products
		WHERE id = ANY($1)
		FOR SHARE
	`
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	defer rows.Close()

	products := make(map[string]models.Product, len(ids))
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Price); err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (models.Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRow(ctx, query, id))
	if err != nil {
		return models.Order{}, err
	}
	items, err := itemsByOrder(ctx, q, []string{order.ID})
	if err != nil {
		return models.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func itemsByOrder(ctx context.Context, q querier, orderIDs []string) (map[string][]models.OrderItem, error) {
	const query = `
		SELECT order_id, product_id, product_name, quantity, unit_price, total_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`
	rows, err := q.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]models.OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			item    models.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		items[orderID] = append(items[orderID], item)
	}
	return items, rows.Err()
}

// List returns orders newest first, optionally restricted to one store or
// status.
func (r *OrderRepository) List(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var status *string
	if filter.Status != "" {
		s := filter.Status.DBValue()
		status = &s
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1 = '' OR store_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := r.pool.Query(ctx, query, filter.StoreID, status, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		orders []models.Order
		ids    []string
	)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []models.Order{}, nil
	}

	items, err := itemsByOrder(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

// UpdateStatus locks the order row, lets mutate change it, and persists the
// status fields. An error from mutate aborts the transaction untouched.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, mutate func(*models.Order) error) (models.Order, error) {
	return withTx(ctx, r.pool, func(tx pgx.Tx) (models.Order, error) {
		order, err := getOrder(ctx, tx, id, true)
		if err != nil {
			return models.Order{}, err
		}
		if err := mutate(&order); err != nil {
			return models.Order{}, err
		}

		const query = `
			UPDATE orders
			SET status = $2,
			    notes = $3,
			    updated_at = $4,
			    status_changed_to_completed = $5
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, query,
			order.ID,
			order.Status.DBValue(),
			order.Notes,
			order.UpdatedAt,
			order.StatusChangedToCompleted,
		); err != nil {
			return models.Order{}, fmt.Errorf("update order status: %w", err)
		}
		return order, nil
	})
}

type ProductRepository struct {
	pool *pgxpool.Pool
}

func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func (r *ProductRepository) Upsert(ctx context.Context, p models.Product) error {
	const query = `
		INSERT INTO products (id, name, sku, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			sku = EXCLUDED.sku,
			price = EXCLUDED.price,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query, p.ID, p.Name, p.SKU, p.Price)
	return err
}

func (r *ProductRepository) SetPrice(ctx context.Context, id string, price decimal.Decimal) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE products SET price = $2, updated_at = NOW() WHERE id = $1`, id, price)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}
