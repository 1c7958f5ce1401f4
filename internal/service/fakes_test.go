package service

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"storeorders/internal/models"
	"storeorders/internal/queue"
	"storeorders/internal/repository"
	"storeorders/internal/storage"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]models.User
}

func newMemUsers(users ...models.User) *memUsers {
	m := &memUsers{users: map[string]models.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) Create(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (m *memUsers) GetByID(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *memUsers) update(id string, fn func(*models.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	fn(&u)
	m.users[id] = u
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	lookups  atomic.Int32
	gate     chan struct{}
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]models.Session{}}
}

func (m *memSessions) Create(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = time.Now()
	s.LastSeenAt = s.CreatedAt
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, repository.ErrSessionNotFound
	}
	return s, nil
}

func (m *memSessions) FindByRefreshHash(_ context.Context, hash []byte) (models.Session, error) {
	m.lookups.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if bytes.Equal(s.RefreshTokenHash, hash) {
			return s, nil
		}
	}
	return models.Session{}, repository.ErrSessionNotFound
}

func (m *memSessions) Rotate(_ context.Context, id string, oldHash, newHash []byte, expiresAt time.Time, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !bytes.Equal(s.RefreshTokenHash, oldHash) {
		return repository.ErrSessionNotFound
	}
	s.RefreshTokenHash = newHash
	s.ExpiresAt = expiresAt
	m.sessions[id] = s
	return nil
}

func (m *memSessions) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return repository.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memSessions) CountByUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteOldestSessions(_ context.Context, userID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			mine = append(mine, s)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].LastSeenAt.After(mine[j].LastSeenAt) })
	for i := keep; i < len(mine); i++ {
		delete(m.sessions, mine[i].ID)
	}
	return nil
}

func (m *memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// memOrders mimics OrderRepository: prices come from the catalogue at
// creation time and are copied onto the items.
type memOrders struct {
	mu       sync.Mutex
	products map[string]models.Product
	orders   map[string]models.Order
}

func newMemOrders(products ...models.Product) *memOrders {
	m := &memOrders{products: map[string]models.Product{}, orders: map[string]models.Order{}}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *memOrders) Create(_ context.Context, d repository.OrderDraft) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := d.CreatedAt
	order := models.Order{
		ID: d.ID, OrderNumber: d.OrderNumber, UserID: d.UserID, StoreID: d.StoreID,
		Status: models.OrderStatusPending, Notes: d.Notes,
		CreatedAt: d.CreatedAt, UpdatedAt: d.CreatedAt, StatusChangedToPending: &created,
	}
	for _, line := range d.Lines {
		p, ok := m.products[line.ProductID]
		if !ok {
			return models.Order{}, repository.ErrProductNotFound
		}
		order.Items = append(order.Items, models.NewOrderItem(p.ID, p.Name, line.Quantity, p.Price))
	}
	order.TotalAmount = models.SumItems(order.Items)
	m.orders[order.ID] = order.Clone()
	return order, nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, repository.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *memOrders) List(_ context.Context, f repository.OrderFilter) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Order{}
	for _, o := range m.orders {
		if f.StoreID != "" && o.StoreID != f.StoreID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id string, mutate func(*models.Order) error) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, repository.ErrOrderNotFound
	}
	o = o.Clone()
	if err := mutate(&o); err != nil {
		return models.Order{}, err
	}
	m.orders[id] = o.Clone()
	return o, nil
}

type fakeStores map[string]bool

func (f fakeStores) Exists(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e queue.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

type fakeManifests map[string]bool

func (f fakeManifests) PresignManifest(_ context.Context, orderID string) (*url.URL, error) {
	if !f[orderID] {
		return nil, storage.ErrObjectNotFound
	}
	return url.Parse("https://s3.example/manifests/" + orderID + ".txt?sig=x")
}

var errBoom = errors.New("boom")
