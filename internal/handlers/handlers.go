package handlers

import (
	"context"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"storeorders/internal/config"
	"storeorders/internal/middleware"
	"storeorders/internal/models"
	"storeorders/internal/security"
	"storeorders/internal/service"
)

type AuthAPI interface {
	Login(ctx context.Context, input service.LoginInput) (service.AuthResult, error)
	Refresh(ctx context.Context, input service.RefreshInput) (service.AuthResult, error)
	Logout(ctx context.Context, sessionID string) error
	Authenticate(ctx context.Context, token string) (models.User, *security.AccessClaims, error)
}

type OrderAPI interface {
	Place(ctx context.Context, caller models.Identity, input service.PlaceInput) (models.Order, error)
	Get(ctx context.Context, caller models.Identity, id string) (models.Order, error)
	List(ctx context.Context, caller models.Identity, input service.ListInput) ([]models.Order, error)
	UpdateStatus(ctx context.Context, caller models.Identity, id string, target models.OrderStatus, notes *string) (models.Order, error)
	ManifestURL(ctx context.Context, caller models.Identity, id string) (*url.URL, error)
}

// HealthCheck reports one dependency for /healthz.
type HealthCheck func(ctx context.Context) error

type HandlerSet struct {
	log          zerolog.Logger
	cfg          *config.AppConfig
	authService  AuthAPI
	orderService OrderAPI
	idempotency  middleware.IdempotencyStore
	checks       map[string]HealthCheck
}

type Option func(*HandlerSet)

// WithIdempotency enables Idempotency-Key handling on order creation.
func WithIdempotency(store middleware.IdempotencyStore) Option {
	return func(h *HandlerSet) { h.idempotency = store }
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *HandlerSet) { h.checks[name] = check }
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, auth AuthAPI, orders OrderAPI, opts ...Option) HandlerSet {
	registerValidators()

	h := HandlerSet{
		log:          log,
		cfg:          cfg,
		authService:  auth,
		orderService: orders,
		checks:       map[string]HealthCheck{},
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	authenticated := middleware.Auth(h.authService)

	auth := router.Group("/auth")
	{
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.Refresh)
		auth.GET("/me", authenticated, h.Me)
		auth.POST("/logout", authenticated, h.Logout)
	}

	orders := router.Group("/orders")
	orders.Use(authenticated)
	{
		create := []gin.HandlerFunc{middleware.RequireRoles(models.RoleAdmin, models.RoleStore)}
		if h.idempotency != nil {
			create = append(create, middleware.Idempotency(h.idempotency, h.log))
		}
		orders.POST("", append(create, h.CreateOrder)...)

		orders.GET("", middleware.RequireRoles(models.RoleAdmin), h.ListOrders)
		orders.GET("/store/:storeId", h.ListStoreOrders)
		orders.GET("/:id", h.GetOrder)
		orders.PUT("/:id/status", h.UpdateOrderStatus)
		orders.GET("/:id/manifest", h.OrderManifest)
	}
}
