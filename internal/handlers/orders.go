package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storeorders/internal/middleware"
	"storeorders/internal/models"
	"storeorders/internal/orderstatus"
	"storeorders/internal/service"
)

type orderItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

type createOrderRequest struct {
	StoreID string             `json:"store_id" binding:"required"`
	Items   []orderItemRequest `json:"items" binding:"required,min=1,dive"`
	Notes   *string            `json:"notes" binding:"omitempty,max=2000"`
}

func (h HandlerSet) CreateOrder(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	input := service.PlaceInput{StoreID: req.StoreID, Notes: req.Notes}
	for _, item := range req.Items {
		input.Lines = append(input.Lines, service.PlaceLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.orderService.Place(c.Request.Context(), caller, input)
	if err != nil {
		h.orderError(c, err)
		return
	}
	respond(c, http.StatusCreated, order)
}

type listOrdersQuery struct {
	Status string `form:"status" binding:"omitempty,order_status"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

func (h HandlerSet) ListOrders(c *gin.Context) {
	h.listOrders(c, "")
}

func (h HandlerSet) ListStoreOrders(c *gin.Context) {
	h.listOrders(c, c.Param("storeId"))
}

func (h HandlerSet) listOrders(c *gin.Context, storeID string) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	input := service.ListInput{StoreID: storeID, Limit: q.Limit, Offset: q.Offset}
	if q.Status != "" {
		input.Status, _ = models.ParseOrderStatus(q.Status)
	}

	orders, err := h.orderService.List(c.Request.Context(), caller, input)
	if err != nil {
		h.orderError(c, err)
		return
	}
	respond(c, http.StatusOK, orders)
}

func (h HandlerSet) GetOrder(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	order, err := h.orderService.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		h.orderError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status string  `json:"status" binding:"required,order_status"`
	Notes  *string `json:"notes" binding:"omitempty,max=2000"`
}

func (h HandlerSet) UpdateOrderStatus(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	target, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orderService.UpdateStatus(c.Request.Context(), caller, c.Param("id"), target, req.Notes)
	if err != nil {
		h.orderError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h HandlerSet) OrderManifest(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	u, err := h.orderService.ManifestURL(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, u.String())
}

func (h HandlerSet) caller(c *gin.Context) (models.Identity, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return models.Identity{}, false
	}
	return user.Identity(), true
}

func (h HandlerSet) orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrManifestNotReady):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, orderstatus.ErrForbidden),
		errors.Is(err, service.ErrStoreMismatch),
		errors.Is(err, service.ErrRoleNotPermitted):
		respondError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, orderstatus.ErrInvalidTransition):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, orderstatus.ErrUnknownStatus),
		errors.Is(err, service.ErrUnknownProduct),
		errors.Is(err, service.ErrUnknownStore),
		errors.Is(err, service.ErrEmptyOrder),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrMissingStore):
		respondError(c, http.StatusBadRequest, err.Error())
	default:
		h.internalError(c, err)
	}
}
