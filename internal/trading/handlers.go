package trading

import (
	"github.com/gin-gonic/gin"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
	"github.com/LeeeWayyy/trading-platform-sub010/pkg/response"
)

// GinHandlers contains HTTP handlers for the order endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates handlers for the order endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type orderStatusResponse struct {
	Order  *types.Order  `json:"order"`
	Slices []types.Slice `json:"slices,omitempty"`
}

// CreateOrderHandler handles POST requests to submit an order. The
// Idempotency-Key header, when present, makes a retried request return the
// order created by the first attempt.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := auth.OperatorFromContext(c)
		if operatorID == "" {
			response.Unauthorized(c, "Operator identity required")
			return
		}

		var req SubmitOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid order payload: "+err.Error())
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")

		order, err := h.service.SubmitOrder(c.Request.Context(), operatorID, idempotencyKey, req)
		response.Handle(c, order, err)
	}
}

// GetOrderStatusHandler handles GET requests for a single order, including
// its per-slice execution state for sliced orders.
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := auth.OperatorFromContext(c)
		if operatorID == "" {
			response.Unauthorized(c, "Operator identity required")
			return
		}

		order, slices, err := h.service.GetOrder(c.Param("id"), operatorID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, orderStatusResponse{Order: order, Slices: slices})
	}
}

// CancelOrderHandler handles DELETE requests to cancel an order.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := auth.OperatorFromContext(c)
		if operatorID == "" {
			response.Unauthorized(c, "Operator identity required")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("id"), operatorID)
		response.Handle(c, order, err)
	}
}
