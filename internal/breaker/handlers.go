package breaker

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
	"github.com/LeeeWayyy/trading-platform-sub010/pkg/response"
)

// GinHandlers contains HTTP handlers for the kill-switch endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates handlers for the kill-switch endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type engageRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type tripRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// EngageHandler handles POST requests from operators to engage the kill
// switch. The operator identity comes from the JWT claims.
func (h *GinHandlers) EngageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := auth.OperatorFromContext(c)
		if operatorID == "" {
			response.Unauthorized(c, "Operator identity required")
			return
		}

		var req engageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Engage reason is required")
			return
		}

		if err := h.service.Engage(req.Reason, operatorID); err != nil {
			if errors.Is(err, ErrEngageCooldown) {
				response.Conflict(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		state, err := h.service.State()
		if err != nil {
			// Persisted but unreadable; the gate is open either way.
			response.Success(c, types.BreakerResponse{Status: types.BreakerOpen, TripReason: req.Reason})
			return
		}
		response.Success(c, toBreakerResponse(state))
	}
}

// DisengageHandler handles POST requests confirming a disengage. Two
// distinct operators must each call this before trading resumes.
func (h *GinHandlers) DisengageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := auth.OperatorFromContext(c)
		if operatorID == "" {
			response.Unauthorized(c, "Operator identity required")
			return
		}

		state, err := h.service.ConfirmDisengage(operatorID)
		switch {
		case errors.Is(err, ErrNotOpen):
			response.Conflict(c, "Breaker is not open")
			return
		case errors.Is(err, ErrSameOperator):
			response.Conflict(c, "Second confirmation must come from a different operator")
			return
		case err != nil:
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, toBreakerResponse(state))
	}
}

// TripHandler handles POST requests on the internal trip entry point used
// by the risk module and other collaborators.
func (h *GinHandlers) TripHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tripRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Trip reason is required")
			return
		}

		caller := c.GetString("clientID")
		if caller == "" {
			caller = "internal"
		}

		if err := h.service.Trip(req.Reason, caller); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		state, err := h.service.State()
		if err != nil {
			response.Success(c, types.BreakerResponse{Status: types.BreakerOpen, TripReason: req.Reason})
			return
		}
		response.Success(c, toBreakerResponse(state))
	}
}

func toBreakerResponse(state *types.BreakerState) types.BreakerResponse {
	return types.BreakerResponse{
		Status:                 state.Status,
		TripReason:             state.TripReason,
		TrippedAt:              state.TrippedAt,
		TrippedBy:              state.TrippedBy,
		DisengageConfirmations: state.DisengageConfirmations,
	}
}
