package fraud

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudgate/internal/validation"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler provides HTTP endpoints for fraud checks and blocklist admin.
type Handler struct {
	service *Service
}

// NewHandler creates a new fraud handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the fraud check and lookup routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fraud/check", h.CheckTransaction)
	r.GET("/fraud/checks/:transactionId", validation.IdentifierParamMiddleware("transactionId"), h.GetCheck)

	accounts := r.Group("/accounts/:accountId", validation.IdentifierParamMiddleware("accountId"))
	accounts.GET("/checks", h.ListAccountChecks)
	accounts.GET("/profile", h.GetProfile)
}

// RegisterAdminRoutes sets up operator routes. The caller is responsible for
// guarding r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/blocklist", h.ListBlocklist)
	r.POST("/blocklist", h.AddToBlocklist)
	r.DELETE("/blocklist/:identifier", h.RemoveFromBlocklist)
}

// CheckTransaction handles POST /v1/fraud/check
func (h *Handler) CheckTransaction(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON transaction",
		})
		return
	}
	if errs := req.Validate(); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result := h.service.Check(c.Request.Context(), req.Transaction(), SourceHTTP)
	c.JSON(http.StatusOK, result)
}

// GetCheck handles GET /v1/fraud/checks/:transactionId
func (h *Handler) GetCheck(c *gin.Context) {
	result, err := h.service.Get(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No fraud check recorded for this transaction",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListAccountChecks handles GET /v1/accounts/:accountId/checks
func (h *Handler) ListAccountChecks(c *gin.Context) {
	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxHistoryLimit)
		}
	}

	checks, err := h.service.History(c.Request.Context(), c.Param("accountId"), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	if checks == nil {
		checks = []*Result{}
	}
	c.JSON(http.StatusOK, gin.H{
		"checks": checks,
		"count":  len(checks),
	})
}

// GetProfile handles GET /v1/accounts/:accountId/profile
func (h *Handler) GetProfile(c *gin.Context) {
	snap, err := h.service.Profile(c.Param("accountId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No live profile for this account",
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListBlocklist handles GET /v1/admin/blocklist
func (h *Handler) ListBlocklist(c *gin.Context) {
	ids := h.service.Blocklist()
	c.JSON(http.StatusOK, gin.H{
		"identifiers": ids,
		"count":       len(ids),
	})
}

// BlocklistRequest is the body of POST /v1/admin/blocklist.
type BlocklistRequest struct {
	Identifier string `json:"identifier" validate:"required,max=256"`
}

// AddToBlocklist handles POST /v1/admin/blocklist
func (h *Handler) AddToBlocklist(c *gin.Context) {
	var req BlocklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identifier is required",
		})
		return
	}
	if errs := validation.Struct(&req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if err := h.service.AddToBlocklist(c.Request.Context(), req.Identifier); err != nil {
		if errors.Is(err, ErrInvalidIdentifier) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identifier",
				"message": err.Error(),
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"identifier":  req.Identifier,
		"blocklisted": true,
	})
}

// RemoveFromBlocklist handles DELETE /v1/admin/blocklist/:identifier
func (h *Handler) RemoveFromBlocklist(c *gin.Context) {
	id := c.Param("identifier")
	if err := h.service.RemoveFromBlocklist(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Identifier is not blocklisted",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier":  id,
		"blocklisted": false,
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
