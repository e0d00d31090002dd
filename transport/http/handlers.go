package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/adapters/prompt"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
)

// FocusSink accepts foreground changes observed by the host
type FocusSink interface {
	Push(ctx context.Context, ev core.FocusEvent) (bool, error)
}

// Handlers contains HTTP handlers for the host API
type Handlers struct {
	apps   *service.AppService
	guard  *service.Guard
	broker *prompt.Broker
	focus  FocusSink
}

// NewHandlers creates new host API handlers. focus may be nil when
// foreground events arrive over the message stream instead.
func NewHandlers(apps *service.AppService, guard *service.Guard, broker *prompt.Broker, focus FocusSink) *Handlers {
	return &Handlers{
		apps:   apps,
		guard:  guard,
		broker: broker,
		focus:  focus,
	}
}

// Health reports liveness
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Focus ingests one foreground change
func (h *Handlers) Focus(c *gin.Context) {
	var req struct {
		Package string    `json:"package" binding:"required"`
		At      time.Time `json:"at"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}

	delivered, err := h.focus.Push(c.Request.Context(), core.FocusEvent{Package: req.Package, At: req.At})
	if err != nil {
		statusCode := http.StatusServiceUnavailable
		errorMsg := "Guard is not accepting events"
		if errors.Is(err, core.ErrInvalidPackage) {
			statusCode = http.StatusBadRequest
			errorMsg = "Invalid package"
		}
		c.JSON(statusCode, gin.H{"error": errorMsg})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

// ListApps returns the locked apps
func (h *Handlers) ListApps(c *gin.Context) {
	apps, err := h.apps.ListApps(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list apps"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

// LockApp starts gating an app
func (h *Handlers) LockApp(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}

	// The body is optional
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	pkg := c.Param("package")
	if err := h.apps.LockApp(c.Request.Context(), pkg, req.DisplayName); err != nil {
		if errors.Is(err, core.ErrInvalidPackage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid package"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to lock app"})
		return
	}

	c.Status(http.StatusNoContent)
}

// UnlockApp stops gating an app
func (h *Handlers) UnlockApp(c *gin.Context) {
	err := h.apps.UnlockApp(c.Request.Context(), c.Param("package"))
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Failed to unlock app"

		switch {
		case errors.Is(err, core.ErrInvalidPackage):
			statusCode = http.StatusBadRequest
			errorMsg = "Invalid package"
		case errors.Is(err, core.ErrAppNotFound):
			statusCode = http.StatusNotFound
			errorMsg = "App is not locked"
		default:
			_ = c.Error(err)
		}

		c.JSON(statusCode, gin.H{"error": errorMsg})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListChallenges returns the prompts waiting for the UI
func (h *Handlers) ListChallenges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"challenges": h.broker.Pending()})
}

// ResolveChallenge reports the outcome of a prompt
func (h *Handlers) ResolveChallenge(c *gin.Context) {
	var req struct {
		Token   string `json:"token" binding:"required"`
		Outcome string `json:"outcome" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	outcome, err := core.ParseOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid outcome"})
		return
	}

	if err := h.broker.Resolve(req.Token, outcome); err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Failed to resolve challenge"

		// Map specific errors to appropriate status codes
		switch {
		case errors.Is(err, core.ErrInvalidToken):
			statusCode = http.StatusBadRequest
			errorMsg = "Invalid challenge token"
		case errors.Is(err, core.ErrChallengeNotFound):
			statusCode = http.StatusNotFound
			errorMsg = "Challenge is no longer pending"
		case errors.Is(err, core.ErrChallengeMismatch):
			statusCode = http.StatusConflict
			errorMsg = "Token does not match the challenge"
		}

		c.JSON(statusCode, gin.H{"error": errorMsg})
		return
	}

	c.Status(http.StatusNoContent)
}

// GuardState returns the foreground guard state
func (h *Handlers) GuardState(c *gin.Context) {
	state, err := h.guard.State(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Guard is not running"})
		return
	}

	c.JSON(http.StatusOK, state)
}

// Authenticated reports an unlock the host verified itself
func (h *Handlers) Authenticated(c *gin.Context) {
	var req struct {
		Package string `json:"package" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.guard.Authenticated(c.Request.Context(), req.Package); err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Failed to record authentication"

		switch {
		case errors.Is(err, core.ErrInvalidPackage):
			statusCode = http.StatusBadRequest
			errorMsg = "Invalid package"
		case errors.Is(err, context.Canceled):
			statusCode = http.StatusServiceUnavailable
			errorMsg = "Guard is not running"
		default:
			_ = c.Error(err)
		}

		c.JSON(statusCode, gin.H{"error": errorMsg})
		return
	}

	c.Status(http.StatusNoContent)
}
