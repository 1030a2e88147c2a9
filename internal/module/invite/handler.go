package invite

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/seatpool/server/internal/module/pool"
	"github.com/seatpool/server/internal/module/throttle"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"go.uber.org/zap"
)

// Handler exposes the invite service over HTTP.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new invite handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger.Named("http")}
}

// Register mounts the invite routes on the router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/invites", h.submit)
	rg.GET("/capacity", h.capacity)
	rg.GET("/queue/stats", h.queueStats)
	rg.DELETE("/members/:identity", h.remove)
	rg.POST("/reconcile", h.reconcile)
}

func (h *Handler) submit(c *gin.Context) {
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.Submit(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if resp.Status == StatusQueued || resp.Status == StatusWaiting {
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

func (h *Handler) capacity(c *gin.Context) {
	resp, err := h.service.Capacity(c.Request.Context(), c.Query("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) queueStats(c *gin.Context) {
	resp, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) remove(c *gin.Context) {
	identity := c.Param("identity")
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}

	resp, err := h.service.Remove(c.Request.Context(), identity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) reconcile(c *gin.Context) {
	group := c.Query("group")
	if err := h.service.TriggerReconcile(c.Request.Context(), group); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// fail maps service errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrThrottled):
		c.Header("Retry-After", strconv.Itoa(1))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "throttled"})
	case errors.Is(err, throttle.ErrUsesExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "code uses exhausted"})
	case errors.Is(err, pool.ErrInviteNotFound), errors.Is(err, pool.ErrTeamNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sharederrors.ErrCoordinationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coordination unavailable"})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
