package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/jaennil/terrainstream/internal/terrain/lod"
	"github.com/jaennil/terrainstream/internal/terrain/manager"
	"github.com/jaennil/terrainstream/pkg/logger"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// TerrainService is the part of lod.Map the API drives.
type TerrainService interface {
	LoadMapArea(worldX, worldZ, fineView, coarseView float64)
	TerrainHeightAt(worldX, worldZ float64) (float64, bool)
	SetMoving(moving bool)
	Moving() bool
	ClearCache(epoch string)
	Epoch() string
	Presence(tier int) (manager.PresenceSnapshot, error)
	Stats() []manager.Stats
	Layers() []lod.Layer
}

type CachePruner interface {
	Prune(keepEpoch string) error
}

type Handler struct {
	validate *validator.Validate
	terrain  TerrainService
	cache    CachePruner
	events   *EventHub
}

func NewHandler(v *validator.Validate, terrain TerrainService, cache CachePruner, events *EventHub) *Handler {
	return &Handler{
		validate: v,
		terrain:  terrain,
		cache:    cache,
		events:   events,
	}
}

func (h *Handler) RespondWithInternalServerError(c *gin.Context, err error) {
	loggerFrom(c).Error("internal http_server error",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
		"error", err,
	)
	_ = c.Error(err)
	h.RespondWithJSON(c, http.StatusInternalServerError, InternalServerError.Error(), nil)
}

func (h *Handler) RespondWithError(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	h.RespondWithJSON(c, code, err.Error(), nil)
}

func (h *Handler) RespondWithJSON(c *gin.Context, code int, message string, data any) {
	c.JSON(code, response{
		Success: code < 400,
		Message: message,
		Data:    data,
	})
}

// bindJSON decodes and validates the request body, answering 400 itself on
// failure.
func (h *Handler) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		loggerFrom(c).Warn("failed to decode request body", "path", c.Request.URL.Path, "error", err)
		h.RespondWithError(c, http.StatusBadRequest, ErrFailedToDecodeRequestBody)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

// loggerFrom returns the request logger set by the router, falling back to the
// one carried by the request context.
func loggerFrom(c *gin.Context) logger.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(logger.Logger); ok {
			return l
		}
	}
	return logger.FromContext(c.Request.Context())
}
