package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jaennil/terrainstream/internal/infrastructure/http/v1/dto"
	"github.com/jaennil/terrainstream/pkg/telemetry"
)

func (h *Handler) Area(c *gin.Context) {
	var req dto.AreaRequest
	if !h.bindJSON(c, &req) {
		return
	}

	h.terrain.LoadMapArea(*req.X, *req.Z, req.FineView, req.CoarseView)
	loggerFrom(c).Debug("map area moved", "x", *req.X, "z", *req.Z, "fine_view", req.FineView, "coarse_view", req.CoarseView)

	h.RespondWithJSON(c, http.StatusOK, "area updated", nil)
}

func (h *Handler) Motion(c *gin.Context) {
	var req dto.MotionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	h.terrain.SetMoving(*req.Moving)

	h.RespondWithJSON(c, http.StatusOK, "motion updated", dto.MotionRequest{Moving: req.Moving})
}

func (h *Handler) Height(c *gin.Context) {
	x, errX := strconv.ParseFloat(c.Query("x"), 64)
	z, errZ := strconv.ParseFloat(c.Query("z"), 64)
	if errX != nil || errZ != nil || math.IsNaN(x) || math.IsNaN(z) {
		loggerFrom(c).Warn("invalid height query", "x", c.Query("x"), "z", c.Query("z"))
		h.RespondWithError(c, http.StatusBadRequest, ErrInvalidQuery)
		return
	}

	height, ok := h.terrain.TerrainHeightAt(x, z)
	resp := dto.HeightResponse{X: x, Z: z, Height: height, Available: ok}
	if !ok {
		h.RespondWithJSON(c, http.StatusOK, "height not available", resp)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "height", resp)
}

func (h *Handler) Stats(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "stats", dto.StatsResponse{
		Epoch:  h.terrain.Epoch(),
		Moving: h.terrain.Moving(),
		Layers: h.terrain.Layers(),
		Tiers:  h.terrain.Stats(),
	})
}

// ClearCache moves the map to a new cache epoch and drops the entries of older
// epochs. Resident tiles are kept.
func (h *Handler) ClearCache(c *gin.Context) {
	var req dto.CacheClearRequest
	if c.Request.ContentLength != 0 {
		if !h.bindJSON(c, &req) {
			return
		}
	}
	if req.Epoch == "" {
		req.Epoch = uuid.NewString()
	}

	telemetry.SpanFromContext(c).SetAttributes(attribute.String("tile.epoch", req.Epoch))

	h.terrain.ClearCache(req.Epoch)
	if h.cache != nil {
		if err := h.cache.Prune(req.Epoch); err != nil {
			loggerFrom(c).Warn("failed to prune tile cache", "epoch", req.Epoch, "error", err)
		}
	}

	h.RespondWithJSON(c, http.StatusOK, "cache cleared", dto.CacheClearResponse{Epoch: req.Epoch})
}
