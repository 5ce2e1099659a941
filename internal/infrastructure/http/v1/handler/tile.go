package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jaennil/terrainstream/internal/terrain/lod"
)

func (h *Handler) Presence(c *gin.Context) {
	l := loggerFrom(c)

	strTier := c.Param("tier")
	tier, err := strconv.Atoi(strTier)
	if err != nil {
		l.Warn("invalid tier parameter", "tier", strTier, "error", err)
		h.RespondWithError(c, http.StatusBadRequest, errors.New("tier should be integer"))
		return
	}

	snap, err := h.terrain.Presence(tier)
	if errors.Is(err, lod.ErrUnknownTier) {
		h.RespondWithError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.RespondWithInternalServerError(c, err)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "presence", snap)
}
