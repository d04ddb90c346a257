package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketchat/internal/repositories"
)

// PresenceHandler exposes last known presence for a user, so the listing
// backend can render online badges without a push connection.
type PresenceHandler struct {
	presenceRepo repositories.PresenceRepository
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(presenceRepo repositories.PresenceRepository) *PresenceHandler {
	return &PresenceHandler{presenceRepo: presenceRepo}
}

// GetPresence returns the user's persisted presence.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	p, err := h.presenceRepo.GetPresence(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrPresenceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "presence unknown"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presence"})
		return
	}

	c.JSON(http.StatusOK, p)
}
