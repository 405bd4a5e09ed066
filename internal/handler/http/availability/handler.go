// Package availability exposes the cluster-wide presence view over HTTP so
// portal UIs can show who is reachable for a call. It reads the Redis mirror
// rather than the in-process registry: the mirror covers participants
// connected to any relay instance.
package availability

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carelink-backend/pkg/response"
)

// PresenceReader is the read side of the presence mirror.
type PresenceReader interface {
	IsOnline(ctx context.Context, participantID uuid.UUID) (bool, error)
	OnlineParticipants(ctx context.Context) ([]uuid.UUID, error)
}

// Handler handles presence query requests
type Handler struct {
	mirror PresenceReader
}

// NewHandler creates a new availability handler
func NewHandler(mirror PresenceReader) *Handler {
	return &Handler{mirror: mirror}
}

// RegisterRoutes mounts the presence query endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/presence", h.ListOnline)
	rg.GET("/presence/:participantId", h.GetPresence)
}

// ListOnline returns every participant currently marked online.
// GET /v1/signaling/presence
func (h *Handler) ListOnline(c *gin.Context) {
	ids, err := h.mirror.OnlineParticipants(c.Request.Context())
	if err != nil {
		response.InternalError(c, "Failed to list online participants")
		return
	}

	response.OK(c, gin.H{
		"online": ids,
		"count":  len(ids),
	})
}

// GetPresence reports whether one participant is online.
// GET /v1/signaling/presence/:participantId
func (h *Handler) GetPresence(c *gin.Context) {
	participantID, err := uuid.Parse(c.Param("participantId"))
	if err != nil {
		response.BadRequest(c, "Invalid participant id")
		return
	}

	online, err := h.mirror.IsOnline(c.Request.Context(), participantID)
	if err != nil {
		response.InternalError(c, "Failed to check presence")
		return
	}

	response.OK(c, gin.H{
		"participant_id": participantID,
		"online":         online,
	})
}
