package http

import (
	"net/http"
	"sort"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// ConnectionHandler exposes the connection manager over HTTP. It is the polling
// alternative to the WebSocket relay: clients push descriptions and candidates
// and fetch local ones back.
type ConnectionHandler struct {
	connections        ports.PeerConnectionService
	defaultCompression domain.CompressionConfig
}

func NewConnectionHandler(connections ports.PeerConnectionService, defaultCompression domain.CompressionConfig) *ConnectionHandler {
	return &ConnectionHandler{
		connections:        connections,
		defaultCompression: defaultCompression,
	}
}

func (h *ConnectionHandler) SetupRoutes(api gin.IRouter) {
	api.GET("/connections", h.ListConnections)
	api.GET("/connections/stats", h.GetAllStats)

	conn := api.Group("/connections/:id")
	{
		conn.POST("", h.CreateConnection)
		conn.GET("", h.GetConnection)
		conn.DELETE("", h.CloseConnection)
		conn.GET("/stats", h.GetStats)

		conn.POST("/offer", h.CreateOffer)
		conn.POST("/answer", h.CreateAnswer)
		conn.POST("/remote-answer", h.HandleAnswer)
		conn.POST("/candidates", h.AddCandidate)
	}

	api.GET("/rtc-configuration", h.GetRTCConfiguration)
	api.PUT("/rtc-configuration", h.UpdateRTCConfiguration)
}

type CreateConnectionRequest struct {
	Compression *domain.CompressionConfig `json:"compression"`
}

type DescriptionRequest struct {
	SDP string `json:"sdp" binding:"required"`
}

type ConnectionResponse struct {
	domain.ConnectionInfo
	States map[string]string `json:"states"`
}

func connectionResponse(info domain.ConnectionInfo) ConnectionResponse {
	return ConnectionResponse{ConnectionInfo: info, States: info.States()}
}

func participantParam(c *gin.Context) (domain.ParticipantID, bool) {
	id := c.Param("id")
	if err := validation.ValidateParticipantID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.ParticipantID(id), true
}

func (h *ConnectionHandler) CreateConnection(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	cfg := h.defaultCompression
	if c.Request.ContentLength > 0 {
		var req CreateConnectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
		if req.Compression != nil {
			cfg = *req.Compression
		}
	}
	if err := cfg.Validate(); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.connections.CreateConnection(c.Request.Context(), id, cfg); err != nil {
		c.Error(err)
		return
	}

	info, err := h.connections.GetConnectionInfo(id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, connectionResponse(info))
}

func (h *ConnectionHandler) GetConnection(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	info, err := h.connections.GetConnectionInfo(id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, connectionResponse(info))
}

func (h *ConnectionHandler) CloseConnection(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	if err := h.connections.CloseConnection(id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	ids := h.connections.ParticipantIDs()

	connections := make([]ConnectionResponse, 0, len(ids))
	for _, id := range ids {
		info, err := h.connections.GetConnectionInfo(id)
		if err != nil {
			// closed between listing and lookup
			continue
		}
		connections = append(connections, connectionResponse(info))
	}

	c.JSON(http.StatusOK, gin.H{
		"connections": connections,
		"count":       len(connections),
	})
}

func (h *ConnectionHandler) GetStats(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	stats, err := h.connections.GetConnectionStats(id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participant_id": id,
		"stats":          stats,
	})
}

func (h *ConnectionHandler) GetAllStats(c *gin.Context) {
	all := h.connections.GetAllConnectionStats()

	ids := make([]string, 0, len(all))
	stats := make(map[string]domain.ConnectionStats, len(all))
	for id, s := range all {
		ids = append(ids, string(id))
		stats[string(id)] = s
	}
	sort.Strings(ids)

	c.JSON(http.StatusOK, gin.H{
		"participants": ids,
		"stats":        stats,
	})
}

func (h *ConnectionHandler) CreateOffer(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	offer, err := h.connections.CreateOffer(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

// CreateAnswer applies a remote offer and returns the local answer
func (h *ConnectionHandler) CreateAnswer(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	var req DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("sdp is required"))
		return
	}
	offer := domain.OfferEnvelope(req.SDP)
	if err := validation.ValidateEnvelope(offer, domain.EnvelopeOffer); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	answer, err := h.connections.CreateAnswer(c.Request.Context(), id, offer)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

// HandleAnswer applies the remote answer to a pending local offer
func (h *ConnectionHandler) HandleAnswer(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	var req DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("sdp is required"))
		return
	}
	answer := domain.AnswerEnvelope(req.SDP)
	if err := validation.ValidateEnvelope(answer, domain.EnvelopeAnswer); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.connections.HandleAnswer(c.Request.Context(), id, answer); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConnectionHandler) AddCandidate(c *gin.Context) {
	id, ok := participantParam(c)
	if !ok {
		return
	}

	var candidate domain.SignalingEnvelope
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	candidate.Kind = domain.EnvelopeCandidate
	if err := validation.ValidateEnvelope(candidate, domain.EnvelopeCandidate); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.connections.AddIceCandidate(c.Request.Context(), id, candidate); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConnectionHandler) GetRTCConfiguration(c *gin.Context) {
	c.JSON(http.StatusOK, h.connections.RTCConfiguration())
}

// UpdateRTCConfiguration replaces the configuration used for connections created afterwards
func (h *ConnectionHandler) UpdateRTCConfiguration(c *gin.Context) {
	var cfg domain.RTCConfiguration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateRTCConfiguration(cfg); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.connections.UpdateRTCConfiguration(cfg); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.connections.RTCConfiguration())
}
