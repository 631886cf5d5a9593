package http

import (
	"net/http"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	apperrors "instacast/pkg/errors"
	"instacast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// Presence reports which peers hold a live rendezvous connection.
type Presence interface {
	IsPeerConnected(peerID domain.PeerID) bool
	ConnectionCount() int
}

type HostHandler struct {
	hosts    ports.HostRepository
	presence Presence
}

func NewHostHandler(hosts ports.HostRepository, presence Presence) *HostHandler {
	return &HostHandler{
		hosts:    hosts,
		presence: presence,
	}
}

func (h *HostHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/hosts", h.ListHosts)
		api.GET("/hosts/:id", h.GetHost)
		api.GET("/peers/:id/online", h.PeerOnline)
		api.GET("/stats", h.Stats)
	}
}

// ListHosts returns announced hosts in the same shape discovery uses.
func (h *HostHandler) ListHosts(c *gin.Context) {
	announcements, err := h.hosts.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	hosts := make([]domain.HostInfo, 0, len(announcements))
	for _, a := range announcements {
		hosts = append(hosts, a.Info())
	}
	c.JSON(http.StatusOK, gin.H{
		"hosts": hosts,
		"total": len(hosts),
	})
}

func (h *HostHandler) GetHost(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	host, err := h.hosts.GetByID(c.Request.Context(), domain.PeerID(id))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"host":   host,
		"online": h.presence.IsPeerConnected(host.ID),
	})
}

func (h *HostHandler) PeerOnline(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer_id": id,
		"online":  h.presence.IsPeerConnected(domain.PeerID(id)),
	})
}

func (h *HostHandler) Stats(c *gin.Context) {
	announcements, err := h.hosts.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": h.presence.ConnectionCount(),
		"hosts":       len(announcements),
	})
}
