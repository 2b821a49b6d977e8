package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"wgkeeper/internal/models"
	"wgkeeper/internal/services"
)

// PeerService is the lifecycle surface the API drives. Implemented by
// *services.Reconciler.
type PeerService interface {
	Ready(ctx context.Context) error
	List(ctx context.Context) ([]models.Peer, error)
	Get(ctx context.Context, name string) (*models.Peer, error)
	Reveal(ctx context.Context, name string) (*models.Peer, error)
	Create(ctx context.Context, req services.CreateRequest) (*services.Result, error)
	Update(ctx context.Context, name string, patch services.UpdatePatch) (*services.Result, error)
	Enable(ctx context.Context, name string) (*services.Result, error)
	Disable(ctx context.Context, name string) (*services.Result, error)
	Regenerate(ctx context.Context, name string) (*services.Result, error)
	Delete(ctx context.Context, name string) (*services.Result, error)
	BulkDelete(ctx context.Context, names []string) *services.BulkResult
	ServerInfo(ctx context.Context) (*services.ServerInfo, error)
}

// StatsRunner triggers an immediate statistics cycle.
type StatsRunner interface {
	RunOnce(ctx context.Context) (*services.CycleReport, error)
}

type PeerHandler struct {
	peers  PeerService
	stats  StatsRunner
	logger zerolog.Logger
}

func NewPeerHandler(peers PeerService, stats StatsRunner, logger zerolog.Logger) *PeerHandler {
	return &PeerHandler{peers: peers, stats: stats, logger: logger}
}

func RegisterRoutes(g *echo.Group, h *PeerHandler) {
	g.GET("/peers", h.ListPeers)
	g.POST("/peers", h.CreatePeer)
	g.POST("/peers/bulk-delete", h.BulkDelete)
	g.GET("/peers/:name", h.GetPeer)
	g.GET("/peers/:name/reveal", h.RevealPeer)
	g.PATCH("/peers/:name", h.UpdatePeer)
	g.POST("/peers/:name/enable", h.EnablePeer)
	g.POST("/peers/:name/disable", h.DisablePeer)
	g.POST("/peers/:name/regenerate", h.RegeneratePeer)
	g.DELETE("/peers/:name", h.DeletePeer)

	g.POST("/reconcile", h.Reconcile)
	g.GET("/server", h.ServerInfo)
}

// peerResponse never carries the private key; only create and reveal do.
type peerResponse struct {
	Peer     models.PeerView `json:"peer"`
	Warnings []string        `json:"warnings,omitempty"`
}

func safe(res *services.Result) peerResponse {
	return peerResponse{Peer: res.Peer.Safe(), Warnings: res.Warnings}
}

func (h *PeerHandler) ListPeers(c echo.Context) error {
	peers, err := h.peers.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	views := make([]models.PeerView, 0, len(peers))
	for i := range peers {
		views = append(views, peers[i].Safe())
	}
	return c.JSON(http.StatusOK, views)
}

func (h *PeerHandler) GetPeer(c echo.Context) error {
	peer, err := h.peers.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, peer.Safe())
}

func (h *PeerHandler) RevealPeer(c echo.Context) error {
	peer, err := h.peers.Reveal(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, peer)
}

func (h *PeerHandler) CreatePeer(c echo.Context) error {
	var req services.CreateRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, models.Invalid("body", "%v", err))
	}
	res, err := h.peers.Create(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *PeerHandler) UpdatePeer(c echo.Context) error {
	var patch services.UpdatePatch
	if err := c.Bind(&patch); err != nil {
		return h.fail(c, models.Invalid("body", "%v", err))
	}
	res, err := h.peers.Update(c.Request().Context(), c.Param("name"), patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, safe(res))
}

func (h *PeerHandler) EnablePeer(c echo.Context) error {
	return h.lifecycle(c, h.peers.Enable)
}

func (h *PeerHandler) DisablePeer(c echo.Context) error {
	return h.lifecycle(c, h.peers.Disable)
}

func (h *PeerHandler) DeletePeer(c echo.Context) error {
	return h.lifecycle(c, h.peers.Delete)
}

// RegeneratePeer returns the new private key, like create.
func (h *PeerHandler) RegeneratePeer(c echo.Context) error {
	res, err := h.peers.Regenerate(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PeerHandler) lifecycle(c echo.Context, op func(context.Context, string) (*services.Result, error)) error {
	res, err := op(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, safe(res))
}

func (h *PeerHandler) BulkDelete(c echo.Context) error {
	var req struct {
		Names []string `json:"names"`
	}
	if err := c.Bind(&req); err != nil {
		return h.fail(c, models.Invalid("body", "%v", err))
	}
	if len(req.Names) == 0 {
		return h.fail(c, models.Invalid("names", "at least one name is required"))
	}
	return c.JSON(http.StatusOK, h.peers.BulkDelete(c.Request().Context(), req.Names))
}

func (h *PeerHandler) Reconcile(c echo.Context) error {
	report, err := h.stats.RunOnce(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *PeerHandler) ServerInfo(c echo.Context) error {
	info, err := h.peers.ServerInfo(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrPoolExhausted):
		return http.StatusInsufficientStorage
	case errors.Is(err, models.ErrInterfaceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *PeerHandler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
