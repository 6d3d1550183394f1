package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/gossip"
	"github.com/datallboy/pkgswarm/internal/peer"
)

type GossipController struct {
	App         *app.Context
	Registry    *gossip.Registry
	Broadcaster *gossip.Broadcaster
}

// AnnounceResponse tells the sender which of its claims were refused.
type AnnounceResponse struct {
	Rejected []string `json:"rejected,omitempty"`
}

// Receive accepts a pushed announcement. Invalid claims are dropped and
// listed in the response; the rest of the announcement still applies.
func (ctrl *GossipController) Receive(c *echo.Context) error {
	var ann gossip.Announcement
	if err := json.NewDecoder(http.MaxBytesReader(c.Response(), c.Request().Body, 8<<20)).Decode(&ann); err != nil {
		return c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: "malformed announcement: " + err.Error()})
	}

	var resp AnnounceResponse
	if err := ctrl.Registry.Receive(ann); err != nil {
		if ann.NodeID == "" {
			return c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: err.Error()})
		}
		ctrl.App.Logger.Warn("announcement from %s: %v", ann.NodeID, err)
		for _, e := range unwrapAll(err) {
			resp.Rejected = append(resp.Rejected, e.Error())
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Current serves this node's announcement for pulling peers.
func (ctrl *GossipController) Current(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Broadcaster.Announcement())
}

// Swarm lists packages peers hold that this node does not know.
func (ctrl *GossipController) Swarm(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"remote_only": ctrl.Registry.RemoteOnly()})
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
