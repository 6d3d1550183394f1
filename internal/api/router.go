package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/pkgswarm/internal/api/controllers"
	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/gossip"
)

// Node bundles what the HTTP API serves.
type Node struct {
	Manager     *engine.Manager
	Registry    *gossip.Registry
	Broadcaster *gossip.Broadcaster
}

func NewServer(app *app.Context, node Node) *echo.Echo {
	e := echo.New()
	RegisterRoutes(e, app, node)
	return e
}

func RegisterRoutes(e *echo.Echo, app *app.Context, node Node) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Debug("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	transfer := app.Config.Transfer
	pkgCtrl := &controllers.PackageController{
		App:     app,
		Manager: node.Manager,
		Uploads: controllers.NewUploadSlots(transfer.UploadSlots, transfer.MaxQueuedUploads, transfer.UploadRateBytes),
	}
	gossipCtrl := &controllers.GossipController{
		App:         app,
		Registry:    node.Registry,
		Broadcaster: node.Broadcaster,
	}

	// Peer endpoints
	e.GET("/api/packages/:hash/segments", pkgCtrl.Segments)
	e.GET("/api/packages/:hash/manifest", pkgCtrl.Manifest)
	e.GET("/api/announce", gossipCtrl.Current)
	e.POST("/api/announce", gossipCtrl.Receive)

	// Admin endpoints
	e.GET("/api/packages", pkgCtrl.List)
	e.POST("/api/packages", pkgCtrl.Import)
	e.GET("/api/packages/:hash", pkgCtrl.Get)
	e.POST("/api/packages/:hash/validate", pkgCtrl.Validate)
	e.DELETE("/api/packages/:hash", pkgCtrl.Delete)
	e.GET("/api/swarm", gossipCtrl.Swarm)
}
