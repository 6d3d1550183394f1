package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datallboy/pkgswarm/internal/api"
	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/gossip"
	"github.com/datallboy/pkgswarm/internal/peer"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node: serve segments, gossip status and download imported packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			appCtx, err := app.Bootstrap(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer appCtx.Close()
			return serve(ctx, appCtx)
		},
	}
}

func serve(ctx context.Context, appCtx *app.Context) error {
	cfg := appCtx.Config
	log := appCtx.Logger

	mgr := engine.NewManager(appCtx)
	if err := mgr.Load(ctx); err != nil {
		return err
	}

	client := peer.NewClient(time.Minute)
	registry := gossip.NewRegistry(cfg.Node.ID, mgr)
	broadcaster := gossip.NewBroadcaster(gossip.BroadcastConfig{
		NodeID:          cfg.Node.ID,
		URL:             cfg.Node.AdvertiseURL,
		Peers:           cfg.Peers,
		MinDelay:        cfg.Gossip.MinDelay,
		ScheduleDelay:   cfg.Gossip.ScheduleDelay,
		PushConcurrency: cfg.Gossip.PushConcurrency,
	}, mgr, client, log.With("gossip"))
	mgr.OnChange(broadcaster.Trigger)

	poller := gossip.NewPoller(cfg.Peers, cfg.Gossip.PollInterval, client, registry, log.With("gossip"))
	downloader := engine.NewDownloader(appCtx, mgr, registry, client)

	srv := &http.Server{
		Addr: cfg.Node.Listen,
		Handler: api.NewServer(appCtx, api.Node{
			Manager:     mgr,
			Registry:    registry,
			Broadcaster: broadcaster,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Node %s listening on %s (advertised as %s)", cfg.Node.ID, cfg.Node.Listen, cfg.Node.AdvertiseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return downloader.Run(gctx) })

	// Tell peers what we hold as soon as we are up
	broadcaster.Trigger()

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := broadcaster.Stop(stopCtx); stopErr != nil {
		log.Warn("Broadcaster did not stop cleanly: %v", stopErr)
	}
	if closeErr := mgr.Close(stopCtx); closeErr != nil {
		log.Warn("Manager did not close cleanly: %v", closeErr)
	}

	log.Info("Node %s stopped", cfg.Node.ID)
	return err
}
