package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/cache"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/gossip"
	"github.com/datallboy/pkgswarm/internal/manifest"
)

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var from []string

	cmd := &cobra.Command{
		Use:   "download HASH",
		Short: "Fetch a package from peers without running a node",
		Long: "Fetches the manifest from the first peer that has it, imports it locally when\n" +
			"unknown, then downloads every missing segment from the peers that hold it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(appCtx *app.Context, mgr *engine.Manager) error {
				peers := from
				if len(peers) == 0 {
					peers = appCtx.Config.Peers
				}
				if len(peers) == 0 {
					return errors.New("no peers: pass --from or configure peers")
				}
				return download(cmd.Context(), appCtx, mgr, args[0], peers)
			})
		},
	}
	cmd.Flags().StringSliceVar(&from, "from", nil, "peer URLs to download from (default: configured peers)")
	return cmd
}

func download(ctx context.Context, appCtx *app.Context, mgr *engine.Manager, hash string, peers []string) error {
	client := newClient()

	if _, ok := mgr.Get(hash); !ok {
		manifests := cache.NewManifestCache(filepath.Join(appCtx.Config.Download.OutDir, ".manifests"))
		m, err := manifests.Get(hash)
		if err != nil {
			if m, err = firstManifest(ctx, client, peers, hash); err != nil {
				return err
			}
			if err := manifests.Put(m); err != nil {
				appCtx.Logger.Warn("Caching manifest of %s: %v", hash, err)
			}
		}
		if _, err := mgr.Import(ctx, m); err != nil {
			return err
		}
	}
	pkg, _ := mgr.Get(hash)

	registry := gossip.NewRegistry(appCtx.Config.Node.ID, mgr)
	poller := gossip.NewPoller(peers, appCtx.Config.Gossip.PollInterval, client, registry, appCtx.Logger)
	if poller.PollOnce(ctx) == 0 {
		return errors.New("no peer answered")
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		engine.StartCLIProgress(progressCtx, pkg)
	}()

	err := engine.NewDownloader(appCtx, mgr, registry, client).Download(ctx, hash)
	stopProgress()
	<-progressDone

	if err != nil {
		return err
	}
	fmt.Printf("%s complete (%d bytes)\n", hash, pkg.Sequence.DataLength)
	return nil
}

func firstManifest(ctx context.Context, client manifestGetter, peers []string, hash string) (*manifest.Manifest, error) {
	var errs []error
	for _, p := range peers {
		m, err := client.GetManifest(ctx, p, hash)
		if err == nil {
			return m, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, fmt.Errorf("no peer served the manifest of %s: %w", hash, errors.Join(errs...))
}

type manifestGetter interface {
	GetManifest(ctx context.Context, peerURL, hash string) (*manifest.Manifest, error)
}
