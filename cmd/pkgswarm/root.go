package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/peer"
)

type rootOptions struct {
	configPath string
	nodeURL    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pkgswarm",
		Short:         "Share content-addressed packages between peer nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default pkgswarm.yaml)")
	cmd.PersistentFlags().StringVar(&opts.nodeURL, "node", "", "talk to a running node at this URL instead of opening the local store")

	cmd.AddCommand(
		newServeCmd(opts),
		newCreateCmd(opts),
		newImportCmd(opts),
		newListCmd(opts),
		newValidateCmd(opts),
		newDeleteCmd(opts),
		newDownloadCmd(opts),
	)
	return cmd
}

// withManager opens the configured store and a manager loaded from it for
// the length of one command.
func withManager(ctx context.Context, opts *rootOptions, fn func(appCtx *app.Context, mgr *engine.Manager) error) error {
	appCtx, err := app.Bootstrap(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	mgr := engine.NewManager(appCtx)
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		mgr.Close(closeCtx)
	}()

	return fn(appCtx, mgr)
}

func newClient() *peer.Client {
	return peer.NewClient(5 * time.Minute)
}

func printPackage(p peer.PackageInfo) {
	state := "partial"
	switch {
	case p.Downloaded:
		state = "complete"
	case p.Downloading:
		state = "downloading"
	}
	fmt.Printf("%s  %-24s %-11s %d/%d segments  %d bytes\n",
		p.Hash, p.Name, state, p.SegmentCount-p.Missing, p.SegmentCount, p.DataLength)
}
