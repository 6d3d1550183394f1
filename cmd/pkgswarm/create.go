package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/manifest"
)

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		segmentLength int64
		manifestPath  string
	)

	cmd := &cobra.Command{
		Use:   "create NAME FILE...",
		Short: "Create a package from local files and write its manifest",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(appCtx *app.Context, mgr *engine.Manager) error {
				if segmentLength <= 0 {
					segmentLength = appCtx.Config.Download.SegmentLength
				}

				pkg, err := mgr.Create(cmd.Context(), args[0], args[1:], segmentLength)
				if err != nil {
					return err
				}

				out := os.Stdout
				if manifestPath != "" {
					f, err := os.Create(manifestPath)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
					fmt.Printf("%s  %s\n", pkg.Hash(), manifestPath)
				}
				return manifest.Encode(out, manifest.FromRecord(pkg.Record()))
			})
		},
	}
	cmd.Flags().Int64Var(&segmentLength, "segment-length", 0, "segment length in bytes (default download.segment_length)")
	cmd.Flags().StringVarP(&manifestPath, "output", "o", "", "write the manifest here instead of stdout")
	return cmd
}
