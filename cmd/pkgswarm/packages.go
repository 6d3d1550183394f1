package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/hashstream"
	"github.com/datallboy/pkgswarm/internal/manifest"
	"github.com/datallboy/pkgswarm/internal/peer"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import MANIFEST",
		Short: "Register a package from its manifest so it can be downloaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			m, err := manifest.Decode(f, domain.SHA256)
			if err != nil {
				return err
			}

			if opts.nodeURL != "" {
				info, err := newClient().ImportManifest(cmd.Context(), opts.nodeURL, m)
				if err != nil {
					return err
				}
				printPackage(info)
				return nil
			}

			return withManager(cmd.Context(), opts, func(_ *app.Context, mgr *engine.Manager) error {
				pkg, err := mgr.Import(cmd.Context(), m)
				if err != nil {
					return err
				}
				printPackage(peer.InfoOf(pkg))
				return nil
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.nodeURL != "" {
				infos, err := newClient().ListPackages(cmd.Context(), opts.nodeURL)
				if err != nil {
					return err
				}
				for _, info := range infos {
					printPackage(info)
				}
				return nil
			}

			return withManager(cmd.Context(), opts, func(_ *app.Context, mgr *engine.Manager) error {
				for _, p := range mgr.List() {
					printPackage(peer.InfoOf(p))
				}
				return nil
			})
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate HASH",
		Short: "Re-hash a package from disk and report every bad segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				res *hashstream.ValidationResult
				err error
			)
			if opts.nodeURL != "" {
				res, err = newClient().Validate(cmd.Context(), opts.nodeURL, args[0])
			} else {
				err = withManager(cmd.Context(), opts, func(_ *app.Context, mgr *engine.Manager) error {
					var verr error
					res, verr = mgr.Validate(cmd.Context(), args[0])
					return verr
				})
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("package %s is not valid: %d bad segments", args[0], len(res.BadSegments()))
			}
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var removeData bool

	cmd := &cobra.Command{
		Use:   "delete HASH",
		Short: "Delete a package once nothing is using it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.nodeURL != "" {
				return remoteDelete(cmd.Context(), opts.nodeURL, args[0], removeData)
			}
			return withManager(cmd.Context(), opts, func(_ *app.Context, mgr *engine.Manager) error {
				return mgr.Delete(cmd.Context(), args[0], engine.DeleteOptions{RemoveData: removeData})
			})
		},
	}
	cmd.Flags().BoolVar(&removeData, "remove-data", false, "also delete the package's files")
	return cmd
}

func remoteDelete(ctx context.Context, nodeURL, hash string, removeData bool) error {
	if removeData {
		return newClient().DeleteWithData(ctx, nodeURL, hash)
	}
	return newClient().Delete(ctx, nodeURL, hash)
}
