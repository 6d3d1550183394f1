package controllers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/engine"
	"github.com/datallboy/pkgswarm/internal/manifest"
	"github.com/datallboy/pkgswarm/internal/peer"
)

type PackageController struct {
	App     *app.Context
	Manager *engine.Manager
	Uploads *UploadSlots
}

// List returns every local package.
func (ctrl *PackageController) List(c *echo.Context) error {
	pkgs := ctrl.Manager.List()
	out := make([]peer.PackageInfo, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, peer.InfoOf(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *PackageController) Get(c *echo.Context) error {
	p, ok := ctrl.Manager.Get(c.Param("hash"))
	if !ok {
		return respondError(c, domain.ErrPackageNotFound)
	}
	return c.JSON(http.StatusOK, peer.InfoOf(p))
}

// Import registers a package from a YAML manifest body.
func (ctrl *PackageController) Import(c *echo.Context) error {
	m, err := manifest.Decode(http.MaxBytesReader(c.Response(), c.Request().Body, 64<<20), domain.SHA256)
	if err != nil {
		return c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: err.Error()})
	}

	p, err := ctrl.Manager.Import(c.Request().Context(), m)
	if err != nil {
		if errors.Is(err, engine.ErrPackageExists) {
			return c.JSON(http.StatusConflict, peer.ErrorResponse{Error: err.Error()})
		}
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, peer.InfoOf(p))
}

// Manifest serves the YAML manifest other nodes import.
func (ctrl *PackageController) Manifest(c *echo.Context) error {
	p, ok := ctrl.Manager.Get(c.Param("hash"))
	if !ok {
		return respondError(c, domain.ErrPackageNotFound)
	}

	var buf bytes.Buffer
	if err := manifest.Encode(&buf, manifest.FromRecord(p.Record())); err != nil {
		return respondError(c, err)
	}
	return c.Blob(http.StatusOK, "application/yaml", buf.Bytes())
}

// Segments serves the requested segments this node holds, concatenated in
// the order listed by the segments header. Reads run in an upload slot.
func (ctrl *PackageController) Segments(c *echo.Context) error {
	hash := c.Param("hash")
	raw := c.Request().URL.Query()["i"]
	indices := make([]int, 0, len(raw))
	for _, s := range raw {
		i, err := strconv.Atoi(s)
		if err != nil {
			return c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: "bad segment index " + strconv.Quote(s)})
		}
		indices = append(indices, i)
	}

	err := ctrl.Uploads.Serve(c.Request().Context(), func(ctx context.Context) error {
		segments, err := ctrl.Manager.ReadSegments(ctx, hash, indices)
		if err != nil {
			return err
		}

		served := make([]int, len(segments))
		for i, s := range segments {
			served[i] = s.Index
		}

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
		w.Header().Set(peer.SegmentsHeader, peer.FormatIndices(served))
		w.WriteHeader(http.StatusOK)

		out := ctrl.Uploads.Writer(ctx, w)
		for _, s := range segments {
			if _, err := out.Write(s.Data); err != nil {
				ctrl.App.Logger.Debug("upload of %s aborted: %v", hash, err)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	return nil
}

func (ctrl *PackageController) Validate(c *echo.Context) error {
	res, err := ctrl.Manager.Validate(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Delete drops a package; remove_data=true also deletes its files.
func (ctrl *PackageController) Delete(c *echo.Context) error {
	removeData, _ := strconv.ParseBool(c.QueryParam("remove_data"))
	err := ctrl.Manager.Delete(c.Request().Context(), c.Param("hash"), engine.DeleteOptions{RemoveData: removeData})
	if err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
