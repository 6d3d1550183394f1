package controllers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/peer"
)

// faultStatus maps a refused fetch onto an HTTP status.
func faultStatus(f domain.FetchFault) int {
	switch f {
	case domain.FaultChoked:
		return http.StatusServiceUnavailable
	case domain.FaultPackageNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// respondError writes fetch faults as {"fault": ...} and anything else as {"error": ...}.
func respondError(c *echo.Context, err error) error {
	if f := domain.FaultOf(err); f != "" {
		return c.JSON(faultStatus(f), peer.FaultResponse{Fault: string(f)})
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSegmentOutOfRange),
		errors.Is(err, domain.ErrInvalidStatusClaim),
		errors.Is(err, domain.ErrHashMismatch):
		status = http.StatusBadRequest
	}
	return c.JSON(status, peer.ErrorResponse{Error: err.Error()})
}
