package app

import (
	"context"

	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/infra/config"
	"github.com/datallboy/pkgswarm/internal/infra/logger"
)

// Store persists package records. Implemented by the SQLite and Postgres stores.
type Store interface {
	SavePackage(ctx context.Context, rec *domain.PackageRecord) error
	SaveStatus(ctx context.Context, id string, snap domain.StatusSnapshot) error
	GetPackage(ctx context.Context, hash string) (*domain.PackageRecord, error)
	ListPackages(ctx context.Context) ([]*domain.PackageRecord, error)
	DeletePackage(ctx context.Context, id string) error
	Close() error
}

// Context holds the core environment and shared resources for a node.
type Context struct {
	Config *config.Config
	Logger *logger.Logger
	Store  Store
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger, store Store) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
		Store:  store,
	}
}

// Close releases what the context owns.
func (c *Context) Close() error {
	var err error
	if c.Store != nil {
		err = c.Store.Close()
	}
	if c.Logger != nil {
		c.Logger.Close()
	}
	return err
}
