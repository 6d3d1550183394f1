// Package gossip spreads download status between nodes: each node announces
// what it holds, and remembers validated claims from its peers.
package gossip

import (
	"time"

	"github.com/datallboy/pkgswarm/internal/domain"
)

// PackageClaim is one package's entry in an announcement.
type PackageClaim struct {
	PackageHash string `json:"package_hash"`
	domain.StatusClaim
}

// Announcement is a node's full view of the packages it holds. It replaces
// whatever the receiver knew about that node before.
type Announcement struct {
	NodeID   string         `json:"node_id"`
	URL      string         `json:"url"`
	SentAt   time.Time      `json:"sent_at"`
	Packages []PackageClaim `json:"packages"`
}
