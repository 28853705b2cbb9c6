// Package stats materializes the aggregate counts the read side serves.
package stats

import (
	"context"

	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

// Store is the persistence surface of the refresher.
type Store interface {
	RefreshStats(ctx context.Context) (*models.StatsCache, error)
}

// Refresher recomputes the stats cache. One aggregate query, one
// transactional write; readers never scan the catalog.
type Refresher struct {
	store  Store
	logger *logger.Logger
}

// NewRefresher wires the refresher to its store.
func NewRefresher(store Store, log *logger.Logger) *Refresher {
	return &Refresher{
		store:  store,
		logger: log.WithComponent("stats"),
	}
}

// Refresh snapshots the counts and logs the result.
func (r *Refresher) Refresh(ctx context.Context) error {
	snapshot, err := r.store.RefreshStats(ctx)
	if err != nil {
		return err
	}

	r.logger.Info("stats cache refreshed",
		"total", snapshot.Total,
		"exploited", snapshot.Exploited,
		"critical", snapshot.Critical,
		"high", snapshot.High,
		"published_last_7d", snapshot.PublishedLast7d,
	)
	return nil
}
