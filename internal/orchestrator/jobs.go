package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smarttasks/internal/docstore"
)

// PruneChanges drops change feed history older than retention. Listeners
// resuming from before the new horizon fall back to a full reconciliation.
func PruneChanges(feed docstore.ChangeFeed, retention time.Duration, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		horizon, err := feed.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		logger.Info("change feed pruned", zap.Int64("horizon", horizon), zap.Duration("retention", retention))
		return nil
	}
}
