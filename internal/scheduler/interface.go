package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_pruner.go -package=mocks github.com/mattjoyce/deadman/internal/scheduler Pruner

// Pruner deletes alert history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
