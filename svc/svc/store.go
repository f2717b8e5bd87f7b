package svc

import (
	"context"

	"pastebox/pkg/domain"
)

// Store is the durable paste storage the service runs on. db.SQLite and
// db.Bolt implement it. Every read must hide expired records.
type Store interface {
	Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error)
	Get(ctx context.Context, id string) (*domain.Paste, error)
	// IncrViewsAndGet increments views and returns the updated record as
	// one atomic step.
	IncrViewsAndGet(ctx context.Context, id string) (*domain.Paste, error)
	IncrViews(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, query string, limit int) ([]domain.PasteSummary, error)
	Sweeper
	Ping(ctx context.Context) error
}

type Sweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
}
