package dispatch

import (
	"context"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
)

// Finder answers read API queries.
type Finder interface {
	Find(ctx context.Context, filter model.DispatchFilter, projection []string) ([]map[string]interface{}, error)
}

type queryService struct {
	dispatches repository.DispatchRepository
}

// NewQueryService serves reads without a router or trigger store, for
// processes that never deliver.
func NewQueryService(dispatches repository.DispatchRepository) Finder {
	return &queryService{dispatches: dispatches}
}

func (q *queryService) Find(ctx context.Context, filter model.DispatchFilter, projection []string) ([]map[string]interface{}, error) {
	return find(ctx, q.dispatches, filter, projection)
}

func find(ctx context.Context, dispatches repository.DispatchRepository, filter model.DispatchFilter, projection []string) ([]map[string]interface{}, error) {
	found, err := dispatches.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return model.Project(found, projection)
}
