package store

import (
	"context"
	"fmt"

	"github.com/Sternrassler/ci-insights/pkg/model"
)

// Runs is a typed view over a Store for canonical runs.
type Runs struct {
	store Store
}

// NewRuns creates a run repository on s.
func NewRuns(s Store) *Runs {
	return &Runs{store: s}
}

// Get loads the run at key. It reports false when the run was never stored.
func (r *Runs) Get(ctx context.Context, key model.RunKey) (model.CanonicalRun, bool, error) {
	var run model.CanonicalRun
	found, err := r.store.Get(ctx, key.String(), &run)
	if err != nil || !found {
		return model.CanonicalRun{}, found, err
	}
	return run, true, nil
}

// PutAll stores runs in one session: either all are written or none.
func (r *Runs) PutAll(ctx context.Context, runs []model.CanonicalRun) error {
	if len(runs) == 0 {
		return nil
	}
	return r.store.Session(ctx, func(s Session) error {
		for i := range runs {
			if err := s.Set(runs[i].Key().String(), runs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every run whose key starts with prefix, ordered by key.
func (r *Runs) List(ctx context.Context, prefix string) ([]model.CanonicalRun, error) {
	docs, err := r.store.Query(ctx, model.NormalizeKey(prefix))
	if err != nil {
		return nil, err
	}
	runs := make([]model.CanonicalRun, 0, len(docs))
	for _, d := range docs {
		var run model.CanonicalRun
		if err := d.Decode(&run); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Delete removes the run at key.
func (r *Runs) Delete(ctx context.Context, key model.RunKey) error {
	return r.store.Delete(ctx, key.String())
}
