package aggregate

import (
	"context"
	"iter"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Runner executes a compiled pipeline
type Runner func(ctx context.Context) ([]bson.M, error)

// Results is a lazy result sequence. Nothing runs until All or Iter is
// called, and every call runs the pipeline again.
type Results struct {
	run Runner
}

// NewResults wraps a runner
func NewResults(run Runner) *Results {
	return &Results{run: run}
}

// All runs the pipeline and returns every result
func (r *Results) All(ctx context.Context) ([]bson.M, error) {
	return r.run(ctx)
}

// Iter runs the pipeline when iteration starts
func (r *Results) Iter(ctx context.Context) iter.Seq2[bson.M, error] {
	return func(yield func(bson.M, error) bool) {
		docs, err := r.run(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, doc := range docs {
			if !yield(doc, nil) {
				return
			}
		}
	}
}
