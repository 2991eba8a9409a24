package evaluation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/tsawler/go-meanteacher/dataloader"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/structures"
)

// InferenceOptions controls a dataset pass
type InferenceOptions struct {
	BatchSize int
	Workers   int
	Logger    *logging.Logger
}

// InferenceOnDataset runs the model over every record of the dataset exactly
// once, in order, and returns the evaluator's results. Records are decoded by
// mapper in parallel within each batch.
func InferenceOnDataset(ctx context.Context, m model.Model, ds dataloader.Dataset, mapper dataloader.Mapper, evaluator Evaluator, opts InferenceOptions) (Results, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	n := ds.Len()
	if n == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	evaluator.Reset()
	opts.Logger.Info("start inference", "images", n, "batch_size", opts.BatchSize)
	start := time.Now()

	mapRecords := iter.Mapper[int, structures.Record]{MaxGoroutines: opts.Workers}
	for lo := 0; lo < n; lo += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+opts.BatchSize, n)
		indices := make([]int, hi-lo)
		for i := range indices {
			indices[i] = lo + i
		}

		records, err := mapRecords.MapErr(indices, func(idx *int) (structures.Record, error) {
			return mapper.Map(ds.Get(*idx), rand.New(rand.NewSource(int64(*idx))))
		})
		if err != nil {
			return nil, fmt.Errorf("failed to map test records: %w", err)
		}

		outputs, err := m.Inference(ctx, structures.Batch{Stream: structures.Labeled, Records: records}, true)
		if err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
		if err := evaluator.Process(records, outputs); err != nil {
			return nil, fmt.Errorf("failed to process outputs: %w", err)
		}
	}

	elapsed := time.Since(start)
	opts.Logger.Info("inference done",
		"images", n,
		"elapsed", elapsed.String(),
		"per_image", (elapsed / time.Duration(n)).String())

	return evaluator.Evaluate()
}
