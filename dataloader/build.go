package dataloader

import (
	"context"
	"fmt"

	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/structures"
)

// TrainLoaderOptions configures BuildTrainLoader
type TrainLoaderOptions struct {
	TotalBatchSize int
	Ratio          [2]float64 // labeled, unlabeled
	Workers        int
	PrefetchDepth  int
	Seed           int64
	Logger         *logging.Logger
}

// BuildTrainLoader splits the batch size and starts one StreamLoader per
// stream. unlabeled may be nil when no unlabeled datasets are configured.
// A stream whose batch size computes to zero is omitted. A configured stream
// with no examples and a non-zero batch size fails with ErrEmptyStream.
func BuildTrainLoader(ctx context.Context, opts TrainLoaderOptions, labeled, unlabeled Dataset, labeledMapper, unlabeledMapper Mapper) (*DualStream, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("dataloader")

	labeledBS, unlabeledBS, err := SplitBatchSize(opts.TotalBatchSize, opts.Ratio)
	if err != nil {
		return nil, fmt.Errorf("failed to split batch size: %w", err)
	}
	if labeledBS == 0 {
		return nil, fmt.Errorf("labeled batch size is zero for ratio %v: unlabeled-only training is not supported", opts.Ratio)
	}
	if labeled == nil || labeled.Len() == 0 {
		return nil, fmt.Errorf("%w: labeled stream with batch size %d", ErrEmptyStream, labeledBS)
	}

	var unlabeledSource Source
	switch {
	case unlabeled == nil:
		logger.Info("no unlabeled datasets configured, training on labeled data only")
	case unlabeledBS == 0:
		logger.Warn("unlabeled stream omitted: its batch size is zero", "ratio", opts.Ratio)
	case unlabeled.Len() == 0:
		return nil, fmt.Errorf("%w: unlabeled stream with batch size %d", ErrEmptyStream, unlabeledBS)
	}

	labeledSource, err := NewStreamLoader(ctx, labeled, labeledMapper, StreamConfig{
		Name:          "labeled",
		Stream:        structures.Labeled,
		BatchSize:     labeledBS,
		Workers:       opts.Workers,
		PrefetchDepth: opts.PrefetchDepth,
		Shuffle:       true,
		Seed:          opts.Seed,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create labeled loader: %w", err)
	}

	if unlabeled != nil && unlabeledBS > 0 {
		unlabeledSource, err = NewStreamLoader(ctx, unlabeled, unlabeledMapper, StreamConfig{
			Name:          "unlabeled",
			Stream:        structures.Unlabeled,
			BatchSize:     unlabeledBS,
			Workers:       opts.Workers,
			PrefetchDepth: opts.PrefetchDepth,
			Shuffle:       true,
			Seed:          opts.Seed + 1,
			Logger:        logger,
		})
		if err != nil {
			labeledSource.Close()
			return nil, fmt.Errorf("failed to create unlabeled loader: %w", err)
		}
	}

	if unlabeledSource == nil {
		unlabeledBS = 0
	}
	logger.Info("train loader ready",
		"labeled_batch_size", labeledBS,
		"unlabeled_batch_size", unlabeledBS,
		"labeled_records", labeled.Len())

	return NewDualStream(ctx, labeledSource, unlabeledSource)
}
