package engine

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/catalog"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/dataloader"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/vision/cache"
	"github.com/tsawler/go-meanteacher/vision/preprocessing"
)

// RegisterDatasets registers the COCO datasets listed in DATASETS.REGISTER
func RegisterDatasets(fs afero.Fs, cat *catalog.Catalog, regs []config.DatasetRegistration) error {
	for _, r := range regs {
		if err := cat.RegisterCOCOInstances(fs, r.Name, r.JSON, r.ImageRoot); err != nil {
			return err
		}
	}
	return nil
}

// NewImageLoader creates the image decoder shared by every mapper, with an
// LRU cache when DATALOADER.IMAGE_CACHE_SIZE is positive
func NewImageLoader(fs afero.Fs, cfg *config.Config) (*preprocessing.ImageLoader, error) {
	var c *cache.Manager
	if cfg.DataLoader.ImageCacheSize > 0 {
		c = cache.NewManager(cfg.DataLoader.ImageCacheSize)
	}
	return preprocessing.NewImageLoader(fs, cfg.Input.Size, c)
}

// BuildTrainLoader builds the dual-stream loader of DATASETS.TRAIN and
// DATASETS.UNLABELED
func BuildTrainLoader(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, images dataloader.ImageSource, logger *logging.Logger) (*dataloader.DualStream, error) {
	labeled, err := cat.Concat(cfg.Datasets.Train)
	if err != nil {
		return nil, err
	}
	if cfg.DataLoader.FilterEmptyAnnotations {
		before := len(labeled)
		labeled = catalog.FilterEmpty(labeled)
		logger.Info("removed images without annotations", "removed", before-len(labeled), "remaining", len(labeled))
	}

	var unlabeled dataloader.Dataset
	if len(cfg.Datasets.Unlabeled) > 0 {
		records, err := cat.Concat(cfg.Datasets.Unlabeled)
		if err != nil {
			return nil, err
		}
		unlabeled = dataloader.Records(records)
	}

	return dataloader.BuildTrainLoader(ctx, dataloader.TrainLoaderOptions{
		TotalBatchSize: cfg.Solver.ImsPerBatch,
		Ratio:          cfg.Datasets.Ratio(),
		Workers:        cfg.DataLoader.NumWorkers,
		PrefetchDepth:  cfg.DataLoader.PrefetchDepth,
		Seed:           cfg.DataLoader.Seed,
		Logger:         logger,
	},
		dataloader.Records(labeled),
		unlabeled,
		dataloader.LabeledMapper{Images: images, HFlipProb: cfg.Input.HFlipProb, Jitter: cfg.Input.Jitter},
		dataloader.UnlabeledMapper{Images: images, HFlipProb: cfg.Input.HFlipProb, StrongJitter: cfg.Input.StrongJitter},
	)
}

// BuildTestSets resolves DATASETS.TEST. Class names come from the dataset
// metadata, or are numbered when the dataset has none.
func BuildTestSets(cfg *config.Config, cat *catalog.Catalog, images dataloader.ImageSource) ([]TestSet, error) {
	sets := make([]TestSet, 0, len(cfg.Datasets.Test))
	for _, name := range cfg.Datasets.Test {
		records, err := cat.Get(name)
		if err != nil {
			return nil, err
		}
		meta, err := cat.Metadata(name)
		if err != nil {
			return nil, err
		}
		classes := meta.ThingClasses
		if len(classes) == 0 {
			classes = make([]string, cfg.Model.NumClasses)
			for i := range classes {
				classes[i] = fmt.Sprintf("class_%d", i)
			}
		}
		sets = append(sets, TestSet{
			Name:       name,
			Dataset:    dataloader.Records(records),
			Mapper:     dataloader.TestMapper{Images: images},
			ClassNames: classes,
		})
	}
	return sets, nil
}
