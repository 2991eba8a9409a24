package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-meanteacher/catalog"
	"github.com/tsawler/go-meanteacher/comm"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/engine"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/model"
)

func (a *app) newTrainCommand() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "train [KEY VALUE]...",
		Short: "Train a detector",
		Long: `Train a detector on DATASETS.TRAIN, pseudo-labeling DATASETS.UNLABELED with
the EMA teacher. With --resume, training continues from the last checkpoint
in OUTPUT_DIR when one exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, proc, err := a.setup(cmd, args)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.train(ctx, cmd, cfg, logger, proc, resume)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the last checkpoint in OUTPUT_DIR")
	return cmd
}

func (a *app) train(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *logging.Logger, proc comm.Info, resume bool) error {
	if proc.IsMainProcess() {
		path, err := cfg.Dump(a.fs, cfg.OutputDir)
		if err != nil {
			return err
		}
		logger.Info("full config saved", "path", path)
	}

	cat := catalog.New()
	if err := engine.RegisterDatasets(a.fs, cat, cfg.Datasets.Register); err != nil {
		return err
	}
	images, err := engine.NewImageLoader(a.fs, cfg)
	if err != nil {
		return err
	}
	testSets, err := engine.BuildTestSets(cfg, cat, images)
	if err != nil {
		return err
	}

	student, err := model.Build(cfg.Model.MetaArchitecture, cfg.ModelSpec())
	if err != nil {
		return err
	}
	loader, err := engine.BuildTrainLoader(ctx, cfg, cat, images, logger)
	if err != nil {
		return fmt.Errorf("failed to build train loader: %w", err)
	}

	trainer, err := engine.New(engine.Options{
		Config:   cfg,
		Fs:       a.fs,
		Logger:   logger,
		Proc:     proc,
		Model:    student,
		Loader:   loader,
		TestSets: testSets,
		Console:  cmd.OutOrStdout(),
	})
	if err != nil {
		loader.Close()
		return err
	}
	if err := trainer.ResumeOrLoad(resume); err != nil {
		loader.Close()
		return err
	}
	return trainer.Train(ctx)
}
