package cli

import (
	"fmt"
	"slices"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-meanteacher/catalog"
	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/engine"
	"github.com/tsawler/go-meanteacher/evaluation"
	"github.com/tsawler/go-meanteacher/model"
)

func (a *app) newEvalCommand() *cobra.Command {
	var (
		weights string
		teacher bool
	)

	cmd := &cobra.Command{
		Use:   "eval [KEY VALUE]...",
		Short: "Evaluate a checkpoint on DATASETS.TEST",
		Long: `Evaluate the weights of a checkpoint on every DATASETS.TEST dataset and print
bbox/AP50. --weights defaults to MODEL.WEIGHTS, then to the last checkpoint
in OUTPUT_DIR. With --teacher the EMA teacher stored in the checkpoint is
evaluated instead of the student.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, _, err := a.setup(cmd, args)
			if err != nil {
				return err
			}
			defer logger.Close()

			ckpt := checkpoint.NewCheckpointer(a.fs, cfg.OutputDir, checkpoint.Options{ReadOnly: true, Logger: logger})
			path := weights
			if path == "" {
				path = cfg.Model.Weights
			}
			if path == "" {
				if path, err = ckpt.LastCheckpoint(); err != nil {
					return fmt.Errorf("no weights to evaluate: %w", err)
				}
			}
			ck, err := ckpt.Load(path)
			if err != nil {
				return err
			}

			tensors := ck.Weights
			if teacher {
				var ok bool
				if tensors, ok = ck.Extras[checkpoint.TeacherKey]; !ok {
					if !slices.Contains(ck.Metadata.Tags, checkpoint.TeacherKey) {
						return fmt.Errorf("%s holds no teacher weights", path)
					}
					tensors = ck.Weights
				}
			}

			m, err := model.Build(cfg.Model.MetaArchitecture, cfg.ModelSpec())
			if err != nil {
				return err
			}
			if err := checkpoint.LoadParams(m.Parameters(), tensors); err != nil {
				return err
			}

			cat := catalog.New()
			if err := engine.RegisterDatasets(a.fs, cat, cfg.Datasets.Register); err != nil {
				return err
			}
			images, err := engine.NewImageLoader(a.fs, cfg)
			if err != nil {
				return err
			}
			sets, err := engine.BuildTestSets(cfg, cat, images)
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				return fmt.Errorf("DATASETS.TEST is empty")
			}

			results, err := engine.EvaluateModel(cmd.Context(), m, sets, evaluation.InferenceOptions{
				BatchSize: cfg.Test.ImsPerBatch,
				Workers:   cfg.DataLoader.NumWorkers,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, results[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&weights, "weights", "w", "", "checkpoint to evaluate")
	cmd.Flags().BoolVar(&teacher, "teacher", false, "evaluate the teacher weights")
	return cmd
}
