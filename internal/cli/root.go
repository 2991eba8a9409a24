// Package cli implements the meanteacher command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tsawler/go-meanteacher/comm"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/logging"

	// Registers the reference detector
	_ "github.com/tsawler/go-meanteacher/model/anchordet"
)

// app carries the state shared by every command
type app struct {
	fs        afero.Fs
	cfgFile   string
	logStderr bool
}

// NewRootCommand builds the command tree. Every file the commands touch goes
// through fs.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs}

	root := &cobra.Command{
		Use:   "meanteacher",
		Short: "Semi-supervised detector training with a Mean Teacher",
		Long: `meanteacher trains an object detector from labeled and unlabeled images.
A teacher model, kept as the exponential moving average of the student,
labels the unlabeled images and the student learns from both.

Configuration values come from the defaults, a YAML file, MEANTEACHER_*
environment variables and trailing KEY VALUE pairs, in that order:

  meanteacher train -c config.yaml SOLVER.BASE_LR 0.02 EMA.ALPHA 0.999`,
		SilenceUsage: true,
	}
	// --log_stderr and --log-stderr are the same flag
	root.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVar(&a.logStderr, "log-stderr", false, "log to stderr instead of OUTPUT_DIR/log.json")

	root.AddCommand(
		a.newTrainCommand(),
		a.newEvalCommand(),
		a.newConfigCommand(),
	)
	return root
}

// Execute runs the CLI against the OS filesystem
func Execute() error {
	return NewRootCommand(afero.NewOsFs()).Execute()
}

// loadConfig resolves the configuration from the config flag and KEY VALUE
// arguments
func (a *app) loadConfig(args []string) (*config.Config, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("overrides must be KEY VALUE pairs, got %d arguments", len(args))
	}
	cfg, _, err := config.Load(a.fs, a.cfgFile, args)
	return cfg, err
}

// setup loads the configuration and creates the logger of a job
func (a *app) setup(cmd *cobra.Command, args []string) (*config.Config, *logging.Logger, comm.Info, error) {
	cfg, err := a.loadConfig(args)
	if err != nil {
		return nil, nil, comm.Info{}, err
	}
	proc, err := comm.FromEnv()
	if err != nil {
		return nil, nil, comm.Info{}, err
	}

	var logger *logging.Logger
	if a.logStderr {
		logger = logging.New(cmd.ErrOrStderr(), cfg.Log.Level)
	} else if logger, err = logging.NewLogger(cfg.OutputDir, cfg.Log.Level); err != nil {
		return nil, nil, comm.Info{}, err
	}
	if proc.WorldSize > 1 {
		logger = logger.WithRank(proc.Rank)
	}

	logger.Info("environment",
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"process", proc.String())
	return cfg, logger, proc, nil
}
