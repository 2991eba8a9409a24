package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/comm"
	"github.com/tsawler/go-meanteacher/config"
	"github.com/tsawler/go-meanteacher/dataloader"
	"github.com/tsawler/go-meanteacher/ema"
	"github.com/tsawler/go-meanteacher/evaluation"
	"github.com/tsawler/go-meanteacher/events"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/optimizer"
	"github.com/tsawler/go-meanteacher/pseudolabel"
	"github.com/tsawler/go-meanteacher/structures"
)

// TeacherCheckpointPrefix names the teacher's periodic checkpoints
const TeacherCheckpointPrefix = "model_teacher"

// metricsWindow is the smoothing window of the metric writers
const metricsWindow = 20

// Loader supplies one step input per iteration
type Loader interface {
	Next(ctx context.Context) (structures.StepInput, error)
	Close() error
}

// TestSet is one evaluation dataset
type TestSet struct {
	Name       string
	Dataset    dataloader.Dataset
	Mapper     dataloader.Mapper
	ClassNames []string
}

// Options holds the collaborators of a Trainer
type Options struct {
	Config *config.Config
	Fs     afero.Fs
	Logger *logging.Logger
	Proc   comm.Info
	Model  model.Model
	Loader Loader
	// BuildTeacher creates the EMA teacher. It defaults to building
	// MODEL.META_ARCHITECTURE from the config.
	BuildTeacher func() (model.Model, error)
	TestSets     []TestSet
	// Console receives the metric lines, os.Stdout when nil
	Console io.Writer
}

// Trainer runs the training loop and its hooks
type Trainer struct {
	cfg    *config.Config
	fs     afero.Fs
	logger *logging.Logger
	proc   comm.Info

	model     model.Model
	optimizer optimizer.Optimizer
	scheduler optimizer.LRScheduler
	runner    Runner
	loader    Loader
	stepOpts  StepOptions

	checkpointer *checkpoint.Checkpointer
	storage      *events.Storage
	hooks        *HookList
	console      io.Writer
	buildTeacher func() (model.Model, error)

	ema             ema.Handle
	emaHook         *EMAHook
	teacherRestored bool

	iter      int
	startIter int
	maxIter   int

	testSets        []TestSet
	lastEvalResults map[string]evaluation.Results
}

// New creates a trainer and builds its hooks
func New(opts Options) (*Trainer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Proc.WorldSize == 0 {
		opts.Proc = comm.Single
	}
	cfg := opts.Config

	logger := opts.Logger.WithComponent("trainer")
	if opts.Proc.WorldSize > 1 {
		logger = logger.WithRank(opts.Proc.Rank)
	}

	opt, err := optimizer.New(opts.Model.Parameters(), cfg.OptimizerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	sched, err := optimizer.NewScheduler(cfg.SchedulerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create LR scheduler: %w", err)
	}

	var runner Runner = SimpleRunner{}
	if cfg.Solver.AMP.Enabled {
		scaler, err := optimizer.NewGradScaler(optimizer.DefaultGradScalerConfig())
		if err != nil {
			return nil, err
		}
		if runner, err = NewAMPRunner(scaler); err != nil {
			return nil, err
		}
	}

	policy, err := pseudolabel.NewPolicy(cfg.DomainAdapt.Teacher.PseudoLabelMethod)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		fs:        opts.Fs,
		logger:    logger,
		proc:      opts.Proc,
		model:     opts.Model,
		optimizer: opt,
		scheduler: sched,
		runner:    runner,
		loader:    opts.Loader,
		stepOpts: StepOptions{
			Threshold:      cfg.DomainAdapt.Teacher.Threshold,
			Policy:         policy,
			LabelType:      cfg.DomainAdapt.Teacher.LabelType,
			MissingTeacher: cfg.DomainAdapt.Teacher.MissingTeacherPolicy,
			Logger:         logger.WithComponent("step"),
		},
		checkpointer: checkpoint.NewCheckpointer(opts.Fs, cfg.OutputDir, checkpoint.Options{
			Format:   cfg.Checkpoint.Format,
			ReadOnly: !opts.Proc.IsMainProcess(),
			Logger:   opts.Logger,
		}),
		storage:      events.NewStorage(0),
		console:      opts.Console,
		buildTeacher: opts.BuildTeacher,
		ema:          ema.None(),
		maxIter:      cfg.Solver.MaxIter,
		testSets:     opts.TestSets,
	}
	if t.buildTeacher == nil {
		t.buildTeacher = func() (model.Model, error) {
			return model.Build(cfg.Model.MetaArchitecture, cfg.ModelSpec())
		}
	}

	if t.hooks, err = t.BuildHooks(); err != nil {
		return nil, fmt.Errorf("failed to build hooks: %w", err)
	}
	return t, nil
}

// BuildHooks assembles the default hook list followed by the Mean Teacher
// hooks, which are inserted before the periodic writer so that they run
// before metrics are written. Non-primary processes have no writer and get
// them appended.
func (t *Trainer) BuildHooks() (*HookList, error) {
	cfg := t.cfg
	primary := t.proc.IsMainProcess()

	list := NewHookList(
		HookDescriptor{Name: IterationTimerName, Kind: KindTimer, Hook: NewIterationTimer()},
		HookDescriptor{Name: LRSchedulerName, Kind: KindScheduler, Hook: NewLRSchedulerHook(t.scheduler, cfg.Solver.BaseLR)},
	)
	if primary {
		pc, err := checkpoint.NewPeriodicCheckpointer(t.checkpointer, checkpoint.PeriodicOptions{
			Period:    cfg.Solver.CheckpointPeriod,
			MaxIter:   t.maxIter,
			MaxToKeep: cfg.Solver.MaxToKeep,
		})
		if err != nil {
			return nil, err
		}
		list.Append(HookDescriptor{Name: PeriodicCheckpointerName, Kind: KindCheckpoint, Hook: NewPeriodicCheckpointerHook(pc, (*Trainer).studentCheckpoint)})
	}
	list.Append(HookDescriptor{Name: EvalName, Kind: KindEval, Hook: NewEvalHook(cfg.Test.EvalPeriod, func(ctx context.Context) (map[string]evaluation.Results, error) {
		return t.Test(ctx, t.model)
	})})
	if primary {
		writers, err := t.buildWriters()
		if err != nil {
			return nil, err
		}
		list.Append(HookDescriptor{Name: PeriodicWriterName, Kind: KindWriter, Hook: NewPeriodicWriter(writers, cfg.Log.Period)})
	}

	handle := ema.None()
	if cfg.EMA.Enabled {
		teacher, err := t.buildTeacher()
		if err != nil {
			return nil, fmt.Errorf("failed to build teacher model: %w", err)
		}
		m, err := ema.New(teacher, cfg.EMA.Alpha)
		if err != nil {
			return nil, err
		}
		handle = ema.Some(m)
	}
	t.emaHook = NewEMAHook(handle)

	mt := []HookDescriptor{{Name: EMAName, Kind: KindEMA, Hook: t.emaHook}}
	if m, ok := handle.Get(); ok {
		if primary {
			pc, err := checkpoint.NewPeriodicCheckpointer(t.checkpointer, checkpoint.PeriodicOptions{
				Period:    cfg.Solver.CheckpointPeriod,
				MaxIter:   t.maxIter,
				MaxToKeep: cfg.Solver.MaxToKeep,
				Prefix:    TeacherCheckpointPrefix,
				Untagged:  true,
			})
			if err != nil {
				return nil, err
			}
			mt = append(mt, HookDescriptor{Name: TeacherCheckpointerName, Kind: KindCheckpoint, Hook: NewPeriodicCheckpointerHook(pc, (*Trainer).teacherCheckpoint)})
		}
		mt = append(mt, HookDescriptor{Name: TeacherEvalName, Kind: KindEval, Hook: NewEvalHook(cfg.Test.EvalPeriod, func(ctx context.Context) (map[string]evaluation.Results, error) {
			t.logger.Info("evaluating teacher model")
			return t.Test(ctx, m.Teacher())
		})})
	}
	if primary {
		for _, ts := range t.testSets {
			mt = append(mt, HookDescriptor{
				Name: BestCheckpointerPrefix + ts.Name,
				Kind: KindBestCheckpoint,
				Hook: NewBestCheckpointer(cfg.Test.EvalPeriod, t.checkpointer, ts.Name+"/bbox/AP50", ts.Name+"_model_best", (*Trainer).studentCheckpoint),
			})
		}
	}
	list.InsertBefore(PeriodicWriterName, mt...)

	t.logger.Debug("hooks built", "hooks", list.Names())
	return list, nil
}

func (t *Trainer) buildWriters() ([]events.Writer, error) {
	jw, err := events.NewJSONWriter(t.fs, t.cfg.OutputDir, metricsWindow)
	if err != nil {
		return nil, err
	}
	return []events.Writer{
		events.NewConsoleWriter(t.console, t.maxIter, metricsWindow),
		jw,
	}, nil
}

// studentCheckpoint captures the complete training state. It runs before the
// EMA hook, so the teacher it holds lacks the update of the saved iteration;
// EMAHook.BeforeTrain applies that update when training resumes.
func (t *Trainer) studentCheckpoint() (*checkpoint.Checkpoint, error) {
	state, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to get optimizer state: %w", err)
	}
	ck := &checkpoint.Checkpoint{
		Weights: checkpoint.FromParams(t.model.Parameters()),
		TrainingState: checkpoint.TrainingState{
			Iteration:    t.iter,
			LearningRate: t.optimizer.LearningRate(),
		},
		OptimizerState: state,
		ScalerState:    t.runner.ScalerState(),
		Metadata:       checkpoint.Metadata{Architecture: t.cfg.Model.MetaArchitecture},
	}
	if m, ok := t.teacherHandle().Get(); ok {
		ck.Extras = map[string][]checkpoint.WeightTensor{
			checkpoint.TeacherKey: checkpoint.FromParams(m.Teacher().Parameters()),
		}
	}
	return ck, nil
}

// teacherCheckpoint holds the teacher weights only
func (t *Trainer) teacherCheckpoint() (*checkpoint.Checkpoint, error) {
	m, ok := t.teacherHandle().Get()
	if !ok {
		return nil, fmt.Errorf("no teacher model")
	}
	return &checkpoint.Checkpoint{
		Weights:       checkpoint.FromParams(m.Teacher().Parameters()),
		TrainingState: checkpoint.TrainingState{Iteration: t.iter},
		Metadata: checkpoint.Metadata{
			Architecture: t.cfg.Model.MetaArchitecture,
			Tags:         []string{checkpoint.TeacherKey},
		},
	}, nil
}

func (t *Trainer) teacherHandle() ema.Handle {
	if t.emaHook == nil {
		return ema.None()
	}
	return t.emaHook.Handle()
}

// ResumeOrLoad restores the last checkpoint of the output directory when
// resume is set and one exists. Otherwise MODEL.WEIGHTS, if set, is loaded
// into the student and training starts at iteration zero.
func (t *Trainer) ResumeOrLoad(resume bool) error {
	ck, resumed, err := t.checkpointer.ResumeOrLoad(t.cfg.Model.Weights, resume)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if ck == nil {
		t.logger.Info("no weights to load, training from scratch")
		return nil
	}
	if err := checkpoint.LoadParams(t.model.Parameters(), ck.Weights); err != nil {
		return fmt.Errorf("failed to load model weights: %w", err)
	}
	if !resumed {
		t.logger.Info("loaded model weights", "path", t.cfg.Model.Weights)
		return nil
	}

	if weights, ok := ck.Extras[checkpoint.TeacherKey]; ok {
		if m, ok := t.teacherHandle().Get(); ok {
			if err := checkpoint.LoadParams(m.Teacher().Parameters(), weights); err != nil {
				return fmt.Errorf("failed to load teacher weights: %w", err)
			}
			t.teacherRestored = true
		}
	}
	if ck.OptimizerState != nil {
		if err := t.optimizer.LoadState(ck.OptimizerState); err != nil {
			return fmt.Errorf("failed to load optimizer state: %w", err)
		}
	}
	if err := t.runner.LoadScalerState(ck.ScalerState); err != nil {
		return fmt.Errorf("failed to load scaler state: %w", err)
	}

	t.startIter = ck.TrainingState.Iteration + 1
	t.iter = t.startIter
	t.storage.SetIter(t.startIter)
	t.logger.Info("resumed training", "start_iter", t.startIter, "teacher_restored", t.teacherRestored)
	return nil
}

type stage int

const (
	beforeTrain stage = iota
	afterTrain
	beforeStep
	afterStep
)

func (t *Trainer) runHooks(ctx context.Context, s stage) error {
	for _, d := range t.hooks.Descriptors() {
		var err error
		switch s {
		case beforeTrain:
			err = d.Hook.BeforeTrain(ctx, t)
		case afterTrain:
			err = d.Hook.AfterTrain(ctx, t)
		case beforeStep:
			err = d.Hook.BeforeStep(ctx, t)
		case afterStep:
			err = d.Hook.AfterStep(ctx, t)
		}
		if err != nil {
			return fmt.Errorf("hook %s: %w", d.Name, err)
		}
	}
	return nil
}

// Train runs iterations StartIter to MaxIter-1. AfterTrain hooks run even
// when training fails, and the loader is closed on return.
func (t *Trainer) Train(ctx context.Context) error {
	if t.loader == nil {
		return fmt.Errorf("trainer has no data loader")
	}
	defer t.loader.Close()

	t.logger.Info("starting training", "start_iter", t.startIter, "max_iter", t.maxIter, "ema", t.cfg.EMA.Enabled)

	t.iter = t.startIter
	err := t.runHooks(ctx, beforeTrain)
	if err == nil {
		err = t.loop(ctx)
	}
	if err != nil {
		t.logger.Error("training failed", "iter", t.iter, "error", err)
	}
	return errors.Join(err, t.runHooks(ctx, afterTrain))
}

func (t *Trainer) loop(ctx context.Context) error {
	for ; t.iter < t.maxIter; t.iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.storage.SetIter(t.iter)
		if err := t.runHooks(ctx, beforeStep); err != nil {
			return err
		}
		if err := t.runner.Step(ctx, t); err != nil {
			return err
		}
		if err := t.runHooks(ctx, afterStep); err != nil {
			return err
		}
	}
	return nil
}

// runModel runs the orchestrator with the current teacher, if any
func (t *Trainer) runModel(ctx context.Context, input structures.StepInput) (model.LossMap, StepReport, error) {
	var teacher model.Model
	if m, ok := t.ema.Get(); ok {
		teacher = m.Teacher()
	}
	return RunStep(ctx, t.model, input, teacher, t.stepOpts)
}

// EvaluateModel runs m over every test set with an AP50 detection evaluator
func EvaluateModel(ctx context.Context, m model.Model, sets []TestSet, opts evaluation.InferenceOptions) (map[string]evaluation.Results, error) {
	results := make(map[string]evaluation.Results, len(sets))
	for _, ts := range sets {
		res, err := evaluation.InferenceOnDataset(ctx, m, ts.Dataset, ts.Mapper, evaluation.NewDetectionEvaluator(ts.ClassNames), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %s: %w", ts.Name, err)
		}
		opts.Logger.Info("evaluation results", "dataset", ts.Name, "results", res.String())
		results[ts.Name] = res
	}
	return results, nil
}

// Test evaluates m on every test dataset and publishes the flattened
// results as scalars
func (t *Trainer) Test(ctx context.Context, m model.Model) (map[string]evaluation.Results, error) {
	if len(t.testSets) == 0 {
		t.logger.Warn("no test datasets configured, skipping evaluation")
		return map[string]evaluation.Results{}, nil
	}

	results, err := EvaluateModel(ctx, m, t.testSets, evaluation.InferenceOptions{
		BatchSize: t.cfg.Test.ImsPerBatch,
		Workers:   t.cfg.DataLoader.NumWorkers,
		Logger:    t.logger,
	})
	if err != nil {
		return nil, err
	}
	for name, res := range results {
		t.storage.PutScalars(res.Flatten(name), false)
	}
	t.lastEvalResults = results
	return results, nil
}

// Iter returns the current iteration
func (t *Trainer) Iter() int { return t.iter }

// StartIter returns the first iteration of this run
func (t *Trainer) StartIter() int { return t.startIter }

// MaxIter returns the iteration count at which training stops
func (t *Trainer) MaxIter() int { return t.maxIter }

// Storage returns the event storage
func (t *Trainer) Storage() *events.Storage { return t.storage }

// Logger returns the trainer's logger
func (t *Trainer) Logger() *logging.Logger { return t.logger }

// Model returns the student model
func (t *Trainer) Model() model.Model { return t.model }

// Optimizer returns the student optimizer
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// Checkpointer returns the checkpointer of the output directory
func (t *Trainer) Checkpointer() *checkpoint.Checkpointer { return t.checkpointer }

// Hooks returns the hook list
func (t *Trainer) Hooks() *HookList { return t.hooks }

// EMA returns the handle published by the EMA hook. It is empty before
// training starts and whenever EMA is disabled.
func (t *Trainer) EMA() ema.Handle { return t.ema }

// TeacherModel returns the EMA teacher, or nil when EMA is disabled
func (t *Trainer) TeacherModel() model.Model {
	if m, ok := t.teacherHandle().Get(); ok {
		return m.Teacher()
	}
	return nil
}

// LastEvalResults returns the results of the most recent Test call
func (t *Trainer) LastEvalResults() map[string]evaluation.Results { return t.lastEvalResults }

func (t *Trainer) setEMA(h ema.Handle) { t.ema = h }
