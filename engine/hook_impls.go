package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/ema"
	"github.com/tsawler/go-meanteacher/evaluation"
	"github.com/tsawler/go-meanteacher/events"
	"github.com/tsawler/go-meanteacher/optimizer"
)

// evalDue reports whether a periodic hook fires after the step that
// completes iteration next-1. The last iteration is handled in AfterTrain.
func evalDue(next, period, maxIter int) bool {
	return period > 0 && next%period == 0 && next != maxIter
}

// completed reports whether training ran to MaxIter. After a successful
// loop the iteration counter equals MaxIter.
func completed(t *Trainer) bool {
	return t.Iter() >= t.MaxIter()
}

// IterationTimer records the wall time of every step as "time"
type IterationTimer struct {
	HookBase
	trainStart time.Time
	stepStart  time.Time
	total      time.Duration
	steps      int
}

// NewIterationTimer creates a timer hook
func NewIterationTimer() *IterationTimer {
	return &IterationTimer{}
}

func (h *IterationTimer) BeforeTrain(context.Context, *Trainer) error {
	h.trainStart = time.Now()
	return nil
}

func (h *IterationTimer) BeforeStep(context.Context, *Trainer) error {
	h.stepStart = time.Now()
	return nil
}

func (h *IterationTimer) AfterStep(_ context.Context, t *Trainer) error {
	d := time.Since(h.stepStart)
	h.total += d
	h.steps++
	t.Storage().PutScalar("time", d.Seconds(), true)
	return nil
}

func (h *IterationTimer) AfterTrain(_ context.Context, t *Trainer) error {
	if h.steps == 0 {
		return nil
	}
	t.Logger().Info("overall training speed",
		"iterations", h.steps,
		"per_iter", (h.total / time.Duration(h.steps)).String(),
		"total", time.Since(h.trainStart).Round(time.Second).String())
	return nil
}

// LRSchedulerHook sets the learning rate of each iteration before its step
type LRSchedulerHook struct {
	HookBase
	scheduler optimizer.LRScheduler
	baseLR    float64
}

// NewLRSchedulerHook creates a scheduler hook
func NewLRSchedulerHook(scheduler optimizer.LRScheduler, baseLR float64) *LRSchedulerHook {
	return &LRSchedulerHook{scheduler: scheduler, baseLR: baseLR}
}

func (h *LRSchedulerHook) BeforeStep(_ context.Context, t *Trainer) error {
	lr := h.scheduler.GetLR(t.Iter(), h.baseLR)
	t.Optimizer().UpdateLearningRate(lr)
	t.Storage().PutScalar("lr", lr, false)
	return nil
}

// PeriodicCheckpointerHook saves a checkpoint every period iterations
type PeriodicCheckpointerHook struct {
	HookBase
	checkpointer *checkpoint.PeriodicCheckpointer
	build        func(t *Trainer) (*checkpoint.Checkpoint, error)
}

// NewPeriodicCheckpointerHook creates a checkpoint hook. build assembles the
// checkpoint when a save is due.
func NewPeriodicCheckpointerHook(c *checkpoint.PeriodicCheckpointer, build func(t *Trainer) (*checkpoint.Checkpoint, error)) *PeriodicCheckpointerHook {
	return &PeriodicCheckpointerHook{checkpointer: c, build: build}
}

func (h *PeriodicCheckpointerHook) AfterStep(_ context.Context, t *Trainer) error {
	return h.checkpointer.Step(t.Iter(), func() (*checkpoint.Checkpoint, error) {
		return h.build(t)
	})
}

// EvalFunc evaluates a model and returns results per dataset
type EvalFunc func(ctx context.Context) (map[string]evaluation.Results, error)

// EvalHook evaluates every period iterations and after the last one
type EvalHook struct {
	HookBase
	period int
	eval   EvalFunc
}

// NewEvalHook creates an evaluation hook. A zero period evaluates only after
// the last iteration.
func NewEvalHook(period int, eval EvalFunc) *EvalHook {
	return &EvalHook{period: period, eval: eval}
}

func (h *EvalHook) doEval(ctx context.Context, t *Trainer) error {
	if _, err := h.eval(ctx); err != nil {
		return fmt.Errorf("evaluation at iteration %d failed: %w", t.Iter(), err)
	}
	return nil
}

func (h *EvalHook) AfterStep(ctx context.Context, t *Trainer) error {
	if evalDue(t.Iter()+1, h.period, t.MaxIter()) {
		return h.doEval(ctx, t)
	}
	return nil
}

func (h *EvalHook) AfterTrain(ctx context.Context, t *Trainer) error {
	if completed(t) {
		return h.doEval(ctx, t)
	}
	return nil
}

// PeriodicWriter flushes the event storage to its writers
type PeriodicWriter struct {
	HookBase
	writers []events.Writer
	period  int
}

// NewPeriodicWriter creates a writer hook
func NewPeriodicWriter(writers []events.Writer, period int) *PeriodicWriter {
	return &PeriodicWriter{writers: writers, period: max(period, 1)}
}

func (h *PeriodicWriter) write(t *Trainer) error {
	var errs []error
	for _, w := range h.writers {
		errs = append(errs, w.Write(t.Storage()))
	}
	return errors.Join(errs...)
}

func (h *PeriodicWriter) AfterStep(_ context.Context, t *Trainer) error {
	iter := t.Iter()
	if (iter+1)%h.period == 0 || iter == t.MaxIter()-1 {
		return h.write(t)
	}
	return nil
}

func (h *PeriodicWriter) AfterTrain(_ context.Context, t *Trainer) error {
	errs := []error{h.write(t)}
	for _, w := range h.writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// EMAHook owns the EMA manager. It hands the manager to the trainer before
// training and refreshes the teacher after every step.
type EMAHook struct {
	HookBase
	handle ema.Handle
}

// NewEMAHook creates the hook. The handle may be empty when EMA is disabled.
func NewEMAHook(h ema.Handle) *EMAHook {
	return &EMAHook{handle: h}
}

// Handle returns the owned manager handle
func (h *EMAHook) Handle() ema.Handle {
	return h.handle
}

func (h *EMAHook) BeforeTrain(_ context.Context, t *Trainer) error {
	t.setEMA(h.handle)
	m, ok := h.handle.Get()
	if !ok {
		return nil
	}
	if t.teacherRestored {
		// Student checkpoints are written before this hook's update of the
		// same iteration, so the restored teacher is one update behind.
		last := t.StartIter() - 1
		t.Logger().Info("keeping teacher weights restored from checkpoint", "catch_up_step", last)
		return m.Update(t.Model().Parameters(), last)
	}
	return m.Update(t.Model().Parameters(), 0)
}

func (h *EMAHook) AfterStep(_ context.Context, t *Trainer) error {
	m, ok := h.handle.Get()
	if !ok {
		return nil
	}
	return m.Update(t.Model().Parameters(), t.Iter())
}

// BestCheckpointer saves a checkpoint whenever a metric improves on the best
// value seen so far. Ties keep the earlier checkpoint.
type BestCheckpointer struct {
	HookBase
	period       int
	checkpointer *checkpoint.Checkpointer
	metric       string
	prefix       string
	build        func(t *Trainer) (*checkpoint.Checkpoint, error)

	best     float64
	bestIter int
	hasBest  bool
}

// NewBestCheckpointer tracks the maximum of metric, saving {prefix}{ext}
func NewBestCheckpointer(period int, c *checkpoint.Checkpointer, metric, prefix string, build func(t *Trainer) (*checkpoint.Checkpoint, error)) *BestCheckpointer {
	return &BestCheckpointer{period: period, checkpointer: c, metric: metric, prefix: prefix, build: build, bestIter: -1}
}

// Best returns the best metric value and the iteration that produced it
func (h *BestCheckpointer) Best() (float64, int, bool) {
	return h.best, h.bestIter, h.hasBest
}

func (h *BestCheckpointer) check(t *Trainer) error {
	latest, ok := t.Storage().Latest()[h.metric]
	if !ok {
		t.Logger().Warn("metric not found, best checkpoint not updated", "metric", h.metric)
		return nil
	}
	if h.hasBest && !(latest.Value > h.best) {
		t.Logger().Info("metric did not improve", "metric", h.metric, "value", latest.Value, "best", h.best, "best_iter", h.bestIter)
		return nil
	}

	ck, err := h.build(t)
	if err != nil {
		return fmt.Errorf("failed to build best checkpoint: %w", err)
	}
	if _, err := h.checkpointer.SaveCopy(h.prefix, ck); err != nil {
		return err
	}
	t.Logger().Info("saved best model", "metric", h.metric, "value", latest.Value, "previous", h.best, "iter", t.Iter())
	h.best, h.bestIter, h.hasBest = latest.Value, t.Iter(), true
	return nil
}

func (h *BestCheckpointer) AfterStep(_ context.Context, t *Trainer) error {
	if evalDue(t.Iter()+1, h.period, t.MaxIter()) {
		return h.check(t)
	}
	return nil
}

func (h *BestCheckpointer) AfterTrain(_ context.Context, t *Trainer) error {
	if completed(t) {
		return h.check(t)
	}
	return nil
}
