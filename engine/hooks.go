package engine

import (
	"context"
	"slices"
)

// Hook extends the training loop. Hooks run in list order at every stage.
type Hook interface {
	BeforeTrain(ctx context.Context, t *Trainer) error
	AfterTrain(ctx context.Context, t *Trainer) error
	BeforeStep(ctx context.Context, t *Trainer) error
	AfterStep(ctx context.Context, t *Trainer) error
}

// HookBase implements every Hook method as a no-op
type HookBase struct{}

func (HookBase) BeforeTrain(context.Context, *Trainer) error { return nil }
func (HookBase) AfterTrain(context.Context, *Trainer) error  { return nil }
func (HookBase) BeforeStep(context.Context, *Trainer) error  { return nil }
func (HookBase) AfterStep(context.Context, *Trainer) error   { return nil }

// HookKind classifies a hook
type HookKind int

const (
	KindTimer HookKind = iota
	KindScheduler
	KindCheckpoint
	KindEval
	KindWriter
	KindEMA
	KindBestCheckpoint
)

func (k HookKind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindScheduler:
		return "scheduler"
	case KindCheckpoint:
		return "checkpoint"
	case KindEval:
		return "eval"
	case KindWriter:
		return "writer"
	case KindEMA:
		return "ema"
	case KindBestCheckpoint:
		return "best_checkpoint"
	default:
		return "unknown"
	}
}

// Hook names used by BuildHooks
const (
	IterationTimerName       = "iteration_timer"
	LRSchedulerName          = "lr_scheduler"
	PeriodicCheckpointerName = "periodic_checkpointer"
	EvalName                 = "eval"
	PeriodicWriterName       = "periodic_writer"
	EMAName                  = "ema"
	TeacherCheckpointerName  = "teacher_checkpointer"
	TeacherEvalName          = "teacher_eval"
	BestCheckpointerPrefix   = "best_checkpointer/"
)

// HookDescriptor names a hook in a HookList
type HookDescriptor struct {
	Name string
	Kind HookKind
	Hook Hook
}

// HookList is an ordered list of named hooks. Insertions are positioned
// relative to named anchors, not offsets.
type HookList struct {
	items []HookDescriptor
}

// NewHookList creates a list holding descs in order
func NewHookList(descs ...HookDescriptor) *HookList {
	return &HookList{items: slices.Clone(descs)}
}

// Append adds descs at the end
func (l *HookList) Append(descs ...HookDescriptor) {
	l.items = append(l.items, descs...)
}

// InsertBefore inserts descs, in order, immediately before the hook named
// anchor. Without such a hook they are appended.
func (l *HookList) InsertBefore(anchor string, descs ...HookDescriptor) {
	i := l.Index(anchor)
	if i < 0 {
		l.Append(descs...)
		return
	}
	l.items = slices.Insert(l.items, i, descs...)
}

// Index returns the position of the named hook, or -1
func (l *HookList) Index(name string) int {
	return slices.IndexFunc(l.items, func(d HookDescriptor) bool { return d.Name == name })
}

// Get returns the named hook
func (l *HookList) Get(name string) (Hook, bool) {
	i := l.Index(name)
	if i < 0 {
		return nil, false
	}
	return l.items[i].Hook, true
}

// Names returns the hook names in order
func (l *HookList) Names() []string {
	names := make([]string, len(l.items))
	for i, d := range l.items {
		names[i] = d.Name
	}
	return names
}

// Descriptors returns a copy of the list
func (l *HookList) Descriptors() []HookDescriptor {
	return slices.Clone(l.items)
}

// Len returns the number of hooks
func (l *HookList) Len() int {
	return len(l.items)
}
