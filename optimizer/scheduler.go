package optimizer

import (
	"fmt"
	"math"
	"sort"
)

// LRScheduler maps an iteration to a learning rate.
// Schedulers are pure functions of the iteration so resume needs no state.
type LRScheduler interface {
	// GetLR returns the learning rate for the given iteration
	GetLR(iter int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// warmupFactor returns the linear warmup multiplier for iter
func warmupFactor(iter, warmupIters int, factor float64) float64 {
	if iter >= warmupIters || warmupIters <= 0 {
		return 1.0
	}
	alpha := float64(iter) / float64(warmupIters)
	return factor*(1-alpha) + alpha
}

// WarmupMultiStepLR warms up linearly then decays by Gamma at each milestone
type WarmupMultiStepLR struct {
	Steps        []int   // Iterations at which the LR decays
	Gamma        float64 // Multiplicative factor of LR decay
	WarmupIters  int
	WarmupFactor float64
}

// NewWarmupMultiStepLR creates a multi-step scheduler. Steps must be increasing.
func NewWarmupMultiStepLR(steps []int, gamma float64, warmupIters int, warmupFactor float64) (*WarmupMultiStepLR, error) {
	if !sort.IntsAreSorted(steps) {
		return nil, fmt.Errorf("milestones should be increasing, got %v", steps)
	}
	if gamma <= 0 {
		return nil, fmt.Errorf("gamma must be positive: %f", gamma)
	}
	return &WarmupMultiStepLR{
		Steps:        append([]int(nil), steps...),
		Gamma:        gamma,
		WarmupIters:  warmupIters,
		WarmupFactor: warmupFactor,
	}, nil
}

func (s *WarmupMultiStepLR) GetLR(iter int, baseLR float64) float64 {
	// number of milestones <= iter
	passed := sort.Search(len(s.Steps), func(i int) bool { return s.Steps[i] > iter })
	return baseLR * warmupFactor(iter, s.WarmupIters, s.WarmupFactor) * math.Pow(s.Gamma, float64(passed))
}

func (s *WarmupMultiStepLR) GetName() string {
	return "WarmupMultiStepLR"
}

// WarmupCosineLR warms up linearly then follows a half cosine to zero at MaxIter
type WarmupCosineLR struct {
	MaxIter      int
	WarmupIters  int
	WarmupFactor float64
}

// NewWarmupCosineLR creates a cosine scheduler
func NewWarmupCosineLR(maxIter, warmupIters int, warmupFactor float64) (*WarmupCosineLR, error) {
	if maxIter <= 0 {
		return nil, fmt.Errorf("max iter must be positive: %d", maxIter)
	}
	return &WarmupCosineLR{MaxIter: maxIter, WarmupIters: warmupIters, WarmupFactor: warmupFactor}, nil
}

func (s *WarmupCosineLR) GetLR(iter int, baseLR float64) float64 {
	if iter >= s.MaxIter {
		return 0
	}
	cos := 0.5 * (1 + math.Cos(math.Pi*float64(iter)/float64(s.MaxIter)))
	return baseLR * warmupFactor(iter, s.WarmupIters, s.WarmupFactor) * cos
}

func (s *WarmupCosineLR) GetName() string {
	return "WarmupCosineLR"
}

// ConstantLR keeps the base learning rate
type ConstantLR struct{}

func (s *ConstantLR) GetLR(iter int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLR) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects a scheduler by name
type SchedulerConfig struct {
	Name         string
	MaxIter      int
	Steps        []int
	Gamma        float64
	WarmupIters  int
	WarmupFactor float64
}

// NewScheduler builds the scheduler named in cfg
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	switch cfg.Name {
	case "WarmupMultiStepLR":
		return NewWarmupMultiStepLR(cfg.Steps, cfg.Gamma, cfg.WarmupIters, cfg.WarmupFactor)
	case "WarmupCosineLR":
		return NewWarmupCosineLR(cfg.MaxIter, cfg.WarmupIters, cfg.WarmupFactor)
	case "ConstantLR", "":
		return &ConstantLR{}, nil
	default:
		return nil, fmt.Errorf("unknown LR scheduler %q", cfg.Name)
	}
}
