package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/model"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore supports checkpoint resume.
type Optimizer interface {
	// Step applies the accumulated gradients of the trainable parameters
	Step() error

	// ZeroGrad clears every gradient
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoint.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoint.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// LearningRate returns the current learning rate
	LearningRate() float64
}

// Config selects and configures an optimizer
type Config struct {
	Name         string // "SGD" or "Adam"
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// New builds the optimizer named in cfg over params
func New(params *model.ParamSet, cfg Config) (Optimizer, error) {
	switch strings.ToUpper(cfg.Name) {
	case "", "SGD":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		}, params)
	case "ADAM":
		ac := DefaultAdamConfig()
		ac.LearningRate = cfg.LearningRate
		ac.WeightDecay = cfg.WeightDecay
		return NewAdamOptimizer(ac, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	var idx int
	if n, err := fmt.Sscanf(name[i+1:], "%d", &idx); n != 1 || err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoint.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
