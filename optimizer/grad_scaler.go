package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/model"
)

// MaxHalf is the largest finite float16 value. Gradients above it would
// overflow a half-precision backward pass.
const MaxHalf = 65504.0

// GradScalerConfig holds the dynamic loss-scaling parameters
type GradScalerConfig struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultGradScalerConfig returns the usual mixed-precision defaults
func DefaultGradScalerConfig() GradScalerConfig {
	return GradScalerConfig{
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler scales the loss before backward and unscales the gradients
// after. A step whose scaled gradients overflow half precision is skipped
// and the scale backs off; after GrowthInterval clean steps it grows.
type GradScaler struct {
	config        GradScalerConfig
	scale         float64
	growthTracker int
}

// NewGradScaler creates a scaler
func NewGradScaler(config GradScalerConfig) (*GradScaler, error) {
	if config.InitScale <= 0 {
		return nil, fmt.Errorf("init scale must be positive: %f", config.InitScale)
	}
	if config.GrowthFactor <= 1 {
		return nil, fmt.Errorf("growth factor must be > 1: %f", config.GrowthFactor)
	}
	if config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
		return nil, fmt.Errorf("backoff factor must be in (0, 1): %f", config.BackoffFactor)
	}
	if config.GrowthInterval <= 0 {
		return nil, fmt.Errorf("growth interval must be positive: %d", config.GrowthInterval)
	}
	return &GradScaler{config: config, scale: config.InitScale}, nil
}

// Scale returns the current loss scale
func (g *GradScaler) Scale() float64 {
	return g.scale
}

// Unscale divides every gradient by the scale and reports whether any
// scaled gradient was non-finite or outside the half-precision range.
func (g *GradScaler) Unscale(params *model.ParamSet) (foundInf bool) {
	inv := float32(1.0 / g.scale)
	for _, p := range params.Trainable() {
		for i, v := range p.Grad.Data {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > MaxHalf {
				foundInf = true
			}
			p.Grad.Data[i] = v * inv
		}
	}
	return foundInf
}

// Update adjusts the scale after a step
func (g *GradScaler) Update(foundInf bool) {
	if foundInf {
		g.scale *= g.config.BackoffFactor
		g.growthTracker = 0
		return
	}
	g.growthTracker++
	if g.growthTracker >= g.config.GrowthInterval {
		g.scale *= g.config.GrowthFactor
		g.growthTracker = 0
	}
}

// State returns the scaler state for checkpointing
func (g *GradScaler) State() *checkpoint.ScalerState {
	return &checkpoint.ScalerState{Scale: g.scale, GrowthTracker: g.growthTracker}
}

// LoadState restores the scaler from a checkpoint
func (g *GradScaler) LoadState(state *checkpoint.ScalerState) error {
	if state == nil {
		return fmt.Errorf("scaler state is nil")
	}
	if state.Scale <= 0 {
		return fmt.Errorf("invalid scaler scale: %f", state.Scale)
	}
	g.scale = state.Scale
	g.growthTracker = state.GrowthTracker
	return nil
}
