package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/tensor"
)

// AdamOptimizerState is Adam with bias correction and L2 weight decay
type AdamOptimizerState struct {
	// Hyperparameters
	LR          float64
	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64
	WeightDecay float64

	params          *model.ParamSet
	momentumBuffers []*tensor.Tensor
	varianceBuffers []*tensor.Tensor

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over the trainable parameters
func NewAdamOptimizer(config AdamConfig, params *model.ParamSet) (*AdamOptimizerState, error) {
	if params == nil || len(params.Trainable()) == 0 {
		return nil, fmt.Errorf("no trainable parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): got %f, %f", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}

	vals := values(params)
	return &AdamOptimizerState{
		LR:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		momentumBuffers: stateBuffers(vals),
		varianceBuffers: stateBuffers(vals),
	}, nil
}

// Step performs a single optimization step
func (a *AdamOptimizerState) Step() error {
	a.StepCount++
	t := float64(a.StepCount)
	bc1 := 1 - math.Pow(a.Beta1, t)
	bc2 := 1 - math.Pow(a.Beta2, t)

	for i, p := range a.params.Trainable() {
		if p.Grad == nil {
			return fmt.Errorf("parameter %s has no gradient", p.Name)
		}
		w, g := p.Value.Data, p.Grad.Data
		m, v := a.momentumBuffers[i].Data, a.varianceBuffers[i].Data
		for j := range w {
			d := float64(g[j]) + a.WeightDecay*float64(w[j])
			m[j] = float32(a.Beta1*float64(m[j]) + (1-a.Beta1)*d)
			v[j] = float32(a.Beta2*float64(v[j]) + (1-a.Beta2)*d*d)
			mHat := float64(m[j]) / bc1
			vHat := float64(v[j]) / bc2
			w[j] -= float32(a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon))
		}
	}
	return nil
}

// ZeroGrad clears every gradient
func (a *AdamOptimizerState) ZeroGrad() { a.params.ZeroGrad() }

// UpdateLearningRate updates the learning rate
func (a *AdamOptimizerState) UpdateLearningRate(lr float64) { a.LR = lr }

// LearningRate returns the current learning rate
func (a *AdamOptimizerState) LearningRate() float64 { return a.LR }

// GetStepCount returns the current step count
func (a *AdamOptimizerState) GetStepCount() uint64 { return a.StepCount }

// GetState extracts optimizer state for checkpointing
func (a *AdamOptimizerState) GetState() (*checkpoint.OptimizerState, error) {
	stateData := make([]checkpoint.OptimizerTensor, 0, 2*len(a.momentumBuffers))
	for i := range a.momentumBuffers {
		stateData = append(stateData,
			extractBufferState(a.momentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(a.varianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"))
	}
	return &checkpoint.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.LR,
			"beta1":         a.Beta1,
			"beta2":         a.Beta2,
			"epsilon":       a.Epsilon,
			"weight_decay":  a.WeightDecay,
			"step_count":    float64(a.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdamOptimizerState) LoadState(state *checkpoint.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	a.LR = extractParam(state.Parameters, "learning_rate", a.LR)
	a.Beta1 = extractParam(state.Parameters, "beta1", a.Beta1)
	a.Beta2 = extractParam(state.Parameters, "beta2", a.Beta2)
	a.Epsilon = extractParam(state.Parameters, "epsilon", a.Epsilon)
	a.WeightDecay = extractParam(state.Parameters, "weight_decay", a.WeightDecay)
	a.StepCount = uint64(extractParam(state.Parameters, "step_count", float64(a.StepCount)))

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		var buffers []*tensor.Tensor
		switch t.StateType {
		case "momentum":
			buffers = a.momentumBuffers
		case "variance":
			buffers = a.varianceBuffers
		default:
			continue
		}
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBufferState(buffers[idx], t); err != nil {
			return err
		}
	}
	return nil
}
