package optimizer

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/tensor"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// Nesterov momentum and L2 weight decay
type SGDOptimizerState struct {
	// Hyperparameters
	LR          float64
	Momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float64 // L2 regularization coefficient
	Nesterov    bool

	params          *model.ParamSet
	momentumBuffers []*tensor.Tensor

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0001,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over the trainable parameters
func NewSGDOptimizer(config SGDConfig, params *model.ParamSet) (*SGDOptimizerState, error) {
	if params == nil || len(params.Trainable()) == 0 {
		return nil, fmt.Errorf("no trainable parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LR:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		params:      params,
	}
	if config.Momentum > 0 {
		sgd.momentumBuffers = stateBuffers(values(params))
	}
	return sgd, nil
}

func values(params *model.ParamSet) []*tensor.Tensor {
	trainable := params.Trainable()
	out := make([]*tensor.Tensor, len(trainable))
	for i, p := range trainable {
		out[i] = p.Value
	}
	return out
}

// Step performs a single optimization step
func (sgd *SGDOptimizerState) Step() error {
	lr := float32(sgd.LR)
	mu := float32(sgd.Momentum)
	wd := float32(sgd.WeightDecay)

	for i, p := range sgd.params.Trainable() {
		if p.Grad == nil {
			return fmt.Errorf("parameter %s has no gradient", p.Name)
		}
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			d := g[j] + wd*w[j]
			if sgd.momentumBuffers != nil {
				buf := sgd.momentumBuffers[i].Data
				if sgd.StepCount == 0 {
					buf[j] = d
				} else {
					buf[j] = mu*buf[j] + d
				}
				if sgd.Nesterov {
					d += mu * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= lr * d
		}
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears every gradient
func (sgd *SGDOptimizerState) ZeroGrad() {
	sgd.params.ZeroGrad()
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) {
	sgd.LR = lr
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.LR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoint.OptimizerState, error) {
	stateData := make([]checkpoint.OptimizerTensor, 0, len(sgd.momentumBuffers))
	for i, buf := range sgd.momentumBuffers {
		stateData = append(stateData, extractBufferState(buf, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &checkpoint.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LR,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoint.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	momentum := extractParam(state.Parameters, "momentum", sgd.Momentum)
	nesterov := extractParam(state.Parameters, "nesterov", boolParam(sgd.Nesterov)) != 0
	if momentum < 0 {
		return fmt.Errorf("momentum cannot be negative: %f", momentum)
	}
	if nesterov && momentum == 0 {
		return fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd.LR = extractParam(state.Parameters, "learning_rate", sgd.LR)
	sgd.WeightDecay = extractParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Momentum = momentum
	sgd.Nesterov = nesterov
	switch {
	case momentum == 0:
		sgd.momentumBuffers = nil
	case sgd.momentumBuffers == nil:
		sgd.momentumBuffers = stateBuffers(values(sgd.params))
	}
	sgd.StepCount = uint64(extractParam(state.Parameters, "step_count", float64(sgd.StepCount)))

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.momentumBuffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBufferState(sgd.momentumBuffers[idx], t); err != nil {
			return err
		}
	}
	return nil
}
