package optimizer

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/tensor"
)

// extractBufferState copies a state buffer into a checkpoint tensor
func extractBufferState(buffer *tensor.Tensor, name string, stateType string) checkpoint.OptimizerTensor {
	return checkpoint.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), buffer.Shape...),
		Data:      append([]float32(nil), buffer.Data...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(buffer *tensor.Tensor, state checkpoint.OptimizerTensor) error {
	if len(state.Data) != len(buffer.Data) {
		return fmt.Errorf("size mismatch for %s: expected %d elements, got %d", state.Name, len(buffer.Data), len(state.Data))
	}
	copy(buffer.Data, state.Data)
	return nil
}

// stateBuffers allocates one zeroed buffer per parameter tensor
func stateBuffers(params []*tensor.Tensor) []*tensor.Tensor {
	buffers := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		buffers[i] = p.Clone()
		buffers[i].Fill(0)
	}
	return buffers
}

// extractParam reads a hyperparameter from the state map
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
