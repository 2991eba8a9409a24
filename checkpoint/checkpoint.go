package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/tensor"
)

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used for the format
func (f Format) Extension() string {
	switch f {
	case FormatProto:
		return ".pb"
	default:
		return ".json"
	}
}

// ParseFormat parses "json" or "proto"
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %q", s)
	}
}

// UnmarshalText lets config decoding parse formats
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// formatForPath picks the format from a file extension
func formatForPath(path string) Format {
	if strings.HasSuffix(path, FormatProto.Extension()) {
		return FormatProto
	}
	return FormatJSON
}

// TeacherKey is the Extras entry holding the EMA teacher weights
const TeacherKey = "teacher"

// Checkpoint represents a complete training state: student weights, extra
// weight sets (the teacher), optimizer and loss-scaler state, and metadata
type Checkpoint struct {
	Weights []WeightTensor            `json:"weights"`
	Extras  map[string][]WeightTensor `json:"extras,omitempty"`

	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	ScalerState    *ScalerState    `json:"scaler_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Type  string    `json:"type"` // "weight" or "buffer"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Iteration    int     `json:"iteration"`
	LearningRate float64 `json:"learning_rate"`
}

// OptimizerState captures optimizer-specific state (momentum and the like)
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// ScalerState captures the dynamic loss scale of mixed-precision training
type ScalerState struct {
	Scale         float64 `json:"scale"`
	GrowthTracker int     `json:"growth_tracker"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version      string    `json:"version"`
	Framework    string    `json:"framework"`
	CreatedAt    time.Time `json:"created_at"`
	RunID        string    `json:"run_id,omitempty"`
	Architecture string    `json:"architecture,omitempty"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// FromParams copies every parameter and buffer of ps into weight tensors
func FromParams(ps *model.ParamSet) []WeightTensor {
	weights := make([]WeightTensor, 0, ps.Len())
	for _, p := range ps.All() {
		kind := "weight"
		if p.Buffer {
			kind = "buffer"
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Type:  kind,
		})
	}
	return weights
}

// LoadParams copies weights into ps by name. Every parameter of ps must be
// present with a matching shape; weights unknown to ps are reported as an
// error as well.
func LoadParams(ps *model.ParamSet, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range ps.All() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
		}
		src, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return fmt.Errorf("invalid tensor %s: %v", w.Name, err)
		}
		if err := p.Value.CopyFrom(src); err != nil {
			return fmt.Errorf("failed to load %s: %v", p.Name, err)
		}
		delete(byName, p.Name)
	}

	if len(byName) > 0 {
		extra := make([]string, 0, len(byName))
		for name := range byName {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return fmt.Errorf("checkpoint has unexpected parameters %v", extra)
	}
	return nil
}

// Encode writes c in the given format
func Encode(w io.Writer, c *Checkpoint, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %v", err)
		}
		return nil
	case FormatProto:
		if _, err := w.Write(marshalProto(c)); err != nil {
			return fmt.Errorf("failed to write checkpoint: %v", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode reads a checkpoint in the given format
func Decode(r io.Reader, format Format) (*Checkpoint, error) {
	switch format {
	case FormatJSON:
		var c Checkpoint
		if err := json.NewDecoder(r).Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
		return &c, nil
	case FormatProto:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %v", err)
		}
		return unmarshalProto(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}
