package model

import (
	"fmt"

	"github.com/tsawler/go-meanteacher/tensor"
)

// Param is a named tensor. Buffers (running statistics and the like) take
// part in EMA and checkpointing but never receive gradients.
type Param struct {
	Name   string
	Value  *tensor.Tensor
	Grad   *tensor.Tensor
	Buffer bool
}

// ParamSet is an ordered collection of named parameters
type ParamSet struct {
	params []*Param
	index  map[string]int
}

// NewParamSet creates an empty set
func NewParamSet() *ParamSet {
	return &ParamSet{index: make(map[string]int)}
}

// Add registers a trainable parameter with a zeroed gradient
func (ps *ParamSet) Add(name string, value *tensor.Tensor) (*Param, error) {
	return ps.add(&Param{Name: name, Value: value, Grad: value.Clone()}, true)
}

// AddBuffer registers a non-trainable tensor
func (ps *ParamSet) AddBuffer(name string, value *tensor.Tensor) (*Param, error) {
	return ps.add(&Param{Name: name, Value: value, Buffer: true}, false)
}

func (ps *ParamSet) add(p *Param, zeroGrad bool) (*Param, error) {
	if _, exists := ps.index[p.Name]; exists {
		return nil, fmt.Errorf("duplicate parameter %q", p.Name)
	}
	if zeroGrad {
		p.Grad.Fill(0)
	}
	ps.index[p.Name] = len(ps.params)
	ps.params = append(ps.params, p)
	return p, nil
}

// Get returns the parameter with the given name
func (ps *ParamSet) Get(name string) (*Param, bool) {
	i, ok := ps.index[name]
	if !ok {
		return nil, false
	}
	return ps.params[i], true
}

// All returns the parameters in registration order
func (ps *ParamSet) All() []*Param {
	return ps.params
}

// Trainable returns the parameters that receive gradients
func (ps *ParamSet) Trainable() []*Param {
	out := make([]*Param, 0, len(ps.params))
	for _, p := range ps.params {
		if !p.Buffer {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of parameters and buffers
func (ps *ParamSet) Len() int {
	return len(ps.params)
}

// Names returns parameter names in order
func (ps *ParamSet) Names() []string {
	names := make([]string, len(ps.params))
	for i, p := range ps.params {
		names[i] = p.Name
	}
	return names
}

// ZeroGrad clears all gradients
func (ps *ParamSet) ZeroGrad() {
	for _, p := range ps.params {
		if p.Grad != nil {
			p.Grad.Fill(0)
		}
	}
}

// CopyFrom overwrites every value with the value of the same name in src.
// Both sets must hold the same names and shapes.
func (ps *ParamSet) CopyFrom(src *ParamSet) error {
	if err := ps.CheckCompatible(src); err != nil {
		return err
	}
	for _, p := range ps.params {
		s, _ := src.Get(p.Name)
		if err := p.Value.CopyFrom(s.Value); err != nil {
			return fmt.Errorf("failed to copy %s: %w", p.Name, err)
		}
	}
	return nil
}

// CheckCompatible verifies that src has exactly the same names and shapes
func (ps *ParamSet) CheckCompatible(src *ParamSet) error {
	if ps.Len() != src.Len() {
		return fmt.Errorf("parameter count mismatch: %d vs %d", ps.Len(), src.Len())
	}
	for _, p := range ps.params {
		s, ok := src.Get(p.Name)
		if !ok {
			return fmt.Errorf("parameter %q missing from source", p.Name)
		}
		if !p.Value.SameShape(s.Value) {
			return fmt.Errorf("shape mismatch for %s: %v vs %v", p.Name, p.Value.Shape, s.Value.Shape)
		}
	}
	return nil
}
