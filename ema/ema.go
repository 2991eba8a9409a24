// Package ema maintains a teacher model as the exponential moving average of
// the student's weights.
package ema

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tsawler/go-meanteacher/model"
)

// ErrInvalidAlpha is returned when alpha is outside (0, 1)
var ErrInvalidAlpha = errors.New("ema alpha must be in (0, 1)")

// Manager owns the teacher model and applies EMA updates to it
type Manager struct {
	mu       sync.Mutex
	teacher  model.Model
	alpha    float64
	lastStep int
	updates  int
}

// New creates a manager that takes exclusive ownership of teacher
func New(teacher model.Model, alpha float64) (*Manager, error) {
	if teacher == nil {
		return nil, fmt.Errorf("teacher model is nil")
	}
	if !(alpha > 0 && alpha < 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, alpha)
	}
	return &Manager{teacher: teacher, alpha: alpha, lastStep: -1}, nil
}

// Update folds the student's parameters into the teacher. At step 0 the
// student is copied wholesale; afterwards every parameter and buffer becomes
// alpha*teacher + (1-alpha)*student, matched by name.
func (m *Manager) Update(student *model.ParamSet, step int) error {
	if student == nil {
		return fmt.Errorf("student parameters are nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	params := m.teacher.Parameters()
	if err := params.CheckCompatible(student); err != nil {
		return fmt.Errorf("failed to update teacher: %w", err)
	}

	if step == 0 {
		if err := params.CopyFrom(student); err != nil {
			return fmt.Errorf("failed to copy student into teacher: %w", err)
		}
	} else {
		for _, p := range params.All() {
			s, _ := student.Get(p.Name)
			if err := p.Value.Lerp(s.Value, m.alpha); err != nil {
				return fmt.Errorf("failed to update %s: %w", p.Name, err)
			}
		}
	}

	m.lastStep = step
	m.updates++
	return nil
}

// Teacher returns the teacher model. Callers must not mutate its parameters.
func (m *Manager) Teacher() model.Model {
	return m.teacher
}

// Alpha returns the decay factor
func (m *Manager) Alpha() float64 {
	return m.alpha
}

// LastStep returns the step of the most recent update, or -1
func (m *Manager) LastStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStep
}

// Updates returns the number of updates applied
func (m *Manager) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}
