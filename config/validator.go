package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/optimizer"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "SOLVER.BASE_LR")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidOptimizers returns the accepted SOLVER.OPTIMIZER values
func ValidOptimizers() []string {
	return []string{"SGD", "Adam"}
}

// ValidSchedulers returns the accepted SOLVER.LR_SCHEDULER_NAME values
func ValidSchedulers() []string {
	return []string{"WarmupMultiStepLR", "WarmupCosineLR", "ConstantLR"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateEMA()...)
	errors = append(errors, c.validateTeacher()...)
	errors = append(errors, c.validateDatasets()...)
	errors = append(errors, c.validateDataLoader()...)
	errors = append(errors, c.validateInput()...)
	errors = append(errors, c.validateModel()...)
	errors = append(errors, c.validateSolver()...)
	errors = append(errors, c.validateTest()...)
	errors = append(errors, c.validateLog()...)

	return errors
}

func (c *Config) validateEMA() []ValidationError {
	var errors []ValidationError
	if c.EMA.Alpha <= 0 || c.EMA.Alpha >= 1 {
		errors = append(errors, ValidationError{
			Field:   "EMA.ALPHA",
			Value:   c.EMA.Alpha,
			Message: "must be in the open interval (0, 1)",
		})
	}
	return errors
}

func (c *Config) validateTeacher() []ValidationError {
	var errors []ValidationError
	t := c.DomainAdapt.Teacher
	if t.Threshold < 0 || t.Threshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "DOMAIN_ADAPT.TEACHER.THRESHOLD",
			Value:   t.Threshold,
			Message: "must be between 0 and 1",
		})
	}
	if t.PseudoLabelMethod == "" {
		errors = append(errors, ValidationError{
			Field:   "DOMAIN_ADAPT.TEACHER.PSEUDO_LABEL_METHOD",
			Value:   t.PseudoLabelMethod,
			Message: "must be set",
		})
	}
	if t.MissingTeacherPolicy == "" {
		errors = append(errors, ValidationError{
			Field:   "DOMAIN_ADAPT.TEACHER.MISSING_TEACHER_POLICY",
			Value:   t.MissingTeacherPolicy,
			Message: "must be set",
		})
	}
	return errors
}

func (c *Config) validateDatasets() []ValidationError {
	var errors []ValidationError
	d := c.Datasets
	if len(d.LabeledUnlabeledRatio) != 2 {
		errors = append(errors, ValidationError{
			Field:   "DATASETS.LABELED_UNLABELED_RATIO",
			Value:   d.LabeledUnlabeledRatio,
			Message: "must have exactly two elements",
		})
	} else {
		r := d.Ratio()
		switch {
		case r[0] < 0 || r[1] < 0:
			errors = append(errors, ValidationError{
				Field:   "DATASETS.LABELED_UNLABELED_RATIO",
				Value:   d.LabeledUnlabeledRatio,
				Message: "must be non-negative",
			})
		case r[0] == 0:
			// an unlabeled-only step would be trained as labeled data
			errors = append(errors, ValidationError{
				Field:   "DATASETS.LABELED_UNLABELED_RATIO",
				Value:   d.LabeledUnlabeledRatio,
				Message: "labeled ratio must be positive",
			})
		}
	}

	seen := make(map[string]bool)
	for i, reg := range d.Register {
		field := fmt.Sprintf("DATASETS.REGISTER[%d]", i)
		if reg.Name == "" || reg.JSON == "" {
			errors = append(errors, ValidationError{Field: field, Value: reg, Message: "NAME and JSON are required"})
		}
		if seen[reg.Name] {
			errors = append(errors, ValidationError{Field: field, Value: reg.Name, Message: "duplicate dataset name"})
		}
		seen[reg.Name] = true
	}
	return errors
}

func (c *Config) validateDataLoader() []ValidationError {
	var errors []ValidationError
	if c.DataLoader.NumWorkers < 1 {
		errors = append(errors, ValidationError{
			Field:   "DATALOADER.NUM_WORKERS",
			Value:   c.DataLoader.NumWorkers,
			Message: "must be at least 1",
		})
	}
	if c.DataLoader.PrefetchDepth < 0 {
		errors = append(errors, ValidationError{
			Field:   "DATALOADER.PREFETCH_DEPTH",
			Value:   c.DataLoader.PrefetchDepth,
			Message: "must be non-negative",
		})
	}
	if c.DataLoader.ImageCacheSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "DATALOADER.IMAGE_CACHE_SIZE",
			Value:   c.DataLoader.ImageCacheSize,
			Message: "must be non-negative",
		})
	}
	return errors
}

func (c *Config) validateInput() []ValidationError {
	var errors []ValidationError
	if c.Input.Size < 1 {
		errors = append(errors, ValidationError{Field: "INPUT.SIZE", Value: c.Input.Size, Message: "must be positive"})
	}
	if c.Input.HFlipProb < 0 || c.Input.HFlipProb > 1 {
		errors = append(errors, ValidationError{Field: "INPUT.HFLIP_PROB", Value: c.Input.HFlipProb, Message: "must be between 0 and 1"})
	}
	if c.Input.Jitter < 0 || c.Input.StrongJitter < 0 {
		errors = append(errors, ValidationError{Field: "INPUT.STRONG_JITTER", Value: c.Input.StrongJitter, Message: "jitter strengths must be non-negative"})
	}
	return errors
}

func (c *Config) validateModel() []ValidationError {
	var errors []ValidationError
	if !slices.Contains(model.Architectures(), c.Model.MetaArchitecture) {
		errors = append(errors, ValidationError{
			Field:   "MODEL.META_ARCHITECTURE",
			Value:   c.Model.MetaArchitecture,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(model.Architectures(), ", ")),
		})
	}
	if c.Model.NumClasses < 1 {
		errors = append(errors, ValidationError{Field: "MODEL.NUM_CLASSES", Value: c.Model.NumClasses, Message: "must be positive"})
	}
	if c.Model.Grid < 1 {
		errors = append(errors, ValidationError{Field: "MODEL.GRID", Value: c.Model.Grid, Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateSolver() []ValidationError {
	var errors []ValidationError
	s := c.Solver
	if !slices.ContainsFunc(ValidOptimizers(), func(o string) bool { return strings.EqualFold(o, s.Optimizer) }) {
		errors = append(errors, ValidationError{
			Field:   "SOLVER.OPTIMIZER",
			Value:   s.Optimizer,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidOptimizers(), ", ")),
		})
	}
	if s.ImsPerBatch < 1 {
		errors = append(errors, ValidationError{Field: "SOLVER.IMS_PER_BATCH", Value: s.ImsPerBatch, Message: "must be positive"})
	}
	if s.BaseLR < 0 {
		errors = append(errors, ValidationError{Field: "SOLVER.BASE_LR", Value: s.BaseLR, Message: "must be non-negative"})
	}
	if s.MaxIter < 1 {
		errors = append(errors, ValidationError{Field: "SOLVER.MAX_ITER", Value: s.MaxIter, Message: "must be positive"})
	}
	if !slices.Contains(ValidSchedulers(), s.LRSchedulerName) {
		errors = append(errors, ValidationError{
			Field:   "SOLVER.LR_SCHEDULER_NAME",
			Value:   s.LRSchedulerName,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidSchedulers(), ", ")),
		})
	}
	if !sort.IntsAreSorted(s.Steps) {
		errors = append(errors, ValidationError{Field: "SOLVER.STEPS", Value: s.Steps, Message: "must be increasing"})
	}
	if s.CheckpointPeriod < 1 {
		errors = append(errors, ValidationError{Field: "SOLVER.CHECKPOINT_PERIOD", Value: s.CheckpointPeriod, Message: "must be positive"})
	}
	if s.MaxToKeep < 0 {
		errors = append(errors, ValidationError{Field: "SOLVER.MAX_TO_KEEP", Value: s.MaxToKeep, Message: "must be non-negative"})
	}
	return errors
}

func (c *Config) validateTest() []ValidationError {
	var errors []ValidationError
	if c.Test.EvalPeriod < 0 {
		errors = append(errors, ValidationError{Field: "TEST.EVAL_PERIOD", Value: c.Test.EvalPeriod, Message: "must be non-negative"})
	}
	if c.Test.ImsPerBatch < 1 {
		errors = append(errors, ValidationError{Field: "TEST.IMS_PER_BATCH", Value: c.Test.ImsPerBatch, Message: "must be positive"})
	}
	return errors
}

func (c *Config) validateLog() []ValidationError {
	var errors []ValidationError
	if !logging.ValidLevel(c.Log.Level) {
		errors = append(errors, ValidationError{Field: "LOG.LEVEL", Value: c.Log.Level, Message: "must be one of DEBUG, INFO, WARN, ERROR"})
	}
	if c.Log.Period < 1 {
		errors = append(errors, ValidationError{Field: "LOG.PERIOD", Value: c.Log.Period, Message: "must be positive"})
	}
	return errors
}

// OptimizerConfig returns the optimizer settings
func (c *Config) OptimizerConfig() optimizer.Config {
	return optimizer.Config{
		Name:         c.Solver.Optimizer,
		LearningRate: c.Solver.BaseLR,
		Momentum:     c.Solver.Momentum,
		WeightDecay:  c.Solver.WeightDecay,
		Nesterov:     c.Solver.Nesterov,
	}
}

// SchedulerConfig returns the LR scheduler settings
func (c *Config) SchedulerConfig() optimizer.SchedulerConfig {
	return optimizer.SchedulerConfig{
		Name:         c.Solver.LRSchedulerName,
		MaxIter:      c.Solver.MaxIter,
		Steps:        c.Solver.Steps,
		Gamma:        c.Solver.Gamma,
		WarmupIters:  c.Solver.WarmupIters,
		WarmupFactor: c.Solver.WarmupFactor,
	}
}

// ModelSpec returns the detector construction parameters
func (c *Config) ModelSpec() model.Spec {
	return model.Spec{
		NumClasses: c.Model.NumClasses,
		Grid:       c.Model.Grid,
		InputSize:  c.Input.Size,
		Seed:       c.DataLoader.Seed,
	}
}
