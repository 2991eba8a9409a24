package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-meanteacher/checkpoint"
	_ "github.com/tsawler/go-meanteacher/model/anchordet"
	"github.com/tsawler/go-meanteacher/pseudolabel"
	"github.com/tsawler/go-meanteacher/structures"
)

func TestDefaults(t *testing.T) {
	cfg, _, err := Load(afero.NewMemMapFs(), "", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.EMA.Enabled || cfg.EMA.Alpha != 0.9996 {
		t.Errorf("unexpected EMA defaults %+v", cfg.EMA)
	}
	teacher := cfg.DomainAdapt.Teacher
	if teacher.PseudoLabelMethod != pseudolabel.MethodThresholding || teacher.Threshold != 0.8 {
		t.Errorf("unexpected teacher defaults %+v", teacher)
	}
	if teacher.LabelType != structures.ROIHeads || teacher.MissingTeacherPolicy != pseudolabel.SkipUnlabeled {
		t.Errorf("unexpected teacher enum defaults %+v", teacher)
	}
	if cfg.Datasets.Ratio() != [2]float64{1, 1} {
		t.Errorf("unexpected ratio %v", cfg.Datasets.Ratio())
	}
	if cfg.Solver.ImsPerBatch != 16 || cfg.Solver.CheckpointPeriod != 500 || cfg.Solver.AMP.Enabled {
		t.Errorf("unexpected solver defaults %+v", cfg.Solver)
	}
	if cfg.Checkpoint.Format != checkpoint.FormatJSON {
		t.Errorf("unexpected format %v", cfg.Checkpoint.Format)
	}
	if cfg.DataLoader.NumWorkers < 1 {
		t.Errorf("expected at least one worker, got %d", cfg.DataLoader.NumWorkers)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	fs := afero.NewMemMapFs()
	file := `
EMA:
  ALPHA: 0.99
DOMAIN_ADAPT:
  TEACHER:
    LABEL_TYPE: rpn
DATASETS:
  TRAIN: [city_train]
  UNLABELED: [foggy_train]
  REGISTER:
    - NAME: city_train
      JSON: /data/city.json
      IMAGE_ROOT: /data/city
CHECKPOINT:
  FORMAT: proto
`
	if err := afero.WriteFile(fs, "/cfg.yaml", []byte(file), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	overrides := []string{
		"SOLVER.BASE_LR", "0.02",
		"SOLVER.STEPS", "[100, 200]",
		"DATASETS.LABELED_UNLABELED_RATIO", "[4, 1]",
		"DATASETS.TEST", "[foggy_val]",
		"SOLVER.AMP.ENABLED", "true",
		"DOMAIN_ADAPT.TEACHER.MISSING_TEACHER_POLICY", "forward",
	}
	cfg, _, err := Load(fs, "/cfg.yaml", overrides)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.EMA.Alpha != 0.99 || cfg.DomainAdapt.Teacher.LabelType != structures.RPN {
		t.Errorf("file values not applied: %+v %+v", cfg.EMA, cfg.DomainAdapt)
	}
	if len(cfg.Datasets.Register) != 1 || cfg.Datasets.Register[0].ImageRoot != "/data/city" {
		t.Errorf("unexpected registrations %+v", cfg.Datasets.Register)
	}
	if cfg.Checkpoint.Format != checkpoint.FormatProto {
		t.Errorf("expected proto format, got %v", cfg.Checkpoint.Format)
	}
	if cfg.Solver.BaseLR != 0.02 || len(cfg.Solver.Steps) != 2 || cfg.Solver.Steps[1] != 200 {
		t.Errorf("solver overrides not applied: %+v", cfg.Solver)
	}
	if cfg.Datasets.Ratio() != [2]float64{4, 1} || cfg.Datasets.Test[0] != "foggy_val" {
		t.Errorf("dataset overrides not applied: %+v", cfg.Datasets)
	}
	if !cfg.Solver.AMP.Enabled || cfg.DomainAdapt.Teacher.MissingTeacherPolicy != pseudolabel.ForwardUnlabeled {
		t.Errorf("overrides not applied")
	}
}

func TestOverrideErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	tests := []struct {
		name      string
		overrides []string
	}{
		{"odd", []string{"SOLVER.BASE_LR"}},
		{"unknown key", []string{"SOLVER.NOPE", "1"}},
		{"bad number", []string{"SOLVER.MAX_ITER", "many"}},
		{"bad enum", []string{"DOMAIN_ADAPT.TEACHER.PSEUDO_LABEL_METHOD", "top_k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Load(fs, "", tt.overrides); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.EMA.Alpha = 1
	cfg.DomainAdapt.Teacher.Threshold = 1.5
	cfg.Datasets.LabeledUnlabeledRatio = []float64{0, 1}
	cfg.Solver.LRSchedulerName = "Plateau"
	cfg.Model.MetaArchitecture = "Unknown"

	errs := cfg.Validate()
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"EMA.ALPHA", "DOMAIN_ADAPT.TEACHER.THRESHOLD", "DATASETS.LABELED_UNLABELED_RATIO", "SOLVER.LR_SCHEDULER_NAME", "MODEL.META_ARCHITECTURE"} {
		if !fields[want] {
			t.Errorf("expected validation error for %s, got %v", want, errs)
		}
	}

	err := error(ValidationErrors(errs))
	if !strings.Contains(err.Error(), "validation errors") {
		t.Errorf("unexpected error text %q", err.Error())
	}

	_, _, loadErr := Load(afero.NewMemMapFs(), "", []string{"EMA.ALPHA", "0"})
	var verrs ValidationErrors
	if !errors.As(loadErr, &verrs) || verrs[0].Field != "EMA.ALPHA" {
		t.Errorf("expected ValidationErrors from Load, got %v", loadErr)
	}
}

func TestDump(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Default()
	cfg.Checkpoint.Format = checkpoint.FormatProto
	path, err := cfg.Dump(fs, "/out")
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("failed to read dump: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("dump is not valid YAML: %v", err)
	}
	for _, want := range []string{"FORMAT: proto", "LABEL_TYPE: roih", "ALPHA: 0.9996"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("dump missing %q:\n%s", want, data)
		}
	}

	// dump reloads to the same config
	reloaded, _, err := Load(fs, path, nil)
	if err != nil {
		t.Fatalf("failed to reload dump: %v", err)
	}
	if reloaded.Checkpoint.Format != checkpoint.FormatProto || reloaded.EMA.Alpha != cfg.EMA.Alpha {
		t.Errorf("reloaded config differs: %+v", reloaded)
	}
}
