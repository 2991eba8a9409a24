// Package config loads, validates and dumps the training configuration.
// Keys are case-insensitive and dotted (SOLVER.BASE_LR); a YAML file,
// MEANTEACHER_* environment variables and KEY VALUE overrides are layered
// over the defaults in that order.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-meanteacher/checkpoint"
	"github.com/tsawler/go-meanteacher/pseudolabel"
	"github.com/tsawler/go-meanteacher/structures"
)

// EnvPrefix prefixes environment overrides: MEANTEACHER_SOLVER_BASE_LR
const EnvPrefix = "MEANTEACHER"

// DumpFileName is the resolved configuration written to the output directory
const DumpFileName = "config.yaml"

// Config is the complete training configuration
type Config struct {
	EMA         EMAConfig         `mapstructure:"ema" yaml:"EMA"`
	DomainAdapt DomainAdaptConfig `mapstructure:"domain_adapt" yaml:"DOMAIN_ADAPT"`
	Datasets    DatasetsConfig    `mapstructure:"datasets" yaml:"DATASETS"`
	DataLoader  DataLoaderConfig  `mapstructure:"dataloader" yaml:"DATALOADER"`
	Input       InputConfig       `mapstructure:"input" yaml:"INPUT"`
	Model       ModelConfig       `mapstructure:"model" yaml:"MODEL"`
	Solver      SolverConfig      `mapstructure:"solver" yaml:"SOLVER"`
	Test        TestConfig        `mapstructure:"test" yaml:"TEST"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint" yaml:"CHECKPOINT"`
	OutputDir   string            `mapstructure:"output_dir" yaml:"OUTPUT_DIR"`
	Log         LogConfig         `mapstructure:"log" yaml:"LOG"`
}

// EMAConfig controls the teacher model
type EMAConfig struct {
	// Enabled turns the EMA manager into an active updater
	Enabled bool `mapstructure:"enabled" yaml:"ENABLED"`
	// Alpha is the EMA momentum, in (0, 1)
	Alpha float64 `mapstructure:"alpha" yaml:"ALPHA"`
}

// DomainAdaptConfig groups the semi-supervised settings
type DomainAdaptConfig struct {
	Teacher TeacherConfig `mapstructure:"teacher" yaml:"TEACHER"`
}

// TeacherConfig controls pseudo-labeling
type TeacherConfig struct {
	PseudoLabelMethod pseudolabel.Method `mapstructure:"pseudo_label_method" yaml:"PSEUDO_LABEL_METHOD"`
	// Threshold is the confidence cutoff, in [0, 1]
	Threshold float64 `mapstructure:"threshold" yaml:"THRESHOLD"`
	// LabelType is the teacher head whose output becomes pseudo-labels
	LabelType            structures.LabelType             `mapstructure:"label_type" yaml:"LABEL_TYPE"`
	MissingTeacherPolicy pseudolabel.MissingTeacherPolicy `mapstructure:"missing_teacher_policy" yaml:"MISSING_TEACHER_POLICY"`
}

// DatasetRegistration registers a COCO-format dataset under Name
type DatasetRegistration struct {
	Name      string `mapstructure:"name" yaml:"NAME"`
	JSON      string `mapstructure:"json" yaml:"JSON"`
	ImageRoot string `mapstructure:"image_root" yaml:"IMAGE_ROOT"`
}

// DatasetsConfig names the datasets of each role
type DatasetsConfig struct {
	Train     []string `mapstructure:"train" yaml:"TRAIN"`
	Unlabeled []string `mapstructure:"unlabeled" yaml:"UNLABELED"`
	Test      []string `mapstructure:"test" yaml:"TEST"`
	// LabeledUnlabeledRatio splits SOLVER.IMS_PER_BATCH between the streams
	LabeledUnlabeledRatio []float64             `mapstructure:"labeled_unlabeled_ratio" yaml:"LABELED_UNLABELED_RATIO"`
	Register              []DatasetRegistration `mapstructure:"register" yaml:"REGISTER"`
}

// Ratio returns the labeled/unlabeled ratio as a pair
func (d DatasetsConfig) Ratio() [2]float64 {
	var r [2]float64
	copy(r[:], d.LabeledUnlabeledRatio)
	return r
}

// DataLoaderConfig controls the loader worker pools
type DataLoaderConfig struct {
	NumWorkers             int   `mapstructure:"num_workers" yaml:"NUM_WORKERS"`
	PrefetchDepth          int   `mapstructure:"prefetch_depth" yaml:"PREFETCH_DEPTH"`
	FilterEmptyAnnotations bool  `mapstructure:"filter_empty_annotations" yaml:"FILTER_EMPTY_ANNOTATIONS"`
	Seed                   int64 `mapstructure:"seed" yaml:"SEED"`
	// ImageCacheSize is the number of decoded images kept in memory (0 disables)
	ImageCacheSize int `mapstructure:"image_cache_size" yaml:"IMAGE_CACHE_SIZE"`
}

// InputConfig controls decoding and augmentation
type InputConfig struct {
	// Size is the square model input resolution
	Size      int     `mapstructure:"size" yaml:"SIZE"`
	HFlipProb float64 `mapstructure:"hflip_prob" yaml:"HFLIP_PROB"`
	// Jitter is the photometric strength applied to labeled images
	Jitter float64 `mapstructure:"jitter" yaml:"JITTER"`
	// StrongJitter is the photometric strength of the strong unlabeled view
	StrongJitter float64 `mapstructure:"strong_jitter" yaml:"STRONG_JITTER"`
}

// ModelConfig selects the detector
type ModelConfig struct {
	MetaArchitecture string `mapstructure:"meta_architecture" yaml:"META_ARCHITECTURE"`
	NumClasses       int    `mapstructure:"num_classes" yaml:"NUM_CLASSES"`
	Grid             int    `mapstructure:"grid" yaml:"GRID"`
	// Weights is loaded when not resuming
	Weights string `mapstructure:"weights" yaml:"WEIGHTS"`
}

// AMPConfig controls mixed precision
type AMPConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"ENABLED"`
}

// SolverConfig controls optimization
type SolverConfig struct {
	Optimizer        string    `mapstructure:"optimizer" yaml:"OPTIMIZER"`
	ImsPerBatch      int       `mapstructure:"ims_per_batch" yaml:"IMS_PER_BATCH"`
	BaseLR           float64   `mapstructure:"base_lr" yaml:"BASE_LR"`
	Momentum         float64   `mapstructure:"momentum" yaml:"MOMENTUM"`
	Nesterov         bool      `mapstructure:"nesterov" yaml:"NESTEROV"`
	WeightDecay      float64   `mapstructure:"weight_decay" yaml:"WEIGHT_DECAY"`
	MaxIter          int       `mapstructure:"max_iter" yaml:"MAX_ITER"`
	LRSchedulerName  string    `mapstructure:"lr_scheduler_name" yaml:"LR_SCHEDULER_NAME"`
	Steps            []int     `mapstructure:"steps" yaml:"STEPS"`
	Gamma            float64   `mapstructure:"gamma" yaml:"GAMMA"`
	WarmupIters      int       `mapstructure:"warmup_iters" yaml:"WARMUP_ITERS"`
	WarmupFactor     float64   `mapstructure:"warmup_factor" yaml:"WARMUP_FACTOR"`
	CheckpointPeriod int       `mapstructure:"checkpoint_period" yaml:"CHECKPOINT_PERIOD"`
	MaxToKeep        int       `mapstructure:"max_to_keep" yaml:"MAX_TO_KEEP"`
	AMP              AMPConfig `mapstructure:"amp" yaml:"AMP"`
}

// TestConfig controls evaluation
type TestConfig struct {
	// EvalPeriod is the evaluation period in iterations; 0 evaluates only
	// after the last iteration
	EvalPeriod  int `mapstructure:"eval_period" yaml:"EVAL_PERIOD"`
	ImsPerBatch int `mapstructure:"ims_per_batch" yaml:"IMS_PER_BATCH"`
}

// CheckpointConfig controls checkpoint files
type CheckpointConfig struct {
	Format checkpoint.Format `mapstructure:"format" yaml:"FORMAT"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"LEVEL"`
	// Period is the console/metrics writer period in iterations
	Period int `mapstructure:"period" yaml:"PERIOD"`
}

// DefaultNumWorkers is one loader worker per physical core
func DefaultNumWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return max(1, runtime.NumCPU()/2)
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		EMA: EMAConfig{
			Enabled: true,
			Alpha:   0.9996,
		},
		DomainAdapt: DomainAdaptConfig{
			Teacher: TeacherConfig{
				PseudoLabelMethod:    pseudolabel.MethodThresholding,
				Threshold:            0.8,
				LabelType:            structures.ROIHeads,
				MissingTeacherPolicy: pseudolabel.SkipUnlabeled,
			},
		},
		Datasets: DatasetsConfig{
			Train:                 []string{},
			Unlabeled:             []string{},
			Test:                  []string{},
			LabeledUnlabeledRatio: []float64{1, 1},
			Register:              []DatasetRegistration{},
		},
		DataLoader: DataLoaderConfig{
			NumWorkers:             DefaultNumWorkers(),
			PrefetchDepth:          2,
			FilterEmptyAnnotations: true,
			Seed:                   0,
			ImageCacheSize:         0,
		},
		Input: InputConfig{
			Size:         64,
			HFlipProb:    0.5,
			Jitter:       0,
			StrongJitter: 0.4,
		},
		Model: ModelConfig{
			MetaArchitecture: "AnchorDetector",
			NumClasses:       1,
			Grid:             4,
			Weights:          "",
		},
		Solver: SolverConfig{
			Optimizer:        "SGD",
			ImsPerBatch:      16,
			BaseLR:           0.01,
			Momentum:         0.9,
			WeightDecay:      0.0001,
			MaxIter:          1000,
			LRSchedulerName:  "WarmupMultiStepLR",
			Steps:            []int{},
			Gamma:            0.1,
			WarmupIters:      100,
			WarmupFactor:     0.001,
			CheckpointPeriod: 500,
			MaxToKeep:        0, // unlimited
		},
		Test: TestConfig{
			EvalPeriod:  0,
			ImsPerBatch: 4,
		},
		Checkpoint: CheckpointConfig{
			Format: checkpoint.FormatJSON,
		},
		OutputDir: "./output",
		Log: LogConfig{
			Level:  "INFO",
			Period: 20,
		},
	}
}

// SetDefaults registers every default with v. Enum defaults are registered
// in their text form so they decode through the same hooks as user input.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("ema.enabled", d.EMA.Enabled)
	v.SetDefault("ema.alpha", d.EMA.Alpha)

	v.SetDefault("domain_adapt.teacher.pseudo_label_method", string(d.DomainAdapt.Teacher.PseudoLabelMethod))
	v.SetDefault("domain_adapt.teacher.threshold", d.DomainAdapt.Teacher.Threshold)
	v.SetDefault("domain_adapt.teacher.label_type", d.DomainAdapt.Teacher.LabelType.String())
	v.SetDefault("domain_adapt.teacher.missing_teacher_policy", string(d.DomainAdapt.Teacher.MissingTeacherPolicy))

	v.SetDefault("datasets.train", d.Datasets.Train)
	v.SetDefault("datasets.unlabeled", d.Datasets.Unlabeled)
	v.SetDefault("datasets.test", d.Datasets.Test)
	v.SetDefault("datasets.labeled_unlabeled_ratio", d.Datasets.LabeledUnlabeledRatio)
	v.SetDefault("datasets.register", []any{})

	v.SetDefault("dataloader.num_workers", d.DataLoader.NumWorkers)
	v.SetDefault("dataloader.prefetch_depth", d.DataLoader.PrefetchDepth)
	v.SetDefault("dataloader.filter_empty_annotations", d.DataLoader.FilterEmptyAnnotations)
	v.SetDefault("dataloader.seed", d.DataLoader.Seed)
	v.SetDefault("dataloader.image_cache_size", d.DataLoader.ImageCacheSize)

	v.SetDefault("input.size", d.Input.Size)
	v.SetDefault("input.hflip_prob", d.Input.HFlipProb)
	v.SetDefault("input.jitter", d.Input.Jitter)
	v.SetDefault("input.strong_jitter", d.Input.StrongJitter)

	v.SetDefault("model.meta_architecture", d.Model.MetaArchitecture)
	v.SetDefault("model.num_classes", d.Model.NumClasses)
	v.SetDefault("model.grid", d.Model.Grid)
	v.SetDefault("model.weights", d.Model.Weights)

	v.SetDefault("solver.optimizer", d.Solver.Optimizer)
	v.SetDefault("solver.ims_per_batch", d.Solver.ImsPerBatch)
	v.SetDefault("solver.base_lr", d.Solver.BaseLR)
	v.SetDefault("solver.momentum", d.Solver.Momentum)
	v.SetDefault("solver.nesterov", d.Solver.Nesterov)
	v.SetDefault("solver.weight_decay", d.Solver.WeightDecay)
	v.SetDefault("solver.max_iter", d.Solver.MaxIter)
	v.SetDefault("solver.lr_scheduler_name", d.Solver.LRSchedulerName)
	v.SetDefault("solver.steps", d.Solver.Steps)
	v.SetDefault("solver.gamma", d.Solver.Gamma)
	v.SetDefault("solver.warmup_iters", d.Solver.WarmupIters)
	v.SetDefault("solver.warmup_factor", d.Solver.WarmupFactor)
	v.SetDefault("solver.checkpoint_period", d.Solver.CheckpointPeriod)
	v.SetDefault("solver.max_to_keep", d.Solver.MaxToKeep)
	v.SetDefault("solver.amp.enabled", d.Solver.AMP.Enabled)

	v.SetDefault("test.eval_period", d.Test.EvalPeriod)
	v.SetDefault("test.ims_per_batch", d.Test.ImsPerBatch)

	v.SetDefault("checkpoint.format", d.Checkpoint.Format.String())

	v.SetDefault("output_dir", d.OutputDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.period", d.Log.Period)
}

// NewViper returns a viper instance with defaults and environment binding
func NewViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file, applies KEY VALUE overrides, decodes
// and validates. The returned viper instance holds the merged settings.
func Load(fs afero.Fs, path string, overrides []string) (*Config, *viper.Viper, error) {
	v := NewViper(fs)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := ApplyOverrides(v, overrides); err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals v into a Config and validates it
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Dump writes the resolved configuration as YAML to {dir}/config.yaml
func (c *Config) Dump(fs afero.Fs, dir string) (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, DumpFileName)
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// Keys returns every known key in upper-case dotted form
func Keys(v *viper.Viper) []string {
	keys := v.AllKeys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.ToUpper(k)
	}
	return out
}
