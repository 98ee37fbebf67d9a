// Package config loads YAML experiment configurations for the adapt CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-adapt/adapt"
	"github.com/tsawler/go-adapt/datasets"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is one experiment: a method, its training settings, the synthetic
// data and where results go.
type Config struct {
	Method string `yaml:"method"` // dann, cdan, deepjdot

	Training TrainingConfig  `yaml:"training"`
	Model    ModelConfig     `yaml:"model"`
	DANN     AdversarialConf `yaml:"dann"`
	CDAN     CDANConf        `yaml:"cdan"`
	DeepJDOT DeepJDOTConf    `yaml:"deepjdot"`
	Data     datasets.Config `yaml:"data"`
	Output   OutputConfig    `yaml:"output"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// TrainingConfig holds the settings shared by every method.
type TrainingConfig struct {
	Epochs          int      `yaml:"epochs"`
	BatchSize       int      `yaml:"batch_size"`
	LearningRate    float64  `yaml:"learning_rate"`
	Optimizer       string   `yaml:"optimizer"`
	Momentum        float64  `yaml:"momentum"`
	WeightDecay     float64  `yaml:"weight_decay"`
	Seed            int64    `yaml:"seed"`
	LayerNames      []string `yaml:"layer_names"`
	ValidationSplit float64  `yaml:"validation_split"`
	Scheduler       string   `yaml:"scheduler"` // none, step, exponential, cosine, inverse, plateau
}

// ModelConfig sizes the ToyCNN. Channels, input size and classes come from
// the data section.
type ModelConfig struct {
	KernelSize  int `yaml:"kernel_size"`
	OutChannels int `yaml:"out_channels"`
	Hidden      int `yaml:"domain_hidden"`
}

// AdversarialConf configures DANN and the adversarial part of CDAN.
type AdversarialConf struct {
	Reg        float64 `yaml:"reg"`
	Alpha      float64 `yaml:"alpha"`
	AlphaGamma float64 `yaml:"alpha_gamma"` // > 0 enables the progressive schedule
}

// CDANConf configures CDAN.
type CDANConf struct {
	AdversarialConf `yaml:",inline"`
	MaxFeatures     int `yaml:"max_features"`
}

// DeepJDOTConf configures DeepJDOT.
type DeepJDOTConf struct {
	RegDist     float64 `yaml:"reg_dist"`
	RegCl       float64 `yaml:"reg_cl"`
	Solver      string  `yaml:"solver"`
	SinkhornReg float64 `yaml:"sinkhorn_reg"`
}

// OutputConfig says where artefacts are written. Empty paths disable them.
type OutputConfig struct {
	CheckpointPath   string `yaml:"checkpoint_path"`
	CheckpointFormat string `yaml:"checkpoint_format"` // json or binary
	HistoryDB        string `yaml:"history_db"`
}

// LoggingConfig selects the zap level.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns a DANN experiment on the default synthetic data.
func DefaultConfig() *Config {
	return &Config{
		Method: string(adapt.MethodDANN),
		Training: TrainingConfig{
			Epochs:       10,
			BatchSize:    32,
			LearningRate: 0.01,
			Optimizer:    "sgd",
			Momentum:     0.9,
			Seed:         42,
			LayerNames:   []string{"feature_extractor"},
			Scheduler:    "none",
		},
		Model: ModelConfig{KernelSize: 8, OutChannels: 10, Hidden: 100},
		DANN:  AdversarialConf{Reg: 1, Alpha: 1},
		CDAN: CDANConf{
			AdversarialConf: AdversarialConf{Reg: 1, Alpha: 1},
			MaxFeatures:     4096,
		},
		DeepJDOT: DeepJDOTConf{RegDist: 1, RegCl: 1, Solver: string(adapt.SolverEMD), SinkhornReg: 0.1},
		Data:     datasets.DefaultConfig(),
		Output: OutputConfig{
			CheckpointFormat: "json",
			HistoryDB:        defaultHistoryDB(),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultHistoryDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".adapt", "history.db")
	}
	return filepath.Join(home, ".adapt", "history.db")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFromPath is Load for an explicit file that must exist.
func LoadFromPath(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills zero values a partial file left behind.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Method == "" {
		c.Method = def.Method
	}
	if c.Training.Epochs == 0 {
		c.Training.Epochs = def.Training.Epochs
	}
	if c.Training.BatchSize == 0 {
		c.Training.BatchSize = def.Training.BatchSize
	}
	if c.Training.LearningRate == 0 {
		c.Training.LearningRate = def.Training.LearningRate
	}
	if c.Training.Optimizer == "" {
		c.Training.Optimizer = def.Training.Optimizer
	}
	if len(c.Training.LayerNames) == 0 {
		c.Training.LayerNames = def.Training.LayerNames
	}
	if c.Training.Scheduler == "" {
		c.Training.Scheduler = def.Training.Scheduler
	}
	if c.Output.CheckpointFormat == "" {
		c.Output.CheckpointFormat = def.Output.CheckpointFormat
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// applyEnvOverrides lets ADAPT_HISTORY_DB and ADAPT_LOG_LEVEL override the file.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("ADAPT_HISTORY_DB"); path != "" {
		c.Output.HistoryDB = path
	}
	if level := os.Getenv("ADAPT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the values the estimators and the generator will reject
// anyway, so errors surface before any data is generated.
func (c *Config) Validate() error {
	if _, err := adapt.ParseMethod(c.Method); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	t := c.Training
	switch {
	case t.Epochs <= 0:
		return fmt.Errorf("%w: training.epochs must be positive, got %d", ErrInvalid, t.Epochs)
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: training.batch_size must be positive, got %d", ErrInvalid, t.BatchSize)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: training.learning_rate must be positive, got %g", ErrInvalid, t.LearningRate)
	case len(t.LayerNames) == 0:
		return fmt.Errorf("%w: training.layer_names is empty", ErrInvalid)
	case t.ValidationSplit < 0 || t.ValidationSplit >= 1:
		return fmt.Errorf("%w: training.validation_split must be in [0, 1), got %g", ErrInvalid, t.ValidationSplit)
	}
	switch t.Scheduler {
	case "none", "step", "exponential", "cosine", "inverse", "plateau":
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrInvalid, t.Scheduler)
	}
	switch adapt.Solver(c.DeepJDOT.Solver) {
	case "", adapt.SolverEMD, adapt.SolverSinkhorn:
	default:
		return fmt.Errorf("%w: unknown deepjdot solver %q", ErrInvalid, c.DeepJDOT.Solver)
	}
	switch c.Output.CheckpointFormat {
	case "json", "binary":
	default:
		return fmt.Errorf("%w: unknown checkpoint format %q", ErrInvalid, c.Output.CheckpointFormat)
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalid, err)
	}
	if err := c.Data.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Save writes the config as YAML, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// YAML returns the config as a YAML document.
func (c *Config) YAML() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}
