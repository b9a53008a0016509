package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AlgorithmType selects how system states are obtained each step.
type AlgorithmType string

const (
	ModelBased    AlgorithmType = "model_based"
	PseudoInverse AlgorithmType = "pseudo_inverse"
)

// Optimizer selects the parameter update rule.
type Optimizer string

const (
	SGD  Optimizer = "sgd"
	Adam Optimizer = "adam"
)

// APDerivative selects the all-pass coefficient gradient formula.
type APDerivative string

const (
	Simple   APDerivative = "simple"
	Textbook APDerivative = "textbook"
)

// Backend names the epoch implementation.
type Backend string

const (
	CPU Backend = "cpu"
	GPU Backend = "gpu"
)

// Algorithm holds the estimation hyperparameters. It is treated as
// immutable for the duration of a run.
type Algorithm struct {
	AlgorithmType AlgorithmType `json:"algorithm_type"`
	Epochs        int           `json:"epochs"`
	BatchSize     int           `json:"batch_size"` // beats per update, 0 = all beats
	// SnapshotsInterval is measured in epochs, 0 disables snapshots.
	SnapshotsInterval int `json:"snapshots_interval"`

	LearningRate                  float32 `json:"learning_rate"`
	LearningRateReductionFactor   float32 `json:"learning_rate_reduction_factor"`
	LearningRateReductionInterval int     `json:"learning_rate_reduction_interval"`

	Optimizer    Optimizer    `json:"optimizer"`
	APDerivative APDerivative `json:"ap_derivative"`

	MSEStrength                      float32 `json:"mse_strength"`
	MaximumRegularizationStrength    float32 `json:"maximum_regularization_strength"`
	MaximumRegularizationThreshold   float32 `json:"maximum_regularization_threshold"`
	SmoothnessRegularizationStrength float32 `json:"smoothness_regularization_strength"`
	DifferenceRegularizationStrength float32 `json:"difference_regularization_strength"`

	FreezeGains  bool `json:"freeze_gains"`
	FreezeDelays bool `json:"freeze_delays"`

	UpdateKalmanGain  bool `json:"update_kalman_gain"`
	ApplySystemUpdate bool `json:"apply_system_update"`

	ConstrainSystemStates  bool    `json:"constrain_system_states"`
	StateClampingThreshold float32 `json:"state_clamping_threshold"`

	ShuffleBeats bool  `json:"shuffle_beats"`
	Seed         int64 `json:"seed"`
	Workers      int   `json:"workers"` // 0 = runtime.NumCPU()

	Backend Backend `json:"backend"`
}

// Model describes the synthetic voxel block and its fixed matrices.
type Model struct {
	VoxelsX int `json:"voxels_x"`
	VoxelsY int `json:"voxels_y"`
	VoxelsZ int `json:"voxels_z"`

	VoxelSizeMM               float32 `json:"voxel_size_mm"`
	PropagationVelocityMPerS  float32 `json:"propagation_velocity_m_per_s"`
	SampleRateHz              float32 `json:"sample_rate_hz"`
	Sensors                   int     `json:"sensors"`
	GainScale                 float32 `json:"gain_scale"`
	StimulusVoxel             int     `json:"stimulus_voxel"`
	PulseSteps                int     `json:"pulse_steps"`
	ProcessCovarianceMean     float32 `json:"process_covariance_mean"`
	ProcessCovarianceStd      float32 `json:"process_covariance_std"`
	MeasurementCovarianceMean float32 `json:"measurement_covariance_mean"`
	MeasurementCovarianceStd  float32 `json:"measurement_covariance_std"`
	Seed                      int64   `json:"seed"`
}

// Simulation describes the data the estimation is run against.
type Simulation struct {
	Steps               int     `json:"steps"`
	Beats               int     `json:"beats"`
	MeasurementNoiseStd float32 `json:"measurement_noise_std"`
	Seed                int64   `json:"seed"`
}

// Config bundles everything a run needs.
type Config struct {
	Algorithm  Algorithm  `json:"algorithm"`
	Model      Model      `json:"model"`
	Simulation Simulation `json:"simulation"`
}

// DefaultAlgorithm returns sensible defaults.
func DefaultAlgorithm() Algorithm {
	return Algorithm{
		AlgorithmType:                  ModelBased,
		Epochs:                         10,
		BatchSize:                      0,
		SnapshotsInterval:              0,
		LearningRate:                   1.0,
		LearningRateReductionFactor:    1.0,
		LearningRateReductionInterval:  0,
		Optimizer:                      SGD,
		APDerivative:                   Textbook,
		MSEStrength:                    1.0,
		MaximumRegularizationStrength:  0.0,
		MaximumRegularizationThreshold: 1.001,
		StateClampingThreshold:         1.5,
		Seed:                           42,
		Backend:                        CPU,
	}
}

// DefaultModel returns a small block that runs in milliseconds.
func DefaultModel() Model {
	return Model{
		VoxelsX:                   4,
		VoxelsY:                   2,
		VoxelsZ:                   1,
		VoxelSizeMM:               2.5,
		PropagationVelocityMPerS:  1.1,
		SampleRateHz:              2000,
		Sensors:                   8,
		GainScale:                 0.5,
		StimulusVoxel:             0,
		PulseSteps:                10,
		ProcessCovarianceMean:     1e-5,
		ProcessCovarianceStd:      0,
		MeasurementCovarianceMean: 1e-3,
		MeasurementCovarianceStd:  0,
		Seed:                      7,
	}
}

// Default returns a complete working configuration.
func Default() *Config {
	return &Config{
		Algorithm: DefaultAlgorithm(),
		Model:     DefaultModel(),
		Simulation: Simulation{
			Steps: 50,
			Beats: 1,
			Seed:  11,
		},
	}
}

// Load reads a JSON configuration file. Fields absent from the file keep
// their default values.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Algorithm.Validate(); err != nil {
		return err
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.Simulation.Steps < 1 || c.Simulation.Beats < 1 {
		return fmt.Errorf("%w: simulation needs at least one step and one beat", ErrInvalidConfig)
	}
	if c.Simulation.MeasurementNoiseStd < 0 {
		return fmt.Errorf("%w: negative measurement noise", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the algorithm hyperparameters.
func (a *Algorithm) Validate() error {
	switch a.AlgorithmType {
	case ModelBased, PseudoInverse:
	default:
		return fmt.Errorf("%w: unknown algorithm type %q", ErrInvalidConfig, a.AlgorithmType)
	}
	switch a.Optimizer {
	case SGD, Adam:
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, a.Optimizer)
	}
	switch a.APDerivative {
	case Simple, Textbook:
	default:
		return fmt.Errorf("%w: unknown ap derivative %q", ErrInvalidConfig, a.APDerivative)
	}
	switch a.Backend {
	case CPU, GPU:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, a.Backend)
	}
	if a.Epochs < 0 || a.BatchSize < 0 || a.SnapshotsInterval < 0 || a.Workers < 0 {
		return fmt.Errorf("%w: counts must not be negative", ErrInvalidConfig)
	}
	if a.LearningRate < 0 {
		return fmt.Errorf("%w: negative learning rate", ErrInvalidConfig)
	}
	if a.LearningRateReductionInterval < 0 || a.LearningRateReductionFactor < 0 {
		return fmt.Errorf("%w: invalid learning rate reduction", ErrInvalidConfig)
	}
	if a.ConstrainSystemStates && a.StateClampingThreshold <= 0 {
		return fmt.Errorf("%w: state clamping threshold must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the geometry and covariance parameters.
func (m *Model) Validate() error {
	if m.VoxelsX < 1 || m.VoxelsY < 1 || m.VoxelsZ < 1 {
		return fmt.Errorf("%w: grid needs at least one voxel per axis", ErrInvalidConfig)
	}
	if m.Sensors < 1 {
		return fmt.Errorf("%w: at least one sensor required", ErrInvalidConfig)
	}
	if m.VoxelSizeMM <= 0 || m.PropagationVelocityMPerS <= 0 || m.SampleRateHz <= 0 {
		return fmt.Errorf("%w: voxel size, velocity and sample rate must be positive", ErrInvalidConfig)
	}
	// Neighbouring voxels must be at least one sample apart.
	samples := m.VoxelSizeMM / 1000 / m.PropagationVelocityMPerS * m.SampleRateHz
	if samples < 1 {
		return fmt.Errorf("%w: delay between neighbours is %.3f samples, below 1", ErrInvalidConfig, samples)
	}
	if m.ProcessCovarianceMean <= 0 || m.MeasurementCovarianceMean <= 0 {
		return fmt.Errorf("%w: covariance means must be positive", ErrInvalidConfig)
	}
	if m.ProcessCovarianceStd < 0 || m.MeasurementCovarianceStd < 0 {
		return fmt.Errorf("%w: covariance std must not be negative", ErrInvalidConfig)
	}
	if m.StimulusVoxel < 0 || m.StimulusVoxel >= m.VoxelsX*m.VoxelsY*m.VoxelsZ {
		return fmt.Errorf("%w: stimulus voxel %d outside grid", ErrInvalidConfig, m.StimulusVoxel)
	}
	return nil
}
