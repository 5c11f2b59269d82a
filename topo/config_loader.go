package topo

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// LoadConfig loads the configuration from a YAML file. Keys absent from the
// file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if storePath := os.Getenv("TRAILMESH_STORE"); storePath != "" {
		config.Store.Path = storePath
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ValidateConfig checks field constraints and cross-field rules.
func ValidateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return formatValidationError(err)
	}
	if config.Convergence.MinToleranceMeters > config.Convergence.ToleranceMeters {
		return fmt.Errorf("convergence.minToleranceMeters %.3f exceeds convergence.toleranceMeters %.3f",
			config.Convergence.MinToleranceMeters, config.Convergence.ToleranceMeters)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DetectOptions derives detector settings from the config.
func (c *Config) DetectOptions() DetectOptions {
	return DetectOptions{
		MinTrailLength:   c.Topology.MinTrailLengthMeters,
		ClusterTolerance: c.Topology.ClusterToleranceMeters,
		Epsilon:          c.Topology.SplitEpsilon,
	}
}

// SplitOptions derives splitter settings from the config.
func (c *Config) SplitOptions() SplitOptions {
	return SplitOptions{
		MinSegmentLength: c.Topology.MinTrailLengthMeters,
		Epsilon:          c.Topology.SplitEpsilon,
	}
}

// GapOptions derives gap detection settings from the config.
func (c *Config) GapOptions() GapOptions {
	return GapOptions{
		BridgeTolerance: c.Bridging.BridgeToleranceMeters,
		MinBridgeLength: c.Bridging.MinBridgeLengthMeters,
		SnapTolerance:   c.Topology.SnapToleranceMeters,
		MinPieceLength:  c.Topology.MinTrailLengthMeters,
		Epsilon:         c.Topology.SplitEpsilon,
	}
}

// BridgeOptions derives bridging settings from the config.
func (c *Config) BridgeOptions() BridgeOptions {
	return BridgeOptions{
		MaxBridges: c.Bridging.MaxBridgesPerRun,
		Split:      c.SplitOptions(),
	}
}

// CleanOptions derives cleaning settings from the config.
func (c *Config) CleanOptions() CleanOptions {
	return CleanOptions{
		MinConfidence:      c.Cleaning.MinConfidence,
		SplitTolerance:     c.Cleaning.SplitToleranceMeters,
		CommitOnRegression: c.Cleaning.CommitOnRegression,
		Split:              c.SplitOptions(),
	}
}
