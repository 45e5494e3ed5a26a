package config

import (
	"fmt"
	"os"
)

// LoadConfig loads and parses a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.RootDir == "" {
		return fmt.Errorf("root_dir must be set")
	}

	if cfg.Solver.Command == "" {
		return fmt.Errorf("solver command must be set")
	}
	if len(cfg.Solver.ErrorSignatures) == 0 {
		return fmt.Errorf("solver error_signatures cannot be empty")
	}
	if cfg.Solver.PollIntervalSec <= 0 {
		return fmt.Errorf("solver poll_interval_sec must be positive, got %v", cfg.Solver.PollIntervalSec)
	}
	if cfg.Solver.MaxRestarts < 0 {
		return fmt.Errorf("solver max_restarts cannot be negative, got %d", cfg.Solver.MaxRestarts)
	}
	validBackoffs := map[string]bool{
		"exponential": true,
		"linear":      true,
		"constant":    true,
	}
	if !validBackoffs[cfg.Solver.RestartBackoff] {
		return fmt.Errorf("invalid restart_backoff: %s (must be exponential, linear, or constant)", cfg.Solver.RestartBackoff)
	}
	for i, n := range cfg.Solver.AdaptSchedule {
		if n <= 0 {
			return fmt.Errorf("adapt_schedule[%d] must be positive, got %d", i, n)
		}
	}

	if cfg.Intersection.MaxTransformAttempts <= 0 {
		return fmt.Errorf("intersection max_transform_attempts must be positive, got %d", cfg.Intersection.MaxTransformAttempts)
	}
	if cfg.Intersection.JitterDenominator <= 0 {
		return fmt.Errorf("intersection jitter_denominator must be positive, got %v", cfg.Intersection.JitterDenominator)
	}
	if cfg.Intersection.MaxShift <= 0 {
		return fmt.Errorf("intersection max_shift must be positive, got %v", cfg.Intersection.MaxShift)
	}
	if cfg.Intersection.MaxRotationDeg <= 0 {
		return fmt.Errorf("intersection max_rotation_deg must be positive, got %v", cfg.Intersection.MaxRotationDeg)
	}

	if cfg.Matching.InitialTolerance <= 0 {
		return fmt.Errorf("matching initial_tolerance must be positive, got %v", cfg.Matching.InitialTolerance)
	}
	if cfg.Matching.MaxTolerance < cfg.Matching.InitialTolerance {
		return fmt.Errorf("matching max_tolerance (%v) cannot be below initial_tolerance (%v)",
			cfg.Matching.MaxTolerance, cfg.Matching.InitialTolerance)
	}
	if cfg.Matching.TargetFraction <= 0 || cfg.Matching.TargetFraction > 1 {
		return fmt.Errorf("matching target_fraction must be in (0, 1], got %v", cfg.Matching.TargetFraction)
	}

	if cfg.Optimizer.MaxIterations <= 0 {
		return fmt.Errorf("optimizer max_iterations must be positive, got %d", cfg.Optimizer.MaxIterations)
	}
	if cfg.Optimizer.Tolerance <= 0 {
		return fmt.Errorf("optimizer tolerance must be positive, got %v", cfg.Optimizer.Tolerance)
	}
	if cfg.Optimizer.InitialStep <= 0 {
		return fmt.Errorf("optimizer initial_step must be positive, got %v", cfg.Optimizer.InitialStep)
	}
	if cfg.Optimizer.MaxStep <= 0 {
		return fmt.Errorf("optimizer max_step must be positive, got %v", cfg.Optimizer.MaxStep)
	}
	paramNames := make(map[string]bool)
	for i, p := range cfg.Optimizer.Parameters {
		if p.Name == "" {
			return fmt.Errorf("optimizer parameters[%d]: name cannot be empty", i)
		}
		if paramNames[p.Name] {
			return fmt.Errorf("duplicate optimizer parameter: %s", p.Name)
		}
		paramNames[p.Name] = true
	}

	return nil
}
