// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/curioloop/imvj/precond"
	"github.com/curioloop/imvj/qr"
)

// RestartType selects how the accumulated Jacobian history is collapsed.
type RestartType string

const (
	// RestartNone keeps a dense Jacobian and never restarts.
	RestartNone RestartType = "none"
	// RestartSVD folds the history into a truncated SVD.
	RestartSVD RestartType = "svd"
	// RestartLS refits the Jacobian from a window of recent time steps.
	RestartLS RestartType = "ls"
	// RestartZero drops the whole history.
	RestartZero RestartType = "zero"
)

// Config describes an IMVJ accelerator. It is fixed once the accelerator is built.
type Config struct {
	// Relaxation factor ω of the constant under-relaxation steps.
	InitialRelaxation float64 `yaml:"initial_relaxation" json:"initial_relaxation"`
	// Relax the first iteration of every time step instead of only the first one.
	ForceInitialRelaxation bool `yaml:"force_initial_relaxation" json:"force_initial_relaxation"`
	// Maximal number of difference columns kept in V, W and Wtil.
	MaxIterationsUsed int `yaml:"max_iterations_used" json:"max_iterations_used"`
	// Number of past time steps whose difference columns are kept.
	TimestepsReused int `yaml:"timesteps_reused" json:"timesteps_reused"`
	// Column filter, one of none, qr1, qr1-abs, qr2.
	Filter string `yaml:"filter" json:"filter"`
	// Threshold of the column filter.
	SingularityLimit float64 `yaml:"singularity_limit" json:"singularity_limit"`
	// Coupling data accelerated by the quasi-Newton update, in concatenation order.
	// Other data in the data map is only under-relaxed.
	DataIDs []int `yaml:"data_ids" json:"data_ids"`
	// Scaling of the least-squares system.
	Preconditioner precond.Config `yaml:"preconditioner" json:"preconditioner"`
	// Assemble the Jacobian in every iteration instead of using the matrix-free update.
	AlwaysBuildJacobian bool `yaml:"always_build_jacobian" json:"always_build_jacobian"`
	// Restart strategy, one of none, svd, ls, zero.
	RestartType RestartType `yaml:"restart_type" json:"restart_type"`
	// Number of stored (Wtil, Z) chunks that triggers a restart once exceeded.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// Number of time steps in the window of the least-squares restart.
	RSLSReusedTimesteps int `yaml:"rsls_reused_timesteps" json:"rsls_reused_timesteps"`
	// Maximal number of columns one time step adds to that window.
	RSLSColumnsPerTimestep int `yaml:"rsls_columns_per_timestep" json:"rsls_columns_per_timestep"`
	// Relative truncation threshold of the SVD restart.
	RSSVDTruncationEps float64 `yaml:"rssvd_truncation_eps" json:"rssvd_truncation_eps"`
}

// DefaultConfig returns a matrix-free accelerator without restart.
func DefaultConfig() Config {
	return Config{
		InitialRelaxation:      0.1,
		MaxIterationsUsed:      100,
		TimestepsReused:        0,
		Filter:                 "qr2",
		SingularityLimit:       1e-2,
		DataIDs:                []int{0},
		Preconditioner:         precond.Config{Type: "residual-sum", MaxNonConstTimesteps: -1},
		RestartType:            RestartNone,
		ChunkSize:              8,
		RSLSReusedTimesteps:    1,
		RSLSColumnsPerTimestep: 5,
		RSSVDTruncationEps:     1e-4,
	}
}

// LoadConfig reads a YAML (or JSON) file on top of DefaultConfig, applies the
// IMVJ_* environment overrides and validates the result. An empty path or a
// missing file keeps the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadConfigFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("IMVJ_INITIAL_RELAXATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.InitialRelaxation = f
		}
	}
	if v := os.Getenv("IMVJ_FORCE_INITIAL_RELAXATION"); v != "" {
		cfg.ForceInitialRelaxation = v == "true" || v == "1"
	}
	if v := os.Getenv("IMVJ_MAX_ITERATIONS_USED"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterationsUsed = i
		}
	}
	if v := os.Getenv("IMVJ_TIMESTEPS_REUSED"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.TimestepsReused = i
		}
	}
	if v := os.Getenv("IMVJ_FILTER"); v != "" {
		cfg.Filter = v
	}
	if v := os.Getenv("IMVJ_SINGULARITY_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SingularityLimit = f
		}
	}
	if v := os.Getenv("IMVJ_PRECONDITIONER"); v != "" {
		cfg.Preconditioner.Type = v
	}
	if v := os.Getenv("IMVJ_ALWAYS_BUILD_JACOBIAN"); v != "" {
		cfg.AlwaysBuildJacobian = v == "true" || v == "1"
	}
	if v := os.Getenv("IMVJ_RESTART_TYPE"); v != "" {
		cfg.RestartType = RestartType(strings.ToLower(v))
	}
	if v := os.Getenv("IMVJ_CHUNK_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = i
		}
	}
	if v := os.Getenv("IMVJ_RSLS_REUSED_TIMESTEPS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.RSLSReusedTimesteps = i
		}
	}
	if v := os.Getenv("IMVJ_RSLS_COLUMNS_PER_TIMESTEP"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.RSLSColumnsPerTimestep = i
		}
	}
	if v := os.Getenv("IMVJ_RSSVD_TRUNCATION_EPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RSSVDTruncationEps = f
		}
	}
}

// Validate checks the configuration and returns the first violation found.
func (c *Config) Validate() (err error) {
	_, ferr := qr.ParseFilter(c.Filter)
	seen := make(map[int]bool, len(c.DataIDs))
	dup := false
	for _, id := range c.DataIDs {
		dup = dup || seen[id]
		seen[id] = true
	}

	switch {
	case c.InitialRelaxation <= 0 || c.InitialRelaxation > 1:
		err = errors.New("initial_relaxation must be in (0, 1]")
	case c.MaxIterationsUsed < 1:
		err = errors.New("max_iterations_used must be >= 1")
	case c.TimestepsReused < 0:
		err = errors.New("timesteps_reused must be >= 0")
	case ferr != nil:
		err = ferr
	case c.SingularityLimit < 0:
		err = errors.New("singularity_limit must be >= 0")
	case len(c.DataIDs) == 0:
		err = errors.New("data_ids must not be empty")
	case dup:
		err = errors.New("data_ids must be unique")
	case c.RestartType != "" && c.RestartType != RestartNone && c.RestartType != RestartSVD &&
		c.RestartType != RestartLS && c.RestartType != RestartZero:
		err = fmt.Errorf("restart_type %q is not one of none, svd, ls, zero", c.RestartType)
	case c.AlwaysBuildJacobian && c.restart():
		err = errors.New("always_build_jacobian requires restart_type none")
	case c.restart() && c.ChunkSize < 1:
		err = errors.New("chunk_size must be >= 1")
	case c.RestartType == RestartLS && c.RSLSReusedTimesteps < 0:
		err = errors.New("rsls_reused_timesteps must be >= 0")
	case c.RestartType == RestartLS && c.RSLSColumnsPerTimestep < 1:
		err = errors.New("rsls_columns_per_timestep must be >= 1")
	case c.RestartType == RestartSVD && (c.RSSVDTruncationEps < 0 || c.RSSVDTruncationEps >= 1):
		err = errors.New("rssvd_truncation_eps must be in [0, 1)")
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return
}

// restart reports whether the chunked Jacobian representation is used.
func (c *Config) restart() bool {
	return c.RestartType != RestartNone && c.RestartType != ""
}
