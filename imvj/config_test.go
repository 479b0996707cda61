// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, func() error { c := DefaultConfig(); return c.Validate() }())

	for name, mutate := range map[string]func(*Config){
		"relaxation":      func(c *Config) { c.InitialRelaxation = 0 },
		"relaxation>1":    func(c *Config) { c.InitialRelaxation = 1.5 },
		"max iterations":  func(c *Config) { c.MaxIterationsUsed = 0 },
		"reused":          func(c *Config) { c.TimestepsReused = -1 },
		"filter":          func(c *Config) { c.Filter = "qr3" },
		"limit":           func(c *Config) { c.SingularityLimit = -1 },
		"no data":         func(c *Config) { c.DataIDs = nil },
		"duplicate data":  func(c *Config) { c.DataIDs = []int{1, 1} },
		"restart type":    func(c *Config) { c.RestartType = "rsls" },
		"full restart":    func(c *Config) { c.AlwaysBuildJacobian = true; c.RestartType = RestartSVD },
		"chunk size":      func(c *Config) { c.RestartType = RestartZero; c.ChunkSize = 0 },
		"ls window":       func(c *Config) { c.RestartType = RestartLS; c.RSLSReusedTimesteps = -1 },
		"ls columns":      func(c *Config) { c.RestartType = RestartLS; c.RSLSColumnsPerTimestep = 0 },
		"svd truncation":  func(c *Config) { c.RestartType = RestartSVD; c.RSSVDTruncationEps = 1 },
		"svd truncation0": func(c *Config) { c.RestartType = RestartSVD; c.RSSVDTruncationEps = -0.1 },
	} {
		c := DefaultConfig()
		mutate(&c)
		require.ErrorIs(t, c.Validate(), ErrConfig, name)
		_, err := c.New(Options{})
		require.ErrorIs(t, err, ErrConfig, name)
	}

	// the chunk size only matters with a restart
	c := DefaultConfig()
	c.ChunkSize = 0
	require.NoError(t, c.Validate())
}

func TestInvalidPreconditioner(t *testing.T) {
	c := DefaultConfig()
	c.Preconditioner.Type = "spectral"
	a, err := c.New(Options{})
	require.NoError(t, err)
	data := DataMap{0: {Values: make([]float64, 2), OldValues: make([]float64, 2)}}
	require.ErrorIs(t, a.Initialize(t.Context(), data), ErrConfig)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	yml := filepath.Join(dir, "imvj.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(`
initial_relaxation: 0.5
max_iterations_used: 30
timesteps_reused: 4
filter: qr1
data_ids: [2, 3]
preconditioner:
  type: constant
  factors: [1, 1000]
restart_type: svd
chunk_size: 4
rssvd_truncation_eps: 0.001
`), 0o644))
	cfg, err = LoadConfig(yml)
	require.NoError(t, err)
	require.Equal(t, 0.5, cfg.InitialRelaxation)
	require.Equal(t, 30, cfg.MaxIterationsUsed)
	require.Equal(t, 4, cfg.TimestepsReused)
	require.Equal(t, "qr1", cfg.Filter)
	require.Equal(t, []int{2, 3}, cfg.DataIDs)
	require.Equal(t, "constant", cfg.Preconditioner.Type)
	require.Equal(t, []float64{1, 1000}, cfg.Preconditioner.Factors)
	require.Equal(t, RestartSVD, cfg.RestartType)
	require.Equal(t, 4, cfg.ChunkSize)
	require.Equal(t, 1e-3, cfg.RSSVDTruncationEps)
	// untouched keys keep their defaults
	require.Equal(t, DefaultConfig().SingularityLimit, cfg.SingularityLimit)

	js := filepath.Join(dir, "imvj.json")
	require.NoError(t, os.WriteFile(js, []byte(`{"restart_type": "ls", "rsls_reused_timesteps": 3}`), 0o644))
	cfg, err = LoadConfig(js)
	require.NoError(t, err)
	require.Equal(t, RestartLS, cfg.RestartType)
	require.Equal(t, 3, cfg.RSLSReusedTimesteps)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`filter: qr9`), 0o644))
	_, err = LoadConfig(bad)
	require.ErrorIs(t, err, ErrConfig)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("chunk_size: [1\n"), 0o644))
	_, err = LoadConfig(broken)
	require.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("IMVJ_INITIAL_RELAXATION", "0.25")
	t.Setenv("IMVJ_FORCE_INITIAL_RELAXATION", "true")
	t.Setenv("IMVJ_MAX_ITERATIONS_USED", "12")
	t.Setenv("IMVJ_FILTER", "qr1-abs")
	t.Setenv("IMVJ_RESTART_TYPE", "ZERO")
	t.Setenv("IMVJ_CHUNK_SIZE", "3")
	t.Setenv("IMVJ_RSLS_COLUMNS_PER_TIMESTEP", "not a number")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 0.25, cfg.InitialRelaxation)
	require.True(t, cfg.ForceInitialRelaxation)
	require.Equal(t, 12, cfg.MaxIterationsUsed)
	require.Equal(t, "qr1-abs", cfg.Filter)
	require.Equal(t, RestartZero, cfg.RestartType)
	require.Equal(t, 3, cfg.ChunkSize)
	require.Equal(t, DefaultConfig().RSLSColumnsPerTimestep, cfg.RSLSColumnsPerTimestep)

	t.Setenv("IMVJ_ALWAYS_BUILD_JACOBIAN", "1")
	_, err = LoadConfig("")
	require.ErrorIs(t, err, ErrConfig)
}
