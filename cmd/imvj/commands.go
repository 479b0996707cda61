// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/imvj"
	"github.com/curioloop/imvj/internal/coupling"
)

var (
	configPath    string
	logLevel      string
	ranks         int
	unknowns      int
	timesteps     int
	maxIterations int
	tol           float64
	shift         float64
	noise         float64
	seed          uint64
	tcpDir        string
	plotPath      string
	metricsPath   string
	checkJacobian bool

	rootCmd = &cobra.Command{
		Use:   "imvj",
		Short: "Inverse multi-vector Jacobian coupling accelerator",
		Long: `imvj couples a synthetic partitioned fixed-point problem and
accelerates it with the IMVJ quasi-Newton update.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the coupled iteration over a ring of ranks",
		RunE:  runCoupling,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective accelerator configuration as YAML",
		RunE:  printConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "accelerator configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	f := runCmd.Flags()
	f.IntVarP(&ranks, "ranks", "p", 2, "number of ranks on the ring")
	f.IntVarP(&unknowns, "unknowns", "n", 40, "global number of unknowns")
	f.IntVarP(&timesteps, "timesteps", "t", 5, "number of time steps")
	f.IntVar(&maxIterations, "max-iterations", 100, "iteration limit per time step")
	f.Float64Var(&tol, "tol", 1e-8, "relative residual of a converged time step")
	f.Float64Var(&shift, "shift", 0.5, "diagonal of the fixed-point operator")
	f.Float64Var(&noise, "noise", 0.4, "Frobenius norm of the random perturbation")
	f.Uint64Var(&seed, "seed", 1, "seed of the random problem")
	f.StringVar(&tcpDir, "tcp", "", "connect the ranks over TCP, exchanging addresses in this directory")
	f.StringVar(&plotPath, "plot", "", "write the residual history to this image")
	f.StringVar(&metricsPath, "metrics", "", "write the final metrics in text exposition format to this file")
	f.BoolVar(&checkJacobian, "check-jacobian", false, "compare the inverse Jacobian with a finite difference estimate")

	rootCmd.AddCommand(runCmd, configCmd)
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", logLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// connectors returns the connectors of the accelerator ring and of the solver
// exchange. Over TCP they use separate directories since both rings share the
// channel names.
func connectors(runID string) (accel, solver comm.Connector, err error) {
	if tcpDir == "" {
		return comm.NewLocalNetwork(), comm.NewLocalNetwork(), nil
	}
	base := filepath.Join(tcpDir, runID)
	dirs := [2]string{filepath.Join(base, "accel"), filepath.Join(base, "solver")}
	for _, d := range dirs {
		if err = os.MkdirAll(d, 0o755); err != nil {
			return nil, nil, err
		}
	}
	return &comm.TCPConnector{Dir: dirs[0]}, &comm.TCPConnector{Dir: dirs[1]}, nil
}

func runCoupling(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := imvj.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if ranks < 1 || unknowns < 1 {
		return fmt.Errorf("need at least one rank and one unknown, got %d and %d", ranks, unknowns)
	}

	runID := uuid.NewString()
	logger = logger.With(slog.String("run", runID))
	accel, solver, err := connectors(runID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	p := coupling.NewProblem(unknowns, shift, noise, seed)
	opts := coupling.Options{
		Config:        cfg,
		Offsets:       coupling.Partition(unknowns, ranks),
		Timesteps:     timesteps,
		MaxIterations: maxIterations,
		Tol:           tol,
		Logger:        logger,
		JacobianError: checkJacobian,
	}
	logger.Info("start",
		slog.Int("ranks", ranks),
		slog.Int("unknowns", unknowns),
		slog.String("restart", string(cfg.RestartType)),
		slog.String("filter", cfg.Filter))

	start := time.Now()
	stats, err := coupling.Run(ctx, p, opts, accel, solver)
	if err != nil {
		return err
	}
	report(cmd, stats, time.Since(start))

	if plotPath != "" {
		if err = plotResiduals(stats, plotPath); err != nil {
			return fmt.Errorf("plot: %w", err)
		}
		logger.Info("residual history written", slog.String("path", plotPath))
	}
	if metricsPath != "" {
		if err = prometheus.WriteToTextfile(metricsPath, prometheus.DefaultGatherer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

func report(cmd *cobra.Command, s *coupling.Stats, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	total := 0
	for t, it := range s.Iterations {
		fmt.Fprintf(out, "time step %d: %d iterations\n", t, it)
		total += it
	}
	fmt.Fprintf(out, "iterations      %d\n", total)
	fmt.Fprintf(out, "restarts        %d\n", s.Restarts)
	fmt.Fprintf(out, "columns         %d\n", s.Columns)
	fmt.Fprintf(out, "chunks          %d\n", s.Chunks)
	fmt.Fprintf(out, "svd rank        %d\n", s.SVDRank)
	fmt.Fprintf(out, "solution error  %.3e\n", s.SolutionError)
	if !math.IsNaN(s.JacobianError) {
		fmt.Fprintf(out, "jacobian error  %.3e\n", s.JacobianError)
	}
	fmt.Fprintf(out, "elapsed         %s\n", elapsed.Round(time.Millisecond))
}

func printConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := imvj.LoadConfig(configPath)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err = enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
