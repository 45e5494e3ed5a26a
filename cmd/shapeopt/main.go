package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shapeopt-dev/shapeopt-core/internal/descent"
	"github.com/shapeopt-dev/shapeopt-core/internal/geometry"
	"github.com/shapeopt-dev/shapeopt-core/internal/mesh"
	"github.com/shapeopt-dev/shapeopt-core/internal/sensitivity"
	"github.com/shapeopt-dev/shapeopt-core/internal/solver"
	"github.com/shapeopt-dev/shapeopt-core/internal/store"
	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
	"github.com/shapeopt-dev/shapeopt-core/pkg/utils"
)

// Artifacts handed to the reduce command inside the iteration directory.
const (
	loadsFileName   = "loads.yaml"
	matchesFileName = "matched_sensitivities.yaml"
	reduceLogName   = "reduce.log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shapeopt",
		Short:         "Gradient-descent shape optimization over an external CFD solver",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newOptimizeCmd(), newReportCmd())
	return root
}

func newOptimizeCmd() *cobra.Command {
	var cfgPath string
	var resume bool
	var seed int64

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the optimization loop until convergence or bailout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger.SetDefault(logger.NewText(cfg.LogLevel, os.Stdout))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runOptimize(ctx, cfg, resume, seed)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "shapeopt.yaml", "path to the run configuration file")
	cmd.Flags().BoolVar(&resume, "resume", false, "re-enter the latest complete iteration for a warm start")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for perturbation draws (0 = time-seeded)")
	return cmd
}

func runOptimize(ctx context.Context, cfg *config.Config, resume bool, seed int64) error {
	if len(cfg.Optimizer.Parameters) == 0 {
		return fmt.Errorf("optimizer parameters must be set")
	}
	if cfg.Optimizer.ReduceCommand == "" {
		return fmt.Errorf("optimizer reduce_command must be set")
	}
	if cfg.Geometry.StudyCommand == "" {
		return fmt.Errorf("geometry study_command must be set")
	}
	if cfg.Geometry.IntersectCommand == "" {
		return fmt.Errorf("geometry intersect_command must be set")
	}

	st, err := store.New(cfg.RootDir, cfg.BasefilesDir, cfg.WorkingDir, cfg.SimDirName)
	if err != nil {
		return err
	}

	names := make([]string, len(cfg.Optimizer.Parameters))
	values := make([]float64, len(cfg.Optimizer.Parameters))
	for i, p := range cfg.Optimizer.Parameters {
		names[i] = p.Name
		values[i] = p.Value
	}
	initial, err := models.NewDesignPoint(names, values)
	if err != nil {
		return err
	}

	kernel := geometry.NewExecKernel(cfg.Geometry, cfg.RootDir, nil)
	engine := mesh.NewEngine(kernel, cfg.Intersection, utils.NewRandSource(seed))
	reconciler := sensitivity.NewReconciler(sensitivity.Options{
		TargetFraction:   cfg.Matching.TargetFraction,
		InitialTolerance: cfg.Matching.InitialTolerance,
		MaxTolerance:     cfg.Matching.MaxTolerance,
	})

	driver := descent.NewDriver(
		cfg,
		st,
		geometry.NewGenerator(cfg.Geometry, nil),
		engine,
		solver.NewSupervisor(cfg.Solver, nil),
		reconciler,
		commandReduce(st, cfg.Optimizer.ReduceCommand),
		nil,
	)

	result, err := driver.Run(ctx, initial, resume || cfg.Optimizer.Warmstart)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		"converged", result.Converged,
		"reason", result.Reason,
		"iterations", result.Iterations)
	return nil
}

// commandReduce runs the configured reduce command in the iteration directory
// after writing the solved loads and matched sensitivities there. The command
// leaves objective.txt and jacobian.yaml behind.
func commandReduce(st *store.Store, command string) descent.ReduceFunc {
	launcher := solver.ExecLauncher{}
	return func(in descent.ReduceInputs) (float64, []float64, error) {
		if err := writeYAMLFile(filepath.Join(in.IterDir, loadsFileName), in.Loads); err != nil {
			return 0, nil, fmt.Errorf("failed to write loads: %w", err)
		}
		if err := writeYAMLFile(filepath.Join(in.IterDir, matchesFileName), in.Sensitivities); err != nil {
			return 0, nil, fmt.Errorf("failed to write matched sensitivities: %w", err)
		}
		if err := launcher.Exec(context.Background(), in.IterDir, command, reduceLogName); err != nil {
			return 0, nil, fmt.Errorf("reduce command failed: %w", err)
		}
		return st.LoadOutcomeDir(in.IterDir, in.Design.Names)
	}
}

func newReportCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize completed iterations from the working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger.SetDefault(logger.NewText(cfg.LogLevel, os.Stderr))

			st, err := store.New(cfg.RootDir, cfg.BasefilesDir, cfg.WorkingDir, cfg.SimDirName)
			if err != nil {
				return err
			}
			entries, err := st.History()
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "shapeopt.yaml", "path to the run configuration file")
	return cmd
}

func writeReport(out io.Writer, entries []store.HistoryEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "no completed iterations")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tOBJECTIVE\tPENALTY\tSTEP\tPARAMETERS")
	for _, e := range entries {
		fmt.Fprintf(w, "%04d\t%g\t%g\t%g\t%s\n",
			e.Ordinal, e.Objective, e.Penalty, e.StepSize, formatParams(e.Parameters))
	}
	return w.Flush()
}

func formatParams(params map[string]float64) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	s := ""
	for i, name := range names {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%g", name, params[name])
	}
	return s
}

func writeYAMLFile(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
