package solver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shapeopt-dev/shapeopt-core/pkg/config"
	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
	"github.com/shapeopt-dev/shapeopt-core/pkg/utils"
)

// ErrRestartsExhausted indicates the solver kept failing past the bounded
// restart budget. This is terminal for the iteration.
var ErrRestartsExhausted = errors.New("solver restarts exhausted")

// Launcher abstracts execution of the external solver toolchain. Exec runs a
// command to completion; Start launches it and returns immediately, leaving
// the supervisor to poll for the completion sentinel.
type Launcher interface {
	Exec(ctx context.Context, dir, command, logPath string) error
	Start(ctx context.Context, dir, command, logPath string) error
}

// ExecLauncher runs commands through the shell, appending combined output to
// the solver log the way the toolchain's own scripts do.
type ExecLauncher struct{}

func (ExecLauncher) command(ctx context.Context, dir, command, logPath string) (*exec.Cmd, *os.File, error) {
	logFile, err := os.OpenFile(filepath.Join(dir, logPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open solver log: %w", err)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd, logFile, nil
}

// Exec runs command in dir and waits for it to finish.
func (l ExecLauncher) Exec(ctx context.Context, dir, command, logPath string) error {
	cmd, logFile, err := l.command(ctx, dir, command, logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %q failed: %w", command, err)
	}
	return nil
}

// Start launches command in dir without waiting for completion.
func (l ExecLauncher) Start(ctx context.Context, dir, command, logPath string) error {
	cmd, logFile, err := l.command(ctx, dir, command, logPath)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start %q: %w", command, err)
	}
	go func() {
		defer logFile.Close()
		cmd.Wait()
	}()
	return nil
}

// RunSpec describes one supervised solver run.
type RunSpec struct {
	SimDir       string
	BasefilesDir string // source of the immutable solver configuration for fresh runs
	PriorSimDir  string // source of warm-start artifacts; required when Warmstart
	Warmstart    bool
	AdaptCycles  int // explicit adapt-cycle count for fresh runs
}

// Supervisor launches the external solver, polls for its completion sentinel,
// classifies failures from the log tail, and restarts within a bound.
type Supervisor struct {
	cfg      config.SolverConfig
	launcher Launcher
	backoff  utils.BackoffStrategy
}

// NewSupervisor creates a Supervisor. A nil launcher defaults to ExecLauncher.
func NewSupervisor(cfg config.SolverConfig, launcher Launcher) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		backoff:  utils.BackoffFromConfig(cfg.RestartBackoff, cfg.RestartBaseMs, cfg.RestartMaxMs),
	}
}

// SentinelPath returns the completion sentinel for the run. Fresh adaptive
// runs finish under the final refinement-cycle directory; warm-started runs
// write their loads report at the run root.
func (s *Supervisor) SentinelPath(spec RunSpec) string {
	if spec.Warmstart {
		return filepath.Join(spec.SimDir, s.cfg.WarmDoneName)
	}
	return filepath.Join(spec.SimDir, AdaptDirName(spec.AdaptCycles), "FLOW", s.cfg.DoneFileName)
}

// Run supervises one solver run to completion. It is idempotent: when the
// sentinel already exists the run is treated as complete. Returns
// ErrRestartsExhausted once the restart bound is exceeded.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) error {
	runID := utils.GenerateRunID()
	log := logger.With("run_id", runID, "sim_dir", spec.SimDir, "warmstart", spec.Warmstart)

	sentinel := s.SentinelPath(spec)
	if utils.PathExists(sentinel) {
		log.Info("solver sentinel located, run already complete", "sentinel", sentinel)
		return nil
	}

	runCmd := s.cfg.Command
	var warm *WarmstartArtifacts
	if spec.Warmstart {
		var err error
		warm, err = PrepareWarmstart(spec.PriorSimDir, spec.SimDir)
		if err != nil {
			return fmt.Errorf("warm-start preparation failed: %w", err)
		}
		runCmd = warm.Commands.FlowCart
		if err := s.remesh(ctx, spec.SimDir, warm); err != nil {
			return err
		}
	} else if err := s.prepareFreshRun(spec); err != nil {
		return fmt.Errorf("fresh-run preparation failed: %w", err)
	}

	log.Info("starting solver", "command", runCmd, "sentinel", sentinel)
	start := time.Now()
	if err := s.launcher.Start(ctx, spec.SimDir, runCmd, s.cfg.LogName); err != nil {
		return err
	}

	interval := time.Duration(s.cfg.PollIntervalSec * float64(time.Second))
	restarts := 0
	for {
		err := utils.WaitForPath(ctx, sentinel, interval, interval)
		if err == nil {
			log.Info("solver run complete", "elapsed", utils.FormatDuration(time.Since(start)))
			return nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Sentinel still missing; classify liveness from the log tail.
		signature, failed := s.checkLog(spec.SimDir)
		if !failed {
			continue
		}

		if restarts >= s.cfg.MaxRestarts {
			return fmt.Errorf("%w: failed %d times, last error %q", ErrRestartsExhausted, restarts+1, signature)
		}

		log.Warn("solver failed, restarting", "error", signature, "restart", restarts+1)
		select {
		case <-time.After(s.backoff.NextDelay(restarts)):
		case <-ctx.Done():
			return ctx.Err()
		}

		if spec.Warmstart {
			// Warm-start restarts re-run mesh preparation first.
			if err := s.remesh(ctx, spec.SimDir, warm); err != nil {
				return err
			}
		}
		if err := s.launcher.Start(ctx, spec.SimDir, runCmd, s.cfg.LogName); err != nil {
			return err
		}
		restarts++
	}
}

// prepareFreshRun stages the simulation directory for an adaptive run: the
// immutable solver configuration is copied in from the basefiles directory
// (files already present are kept, so re-entry never clobbers run state) and
// the run script's adapt-cycle count is rewritten to the scheduled value.
// An unrewritten script would finish under a different adaptNN directory
// than the sentinel the supervisor polls.
func (s *Supervisor) prepareFreshRun(spec RunSpec) error {
	if spec.BasefilesDir != "" {
		if err := copyMissingFiles(spec.BasefilesDir, spec.SimDir); err != nil {
			return err
		}
	}
	if s.cfg.RunScriptName == "" {
		return nil
	}
	script := filepath.Join(spec.SimDir, s.cfg.RunScriptName)
	if !utils.PathExists(script) {
		return nil
	}
	if current, err := ParseAdaptCycles(script); err == nil && current == spec.AdaptCycles {
		return nil
	}
	return RewriteAdaptCycles(script, spec.AdaptCycles)
}

// copyMissingFiles copies the regular files of src into dst, skipping any
// that already exist there.
func copyMissingFiles(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read basefiles directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		target := filepath.Join(dst, entry.Name())
		if utils.PathExists(target) {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), target); err != nil {
			return fmt.Errorf("failed to copy basefile %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// remesh re-runs the meshing and checkpoint-remap steps required before a
// warm-started flow solve.
func (s *Supervisor) remesh(ctx context.Context, simDir string, warm *WarmstartArtifacts) error {
	steps := []string{
		warm.Commands.Cubes + " -remesh",
		warm.Commands.MgPrep,
		fmt.Sprintf("mesh2mesh -v -m1 refMesh.mg.c3d -m2 Mesh.mg.c3d -q1 %s -q2 Restart.file", warm.Checkpoint),
	}
	for _, step := range steps {
		if err := s.launcher.Exec(ctx, simDir, step, s.cfg.LogName); err != nil {
			return fmt.Errorf("warm-start meshing step failed: %w", err)
		}
	}
	return nil
}

// checkLog reports whether the tail of the solver log matches a known fatal
// signature. A missing or empty log means the solver is still starting up.
func (s *Supervisor) checkLog(simDir string) (string, bool) {
	line, err := tailLine(filepath.Join(simDir, s.cfg.LogName))
	if err != nil || line == "" {
		return "", false
	}
	for _, signature := range s.cfg.ErrorSignatures {
		if strings.Contains(line, signature) {
			return signature, true
		}
	}
	return "", false
}

// tailLine returns the last non-empty line of the file.
func tailLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed, nil
		}
	}
	return "", nil
}
