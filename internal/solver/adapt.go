package solver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AdaptDirName returns the refinement-cycle directory for the given adapt
// count, e.g. adapt03.
func AdaptDirName(cycles int) string {
	return fmt.Sprintf("adapt%02d", cycles)
}

// ScheduledAdaptCycles picks the adapt-cycle count for an iteration from the
// schedule; iterations past the end of the schedule hold the last entry.
// An empty schedule returns fallback.
func ScheduledAdaptCycles(schedule []int, iteration, fallback int) int {
	if len(schedule) == 0 {
		return fallback
	}
	if iteration >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[iteration]
}

// RewriteAdaptCycles overwrites the adapt-cycle count set in the solver run
// script, preserving the file's mode.
func RewriteAdaptCycles(scriptPath string, cycles int) error {
	info, err := os.Stat(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to stat run script: %w", err)
	}
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read run script: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "set n_adapt_cycles") {
			prefix, _, _ := strings.Cut(line, "=")
			lines[i] = fmt.Sprintf("%s= %d", prefix, cycles)
		}
	}

	tmp := scriptPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")), info.Mode()); err != nil {
		return fmt.Errorf("failed to write run script: %w", err)
	}
	return os.Rename(tmp, scriptPath)
}

// LoadsReportPath locates the loads report for a finished run. Adaptive runs
// leave it under the final refinement cycle's FLOW directory; warm-started
// runs write it at the run root.
func LoadsReportPath(simDir, reportName string, warmstart bool, adaptCycles int) string {
	if warmstart {
		return filepath.Join(simDir, reportName)
	}
	return filepath.Join(simDir, AdaptDirName(adaptCycles), "FLOW", reportName)
}

// ParseAdaptCycles reads the adapt-cycle count out of a solver run script.
func ParseAdaptCycles(scriptPath string) (int, error) {
	line, err := FindInFile(scriptPath, "set n_adapt_cycles")
	if err != nil {
		return 0, err
	}
	_, value, found := strings.Cut(line, "=")
	if !found {
		return 0, fmt.Errorf("malformed adapt-cycle line %q", line)
	}
	var cycles int
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &cycles); err != nil {
		return 0, fmt.Errorf("malformed adapt-cycle value in %q: %w", line, err)
	}
	return cycles, nil
}
