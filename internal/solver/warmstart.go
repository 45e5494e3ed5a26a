package solver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shapeopt-dev/shapeopt-core/pkg/logger"
)

// Files copied verbatim from the prior iteration's simulation directory.
var warmstartFiles = []string{
	"input.cntl",
	"input.c3d",
	"Config.xml",
}

// Large mesh-metadata files are linked, not copied, under a ref prefix.
var warmstartLinks = []string{
	"BEST/Mesh.c3d.Info",
	"BEST/Mesh.mg.c3d",
}

// RunCommands are the toolchain invocations recorded by the prior run, needed
// to re-mesh and warm-start the flow solve.
type RunCommands struct {
	Cubes    string
	MgPrep   string
	FlowCart string
}

// WarmstartArtifacts describes the wiring produced by PrepareWarmstart.
type WarmstartArtifacts struct {
	Checkpoint string // basename of the restart checkpoint copied into simDir
	Commands   RunCommands
}

// PrepareWarmstart copies the configuration and checkpoint artifacts required
// to warm-start the solver from priorSimDir into simDir, links the large mesh
// metadata files, and extracts the prior run's toolchain commands. It is
// idempotent: existing files and links are left in place.
func PrepareWarmstart(priorSimDir, simDir string) (*WarmstartArtifacts, error) {
	for _, name := range warmstartFiles {
		dst := filepath.Join(simDir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyFile(filepath.Join(priorSimDir, name), dst); err != nil {
			return nil, fmt.Errorf("failed to copy warm-start file %s: %w", name, err)
		}
	}

	for _, name := range warmstartLinks {
		link := filepath.Join(simDir, "ref"+filepath.Base(name))
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(filepath.Join(priorSimDir, name), link); err != nil {
			return nil, fmt.Errorf("failed to link mesh metadata %s: %w", name, err)
		}
	}

	checkpoints, err := filepath.Glob(filepath.Join(priorSimDir, "BEST", "FLOW", "check.*"))
	if err != nil || len(checkpoints) == 0 {
		return nil, fmt.Errorf("no restart checkpoint found in %s", priorSimDir)
	}
	checkpoint := filepath.Base(checkpoints[0])
	dst := filepath.Join(simDir, checkpoint)
	if _, err := os.Stat(dst); err != nil {
		if err := copyFile(checkpoints[0], dst); err != nil {
			return nil, fmt.Errorf("failed to copy checkpoint %s: %w", checkpoint, err)
		}
	}

	commands, err := extractRunCommands(priorSimDir)
	if err != nil {
		return nil, err
	}

	logger.Info("warm-start artifacts prepared",
		"prior_sim_dir", priorSimDir, "checkpoint", checkpoint)
	return &WarmstartArtifacts{Checkpoint: checkpoint, Commands: commands}, nil
}

// extractRunCommands recovers the cubes, mgPrep and flowCart invocations from
// the prior run's metadata and output files.
func extractRunCommands(priorSimDir string) (RunCommands, error) {
	cubesLine, err := FindInFile(filepath.Join(priorSimDir, "BEST", "Mesh.c3d.Info"), "====> cubes")
	if err != nil {
		return RunCommands{}, fmt.Errorf("failed to recover cubes command: %w", err)
	}
	_, cubes, _ := strings.Cut(cubesLine, "====> ")

	mgPrep, err := FindInFile(filepath.Join(priorSimDir, "BEST", "cart3d.out"), "mgPrep")
	if err != nil {
		return RunCommands{}, fmt.Errorf("failed to recover mgPrep command: %w", err)
	}

	flowCart, err := FindInFile(filepath.Join(priorSimDir, "BEST", "FLOW", "cart3d.out"), "flowCart")
	if err != nil {
		return RunCommands{}, fmt.Errorf("failed to recover flowCart command: %w", err)
	}

	return RunCommands{
		Cubes:    strings.TrimSpace(cubes),
		MgPrep:   strings.TrimSpace(mgPrep),
		FlowCart: strings.TrimSpace(flowCart),
	}, nil
}

// FindInFile returns the first line of the file containing match.
func FindInFile(path, match string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), match) {
			return scanner.Text(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no line matching %q in %s", match, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
