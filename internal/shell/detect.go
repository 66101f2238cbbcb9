package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// DetectShell detects the user's shell. It returns ShellUnknown rather than
// an error when nothing matches.
func DetectShell(ctx context.Context) *DetectionResult {
	if shell := os.Getenv("SHELL"); shell != "" {
		if shellType := ParseShell(shell); shellType.IsValid() {
			return &DetectionResult{
				Shell:     shellType,
				Method:    "$SHELL environment variable",
				ShellPath: shell,
			}
		}
	}

	if shellType, name := detectFromParentProcess(ctx); shellType.IsValid() {
		return &DetectionResult{
			Shell:     shellType,
			Method:    "parent process",
			ShellPath: name,
		}
	}

	return &DetectionResult{
		Shell:  ShellUnknown,
		Method: "detection failed",
	}
}

// ParseShell maps a shell name or binary path to a ShellType.
// Examples:
//   - /bin/bash -> bash
//   - /usr/bin/zsh -> zsh
//   - -fish (login shell) -> fish
func ParseShell(nameOrPath string) ShellType {
	baseName := strings.ToLower(filepath.Base(nameOrPath))
	baseName = strings.TrimPrefix(baseName, "-")

	switch baseName {
	case "bash":
		return ShellBash
	case "zsh":
		return ShellZsh
	case "fish":
		return ShellFish
	default:
		return ShellUnknown
	}
}

// detectFromParentProcess looks at the process that started keg.
func detectFromParentProcess(ctx context.Context) (ShellType, string) {
	parent, err := process.NewProcessWithContext(ctx, int32(os.Getppid()))
	if err != nil {
		return ShellUnknown, ""
	}
	name, err := parent.NameWithContext(ctx)
	if err != nil {
		return ShellUnknown, ""
	}
	return ParseShell(name), name
}
