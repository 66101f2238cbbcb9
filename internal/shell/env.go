package shell

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathSnippet returns shell code that prepends binDir to PATH unless it is
// already there. binDir must be absolute.
func PathSnippet(shell ShellType, binDir string) (string, error) {
	if err := ValidateShell(shell); err != nil {
		return "", err
	}
	if !filepath.IsAbs(binDir) {
		return "", fmt.Errorf("bin dir must be absolute, got %q", binDir)
	}
	binDir = filepath.Clean(binDir)

	switch shell {
	case ShellFish:
		q := quoteFish(binDir)
		return fmt.Sprintf("contains -- %s $PATH; or set -gx PATH %s $PATH\n", q, q), nil
	default:
		q := quotePOSIX(binDir)
		return fmt.Sprintf("case \":${PATH}:\" in\n  *:%s:*) ;;\n  *) export PATH=%s\"${PATH:+:${PATH}}\" ;;\nesac\n", q, q), nil
	}
}

// quotePOSIX single-quotes s for bash and zsh.
func quotePOSIX(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteFish single-quotes s for fish, where \ and ' are the only escapes.
func quoteFish(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}
