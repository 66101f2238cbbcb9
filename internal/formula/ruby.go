package formula

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

var (
	classPattern     = regexp.MustCompile(`^\s*class\s+([A-Z][A-Za-z0-9_]*)\s*<\s*Formula\b`)
	statementPattern = regexp.MustCompile(`^\s*(desc|homepage|url|sha256|version)\s+(["'])(.*?)["']`)
	binInstall       = regexp.MustCompile(`^\s*bin\.install\s+(["'])(.*?)["']`)
)

// parseRuby reads the subset of the Homebrew formula DSL used by
// prebuilt-binary formulas: string statements plus one bin.install.
// Anything else (blocks, depends_on, test do) is ignored.
func parseRuby(raw []byte, source string) (*Manifest, error) {
	if bytes.Contains(raw, []byte("{{")) {
		return nil, &ParseError{Source: source, Message: "unrendered template placeholder"}
	}

	m := &Manifest{}
	seen := make(map[string]int)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if match := classPattern.FindStringSubmatch(line); match != nil {
			if m.Name != "" {
				return nil, &ParseError{Source: source, Message: fmt.Sprintf("line %d: more than one Formula class", lineNo)}
			}
			m.Name = classToName(match[1])
			continue
		}

		if match := binInstall.FindStringSubmatch(line); match != nil {
			if m.BinaryName != "" {
				return nil, &ParseError{Source: source, Message: fmt.Sprintf("line %d: only one bin.install is supported", lineNo)}
			}
			m.BinaryName = match[2]
			continue
		}

		match := statementPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		keyword, value := match[1], unescapeRuby(match[3])
		if prev, dup := seen[keyword]; dup {
			return nil, &ParseError{
				Source:  source,
				Message: fmt.Sprintf("line %d: %s already set on line %d (per-platform blocks need a Lua formula)", lineNo, keyword, prev),
			}
		}
		seen[keyword] = lineNo

		switch keyword {
		case "desc":
			m.Description = value
		case "homepage":
			m.Homepage = value
		case "url":
			m.DownloadURL = value
		case "sha256":
			m.Digest = value
		case "version":
			m.Version = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Source: source, Message: "read formula", Err: err}
	}

	if m.Name == "" && source != "<inline>" {
		m.Name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}

	return m, nil
}

// classToName turns a formula class name into its kebab-case formula name,
// e.g. "GitLfs" -> "git-lfs".
func classToName(class string) string {
	var b strings.Builder
	runes := []rune(class)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unescapeRuby(s string) string {
	return strings.NewReplacer(`\"`, `"`, `\'`, `'`, `\\`, `\`).Replace(s)
}
