package formula

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

// Format identifies how a formula is written.
type Format string

const (
	FormatRuby Format = "ruby"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatLua  Format = "lua"
)

// DetectFormat picks a Format from a file extension.
func DetectFormat(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rb":
		return FormatRuby, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".toml":
		return FormatTOML, true
	case ".lua":
		return FormatLua, true
	default:
		return "", false
	}
}

// Parse decodes and validates a single formula. It has no side effects.
// Lua formulas are evaluated without a platform table; use a Parser when
// they need one.
func Parse(raw []byte, format Format) (*Manifest, error) {
	return parse(context.Background(), raw, format, nil, "")
}

// Parser parses formulas, exposing detected platform facts to Lua formulas.
type Parser struct {
	detector platform.Detector
}

// NewParser creates a parser. A nil detector leaves Lua formulas without
// a platform table.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector}
}

// Parse decodes raw in the given format. source is only used in messages.
func (p *Parser) Parse(ctx context.Context, raw []byte, format Format, source string) (*Manifest, error) {
	var info *platform.Info
	if format == FormatLua && p.detector != nil {
		detected, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		info = detected
	}
	return parse(ctx, raw, format, info, source)
}

// ParseFile reads and parses the formula at path, detecting its format
// from the extension.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Manifest, error) {
	format, ok := DetectFormat(path)
	if !ok {
		return nil, &ParseError{Source: path, Message: "unrecognised formula file extension"}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read formula: %w", err)
	}

	return p.Parse(ctx, raw, format, path)
}

func parse(ctx context.Context, raw []byte, format Format, info *platform.Info, source string) (*Manifest, error) {
	if source == "" {
		source = "<inline>"
	}

	var (
		m   *Manifest
		err error
	)
	switch format {
	case FormatRuby:
		m, err = parseRuby(raw, source)
	case FormatYAML, FormatJSON:
		m, err = parseYAML(raw, source)
	case FormatTOML:
		m, err = parseTOML(raw, source)
	case FormatLua:
		m, err = parseLua(ctx, raw, info, source)
	default:
		return nil, &ParseError{Source: source, Message: fmt.Sprintf("unknown formula format %q", format)}
	}
	if err != nil {
		return nil, err
	}

	m.Source = source
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
