package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

// Parser reads Lua settings files with platform detection.
type Parser struct {
	detector platform.Detector
}

// NewParser creates a new settings parser with the given platform detector.
// A nil detector leaves the platform table out of the VM.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector}
}

// ParseFile reads a Lua settings file and overlays it on base.
func (p *Parser) ParseFile(ctx context.Context, path string, base *Settings) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open settings file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, MaxSettingsFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	if len(raw) > MaxSettingsFileSize {
		return nil, &ParseError{Message: "settings file too large", Detail: fmt.Sprintf("%s exceeds %d bytes", path, MaxSettingsFileSize)}
	}

	return p.ParseString(ctx, string(raw), base)
}

// ParseString evaluates Lua settings code and overlays the fields present in
// the global "keg" table on a copy of base. A chunk that does not define the
// table leaves base unchanged.
func (p *Parser) ParseString(ctx context.Context, luaCode string, base *Settings) (*Settings, error) {
	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if p.detector != nil {
		platformInfo, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		if err := platform.InjectPlatformTable(L, platformInfo); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
	}

	if err := L.DoString(luaCode); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ParseError{
			Message: "Lua syntax error",
			Detail:  err.Error(),
		}
	}

	settings := *base
	if err := extractSettings(L, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ParseError represents a settings parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// extractSettings copies the fields of the global keg table into s.
func extractSettings(L *lua.LState, s *Settings) error {
	kegVal := L.GetGlobal(luaGlobalKeg)
	if kegVal == lua.LNil {
		return nil
	}
	table, ok := kegVal.(*lua.LTable)
	if !ok {
		return &ParseError{
			Message: "invalid 'keg' table",
			Detail:  fmt.Sprintf("expected table, got %s", kegVal.Type()),
		}
	}

	paths := []struct {
		field string
		dest  *string
	}{
		{luaFieldBinDir, &s.BinDir},
		{luaFieldCacheDir, &s.CacheDir},
		{luaFieldStateDir, &s.StateDir},
		{luaFieldStagingDir, &s.StagingDir},
		{luaFieldKeyring, &s.KeyringPath},
	}
	for _, p := range paths {
		v := table.RawGetString(p.field)
		if v == lua.LNil {
			continue
		}
		str, ok := v.(lua.LString)
		if !ok {
			return fieldTypeError(p.field, "string", v)
		}
		expanded, err := expandPath(string(str))
		if err != nil {
			return &ParseError{Message: "invalid " + p.field, Detail: err.Error()}
		}
		*p.dest = expanded
	}

	if v := table.RawGetString(luaFieldMaxSize); v != lua.LNil {
		size, err := luaSize(v)
		if err != nil {
			return &ParseError{Message: "invalid " + luaFieldMaxSize, Detail: err.Error()}
		}
		s.MaxArtifactSize = size
	}

	if v := table.RawGetString(luaFieldRetries); v != lua.LNil {
		n, ok := v.(lua.LNumber)
		if !ok || float64(n) != float64(int(n)) {
			return fieldTypeError(luaFieldRetries, "integer", v)
		}
		s.Retries = int(n)
	}

	if v := table.RawGetString(luaFieldTimeout); v != lua.LNil {
		d, err := luaDuration(v)
		if err != nil {
			return &ParseError{Message: "invalid " + luaFieldTimeout, Detail: err.Error()}
		}
		s.Timeout = d
	}

	if v := table.RawGetString(luaFieldCacheDisabled); v != lua.LNil {
		b, ok := v.(lua.LBool)
		if !ok {
			return fieldTypeError(luaFieldCacheDisabled, "boolean", v)
		}
		if b {
			s.CacheDir = ""
		}
	}

	return nil
}

func fieldTypeError(field, want string, got lua.LValue) *ParseError {
	return &ParseError{
		Message: "invalid " + field,
		Detail:  fmt.Sprintf("expected %s, got %s", want, got.Type()),
	}
}

// luaSize accepts a byte count or a size string such as "256M".
func luaSize(v lua.LValue) (int64, error) {
	switch v := v.(type) {
	case lua.LNumber:
		return int64(v), nil
	case lua.LString:
		return ParseSize(string(v))
	default:
		return 0, fmt.Errorf("expected number or string, got %s", v.Type())
	}
}

// luaDuration accepts seconds or a Go duration string such as "90s".
func luaDuration(v lua.LValue) (time.Duration, error) {
	switch v := v.(type) {
	case lua.LNumber:
		return time.Duration(float64(v) * float64(time.Second)), nil
	case lua.LString:
		return time.ParseDuration(string(v))
	default:
		return 0, fmt.Errorf("expected number or string, got %s", v.Type())
	}
}

// ParseSize parses a byte count with an optional binary suffix:
// K, M, G (or KiB, MiB, GiB). "512M" is 512 << 20.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	shift := 0
	for _, unit := range []struct {
		suffix string
		shift  int
	}{
		{"KIB", 10}, {"MIB", 20}, {"GIB", 30},
		{"K", 10}, {"M", 20}, {"G", 30},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			upper = strings.TrimSuffix(upper, unit.suffix)
			shift = unit.shift
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 || n > (1<<62)>>shift {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return n << shift, nil
}
