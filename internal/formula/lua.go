package formula

import (
	"context"
	"fmt"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
	lua "github.com/yuin/gopher-lua"
)

// luaTimeout bounds formula evaluation; formulas are expected to be a few
// table assignments.
const luaTimeout = 5 * time.Second

// parseLua runs a formula chunk and reads the global "formula" table:
//
//	formula = {
//	  name    = "subwasm",
//	  version = "0.21.3",
//	  url     = "https://github.com/chevdor/subwasm/releases/download/v0.21.3/subwasm_" .. platform.asset_os .. "_v0.21.3.tar.gz",
//	  sha256  = platform.select({ macos = "c390...", linux = "9a1f..." }),
//	  binary  = "subwasm",
//	}
func parseLua(ctx context.Context, raw []byte, info *platform.Info, source string) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, luaTimeout)
	defer cancel()

	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if info != nil {
		if err := platform.InjectPlatformTable(L, info); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
	}

	if err := L.DoString(string(raw)); err != nil {
		return nil, &ParseError{Source: source, Message: "Lua error", Err: err}
	}

	value := L.GetGlobal("formula")
	table, ok := value.(*lua.LTable)
	if !ok {
		return nil, &ParseError{
			Source:  source,
			Message: fmt.Sprintf("missing or invalid 'formula' table (got %s)", value.Type()),
		}
	}

	var r record
	fields := map[string]*string{
		"name":         &r.Name,
		"description":  &r.Description,
		"desc":         &r.Desc,
		"homepage":     &r.Homepage,
		"url":          &r.URL,
		"downloadUrl":  &r.DownloadURL,
		"sha256":       &r.SHA256,
		"digest":       &r.Digest,
		"version":      &r.Version,
		"binary":       &r.Binary,
		"binaryName":   &r.BinaryName,
		"signature":    &r.Signature,
		"signatureUrl": &r.SignatureURL,
	}

	var fieldErr error
	table.ForEach(func(k, v lua.LValue) {
		if fieldErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			fieldErr = &ParseError{Source: source, Message: fmt.Sprintf("non-string key %s in formula table", k)}
			return
		}
		dst, known := fields[string(key)]
		if !known {
			fieldErr = &ParseError{Source: source, Field: string(key), Message: "is not a formula field"}
			return
		}
		switch val := v.(type) {
		case lua.LString:
			*dst = string(val)
		case lua.LNumber:
			// version = 2 is a common slip; keep its textual form
			*dst = val.String()
		default:
			fieldErr = &ParseError{Source: source, Field: string(key), Message: fmt.Sprintf("must be a string, got %s", v.Type())}
		}
	})
	if fieldErr != nil {
		return nil, fieldErr
	}

	return r.manifest(source)
}
