package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
)

// formulaResolver turns command-line arguments into manifests.
type formulaResolver struct {
	parser *formula.Parser
	dir    string

	collection *formula.Collection
	// conflicts maps name@version to the duplicate found while loading dir
	conflicts map[string]*formula.DuplicateError
}

func newFormulaResolver(parser *formula.Parser, dir string) *formulaResolver {
	return &formulaResolver{parser: parser, dir: dir}
}

// resolve parses arg when it names an existing file. Otherwise arg is looked
// up as name or name@version in the formula directory. A version the
// directory declares twice with different digests is refused.
func (r *formulaResolver) resolve(ctx context.Context, arg string) (*formula.Manifest, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return r.parser.ParseFile(ctx, arg)
	}

	if r.dir == "" {
		return nil, &formula.ParseError{Source: arg, Message: "no such formula file (use --formula-dir to look up by name)"}
	}

	if r.collection == nil {
		c, err := r.parser.LoadDir(ctx, r.dir)
		if c == nil {
			return nil, err
		}
		r.conflicts = make(map[string]*formula.DuplicateError)
		if err != nil {
			log.Warn().Err(err).Str("dir", r.dir).Msg("some formulas failed to load")
			for _, e := range flatten(err) {
				var dup *formula.DuplicateError
				if errors.As(e, &dup) {
					r.conflicts[dup.Name+"@"+dup.Version] = dup
				}
			}
		}
		r.collection = c
	}

	name, version, hasVersion := strings.Cut(arg, "@")
	var (
		m  *formula.Manifest
		ok bool
	)
	if hasVersion {
		m, ok = r.collection.Lookup(name, version)
	} else {
		m, ok = r.collection.Latest(name)
	}
	if !ok {
		return nil, &formula.ParseError{Source: r.dir, Message: fmt.Sprintf("formula %s not found", arg)}
	}
	if dup, conflicted := r.conflicts[m.ID()]; conflicted {
		return nil, dup
	}
	return m, nil
}
