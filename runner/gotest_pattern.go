package runner

import (
	"regexp"
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
)

// MaxGoTestPatternLength bounds the size of a -run or -skip argument. Longer
// expressions are not passed on the command line.
const MaxGoTestPatternLength = 32 * 1024

// GoTestPattern is a selector compiled to a go test -run or -skip expression
// for one package
type GoTestPattern struct {
	// Expr is empty when every test of the package is selected
	Expr string
	// None is set when no test of the package is selected
	None bool
	// Exact is set when Expr selects no test besides the selected ones,
	// their parents and their subtests
	Exact bool
}

// SelectsAll reports whether the pattern selects the whole package
func (p GoTestPattern) SelectsAll() bool {
	return !p.None && p.Expr == ""
}

// CompileGoTestPattern compiles sel for the package filename. Selectors that
// go test cannot express are approximated from candidates, the tests known to
// exist in the package, and reported as inexact.
func CompileGoTestPattern(sel Selector, filename string, candidates []types.TestRef) GoTestPattern {
	filename = types.NormalizeFilename(filename)
	if sel == nil {
		return GoTestPattern{Exact: true}
	}
	if refs, ok := finiteRefs(sel, filename); ok {
		var matched []types.TestRef
		for _, ref := range refs {
			if sel.Matches(ref) {
				matched = append(matched, ref)
			}
		}
		return refsPattern(collapseAncestors(matched), nil, true)
	}

	switch s := sel.(type) {
	case allSelector:
		return GoTestPattern{Exact: true}
	case fileSelector:
		if s.filename == filename {
			return GoTestPattern{Exact: true}
		}
		return GoTestPattern{None: true, Exact: true}
	case *nameSelector:
		return GoTestPattern{Expr: s.pattern, Exact: true}
	case quarantinedSelector:
		if s.set == nil {
			return GoTestPattern{None: true, Exact: true}
		}
		entries := s.set.EntriesForFile(filename)
		refs := make([]types.TestRef, 0, len(entries))
		prefixes := make([]bool, 0, len(entries))
		for _, e := range entries {
			refs = append(refs, e.Ref)
			prefixes = append(prefixes, types.IsTruncatedComponent(e.Ref.Title()))
		}
		return refsPattern(refs, prefixes, true)
	case orSelector:
		return compileOr(s, filename, candidates)
	case andSelector:
		var rest []GoTestPattern
		for _, child := range s {
			p := CompileGoTestPattern(child, filename, candidates)
			if p.None && p.Exact {
				return p
			}
			if !p.SelectsAll() || !p.Exact {
				rest = append(rest, p)
			}
		}
		switch len(rest) {
		case 0:
			return GoTestPattern{Exact: true}
		case 1:
			return rest[0]
		}
	}
	return fromCandidates(sel, filename, candidates)
}

func compileOr(s orSelector, filename string, candidates []types.TestRef) GoTestPattern {
	var exprs []string
	exact := true
	for _, child := range s {
		p := CompileGoTestPattern(child, filename, candidates)
		if p.SelectsAll() {
			return GoTestPattern{Exact: p.Exact}
		}
		exact = exact && p.Exact
		if p.None {
			continue
		}
		exprs = append(exprs, p.Expr)
	}
	if len(exprs) == 0 {
		return GoTestPattern{None: true, Exact: exact}
	}
	return GoTestPattern{Expr: strings.Join(exprs, "|"), Exact: exact}
}

// fromCandidates approximates a selector by the known tests it matches
func fromCandidates(sel Selector, filename string, candidates []types.TestRef) GoTestPattern {
	var matched []types.TestRef
	for _, ref := range candidates {
		if ref.Filename == filename && sel.Matches(ref) {
			matched = append(matched, ref)
		}
	}
	return refsPattern(matched, nil, false)
}

// finiteRefs returns the tests of filename a selector is limited to, when the
// selector only names explicit tests
func finiteRefs(sel Selector, filename string) ([]types.TestRef, bool) {
	switch s := sel.(type) {
	case refSelector:
		if s.ref.Filename != filename {
			return nil, true
		}
		return []types.TestRef{s.ref}, true
	case orSelector:
		var refs []types.TestRef
		for _, child := range s {
			childRefs, ok := finiteRefs(child, filename)
			if !ok {
				return nil, false
			}
			refs = append(refs, childRefs...)
		}
		return refs, true
	case andSelector:
		for _, child := range s {
			if refs, ok := finiteRefs(child, filename); ok {
				return refs, true
			}
		}
	}
	return nil, false
}

// collapseAncestors drops tests that have a selected subtest. Running the
// subtest's path runs its parents as well, without their other subtests.
func collapseAncestors(refs []types.TestRef) []types.TestRef {
	out := make([]types.TestRef, 0, len(refs))
	for _, ref := range refs {
		if !hasDescendant(ref, refs) {
			out = append(out, ref)
		}
	}
	return out
}

func hasDescendant(ref types.TestRef, refs []types.TestRef) bool {
	for _, other := range refs {
		if other.Filename != ref.Filename || len(other.TitlePath) <= len(ref.TitlePath) {
			continue
		}
		if slices.Equal(other.TitlePath[:len(ref.TitlePath)], ref.TitlePath) {
			return true
		}
	}
	return false
}

func refsPattern(refs []types.TestRef, prefixes []bool, exact bool) GoTestPattern {
	seen := make(map[string]struct{}, len(refs))
	exprs := make([]string, 0, len(refs))
	for i, ref := range refs {
		prefix := prefixes != nil && prefixes[i]
		expr, ok := pathPattern(ref.TitlePath, prefix)
		if !ok {
			continue
		}
		if _, dup := seen[expr]; dup {
			continue
		}
		seen[expr] = struct{}{}
		exprs = append(exprs, expr)
	}
	if len(exprs) == 0 {
		return GoTestPattern{None: true, Exact: exact}
	}
	return GoTestPattern{Expr: strings.Join(exprs, "|"), Exact: exact}
}

// pathPattern anchors every level of a title path. Paths with empty or
// slashed components can never name a go test.
func pathPattern(titlePath []string, prefix bool) (string, bool) {
	if types.ValidateTitlePath(titlePath) != nil {
		return "", false
	}
	levels := make([]string, len(titlePath))
	for i, component := range titlePath {
		levels[i] = "^" + regexp.QuoteMeta(component)
		if !prefix || i < len(titlePath)-1 {
			levels[i] += "$"
		}
	}
	return strings.Join(levels, "/"), true
}
