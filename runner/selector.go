package runner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum-optimism/infra/op-quarantine/manifest"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
)

// QuarantineSet answers quarantine membership queries. It is implemented by
// manifest.Cache.
type QuarantineSet interface {
	TestID(ref types.TestRef) (string, bool)
	EntriesForFile(filename string) []manifest.Entry
}

func isQuarantined(set QuarantineSet, ref types.TestRef) bool {
	if set == nil {
		return false
	}
	_, ok := set.TestID(ref)
	return ok
}

// Selector is a predicate over test identities. Matches is exact; the
// go test expression compiled from a selector may select more tests.
type Selector interface {
	Matches(ref types.TestRef) bool
	String() string
}

type allSelector struct{}

// All matches every test
func All() Selector { return allSelector{} }

func (allSelector) Matches(types.TestRef) bool { return true }
func (allSelector) String() string             { return "all" }

type refSelector struct {
	ref types.TestRef
}

// MatchRef matches exactly one test
func MatchRef(ref types.TestRef) Selector { return refSelector{ref: ref} }

func (s refSelector) Matches(ref types.TestRef) bool { return s.ref.Equal(ref) }
func (s refSelector) String() string                 { return fmt.Sprintf("ref(%s)", s.ref) }

type fileSelector struct {
	filename string
}

// MatchFile matches every test of a file (package directory)
func MatchFile(filename string) Selector {
	return fileSelector{filename: types.NormalizeFilename(filename)}
}

func (s fileSelector) Matches(ref types.TestRef) bool { return ref.Filename == s.filename }
func (s fileSelector) String() string                 { return fmt.Sprintf("file(%s)", s.filename) }

// nameSelector applies a go test -run expression: the expression is split on
// unbracketed slashes and level i must match title component i. Alternatives
// separated by a top level '|' are matched independently.
type nameSelector struct {
	pattern      string
	alternatives [][]*regexp.Regexp
}

// MatchName matches tests the way `go test -run pattern` selects them
func MatchName(pattern string) (Selector, error) {
	if pattern == "" {
		return All(), nil
	}
	var alternatives [][]*regexp.Regexp
	for _, alt := range splitGoTestPattern(pattern) {
		levels := make([]*regexp.Regexp, len(alt))
		for i, level := range alt {
			re, err := regexp.Compile(level)
			if err != nil {
				return nil, fmt.Errorf("invalid test name pattern %q: %w", pattern, err)
			}
			levels[i] = re
		}
		alternatives = append(alternatives, levels)
	}
	return &nameSelector{pattern: pattern, alternatives: alternatives}, nil
}

func (s *nameSelector) Matches(ref types.TestRef) bool {
	for _, levels := range s.alternatives {
		if matchLevels(levels, ref.TitlePath) {
			return true
		}
	}
	return false
}

func matchLevels(levels []*regexp.Regexp, titlePath []string) bool {
	for i, component := range titlePath {
		if i >= len(levels) {
			break
		}
		if !levels[i].MatchString(component) {
			return false
		}
	}
	return true
}

func (s *nameSelector) String() string { return fmt.Sprintf("name(%s)", s.pattern) }

// splitGoTestPattern splits a -run expression into alternatives of
// per-level expressions, honouring brackets, parentheses and escapes.
func splitGoTestPattern(s string) [][]string {
	var (
		alternatives [][]string
		levels       []string
		brackets     int
		parens       int
		start        int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '[':
			brackets++
		case ']':
			if brackets > 0 {
				brackets--
			}
		case '(':
			if brackets == 0 {
				parens++
			}
		case ')':
			if brackets == 0 && parens > 0 {
				parens--
			}
		case '/':
			if brackets == 0 && parens == 0 {
				levels = append(levels, s[start:i])
				start = i + 1
			}
		case '|':
			if brackets == 0 && parens == 0 {
				levels = append(levels, s[start:i])
				alternatives = append(alternatives, levels)
				levels = nil
				start = i + 1
			}
		}
	}
	levels = append(levels, s[start:])
	return append(alternatives, levels)
}

type quarantinedSelector struct {
	set QuarantineSet
}

// MatchQuarantined matches tests listed in the quarantine manifest
func MatchQuarantined(set QuarantineSet) Selector { return quarantinedSelector{set: set} }

func (s quarantinedSelector) Matches(ref types.TestRef) bool { return isQuarantined(s.set, ref) }
func (s quarantinedSelector) String() string                 { return "quarantined" }

type andSelector []Selector

// And matches tests matched by every selector
func And(selectors ...Selector) Selector { return andSelector(flatten(selectors)) }

func (s andSelector) Matches(ref types.TestRef) bool {
	for _, sel := range s {
		if !sel.Matches(ref) {
			return false
		}
	}
	return true
}

func (s andSelector) String() string { return joinSelectors("and", s) }

type orSelector []Selector

// Or matches tests matched by any selector
func Or(selectors ...Selector) Selector { return orSelector(flatten(selectors)) }

func (s orSelector) Matches(ref types.TestRef) bool {
	for _, sel := range s {
		if sel.Matches(ref) {
			return true
		}
	}
	return false
}

func (s orSelector) String() string { return joinSelectors("or", s) }

type notSelector struct {
	inner Selector
}

// Not inverts a selector
func Not(s Selector) Selector { return notSelector{inner: s} }

func (s notSelector) Matches(ref types.TestRef) bool { return !s.inner.Matches(ref) }
func (s notSelector) String() string                 { return fmt.Sprintf("not(%s)", s.inner) }

func flatten(selectors []Selector) []Selector {
	out := make([]Selector, 0, len(selectors))
	for _, s := range selectors {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func joinSelectors(op string, selectors []Selector) string {
	parts := make([]string, len(selectors))
	for i, s := range selectors {
		parts[i] = s.String()
	}
	return fmt.Sprintf("%s(%s)", op, strings.Join(parts, ", "))
}
