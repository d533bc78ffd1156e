package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameComponentLength is the number of characters of a single title
	// component the backend stores.
	MaxNameComponentLength = 4096
	// MaxNameComponents is the number of title components the backend stores.
	MaxNameComponents = 8
)

// ErrEmptyTitlePath is returned when a test identity has no title components
var ErrEmptyTitlePath = errors.New("test title path cannot be empty")

// TestRef is the canonical identity of a test: the file (for Go tests, the
// package directory relative to the module root) and the nested title path.
type TestRef struct {
	Filename  string   `json:"filename"`
	TitlePath []string `json:"name"`
}

// NewTestRef builds a normalized TestRef and panics on invalid input.
// Use it for identities that come from trusted sources such as tests.
func NewTestRef(filename string, titlePath ...string) TestRef {
	ref, err := NormalizeRef(filename, titlePath)
	if err != nil {
		panic(fmt.Sprintf("invalid test ref %q %v: %v", filename, titlePath, err))
	}
	return ref
}

// NormalizeRef converts a (file, raw title path) pair reported by a host into
// a canonical TestRef. The same logical test reported by different retry
// generations normalizes to the same value.
func NormalizeRef(filename string, rawTitlePath []string) (TestRef, error) {
	if len(rawTitlePath) == 0 {
		return TestRef{}, ErrEmptyTitlePath
	}
	titlePath := make([]string, len(rawTitlePath))
	for i, component := range rawTitlePath {
		titlePath[i] = normalizeComponent(component)
	}
	return TestRef{
		Filename:  NormalizeFilename(filename),
		TitlePath: titlePath,
	}, nil
}

// RefFromGoTestName splits a go test name ("TestParent/sub_case") into a TestRef.
func RefFromGoTestName(filename, testName string) (TestRef, error) {
	return NormalizeRef(filename, SplitTestName(testName))
}

// NormalizeFilename converts a file or package directory into slash form
// relative to the module root.
func NormalizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	if filename == "" {
		return "."
	}
	filename = path.Clean(filename)
	return strings.TrimPrefix(filename, "./")
}

func normalizeComponent(component string) string {
	return strings.Join(strings.Fields(component), " ")
}

// Key returns a stable serialization usable as a map key.
func (r TestRef) Key() string {
	parts := make([]string, 0, len(r.TitlePath)+1)
	parts = append(parts, r.Filename)
	parts = append(parts, r.TitlePath...)
	// Marshalling a []string cannot fail.
	data, _ := json.Marshal(parts)
	return string(data)
}

// BackendRef returns the identity as the backend stores it: every component
// capped at MaxNameComponentLength characters and at most MaxNameComponents
// components. It is only used for manifest comparison and upload.
func (r TestRef) BackendRef() TestRef {
	n := len(r.TitlePath)
	if n > MaxNameComponents {
		n = MaxNameComponents
	}
	titlePath := make([]string, n)
	for i := 0; i < n; i++ {
		titlePath[i] = truncateComponent(r.TitlePath[i])
	}
	return TestRef{Filename: r.Filename, TitlePath: titlePath}
}

func truncateComponent(component string) string {
	if utf8.RuneCountInString(component) <= MaxNameComponentLength {
		return component
	}
	runes := []rune(component)
	return string(runes[:MaxNameComponentLength])
}

// IsTruncatedComponent reports whether a component is exactly at the backend
// length cap, which means the stored value may be a prefix of the real name.
func IsTruncatedComponent(component string) bool {
	return utf8.RuneCountInString(component) == MaxNameComponentLength
}

// Name returns the title path joined for display.
func (r TestRef) Name() string {
	return strings.Join(r.TitlePath, " > ")
}

// GoTestName returns the slash separated go test name.
func (r TestRef) GoTestName() string {
	return strings.Join(r.TitlePath, "/")
}

// Title returns the last component of the title path
func (r TestRef) Title() string {
	if len(r.TitlePath) == 0 {
		return ""
	}
	return r.TitlePath[len(r.TitlePath)-1]
}

// Parent returns the identity of the enclosing test, if any.
func (r TestRef) Parent() (TestRef, bool) {
	if len(r.TitlePath) <= 1 {
		return TestRef{}, false
	}
	return TestRef{Filename: r.Filename, TitlePath: r.TitlePath[:len(r.TitlePath)-1]}, true
}

// Equal reports whether two refs identify the same test
func (r TestRef) Equal(other TestRef) bool {
	if r.Filename != other.Filename || len(r.TitlePath) != len(other.TitlePath) {
		return false
	}
	for i := range r.TitlePath {
		if r.TitlePath[i] != other.TitlePath[i] {
			return false
		}
	}
	return true
}

func (r TestRef) String() string {
	return fmt.Sprintf("%s: %s", r.Filename, r.Name())
}
