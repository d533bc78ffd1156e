package types

import (
	"errors"
	"fmt"
	"strings"
)

// SplitTestName turns a go test name such as "TestParent/case/sub" into its
// title path. Empty components from doubled or trailing slashes are dropped.
func SplitTestName(name string) []string {
	parts := strings.Split(name, "/")
	path := parts[:0]
	for _, p := range parts {
		if p != "" {
			path = append(path, p)
		}
	}
	return path
}

// ValidateTitlePath reports whether path can be written back as a go test name
func ValidateTitlePath(path []string) error {
	if len(path) == 0 {
		return errors.New("title path is empty")
	}
	for i, component := range path {
		switch {
		case component == "":
			return fmt.Errorf("title path component %d is empty", i)
		case strings.Contains(component, "/"):
			return fmt.Errorf("title path component %d (%q) contains '/'", i, component)
		}
	}
	return nil
}
