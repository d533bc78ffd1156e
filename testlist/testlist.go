// Package testlist finds test packages and top-level test functions without
// running the go tool.
package testlist

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/mod/modfile"
)

// Module is a Go module on disk
type Module struct {
	Root string
	Path string
}

// FindModule walks up from dir to the closest go.mod
func FindModule(dir string) (Module, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Module{}, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for current := abs; ; {
		goModPath := filepath.Join(current, "go.mod")
		goModContent, err := os.ReadFile(goModPath)
		if err == nil {
			modFile, err := modfile.Parse(goModPath, goModContent, nil)
			if err != nil {
				return Module{}, fmt.Errorf("failed to parse go.mod: %w", err)
			}
			if modFile.Module == nil || modFile.Module.Mod.Path == "" {
				return Module{}, fmt.Errorf("could not find module name in %s", goModPath)
			}
			return Module{Root: current, Path: modFile.Module.Mod.Path}, nil
		}
		if !os.IsNotExist(err) {
			return Module{}, fmt.Errorf("failed to read go.mod: %w", err)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return Module{}, fmt.Errorf("no go.mod found in %s or any parent directory", abs)
		}
		current = parent
	}
}

// PackageDir converts an import path of the module into a slash separated
// directory relative to the module root
func (m Module) PackageDir(importPath string) (string, error) {
	if importPath == m.Path {
		return ".", nil
	}
	rel, ok := strings.CutPrefix(importPath, m.Path+"/")
	if !ok {
		return "", fmt.Errorf("package %s is not in module %s", importPath, m.Path)
	}
	return rel, nil
}

// FindTestPackages returns the directories below the module root, relative
// and slash separated, that contain test files and match one of the
// patterns. Patterns are relative to the module root: "./...", "./pkg" or
// "./pkg/...". No patterns means "./...".
func (m Module) FindTestPackages(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	var dirs []string
	err := filepath.WalkDir(m.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != m.Root {
			name := d.Name()
			if name == "testdata" || name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			// Nested modules are tested on their own.
			if _, err := os.Stat(filepath.Join(p, "go.mod")); err == nil {
				return filepath.SkipDir
			}
		}
		rel, err := filepath.Rel(m.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(rel, patterns) {
			return nil
		}
		ok, err := hasTestFiles(p)
		if err != nil {
			return err
		}
		if ok {
			dirs = append(dirs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list test packages: %w", err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func matchesAny(dir string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(dir, pattern) {
			return true
		}
	}
	return false
}

func matchPattern(dir, pattern string) bool {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if base, ok := strings.CutSuffix(pattern, "..."); ok {
		base = strings.TrimSuffix(base, "/")
		if base == "" || base == "." {
			return true
		}
		return dir == base || strings.HasPrefix(dir, base+"/")
	}
	if pattern == "" {
		pattern = "."
	}
	return dir == path.Clean(pattern)
}

func hasTestFiles(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), "_test.go") {
			return true, nil
		}
	}
	return false, nil
}

// FindTestFunctions returns the top-level test functions of the package in
// pkgDir. Files with build constraints are ignored since they may not be
// part of a default go test build.
func FindTestFunctions(pkgDir string) ([]string, error) {
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var testFunctions []string
	fset := token.NewFileSet()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}

		filePath := filepath.Join(pkgDir, entry.Name())
		f, err := parser.ParseFile(fset, filePath, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		if hasBuildConstraint(f) {
			continue
		}

		// Traverse top-level declarations in search of test functions
		for _, decl := range f.Decls {
			funcDecl, ok := decl.(*ast.FuncDecl)
			if !ok || funcDecl.Recv != nil {
				continue
			}
			if isTestFunc(funcDecl) {
				testFunctions = append(testFunctions, funcDecl.Name.Name)
			}
		}
	}

	return testFunctions, nil
}

// isTestFunc matches `func TestXxx(t *testing.T)` the way go test does
func isTestFunc(fn *ast.FuncDecl) bool {
	name := fn.Name.Name
	if name == "TestMain" || !strings.HasPrefix(name, "Test") {
		return false
	}
	if rest := name[len("Test"):]; rest != "" {
		r, _ := utf8.DecodeRuneInString(rest)
		if unicode.IsLower(r) {
			return false
		}
	}
	params := fn.Type.Params
	if params == nil || len(params.List) != 1 || len(params.List[0].Names) > 1 {
		return false
	}
	star, ok := params.List[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	return ok && sel.Sel.Name == "T"
}

func hasBuildConstraint(f *ast.File) bool {
	for _, group := range f.Comments {
		if group.Pos() >= f.Package {
			break
		}
		for _, c := range group.List {
			if strings.HasPrefix(c.Text, "//go:build") || strings.HasPrefix(c.Text, "// +build") {
				return true
			}
		}
	}
	return false
}
