package testlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func createTestFiles(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "normal_test.go"), `package pkg

import "testing"

func TestNormal(t *testing.T) {}

func TestAnother(t *testing.T) {
	t.Run("sub", func(t *testing.T) {})
}

func Testify(t *testing.T) {}

func TestHelper(name string) {}

func BenchmarkSomething(b *testing.B) {}
`)
	writeFile(t, filepath.Join(dir, "main_test.go"), `package pkg

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) { os.Exit(m.Run()) }

func TestWithMain(t *testing.T) {}
`)
	writeFile(t, filepath.Join(dir, "tagged_test.go"), `//go:build integration

package pkg

import "testing"

func TestIntegration(t *testing.T) {}
`)
	writeFile(t, filepath.Join(dir, "pkg.go"), "package pkg\n")
}

func TestFindTestFunctions(t *testing.T) {
	dir := t.TempDir()
	createTestFiles(t, dir)

	testFuncs, err := FindTestFunctions(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"TestNormal", "TestAnother", "TestWithMain"}, testFuncs)
}

func TestFindTestFunctions_Errors(t *testing.T) {
	_, err := FindTestFunctions(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken_test.go"), "package pkg\nfunc TestBroken(")
	_, err = FindTestFunctions(dir)
	require.ErrorContains(t, err, "broken_test.go")
}

func setupModule(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module github.com/test/module\n\ngo 1.21\n")
	writeFile(t, filepath.Join(root, "root_test.go"), "package module\n")
	writeFile(t, filepath.Join(root, "pkg", "a", "a_test.go"), "package a\n")
	writeFile(t, filepath.Join(root, "pkg", "b", "b.go"), "package b\n")
	writeFile(t, filepath.Join(root, "pkg", "b", "c", "c_test.go"), "package c\n")
	writeFile(t, filepath.Join(root, "pkg", "testdata", "x_test.go"), "package x\n")
	writeFile(t, filepath.Join(root, "nested", "go.mod"), "module github.com/test/nested\n")
	writeFile(t, filepath.Join(root, "nested", "n_test.go"), "package nested\n")
	return root
}

func TestFindModule(t *testing.T) {
	root := setupModule(t)

	mod, err := FindModule(filepath.Join(root, "pkg", "a"))
	require.NoError(t, err)
	assert.Equal(t, "github.com/test/module", mod.Path)
	assert.Equal(t, root, mod.Root)

	dir, err := mod.PackageDir("github.com/test/module/pkg/a")
	require.NoError(t, err)
	assert.Equal(t, "pkg/a", dir)

	dir, err = mod.PackageDir("github.com/test/module")
	require.NoError(t, err)
	assert.Equal(t, ".", dir)

	_, err = mod.PackageDir("github.com/test/modulex/pkg")
	require.Error(t, err)
}

func TestFindModule_Missing(t *testing.T) {
	_, err := FindModule(t.TempDir())
	require.Error(t, err)
}

func TestFindTestPackages(t *testing.T) {
	root := setupModule(t)
	mod := Module{Root: root, Path: "github.com/test/module"}

	tests := []struct {
		name     string
		patterns []string
		expected []string
	}{
		{"default", nil, []string{".", "pkg/a", "pkg/b/c"}},
		{"all", []string{"./..."}, []string{".", "pkg/a", "pkg/b/c"}},
		{"single", []string{"./pkg/a"}, []string{"pkg/a"}},
		{"subtree", []string{"./pkg/b/..."}, []string{"pkg/b/c"}},
		{"root only", []string{"."}, []string{"."}},
		{"no tests", []string{"./pkg/b"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dirs, err := mod.FindTestPackages(tt.patterns)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dirs)
		})
	}
}
