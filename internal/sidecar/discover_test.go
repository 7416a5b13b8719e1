package sidecar

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterpreter writes an executable shell script at dir/name that
// ignores its arguments and prints a fixed "<major.minor> <machine>"
// line, standing in for `python -c "import sys,platform;..."` without
// requiring a real Python install.
func fakeInterpreter(t *testing.T, dir, name, output string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter script is POSIX shell only")
	}
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\nprintf '" + output + "\\n'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestValidateAcceptsSupported64BitVersion(t *testing.T) {
	dir := t.TempDir()
	path := fakeInterpreter(t, dir, "fakepython", "3.11 x86_64")

	ok, err := validate(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := fakeInterpreter(t, dir, "fakepython", "3.6 x86_64")

	ok, err := validate(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejects32Bit(t *testing.T) {
	dir := t.TempDir()
	path := fakeInterpreter(t, dir, "fakepython", "3.11 i686")

	ok, err := validate(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscoverHonorsAppPythonAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	path := fakeInterpreter(t, dir, "fakepython", "3.12 arm64")

	t.Setenv("APP_PYTHON", path)
	got, err := Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestDiscoverFailsOnMissingAppPython(t *testing.T) {
	t.Setenv("APP_PYTHON", "/no/such/interpreter/anywhere")
	t.Setenv("VIRTUAL_ENV", "")
	t.Setenv("CONDA_PREFIX", "")
	_, err := Discover(context.Background())
	assert.Error(t, err)
}
