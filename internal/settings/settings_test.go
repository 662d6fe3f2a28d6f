package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, p string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, nil, 0o644))
}

func TestEnvironments(t *testing.T) {
	root := t.TempDir()
	envs := filepath.Join(root, "lms", "envs")
	touch(t, filepath.Join(envs, "__init__.py"))
	touch(t, filepath.Join(envs, "common.py"))
	touch(t, filepath.Join(envs, "test.py"))
	touch(t, filepath.Join(envs, "dev", "__init__.py"))
	touch(t, filepath.Join(envs, "dev", "local.py"))
	touch(t, filepath.Join(envs, "README.rst"))

	got, err := Environments(root, "lms")
	require.NoError(t, err)
	assert.Equal(t, []string{"common", "dev.local", "test"}, got)
}

func TestEnvironmentsMissingSystem(t *testing.T) {
	got, err := Environments(t.TempDir(), "cms")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReportDir(t *testing.T) {
	assert.Equal(t, filepath.Join("reports", "lms"), ReportDir("reports", "lms"))
}
