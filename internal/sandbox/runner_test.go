package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"bytes with no suffix", "512", 512, false},
		{"kilobytes", "4k", 4 * 1024, false},
		{"megabytes uppercase", "128M", 128 * 1024 * 1024, false},
		{"gigabytes", "2g", 2 * 1024 * 1024 * 1024, false},
		{"whitespace trimmed", "  64m  ", 64 * 1024 * 1024, false},
		{"empty is invalid", "", 0, true},
		{"non-numeric is invalid", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseMemoryLimit(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "memory_limit", classifyFailure(137, ""))
	assert.Equal(t, "compilation_error", classifyFailure(1, "main.cpp:3:1: error: expected ';'"))
	assert.Equal(t, "runtime_error", classifyFailure(1, "segmentation fault"))
	assert.Equal(t, "system_error", classifyFailure(0, ""))
}

func TestMaterializeWorkspaceWritesSourceAndRunScript(t *testing.T) {
	t.Parallel()

	r := &Runner{scratchDir: t.TempDir()}
	dir, err := r.materializeWorkspace("job-1", "int main() { return 0; }")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	source, err := os.ReadFile(filepath.Join(dir, "main.cpp"))
	require.NoError(t, err)
	assert.Equal(t, "int main() { return 0; }", string(source))

	script, err := os.ReadFile(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "g++")
	assert.Contains(t, string(script), "main.cpp")
}

func TestPtrHelpers(t *testing.T) {
	t.Parallel()

	s := strPtr("x")
	require.NotNil(t, s)
	assert.Equal(t, "x", *s)

	n := int64Ptr(42)
	require.NotNil(t, n)
	assert.Equal(t, int64(42), *n)
}
