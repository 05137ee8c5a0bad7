package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/collab-core/internal/apperr"
)

func TestJobStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state JobState
		want  bool
	}{
		{JobQueued, false},
		{JobRunning, false},
		{JobCompleted, true},
		{JobFailed, true},
		{JobTimeout, true},
		{JobCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.state.Terminal())
		})
	}
}

func TestMergeAndValidateDefaults(t *testing.T) {
	t.Parallel()

	opts, err := MergeAndValidate(PartialOptions{}, 60000)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestMergeAndValidateClampsToMaxWallTimeout(t *testing.T) {
	t.Parallel()

	requested := 45000
	opts, err := MergeAndValidate(PartialOptions{WallTimeoutMs: &requested}, 20000)
	require.NoError(t, err)
	assert.Equal(t, 20000, opts.WallTimeoutMs)
}

func TestMergeAndValidateRejectsOutOfRangeFields(t *testing.T) {
	t.Parallel()

	tooLow := 500
	_, err := MergeAndValidate(PartialOptions{WallTimeoutMs: &tooLow}, 60000)
	assertValidationError(t, err)

	badMem := "512x"
	_, err = MergeAndValidate(PartialOptions{MemoryLimit: &badMem}, 60000)
	assertValidationError(t, err)

	badCPU := 5.0
	_, err = MergeAndValidate(PartialOptions{CPULimit: &badCPU}, 60000)
	assertValidationError(t, err)

	badProcs := 0
	_, err = MergeAndValidate(PartialOptions{ProcessCountLimit: &badProcs}, 60000)
	assertValidationError(t, err)
}

func TestMergeAndValidateOverridesCompilerFlags(t *testing.T) {
	t.Parallel()

	flags := []string{"-O2"}
	opts, err := MergeAndValidate(PartialOptions{CompilerFlags: flags}, 60000)
	require.NoError(t, err)
	assert.Equal(t, flags, opts.CompilerFlags)
}

func TestValidateCode(t *testing.T) {
	t.Parallel()

	assertValidationError(t, ValidateCode(""))

	over := make([]byte, MaxCodeBytes+1)
	assertValidationError(t, ValidateCode(string(over)))

	assert.NoError(t, ValidateCode("int main() {}"))
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok, "expected an *apperr.Error")
	assert.Equal(t, apperr.KindValidation, ae.Kind)
}
