package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaultsWhenOnlyRequiredVarsAreSet(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")

	c, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", c.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379", c.RedisURL)
	assert.Equal(t, 30000, c.MaxExecutionTimeMs)
	assert.Equal(t, "128m", c.MaxMemoryLimit)
	assert.Equal(t, 5, c.RateLimitMax)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "production", c.AppEnv)
	assert.Equal(t, "gcc:13-bookworm", c.SandboxImage)
}

func TestParseOverridesDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_CONCURRENT_SANDBOXES", "10")

	c, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, 10, c.MaxConcurrentSandboxes)
}

func TestParseFailsWhenRequiredVarsAreMissing(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	_, err := Parse()
	assert.Error(t, err)
}
