package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueAttributes(t *testing.T) {
	attrs := QueueAttributes("prod", 42, "drop_oldest")
	require.Len(t, attrs, 3)
	require.Equal(t, "42", attrs[1].Value.AsString())
	require.Equal(t, AttrOverflowPolicy, attrs[2].Key)
}

func TestBreakerAttributesOmitsEmptyState(t *testing.T) {
	require.Len(t, BreakerAttributes("dev", "tak-1-connect", ""), 2)
	require.Len(t, BreakerAttributes("dev", "tak-1-connect", "open"), 3)
}

func TestEnvironmentDefaultsAndOverride(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())
	SetEnvironment("  PROD ")
	t.Cleanup(func() { SetEnvironment("") })
	require.Equal(t, "prod", Environment())
}
