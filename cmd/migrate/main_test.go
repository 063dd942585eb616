package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	t.Setenv("TAKBRIDGE_DATABASE_DSN", "")

	cmd, err := parseArgs([]string{"-database", "postgres://db", "up"})
	require.NoError(t, err)
	require.Equal(t, "up", cmd.action)
	require.Empty(t, cmd.dir)
	require.Equal(t, defaultTimeout, cmd.timeout)

	cmd, err = parseArgs([]string{"-database", "postgres://db", "-path", " db/migrations ", "-timeout", "5s", "down", "3"})
	require.NoError(t, err)
	require.Equal(t, "down", cmd.action)
	require.Equal(t, 3, cmd.steps)
	require.Equal(t, "db/migrations", cmd.dir)
	require.Equal(t, 5*time.Second, cmd.timeout)

	cmd, err = parseArgs([]string{"-database", "postgres://db", "down"})
	require.NoError(t, err)
	require.Equal(t, 1, cmd.steps)
}

func TestParseArgsDSNFromEnvironment(t *testing.T) {
	t.Setenv("TAKBRIDGE_DATABASE_DSN", "postgres://env")
	cmd, err := parseArgs([]string{"up"})
	require.NoError(t, err)
	require.Equal(t, "postgres://env", cmd.dsn)
}

func TestParseArgsErrors(t *testing.T) {
	t.Setenv("TAKBRIDGE_DATABASE_DSN", "")
	cases := map[string][]string{
		"missing dsn":     {"up"},
		"missing command": {"-database", "postgres://db"},
		"unknown command": {"-database", "postgres://db", "sideways"},
		"bad steps":       {"-database", "postgres://db", "down", "many"},
		"unknown flag":    {"-verbose", "up"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseArgs(args)
			require.Error(t, err)
		})
	}
}

func TestRunRejectsNonPositiveSteps(t *testing.T) {
	t.Setenv("TAKBRIDGE_DATABASE_DSN", "")
	err := run([]string{"-database", "postgres://db", "-quiet", "down", "0"}, nil)
	require.Error(t, err)
}
