package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("APP_ENV", "test")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPromptPasswordFromPipe(t *testing.T) {
	pw, err := promptPassword(strings.NewReader("  s3cret  \nignored\n"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	pw, err = promptPassword(strings.NewReader("no-newline"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)
}

func TestReconcileDryRunOnEmptyStore(t *testing.T) {
	out, err := run(t, "reconcile", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, `"books_scanned": 0`)
	assert.Contains(t, out, `"violations": []`)
}

func TestReconcileSweepOnEmptyStore(t *testing.T) {
	out, err := run(t, "reconcile", "--grace", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending": 0`)
	assert.Contains(t, out, `"repaired": 0`)
}

func TestChaosCommandRunsSelectedDrill(t *testing.T) {
	t.Setenv("RECONCILE_GRACE", "1ms")
	out, err := run(t, "chaos", "--window", "10ms", "--tick", "2ms", "--pause", "0s", "--only", "concurrent-borrow-race")
	require.NoError(t, err)
	assert.Contains(t, out, "Experiment 1/1: concurrent-borrow-race")
	assert.Contains(t, out, "PASS: hypothesis held")
}

func TestChaosCommandRejectsUnknownDrill(t *testing.T) {
	_, err := run(t, "chaos", "--only", "no-such-drill")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no drill matches")
}

func TestPersistentOnlyCommands(t *testing.T) {
	_, err := run(t, "useradd", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent store")

	_, err = run(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER=postgres")
}

func TestInvalidConfigurationFailsEarly(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"reconcile", "--dry-run"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown STORE_DRIVER")
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	_, err := run(t, "--store", "sqlite", "reconcile", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown STORE_DRIVER "sqlite"`)

	t.Setenv("DATABASE_URL", "")
	_, err = run(t, "--store", "postgres", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}
