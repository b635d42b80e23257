package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/UniQw/taskbus"
	"github.com/stretchr/testify/require"
)

func TestEchoTask(t *testing.T) {
	v, err := echoTask(context.Background(), &taskbus.Task{Args: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	require.Equal(t, "hi", v)

	_, err = echoTask(context.Background(), &taskbus.Task{})
	require.Error(t, err)
}

func TestSleepTaskHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop")
	cancel(stop)
	_, err := sleepTask(ctx, &taskbus.Task{Args: map[string]any{"duration": "1h"}})
	require.ErrorIs(t, err, stop)
}

func TestSleepTaskCompletes(t *testing.T) {
	v, err := sleepTask(context.Background(), &taskbus.Task{Args: map[string]any{"duration": "10ms"}})
	require.NoError(t, err)
	require.Equal(t, (10 * time.Millisecond).String(), v)

	_, err = sleepTask(context.Background(), &taskbus.Task{Args: map[string]any{"duration": "soon"}})
	require.Error(t, err)
}

func TestWriteConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "sub", "taskbus.yaml")
	require.NoError(t, writeConfig(dest, defaultYAML, false))

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, defaultYAML, string(b))

	require.Error(t, writeConfig(dest, "x", false))
	require.NoError(t, writeConfig(dest, "x", true))
}

func TestDefaultAddressParses(t *testing.T) {
	_, err := taskbus.ParseAddress("redis://localhost:6379?nbMaxMessages=1&recoveryDelay=5000")
	require.NoError(t, err)
}
