package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// cat echoes the payload back on stdout, which exercises the NDJSON
// progress/result parsing without depending on anything beyond coreutils.
func TestCommandExecutorProgress(t *testing.T) {
	e := &CommandExecutor{Command: "cat"}
	job := &Job{ID: "j1", Kind: "misc.echo", Payload: json.RawMessage(`{"pct":50,"stage":"warmup"}`)}

	var progress []map[string]any
	result, err := e.Execute(context.Background(), job, func(m map[string]any) {
		progress = append(progress, m)
	})
	require.NoError(t, err)
	require.Nil(t, result)
	require.Len(t, progress, 1)
	require.Equal(t, float64(50), progress[0]["pct"])
}

func TestCommandExecutorResult(t *testing.T) {
	e := &CommandExecutor{Command: "cat"}
	job := &Job{ID: "j1", Kind: "misc.echo", Payload: json.RawMessage(`{"result":{"ok":true}}`)}

	var progress []map[string]any
	result, err := e.Execute(context.Background(), job, func(m map[string]any) {
		progress = append(progress, m)
	})
	require.NoError(t, err)
	require.Empty(t, progress)
	require.Equal(t, map[string]any{"ok": true}, result)
}

func TestCommandExecutorNonJSONLine(t *testing.T) {
	e := &CommandExecutor{Command: "cat"}
	job := &Job{ID: "j1", Kind: "misc.echo", Payload: json.RawMessage(`plain text line`)}

	var progress []map[string]any
	_, err := e.Execute(context.Background(), job, func(m map[string]any) {
		progress = append(progress, m)
	})
	require.NoError(t, err)
	require.Len(t, progress, 1)
	require.Equal(t, "plain text line", progress[0]["message"])
}

func TestCommandExecutorMissingCommand(t *testing.T) {
	e := &CommandExecutor{}
	_, err := e.Execute(context.Background(), &Job{}, func(map[string]any) {})
	require.Error(t, err)
}

func TestCommandExecutorFailure(t *testing.T) {
	e := &CommandExecutor{Command: "false"}
	_, err := e.Execute(context.Background(), &Job{Payload: json.RawMessage(`{}`)}, func(map[string]any) {})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrJobCancelled)
}
