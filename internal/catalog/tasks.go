package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/task"
	"github.com/seantiz/cook/internal/tool"
)

// Task type names.
const (
	DummyType = "Dummy"
	ExecType  = "Exec"
)

// ErrDummyFailure is the error of a Dummy task asked to fail.
var ErrDummyFailure = errors.New("dummy task failed as requested")

const dummySchema = `{
	outcome?:  "success" | "failure"
	duration?: number & >=0
}`

// Dummy waits for duration milliseconds, then succeeds or fails according
// to outcome. It is used to exercise recipes without external tools.
type Dummy struct{}

// Execute implements task.Behavior.
func (Dummy) Execute(ctx context.Context, t *task.Task) (any, error) {
	outcome, _ := t.Params()["outcome"].(string)
	if outcome == "" {
		outcome = "success"
	}
	duration := time.Duration(number(t.Params()["duration"]) * float64(time.Millisecond))

	t.Log(model.LevelInfo, fmt.Sprintf("dummy task: outcome %s after %s", outcome, duration))

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if outcome == "failure" {
		return nil, ErrDummyFailure
	}
	return map[string]any{"outcome": outcome, "duration": duration.Milliseconds()}, nil
}

const execSchema = `{
	tool:            string & !=""
	settings?:       {...}
	timeoutSeconds?: number & >0
}`

// Exec runs one instance of a configured tool.
type Exec struct {
	*task.ToolTask
}

// NewExec creates an Exec behavior obtaining instances from tools.
func NewExec(tools task.InstanceFactory) *Exec {
	return &Exec{ToolTask: task.NewToolTask(tools)}
}

// Execute implements task.Behavior. The result is whatever structured
// output the tool reported.
func (e *Exec) Execute(ctx context.Context, t *task.Task) (any, error) {
	name, _ := t.Params()["tool"].(string)
	settings, _ := t.Params()["settings"].(map[string]any)
	timeout := time.Duration(number(t.Params()["timeoutSeconds"]) * float64(time.Second))

	inst, err := e.RunTool(ctx, t, name, tool.Settings(settings), timeout)
	if err != nil {
		return nil, err
	}
	return inst.Result(), nil
}

// number converts a decoded JSON or YAML number to float64.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
