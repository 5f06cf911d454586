package task_test

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/task"
	"github.com/seantiz/cook/internal/tool"
)

type shAdapter struct{}

func (shAdapter) Name() string { return "Sh" }

func (shAdapter) Setup(executable string, settings tool.Settings, workDir string) (tool.Command, error) {
	command, _ := settings["command"].(string)
	return tool.Command{Path: executable, Args: []string{"-c", command}, Dir: workDir}, nil
}

type toolSet map[string]*tool.Tool

func (s toolSet) CreateToolInstance(name string, settings tool.Settings, dir string) (*tool.Instance, bool) {
	tl, ok := s[name]
	if !ok {
		return nil, false
	}
	return tl.NewInstance(settings, dir), true
}

// shellTask runs params["command"] through the Sh tool.
type shellTask struct {
	*task.ToolTask
	timeout time.Duration
}

func (s *shellTask) Execute(ctx context.Context, t *task.Task) (any, error) {
	inst, err := s.RunTool(ctx, t, "Sh", tool.Settings{"command": t.Params()["command"]}, s.timeout)
	if err != nil {
		return nil, err
	}
	return inst.Result(), nil
}

func newShellTask(t *testing.T, command string, timeout time.Duration) (*task.Task, *tool.Tool) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tl := tool.New(shAdapter{}, tool.Config{Executable: sh, MaxInstances: 2}, tool.StaticSampler(0), logger)
	behavior := &shellTask{ToolTask: task.NewToolTask(toolSet{"Sh": tl}), timeout: timeout}
	job := &fakeJob{dir: t.TempDir()}
	return task.New("Shell", map[string]any{"command": command}, job, behavior), tl
}

func TestToolTaskRelaysOutput(t *testing.T) {
	t.Parallel()
	tk, _ := newShellTask(t, "echo hello", 0)
	job := tk.Job().(*fakeJob)

	require.NoError(t, tk.Run(t.Context()))
	require.Equal(t, model.StateDone, tk.State())

	r := tk.Report()
	require.Len(t, r.Instances, 1)
	require.Equal(t, model.StateDone, r.Instances[0].State)

	job.mu.Lock()
	defer job.mu.Unlock()
	var relayed bool
	for _, e := range job.events {
		if e.Message == "hello" && e.Sender == "Sh" && e.Level == model.LevelDebug {
			relayed = true
		}
	}
	require.True(t, relayed)
}

func TestToolTaskTimeoutRejects(t *testing.T) {
	t.Parallel()
	tk, tl := newShellTask(t, "sleep 10", 200*time.Millisecond)

	err := tk.Run(t.Context())
	require.ErrorIs(t, err, tool.ErrTimeout)
	require.Equal(t, model.StateError, tk.State())
	require.Equal(t, model.StateTimeout, tk.Report().Instances[0].State)

	running, waiting := tl.Counts()
	require.Zero(t, running)
	require.Zero(t, waiting)
}

func TestToolTaskCancel(t *testing.T) {
	t.Parallel()
	tk, tl := newShellTask(t, "sleep 10", 0)

	errc := make(chan error, 1)
	go func() { errc <- tk.Run(t.Context()) }()
	require.Eventually(t, func() bool {
		r := tk.Report()
		return len(r.Instances) == 1 && r.Instances[0].State == model.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tk.Cancel(t.Context()))
	require.NoError(t, <-errc)
	require.Equal(t, model.StateCancelled, tk.State())

	require.Eventually(t, func() bool {
		running, waiting := tl.Counts()
		return running == 0 && waiting == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestToolTaskUnknownTool(t *testing.T) {
	t.Parallel()
	behavior := &shellTask{ToolTask: task.NewToolTask(toolSet{})}
	tk := task.New("Shell", map[string]any{"command": "true"}, &fakeJob{dir: t.TempDir()}, behavior)

	require.ErrorIs(t, tk.Run(t.Context()), task.ErrUnknownTool)
	require.Equal(t, model.StateError, tk.State())
}
