package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/tool"
)

// ErrUnknownTool is returned when a task asks for a tool that is not
// configured.
var ErrUnknownTool = errors.New("tool not configured")

// InstanceFactory creates tool instances by tool name. The second return
// value is false when no such tool is configured.
type InstanceFactory interface {
	CreateToolInstance(name string, settings tool.Settings, dir string) (*tool.Instance, bool)
}

// ToolTask is embedded by behaviors that drive external tools. Instances
// run one at a time; their output is relayed as task log events and their
// reports are attached to the task report.
type ToolTask struct {
	tools InstanceFactory

	mu        sync.Mutex
	instances []*tool.Instance
	current   *tool.Instance
}

// NewToolTask creates a ToolTask that obtains instances from tools.
func NewToolTask(tools InstanceFactory) *ToolTask {
	return &ToolTask{tools: tools}
}

// RunTool runs one instance of the named tool in the job directory and
// returns it once settled. A zero timeout keeps the tool's default.
func (tt *ToolTask) RunTool(ctx context.Context, t *Task, name string, settings tool.Settings, timeout time.Duration) (*tool.Instance, error) {
	if t.CancelRequested() || ctx.Err() != nil {
		return nil, tool.ErrCancelled
	}

	inst, ok := tt.tools.CreateToolInstance(name, settings, t.Job().Dir())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if timeout > 0 {
		inst.SetTimeout(timeout)
	}
	inst.OnMessage(func(level, message string) {
		t.Emit(name, level, message)
	})

	tt.mu.Lock()
	tt.instances = append(tt.instances, inst)
	tt.current = inst
	tt.mu.Unlock()

	defer func() {
		tt.mu.Lock()
		tt.current = nil
		tt.mu.Unlock()
	}()

	t.Log(model.LevelInfo, fmt.Sprintf("running tool %s", name))
	return inst, inst.Run(ctx)
}

// Instances returns the instances started so far.
func (tt *ToolTask) Instances() []*tool.Instance {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]*tool.Instance(nil), tt.instances...)
}

// OnCancel forwards the cancellation to the running instance without
// waiting for it; the task's own watchdog bounds the wait.
func (tt *ToolTask) OnCancel(ctx context.Context) error {
	tt.mu.Lock()
	inst := tt.current
	tt.mu.Unlock()

	if inst == nil {
		return nil
	}
	go func() {
		_ = inst.Cancel(context.WithoutCancel(ctx))
	}()
	return nil
}

// DecorateReport attaches the instance reports.
func (tt *ToolTask) DecorateReport(r *model.TaskReport) {
	for _, inst := range tt.Instances() {
		r.Instances = append(r.Instances, inst.Report())
	}
}
