// Package task implements the unit of work behind a recipe step: a
// lifecycle state machine with two-phase cancellation, driving a
// per-type Behavior.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/cook/internal/lifecycle"
	"github.com/seantiz/cook/internal/model"
)

// ErrIllegalState is returned when Run is called more than once.
var ErrIllegalState = errors.New("task already running or completed")

// ExecutionError wraps a failure returned by a task's Behavior.
type ExecutionError struct {
	Type string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Job is the owner of a task: it provides the working directory and
// receives log events.
type Job interface {
	ID() string
	Dir() string
	LogEvent(e model.Event)
}

// Behavior is the type-specific part of a task.
type Behavior interface {
	Execute(ctx context.Context, t *Task) (any, error)
}

// Starter is implemented by behaviors that need a hook before Execute.
type Starter interface {
	WillStart(t *Task)
}

// Finisher is implemented by behaviors that need a hook after the task
// settles. It runs whatever the outcome.
type Finisher interface {
	DidFinish(t *Task)
}

// Canceler is implemented by behaviors that can actively stop running work.
type Canceler interface {
	OnCancel(ctx context.Context) error
}

// Reporter is implemented by behaviors that add detail to the task report.
type Reporter interface {
	DecorateReport(r *model.TaskReport)
}

// Task runs a Behavior once.
type Task struct {
	typeName string
	params   map[string]any
	job      Job
	behavior Behavior
	cancel   lifecycle.Cancellation

	mu          sync.Mutex
	name        string
	description string
	state       string
	start       time.Time
	end         time.Time
	err         error
	result      any
	log         []model.Event
	stopExec    context.CancelFunc
}

// New creates a task in the created state.
func New(typeName string, params map[string]any, job Job, behavior Behavior) *Task {
	return &Task{
		typeName: typeName,
		params:   params,
		job:      job,
		behavior: behavior,
		name:     typeName,
		state:    model.StateCreated,
	}
}

// Type returns the task type name.
func (t *Task) Type() string { return t.typeName }

// Params returns the validated parameters.
func (t *Task) Params() map[string]any { return t.params }

// Job returns the owning job.
func (t *Task) Job() Job { return t.job }

// SetName sets the sender name used in log events.
func (t *Task) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// SetDescription sets the human-readable description.
func (t *Task) SetDescription(d string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.description = d
}

// Description returns the human-readable description.
func (t *Task) Description() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.description
}

// State returns the current state.
func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the value produced by Execute.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure recorded at settlement.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// CancelRequested reports whether Cancel was called on a running task.
func (t *Task) CancelRequested() bool {
	return t.cancel.Requested()
}

// Log emits an event under the task's own name.
func (t *Task) Log(level, message string) {
	t.mu.Lock()
	sender := t.name
	t.mu.Unlock()
	t.Emit(sender, level, message)
}

// Emit sends an event to the owning job. Debug events are forwarded but
// not kept in the task report.
func (t *Task) Emit(sender, level, message string) {
	e := model.Event{
		Time:    time.Now().UTC(),
		Module:  t.typeName,
		Level:   level,
		Message: message,
		Sender:  sender,
	}
	if level != model.LevelDebug {
		t.mu.Lock()
		t.log = append(t.log, e)
		t.mu.Unlock()
	}
	if t.job != nil {
		t.job.LogEvent(e)
	}
}

// Run executes the task. A task whose cancellation was requested while it
// ran settles as cancelled and Run returns nil.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.state != model.StateCreated {
		t.mu.Unlock()
		return ErrIllegalState
	}
	execCtx, stop := context.WithCancel(ctx)
	defer stop()
	t.stopExec = stop
	t.transitionLocked(model.StateRunning)
	t.start = time.Now()
	t.mu.Unlock()

	if s, ok := t.behavior.(Starter); ok {
		s.WillStart(t)
	}

	result, err := t.behavior.Execute(execCtx, t)

	switch {
	case t.cancel.Requested() || ctx.Err() != nil:
		t.settle(model.StateCancelled, result, nil)
		t.Log(model.LevelInfo, "cancelled")
		err = nil
	case err != nil:
		err = &ExecutionError{Type: t.typeName, Err: err}
		t.settle(model.StateError, result, err)
		t.Log(model.LevelError, err.Error())
	default:
		t.settle(model.StateDone, result, nil)
	}

	if f, ok := t.behavior.(Finisher); ok {
		f.DidFinish(t)
	}
	t.cancel.Resolve()
	return err
}

// settle records the end state. A move the state table does not allow is
// refused and reported as an error event.
func (t *Task) settle(state string, result any, err error) {
	t.mu.Lock()
	from := t.state
	if !t.transitionLocked(state) {
		t.mu.Unlock()
		t.Log(model.LevelError, fmt.Sprintf("illegal state transition %s -> %s", from, state))
		return
	}
	t.result = result
	t.err = err
	t.end = time.Now()
	t.mu.Unlock()
}

// transitionLocked must be called with t.mu held.
func (t *Task) transitionLocked(to string) bool {
	if !model.ValidTransition(t.state, to) {
		return false
	}
	t.state = to
	return true
}

// Cancel stops the task. A task that never started is cancelled on the
// spot without involving its behavior; a finished task is left alone.
// Otherwise the behavior is asked to stop and Cancel waits for Run to
// settle, failing with lifecycle.ErrCancelTimeout after the watchdog.
func (t *Task) Cancel(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.state == model.StateCreated:
		t.transitionLocked(model.StateCancelled)
		t.end = time.Now()
		t.mu.Unlock()
		return nil
	case model.IsTerminal(t.state):
		t.mu.Unlock()
		return nil
	}
	resolved, err := t.cancel.Request()
	stop := t.stopExec
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if c, ok := t.behavior.(Canceler); ok {
		if err := c.OnCancel(ctx); err != nil {
			t.Log(model.LevelWarning, fmt.Sprintf("cancel: %v", err))
		}
	}
	if stop != nil {
		stop()
	}
	return lifecycle.Await(ctx, resolved, lifecycle.WatchdogTimeout)
}

// Report returns a snapshot of the task.
func (t *Task) Report() *model.TaskReport {
	t.mu.Lock()
	r := &model.TaskReport{
		Type:        t.typeName,
		Description: t.description,
		State:       t.state,
		Result:      t.result,
		Log:         slices.Clone(t.log),
	}
	if !t.start.IsZero() {
		start := t.start
		r.Start = &start
		end := time.Now()
		if !t.end.IsZero() {
			end = t.end
			r.End = &end
		}
		r.DurationMS = end.Sub(start).Milliseconds()
	}
	if t.err != nil {
		r.Error = t.err.Error()
	}
	t.mu.Unlock()

	if d, ok := t.behavior.(Reporter); ok {
		d.DecorateReport(r)
	}
	return r
}
