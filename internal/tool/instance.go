package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/cook/internal/lifecycle"
	"github.com/seantiz/cook/internal/model"
)

const (
	cancelPollInterval = 250 * time.Millisecond
	terminateGrace     = time.Second
	maxLogLines        = 1000
)

// MessageFunc receives output lines relayed from a running instance.
type MessageFunc func(level, message string)

// Instance is one supervised execution of a Tool. It moves from created to
// waiting (optional) to running, and settles exactly once into done, error,
// timeout or cancelled.
type Instance struct {
	id       string
	tool     *Tool
	settings Settings
	workDir  string
	timeout  time.Duration
	cancel   lifecycle.Cancellation

	mu        sync.Mutex
	onMessage MessageFunc
	started   bool
	settled   bool
	state     string
	command   string
	start     time.Time
	end       time.Time
	exitCode  *int
	err       error
	result    any
	log       []string
	pid       int
	image     string
}

// NewInstance creates an instance in the created state. workDir is the
// directory the process runs in.
func (t *Tool) NewInstance(settings Settings, workDir string) *Instance {
	return &Instance{
		id:       uuid.NewString(),
		tool:     t,
		settings: settings,
		workDir:  workDir,
		timeout:  time.Duration(t.cfg.TimeoutSeconds) * time.Second,
		state:    model.StateCreated,
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Tool returns the owning tool.
func (i *Instance) Tool() *Tool { return i.tool }

// SetTimeout overrides the tool's configured timeout. Zero disables it.
func (i *Instance) SetTimeout(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.timeout = d
}

// OnMessage registers the receiver for output lines.
func (i *Instance) OnMessage(fn MessageFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onMessage = fn
}

// State returns the current state.
func (i *Instance) State() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Result returns the last structured result intercepted from the output.
func (i *Instance) Result() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result
}

// Err returns the settlement error, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// Report returns a snapshot of the instance.
func (i *Instance) Report() model.InstanceReport {
	i.mu.Lock()
	defer i.mu.Unlock()

	r := model.InstanceReport{
		ID:       i.id,
		Tool:     i.tool.Name(),
		Command:  i.command,
		State:    i.state,
		ExitCode: i.exitCode,
		Result:   i.result,
		Log:      slices.Clone(i.log),
	}
	if !i.start.IsZero() {
		start := i.start
		r.Start = &start
		end := time.Now()
		if !i.end.IsZero() {
			end = i.end
			r.End = &end
		}
		r.DurationMS = end.Sub(start).Milliseconds()
	}
	if i.err != nil {
		r.Error = i.err.Error()
	}
	return r
}

// Run sets up, admits and executes the instance, blocking until it
// settles. A cancellation while waiting for admission returns nil without
// spawning anything.
func (i *Instance) Run(ctx context.Context) error {
	i.mu.Lock()
	if i.started || i.state != model.StateCreated {
		i.mu.Unlock()
		return ErrIllegalState
	}
	i.started = true
	i.mu.Unlock()

	command, err := i.tool.setup(i.settings, i.workDir)
	if err != nil {
		err = fmt.Errorf("setup %s: %w", i.tool.Name(), err)
		i.settle(model.StateError, err, nil)
		return err
	}
	if command.Dir == "" {
		command.Dir = i.workDir
	}

	i.mu.Lock()
	i.command = strings.Join(append([]string{command.Path}, command.Args...), " ")
	i.mu.Unlock()

	admitted, err := i.acquire(ctx)
	if !admitted {
		i.settle(model.StateCancelled, err, nil)
		return err
	}
	return i.execute(ctx, command)
}

// acquire blocks until the tool admits the instance. It returns false when
// the instance was cancelled first.
func (i *Instance) acquire(ctx context.Context) (bool, error) {
	signal := i.cancel.Signal()

	if i.tool.admit(ctx, i) {
		return i.markRunning(), nil
	}
	if !i.markWaiting() {
		return false, nil
	}
	i.tool.enqueue(i)
	i.tool.logger.Debug("instance waiting for admission", "instance", i.id)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-signal:
			i.tool.release(i)
			return false, nil
		case <-ctx.Done():
			i.tool.release(i)
			return false, ctx.Err()
		case <-ticker.C:
		}
		if i.tool.admit(ctx, i) {
			return i.markRunning(), nil
		}
	}
}

func (i *Instance) markWaiting() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.settled && i.transitionLocked(model.StateWaiting)
}

func (i *Instance) markRunning() bool {
	i.mu.Lock()
	if i.settled || !i.transitionLocked(model.StateRunning) {
		i.mu.Unlock()
		i.tool.release(i)
		return false
	}
	i.mu.Unlock()
	return true
}

// transitionLocked moves the instance forward along the state table and
// refuses anything else. i.mu must be held.
func (i *Instance) transitionLocked(to string) bool {
	if !model.ValidTransition(i.state, to) {
		i.tool.logger.Error("illegal instance state transition", "instance", i.id, "from", i.state, "to", to)
		return false
	}
	i.state = to
	return true
}

func (i *Instance) execute(ctx context.Context, command Command) error {
	if command.Script != nil {
		path := filepath.Join(command.Dir, command.Script.Name)
		if err := os.WriteFile(path, []byte(command.Script.Content), 0o755); err != nil {
			err = fmt.Errorf("write script: %w", err)
			i.settle(model.StateError, err, nil)
			return err
		}
	}
	if i.cancel.Requested() || ctx.Err() != nil {
		i.settle(model.StateCancelled, ErrCancelled, nil)
		return ErrCancelled
	}

	stdout := newLineWriter(i.relay)
	stderr := newLineWriter(i.relay)

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = terminateGrace
	setProcessGroup(cmd)

	i.mu.Lock()
	i.start = time.Now()
	i.mu.Unlock()

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("start %s: %w", i.tool.Name(), err)
		i.settle(model.StateError, err, nil)
		return err
	}
	pid := cmd.Process.Pid
	image := filepath.Base(command.Path)

	i.mu.Lock()
	i.pid = pid
	i.image = image
	timeout := i.timeout
	i.mu.Unlock()

	i.tool.logger.Info("tool instance started", "instance", i.id, "pid", pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var force, abandon <-chan time.Time
	target := ""
	stop := func(state string) {
		target = state
		if err := interrupt(pid); err != nil {
			i.tool.logger.Debug("graceful kill failed", "instance", i.id, "error", err)
		}
		force = time.After(terminateGrace)
	}

	for {
		select {
		case err := <-exited:
			stdout.Flush()
			stderr.Flush()
			return i.finish(target, cmd.ProcessState, err)
		case <-poll.C:
			if target == "" && (i.cancel.Requested() || ctx.Err() != nil) {
				stop(model.StateCancelled)
			}
		case <-deadline:
			if target == "" {
				stop(model.StateTimeout)
			}
		case <-force:
			force = nil
			if err := terminate(pid, image); err != nil {
				i.tool.logger.Warn("force kill failed", "instance", i.id, "error", err)
			}
			abandon = time.After(terminateGrace)
		case <-abandon:
			i.tool.logger.Warn("process did not exit after force kill", "instance", i.id, "pid", pid)
			stdout.Flush()
			stderr.Flush()
			return i.finish(target, nil, nil)
		}
	}
}

// finish maps the exit of the process to an end state. A pending target
// (cancelled or timeout) takes precedence over the exit status.
func (i *Instance) finish(target string, ps *os.ProcessState, waitErr error) error {
	var code *int
	if ps != nil {
		if c := ps.ExitCode(); c >= 0 {
			code = &c
		}
	}

	switch target {
	case model.StateCancelled:
		i.settle(model.StateCancelled, ErrCancelled, code)
		return ErrCancelled
	case model.StateTimeout:
		err := fmt.Errorf("%w after %s", ErrTimeout, i.timeout)
		i.settle(model.StateTimeout, err, code)
		return err
	}

	if waitErr == nil || (errors.Is(waitErr, exec.ErrWaitDelay) && ps != nil && ps.Success()) {
		i.settle(model.StateDone, nil, code)
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		err := &ExitError{
			Tool:     i.tool.Name(),
			Code:     exitErr.ExitCode(),
			Signaled: exitErr.ExitCode() < 0,
		}
		i.settle(model.StateError, err, code)
		return err
	}

	err := fmt.Errorf("wait %s: %w", i.tool.Name(), waitErr)
	i.settle(model.StateError, err, code)
	return err
}

// settle records the end state once, frees the admission slot and resolves
// any pending cancellation. Output is discarded on success and kept for
// diagnosis otherwise.
func (i *Instance) settle(state string, err error, code *int) {
	i.mu.Lock()
	if i.settled || !i.transitionLocked(state) {
		i.mu.Unlock()
		return
	}
	i.settled = true
	i.err = err
	i.exitCode = code
	i.end = time.Now()
	if state == model.StateDone {
		i.log = nil
	}
	start := i.start
	i.mu.Unlock()

	i.tool.release(i)
	instancesTotal.WithLabelValues(i.tool.Name(), state).Inc()
	if !start.IsZero() {
		instanceDuration.WithLabelValues(i.tool.Name()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		i.tool.logger.Info("tool instance settled", "instance", i.id, "state", state, "error", err)
	} else {
		i.tool.logger.Info("tool instance settled", "instance", i.id, "state", state)
	}
	i.cancel.Resolve()
}

// Cancel stops the instance. An instance that was never admitted settles
// immediately; a running one is asked to stop and Cancel waits for it to
// settle, up to the watchdog timeout. When the watchdog fires the process
// tree is force-killed and the admission slot reclaimed.
func (i *Instance) Cancel(ctx context.Context) error {
	i.mu.Lock()
	switch {
	case i.settled || model.IsTerminal(i.state):
		i.mu.Unlock()
		return nil
	case i.state == model.StateCreated:
		i.transitionLocked(model.StateCancelled)
		i.settled = true
		i.end = time.Now()
		i.mu.Unlock()
		i.tool.release(i)
		instancesTotal.WithLabelValues(i.tool.Name(), model.StateCancelled).Inc()
		return nil
	}
	resolved, err := i.cancel.Request()
	i.mu.Unlock()
	if err != nil {
		return err
	}

	err = lifecycle.Await(ctx, resolved, lifecycle.WatchdogTimeout)
	if errors.Is(err, lifecycle.ErrCancelTimeout) {
		i.reclaim()
	}
	return err
}

func (i *Instance) reclaim() {
	i.mu.Lock()
	pid, image := i.pid, i.image
	i.mu.Unlock()

	i.tool.logger.Warn("cancel watchdog expired, reclaiming slot", "instance", i.id, "pid", pid)
	if pid > 0 {
		if err := terminate(pid, image); err != nil {
			i.tool.logger.Warn("force kill failed", "instance", i.id, "error", err)
		}
	}
	i.tool.release(i)
}

// relay routes one output line to the interceptor or the log buffer.
func (i *Instance) relay(line string) {
	if v, ok := i.tool.intercept(line); ok {
		i.mu.Lock()
		i.result = v
		i.mu.Unlock()
		return
	}

	i.mu.Lock()
	i.log = append(i.log, line)
	if n := len(i.log) - maxLogLines; n > 0 {
		i.log = slices.Delete(i.log, 0, n)
	}
	fn := i.onMessage
	i.mu.Unlock()

	if fn != nil {
		fn(model.LevelDebug, line)
	}
}
