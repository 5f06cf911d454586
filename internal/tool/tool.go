// Package tool supervises external programs. A Tool wraps a configured
// executable and an Adapter that knows how to turn task settings into a
// command line; every invocation is an Instance that passes through
// admission control before it is spawned.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/cook/internal/model"
)

// Admission limits.
const (
	// MaxCPUUsage is the host CPU fraction above which no new instance starts.
	MaxCPUUsage = 0.90
)

// PollInterval is how often a waiting instance re-checks admission. It is a
// variable so tests can shorten it.
var PollInterval = 2 * time.Second

var (
	// ErrIllegalState is returned when Run is called on an instance that is
	// not in the created state.
	ErrIllegalState = errors.New("tool instance already started")

	// ErrTimeout is returned by Run when the tool exceeded its timeout.
	ErrTimeout = errors.New("tool timed out")

	// ErrCancelled is returned by Run when the instance was cancelled while
	// its process was running.
	ErrCancelled = errors.New("tool cancelled")
)

// ExitError describes an abnormal process exit.
type ExitError struct {
	Tool     string
	Code     int
	Signaled bool
}

func (e *ExitError) Error() string {
	if e.Signaled {
		return fmt.Sprintf("tool %s terminated by signal", e.Tool)
	}
	return fmt.Sprintf("tool %s exited with code %d", e.Tool, e.Code)
}

// Config is the per-tool configuration loaded from the tools table.
type Config struct {
	Executable     string `yaml:"executable" json:"executable"`
	Version        string `yaml:"version" json:"version,omitempty"`
	MaxInstances   int    `yaml:"maxInstances" json:"maxInstances"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" json:"timeoutSeconds"`
}

// Settings are the task-supplied parameters for one invocation.
type Settings map[string]any

// Script is a generated file written into the command's directory before
// the process is spawned.
type Script struct {
	Name    string
	Content string
}

// Command is the concrete process to spawn.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Script *Script
}

// Adapter turns settings into a command for a specific program.
type Adapter interface {
	Name() string
	Setup(executable string, settings Settings, workDir string) (Command, error)
}

// Interceptor is implemented by adapters that recognise structured output
// lines. Intercept returns the decoded value and true when the line is
// consumed.
type Interceptor interface {
	Intercept(line string) (any, bool)
}

// Tool is a configured external program with bounded concurrency.
type Tool struct {
	adapter Adapter
	cfg     Config
	sampler CPUSampler
	logger  *slog.Logger

	mu      sync.Mutex
	running []*Instance
	waiting []*Instance
}

// New creates a Tool. MaxInstances below one is raised to one.
func New(adapter Adapter, cfg Config, sampler CPUSampler, logger *slog.Logger) *Tool {
	if cfg.MaxInstances < 1 {
		cfg.MaxInstances = 1
	}
	if sampler == nil {
		sampler = StaticSampler(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tool{
		adapter: adapter,
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.With("tool", adapter.Name()),
	}
	instancesRunning.WithLabelValues(t.Name()).Set(0)
	instancesWaiting.WithLabelValues(t.Name()).Set(0)
	return t
}

// Name returns the adapter name.
func (t *Tool) Name() string { return t.adapter.Name() }

// Config returns the tool configuration.
func (t *Tool) Config() Config { return t.cfg }

// Counts returns the number of running and waiting instances.
func (t *Tool) Counts() (running, waiting int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running), len(t.waiting)
}

// Info returns a snapshot suitable for state reports.
func (t *Tool) Info() model.ToolInfo {
	running, waiting := t.Counts()
	return model.ToolInfo{
		Name:         t.Name(),
		Executable:   t.cfg.Executable,
		Version:      t.cfg.Version,
		MaxInstances: t.cfg.MaxInstances,
		TimeoutS:     t.cfg.TimeoutSeconds,
		Running:      running,
		Waiting:      waiting,
	}
}

func (t *Tool) setup(settings Settings, workDir string) (Command, error) {
	return t.adapter.Setup(t.cfg.Executable, settings, workDir)
}

func (t *Tool) intercept(line string) (any, bool) {
	ic, ok := t.adapter.(Interceptor)
	if !ok {
		return nil, false
	}
	return ic.Intercept(line)
}

// admit moves inst into the running list when both the instance limit and
// the CPU ceiling allow it. The check and the insertion happen under the
// same lock.
func (t *Tool) admit(ctx context.Context, inst *Instance) bool {
	usage := t.sampler.CPUUsage(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.running) >= t.cfg.MaxInstances || usage >= MaxCPUUsage {
		return false
	}
	t.waiting = slices.DeleteFunc(t.waiting, func(i *Instance) bool { return i == inst })
	t.running = append(t.running, inst)
	t.updateGauges()
	return true
}

func (t *Tool) enqueue(inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.waiting, inst) {
		t.waiting = append(t.waiting, inst)
	}
	t.updateGauges()
}

// release removes inst from both lists. It is safe to call more than once.
func (t *Tool) release(inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	match := func(i *Instance) bool { return i == inst }
	t.running = slices.DeleteFunc(t.running, match)
	t.waiting = slices.DeleteFunc(t.waiting, match)
	t.updateGauges()
}

// updateGauges must be called with t.mu held.
func (t *Tool) updateGauges() {
	instancesRunning.WithLabelValues(t.Name()).Set(float64(len(t.running)))
	instancesWaiting.WithLabelValues(t.Name()).Set(float64(len(t.waiting)))
}
