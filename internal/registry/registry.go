// Package registry holds the task types and tools available to recipes
// and creates tasks and tool instances by name.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"sort"
	"sync"

	"github.com/seantiz/cook/internal/catalog"
	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/schema"
	"github.com/seantiz/cook/internal/task"
	"github.com/seantiz/cook/internal/tool"
)

// ErrUnknownTaskType is returned by CreateTask for unregistered names.
var ErrUnknownTaskType = errors.New("unknown task type")

// ConfigurationError reports a tool configuration that cannot be used.
// It is fatal at startup.
type ConfigurationError struct {
	Tool string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

type taskEntry struct {
	typ    catalog.TaskType
	params *schema.Schema
}

// Registry maps task type names to constructors and tool names to
// configured tools.
type Registry struct {
	validator *schema.Validator
	logger    *slog.Logger

	mu    sync.RWMutex
	tasks map[string]taskEntry
	tools map[string]*tool.Tool
}

// New creates an empty registry.
func New(validator *schema.Validator, logger *slog.Logger) *Registry {
	return &Registry{
		validator: validator,
		logger:    logger,
		tasks:     make(map[string]taskEntry),
		tools:     make(map[string]*tool.Tool),
	}
}

// NewFromCatalog creates a registry holding the built-in task types and
// the built-in tools that have a configuration.
func NewFromCatalog(validator *schema.Validator, configs map[string]tool.Config, sampler tool.CPUSampler, logger *slog.Logger) (*Registry, error) {
	r := New(validator, logger)
	for _, tt := range catalog.Tasks() {
		if err := r.RegisterTask(tt); err != nil {
			return nil, err
		}
	}
	if err := r.RegisterTools(catalog.Tools(), configs, sampler); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterTask adds a task type under its name.
func (r *Registry) RegisterTask(tt catalog.TaskType) error {
	params, err := r.validator.Compile(tt.Name, tt.Schema)
	if err != nil {
		return fmt.Errorf("task type %s: %w", tt.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[tt.Name] = taskEntry{typ: tt, params: params}
	return nil
}

// RegisterTools cross-references adapters with the configuration table.
// An adapter without configuration is skipped with a warning; a configured
// executable that cannot be found is a ConfigurationError.
func (r *Registry) RegisterTools(adapters []tool.Adapter, configs map[string]tool.Config, sampler tool.CPUSampler) error {
	known := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		name := a.Name()
		known[name] = true

		cfg, ok := configs[name]
		if !ok {
			r.logger.Warn("tool not configured, skipping", "tool", name)
			continue
		}
		if cfg.Executable == "" {
			return &ConfigurationError{Tool: name, Err: errors.New("no executable configured")}
		}
		path, err := exec.LookPath(cfg.Executable)
		if err != nil {
			return &ConfigurationError{Tool: name, Err: err}
		}
		cfg.Executable = path

		t := tool.New(a, cfg, sampler, r.logger)
		r.mu.Lock()
		r.tools[name] = t
		r.mu.Unlock()
		r.logger.Info("tool registered", "tool", name, "executable", path, "max_instances", t.Config().MaxInstances)
	}

	for _, name := range slices.Sorted(maps.Keys(configs)) {
		if !known[name] {
			r.logger.Warn("configured tool has no implementation", "tool", name)
		}
	}
	return nil
}

// CreateTask validates params against the type's schema and returns a new
// task owned by job.
func (r *Registry) CreateTask(name string, params map[string]any, job task.Job) (*task.Task, error) {
	r.mu.RLock()
	entry, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := entry.params.Validate(params); err != nil {
		return nil, fmt.Errorf("task %s parameters: %w", name, err)
	}
	return task.New(name, params, job, entry.typ.New(r)), nil
}

// NewRecipeTask returns the task interpreting rec for job.
func (r *Registry) NewRecipeTask(rec *model.Recipe, params map[string]any, job task.Job, workDir string) *task.Task {
	t := task.New(recipe.TypeName, params, job, recipe.New(rec, r, workDir))
	t.SetName(rec.Name)
	t.SetDescription(rec.Description)
	return t
}

// CreateToolInstance returns a new instance of the named tool, or false
// when the tool is not configured.
func (r *Registry) CreateToolInstance(name string, settings tool.Settings, dir string) (*tool.Instance, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.NewInstance(settings, dir), true
}

// Tool returns the named tool.
func (r *Registry) Tool(name string) (*tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// TaskTypes returns the registered task type names, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tasks))
}

// Tools returns information about all registered tools, sorted by name
// for a stable API response.
func (r *Registry) Tools() []model.ToolInfo {
	r.mu.RLock()
	infos := make([]model.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, t.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
