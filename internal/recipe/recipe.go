// Package recipe interprets recipes: step graphs whose steps run child
// tasks with expression-derived parameters and branch on the outcome.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/task"
)

// TypeName is the task type of a recipe task.
const TypeName = "Recipe"

// ErrRecipeFailed is returned when a recipe reaches the failure sentinel
// without a task error to report.
var ErrRecipeFailed = errors.New("recipe failed")

// InterpreterError marks a defect in the recipe itself: a bad graph, a
// failing expression or parameters rejected at step construction. It fails
// the whole run.
type InterpreterError struct {
	Step string
	Err  error
}

func (e *InterpreterError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("recipe: %v", e.Err)
	}
	return fmt.Sprintf("recipe step %q: %v", e.Step, e.Err)
}

func (e *InterpreterError) Unwrap() error { return e.Err }

// Factory creates child tasks by type name.
type Factory interface {
	CreateTask(name string, params map[string]any, job task.Job) (*task.Task, error)
}

// Task is the behavior of a recipe task.
type Task struct {
	recipe  *model.Recipe
	factory Factory
	workDir string

	mu          sync.Mutex
	owner       *task.Task
	failed      error
	input       map[string]any
	result      any
	steps       map[string]*task.Task
	current     *task.Task
	currentStep string
}

// New creates the behavior for running r. workDir is exposed to
// expressions next to the job directory.
func New(r *model.Recipe, factory Factory, workDir string) *Task {
	return &Task{
		recipe:  r,
		factory: factory,
		workDir: workDir,
		steps:   make(map[string]*task.Task),
	}
}

// Recipe returns the recipe being interpreted.
func (r *Task) Recipe() *model.Recipe { return r.recipe }

// WillStart implements task.Starter.
func (r *Task) WillStart(t *task.Task) {
	r.mu.Lock()
	r.owner = t
	r.mu.Unlock()
	t.Log(model.LevelInfo, fmt.Sprintf("recipe %s (%s) started", r.recipe.Name, r.recipe.Version))
}

// DidFinish implements task.Finisher.
func (r *Task) DidFinish(t *task.Task) {
	t.Log(model.LevelInfo, fmt.Sprintf("recipe %s finished: %s", r.recipe.Name, t.State()))
}

// Execute walks the graph from the start step until a sentinel is reached,
// the run is cancelled or the recipe fails.
func (r *Task) Execute(ctx context.Context, t *task.Task) (any, error) {
	eval := NewEvaluator(t.Job().Dir())

	r.mu.Lock()
	r.input = maps.Clone(t.Params())
	if r.input == nil {
		r.input = make(map[string]any)
	}
	r.mu.Unlock()

	name := r.recipe.Start
	prev := ""
	var pending error

	for {
		if t.CancelRequested() || ctx.Err() != nil {
			return r.output(), nil
		}
		if err := r.failure(); err != nil {
			return nil, err
		}

		switch name {
		case "":
			err := errors.New("no step to follow")
			if pending != nil {
				err = fmt.Errorf("no failure branch: %w", pending)
			}
			return nil, r.fail(&InterpreterError{Step: prev, Err: err})
		case model.StepSuccess:
			t.Log(model.LevelInfo, "recipe reached success")
			return r.output(), nil
		case model.StepFailure:
			err := pending
			if err == nil {
				err = ErrRecipeFailed
			}
			return nil, r.fail(err)
		}

		step, ok := r.recipe.Steps[name]
		if !ok || step == nil {
			return nil, r.fail(&InterpreterError{Step: name, Err: errors.New("unknown step")})
		}

		next, childErr, err := r.runStep(ctx, t, eval, name, step)
		if err != nil {
			return nil, r.fail(&InterpreterError{Step: name, Err: err})
		}
		prev, name, pending = name, next, childErr
	}
}

// runStep executes one step and returns the name of the next step, the
// child task error when the failure branch was taken, and an error when the
// recipe itself is broken.
func (r *Task) runStep(ctx context.Context, t *task.Task, eval *Evaluator, name string, step *model.Step) (string, error, error) {
	if step.Skip != nil {
		v, err := eval.Eval(step.Skip, r.env(t))
		if err != nil {
			return "", nil, fmt.Errorf("skip: %w", err)
		}
		if Truthy(v) {
			t.Log(model.LevelInfo, fmt.Sprintf("step %s skipped", name))
			next, err := r.branch(eval, step.Success, t)
			return next, nil, err
		}
	}

	if step.Pre != nil {
		if err := r.mergeInput(eval, step.Pre, t); err != nil {
			return "", nil, fmt.Errorf("pre: %w", err)
		}
	}

	params := map[string]any{}
	if step.Parameters != nil {
		v, err := eval.Eval(step.Parameters, r.env(t))
		if err != nil {
			return "", nil, fmt.Errorf("parameters: %w", err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("parameters must evaluate to an object, got %T", v)
		}
		params = m
	}

	child, err := r.factory.CreateTask(step.Task, params, t.Job())
	if err != nil {
		return "", nil, err
	}
	child.SetName(name)
	child.SetDescription(step.Description)

	r.mu.Lock()
	r.steps[name] = child
	r.current = child
	r.currentStep = name
	r.mu.Unlock()

	t.Log(model.LevelInfo, fmt.Sprintf("step %s: running %s", name, step.Task))
	runErr := child.Run(ctx)

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	if child.State() == model.StateCancelled {
		// The loop observes the recipe's own cancellation next.
		if t.CancelRequested() || ctx.Err() != nil {
			return name, nil, nil
		}
		runErr = fmt.Errorf("step %s was cancelled", name)
	}

	if runErr != nil {
		next, err := r.branch(eval, step.Failure, t)
		return next, runErr, err
	}

	r.mu.Lock()
	r.result = child.Result()
	r.mu.Unlock()

	if step.Post != nil {
		if err := r.mergeInput(eval, step.Post, t); err != nil {
			return "", nil, fmt.Errorf("post: %w", err)
		}
	}
	next, err := r.branch(eval, step.Success, t)
	return next, nil, err
}

func (r *Task) mergeInput(eval *Evaluator, tree any, t *task.Task) error {
	v, err := eval.Eval(tree, r.env(t))
	if err != nil {
		return err
	}
	if _, ok := v.(map[string]any); !ok {
		return fmt.Errorf("must evaluate to an object, got %T", v)
	}
	r.mu.Lock()
	r.input = Merge(r.input, v).(map[string]any)
	r.mu.Unlock()
	return nil
}

func (r *Task) branch(eval *Evaluator, tree any, t *task.Task) (string, error) {
	if tree == nil {
		return "", nil
	}
	v, err := eval.Eval(tree, r.env(t))
	if err != nil {
		return "", fmt.Errorf("branch: %w", err)
	}
	switch next := v.(type) {
	case nil:
		return "", nil
	case string:
		return next, nil
	default:
		return "", fmt.Errorf("branch must evaluate to a step name, got %T", v)
	}
}

func (r *Task) env(t *task.Task) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"input":   r.input,
		"result":  r.result,
		"SUCCESS": model.StepSuccess,
		"FAILURE": model.StepFailure,
		"jobDir":  t.Job().Dir(),
		"workDir": r.workDir,
		"jobId":   t.Job().ID(),
	}
}

func (r *Task) output() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Task) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// fail marks the recipe as permanently failed. The first failure sticks.
func (r *Task) fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = err
	}
	return r.failed
}

// OnCancel forwards the cancellation to the running child task.
func (r *Task) OnCancel(ctx context.Context) error {
	r.mu.Lock()
	child, owner := r.current, r.owner
	r.mu.Unlock()

	if child == nil {
		return nil
	}
	go func() {
		if err := child.Cancel(context.WithoutCancel(ctx)); err != nil && owner != nil {
			owner.Log(model.LevelWarning, fmt.Sprintf("cancel step: %v", err))
		}
	}()
	return nil
}

// DecorateReport adds the current step and the per-step reports.
func (r *Task) DecorateReport(rep *model.TaskReport) {
	r.mu.Lock()
	steps := maps.Clone(r.steps)
	name := r.currentStep
	r.mu.Unlock()

	if name != "" {
		rep.Step = name
		if child := steps[name]; child != nil {
			if d := child.Description(); d != "" {
				rep.Step = name + ": " + d
			}
		}
	}
	rep.Steps = make(map[string]*model.TaskReport, len(steps))
	for n, child := range steps {
		rep.Steps[n] = child.Report()
	}
}
