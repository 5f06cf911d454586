package registry_test

import (
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/cook/internal/catalog"
	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/registry"
	"github.com/seantiz/cook/internal/schema"
	"github.com/seantiz/cook/internal/tool"
)

type fakeJob struct{ dir string }

func (j fakeJob) ID() string           { return "job-1" }
func (j fakeJob) Dir() string          { return j.dir }
func (j fakeJob) LogEvent(model.Event) {}

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	reg, err := registry.NewFromCatalog(schema.NewValidator(), map[string]tool.Config{
		"Shell": {Executable: sh, MaxInstances: 2, TimeoutSeconds: 30},
	}, tool.StaticSampler(0), discard())
	require.NoError(t, err)
	return reg
}

func TestRegistryFromCatalog(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	require.Equal(t, []string{catalog.DummyType, catalog.ExecType}, reg.TaskTypes())

	tools := reg.Tools()
	require.Len(t, tools, 1)
	require.Equal(t, "Shell", tools[0].Name)
	require.Equal(t, 2, tools[0].MaxInstances)
	require.Equal(t, 30, tools[0].TimeoutS)

	// Command has no configuration and is skipped.
	_, ok := reg.Tool("Command")
	require.False(t, ok)
}

func TestMissingExecutableIsConfigurationError(t *testing.T) {
	t.Parallel()
	_, err := registry.NewFromCatalog(schema.NewValidator(), map[string]tool.Config{
		"Shell": {Executable: "/nonexistent/cook-shell"},
	}, nil, discard())

	var cerr *registry.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "Shell", cerr.Tool)
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	job := fakeJob{dir: t.TempDir()}

	tk, err := reg.CreateTask(catalog.DummyType, map[string]any{"outcome": "success"}, job)
	require.NoError(t, err)
	require.Equal(t, catalog.DummyType, tk.Type())
	require.Equal(t, model.StateCreated, tk.State())

	tk, err = reg.CreateTask(catalog.DummyType, nil, job)
	require.NoError(t, err)
	require.NotNil(t, tk.Params())

	_, err = reg.CreateTask("Nope", nil, job)
	require.ErrorIs(t, err, registry.ErrUnknownTaskType)

	_, err = reg.CreateTask(catalog.DummyType, map[string]any{"outcome": "perhaps"}, job)
	require.True(t, schema.IsValidationError(err))
}

func TestCreateToolInstance(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	inst, ok := reg.CreateToolInstance("Shell", tool.Settings{"command": "true"}, t.TempDir())
	require.True(t, ok)
	require.Equal(t, model.StateCreated, inst.State())
	require.Equal(t, "Shell", inst.Tool().Name())

	inst, ok = reg.CreateToolInstance("Blender", nil, "")
	require.False(t, ok)
	require.Nil(t, inst)
}

func TestExecTaskRunsConfiguredTool(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	job := fakeJob{dir: t.TempDir()}

	tk, err := reg.CreateTask(catalog.ExecType, map[string]any{
		"tool":     "Shell",
		"settings": map[string]any{"command": `echo '##result {"faces": 12}'`},
	}, job)
	require.NoError(t, err)
	require.NoError(t, tk.Run(t.Context()))
	require.Equal(t, map[string]any{"faces": float64(12)}, tk.Result())

	tk, err = reg.CreateTask(catalog.ExecType, map[string]any{"tool": "Blender"}, job)
	require.NoError(t, err)
	require.Error(t, tk.Run(t.Context()))
	require.Equal(t, model.StateError, tk.State())
}

func TestRecipeTaskUsesRegistry(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	rec := &model.Recipe{
		ID: "r", Name: "pipeline", Version: "1", Start: "wait",
		Steps: map[string]*model.Step{
			"wait": {Task: catalog.DummyType, Parameters: map[string]any{"duration": 1}, Success: "shell", Failure: model.StepFailure},
			"shell": {
				Task:       catalog.ExecType,
				Parameters: map[string]any{"tool": "Shell", "settings": map[string]any{"command": `echo '##result {"n": 1}'`}},
				Success:    model.StepSuccess,
				Failure:    model.StepFailure,
			},
		},
	}

	tk := reg.NewRecipeTask(rec, nil, fakeJob{dir: t.TempDir()}, "")
	require.Equal(t, recipe.TypeName, tk.Type())
	require.NoError(t, tk.Run(t.Context()))
	require.Equal(t, model.StateDone, tk.State())
	require.Equal(t, map[string]any{"n": float64(1)}, tk.Result())
	require.Len(t, tk.Report().Steps["shell"].Instances, 1)
}
