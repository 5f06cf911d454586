package engine_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/cook/internal/catalog"
	"github.com/seantiz/cook/internal/engine"
	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/registry"
	"github.com/seantiz/cook/internal/schema"
	"github.com/seantiz/cook/internal/tool"
)

func dummyRecipe() *model.Recipe {
	return &model.Recipe{
		ID:              "dummy-recipe",
		Name:            "dummy",
		Version:         "1.0",
		Start:           "dummy",
		ParameterSchema: `{outcome?: "success" | "failure", duration?: number & >=0}`,
		Steps: map[string]*model.Step{
			"dummy": {
				Task:        catalog.DummyType,
				Description: "wait and report",
				Parameters: map[string]any{
					"outcome":  "${firstTrue(input.outcome, 'success')}",
					"duration": "${firstTrue(input.duration, 0)}",
				},
				Success: model.StepSuccess,
				Failure: model.StepFailure,
			},
		},
	}
}

func sleepRecipe() *model.Recipe {
	return &model.Recipe{
		ID:      "sleep-recipe",
		Name:    "sleep",
		Version: "1",
		Start:   "sleep",
		Steps: map[string]*model.Step{
			"sleep": {
				Task: catalog.ExecType,
				Parameters: map[string]any{
					"tool":     "Shell",
					"settings": map[string]any{"command": "sleep 30"},
				},
				Success: model.StepSuccess,
				Failure: model.StepFailure,
			},
		},
	}
}

type fixture struct {
	mgr     *engine.Manager
	reg     *registry.Registry
	workDir string
}

func newFixture(t *testing.T, withShell bool) *fixture {
	t.Helper()
	configs := map[string]tool.Config{}
	if withShell {
		sh, err := exec.LookPath("sh")
		if err != nil {
			t.Skip("sh not available")
		}
		configs["Shell"] = tool.Config{Executable: sh, MaxInstances: 1, TimeoutSeconds: 60}
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	v := schema.NewValidator()
	reg, err := registry.NewFromCatalog(v, configs, tool.StaticSampler(0), logger)
	require.NoError(t, err)

	lib := recipe.NewLibrary(v)
	require.NoError(t, lib.Add(dummyRecipe()))
	require.NoError(t, lib.Add(sleepRecipe()))

	workDir := t.TempDir()
	mgr, err := engine.NewManager(engine.Config{
		WorkDir: workDir,
		Clients: []string{"c1", "c2"},
	}, reg, lib, v, logger)
	require.NoError(t, err)
	return &fixture{mgr: mgr, reg: reg, workDir: workDir}
}

func order(id, outcome string) model.Order {
	return model.Order{
		ID:         id,
		ClientID:   "c1",
		RecipeID:   "dummy-recipe",
		Parameters: map[string]any{"outcome": outcome, "duration": 10},
	}
}

func TestRunJobSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	info, err := f.mgr.CreateJob(order("t1", "success"), "")
	require.NoError(t, err)
	require.Equal(t, model.StateCreated, info.State)
	require.Equal(t, model.PriorityNormal, info.Priority)
	require.Equal(t, "dummy", info.Name)
	require.DirExists(t, filepath.Join(f.workDir, "t1"))

	require.NoError(t, f.mgr.RunJob(t.Context(), "c1", "t1"))

	info, err = f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateDone, info.State)
	require.NotNil(t, info.Start)
	require.NotNil(t, info.End)

	report, err := f.mgr.JobReport("c1", "t1")
	require.NoError(t, err)
	require.Len(t, report.Steps, 1)
	require.Equal(t, model.StateDone, report.Steps["dummy"].State)
	require.Equal(t, "dummy: wait and report", report.Step)

	jobDir := filepath.Join(f.workDir, "t1")
	require.FileExists(t, filepath.Join(jobDir, "t1"+engine.SuccessSuffix))
	require.FileExists(t, filepath.Join(jobDir, "t1-report.json"))
	require.FileExists(t, filepath.Join(jobDir, "t1.log"))

	require.ErrorIs(t, f.mgr.RunJob(t.Context(), "c1", "t1"), engine.ErrJobStarted)
}

func TestRunJobFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	_, err := f.mgr.CreateJob(order("t1", "failure"), "")
	require.NoError(t, err)
	require.ErrorIs(t, f.mgr.RunJob(t.Context(), "c1", "t1"), catalog.ErrDummyFailure)

	info, err := f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateError, info.State)
	require.NotEmpty(t, info.Error)
	require.FileExists(t, filepath.Join(f.workDir, "t1", "t1"+engine.FailureSuffix))
}

func TestCancelBeforeRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	_, err := f.mgr.CreateJob(order("t1", "success"), "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.CancelJob(t.Context(), "c1", "t1"))

	info, err := f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, info.State)
	require.FileExists(t, filepath.Join(f.workDir, "t1", "t1"+engine.FailureSuffix))
	require.ErrorIs(t, f.mgr.RunJob(t.Context(), "c1", "t1"), engine.ErrJobStarted)
}

func TestCancelImmediatelyLeavesNoInstances(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	_, err := f.mgr.CreateJob(model.Order{ID: "t1", ClientID: "c1", RecipeID: "sleep-recipe"}, "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start("c1", "t1"))
	require.NoError(t, f.mgr.CancelJob(t.Context(), "c1", "t1"))

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	case <-jobDone(t, f, "t1"):
	}

	info, err := f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, info.State)

	shell, ok := f.reg.Tool("Shell")
	require.True(t, ok)
	running, waiting := shell.Counts()
	require.Zero(t, running)
	require.Zero(t, waiting)
}

func TestCancelRunningToolJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	shell, _ := f.reg.Tool("Shell")

	_, err := f.mgr.CreateJob(model.Order{ID: "t1", ClientID: "c1", RecipeID: "sleep-recipe"}, "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start("c1", "t1"))

	require.Eventually(t, func() bool {
		running, _ := shell.Counts()
		return running == 1
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, f.mgr.CancelJob(t.Context(), "c1", "t1"))
	require.Less(t, time.Since(start), 5*time.Second)
	<-jobDone(t, f, "t1")

	info, err := f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, info.State)

	report, err := f.mgr.JobReport("c1", "t1")
	require.NoError(t, err)
	insts := report.Steps["sleep"].Instances
	require.Len(t, insts, 1)
	require.Equal(t, model.StateCancelled, insts[0].State)

	running, waiting := shell.Counts()
	require.Zero(t, running)
	require.Zero(t, waiting)
}

// jobDone subscribes to the job log; the stream closes once the job has
// finished.
func jobDone(t *testing.T, f *fixture, id string) <-chan struct{} {
	t.Helper()
	ch, unsub, err := f.mgr.Subscribe("c1", id)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer unsub()
		for range ch {
		}
		close(done)
	}()
	return done
}

func TestCreateJobUnknownClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	o := order("t1", "success")
	o.ClientID = "intruder"
	_, err := f.mgr.CreateJob(o, "")
	require.ErrorIs(t, err, engine.ErrUnknownClient)

	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateJobRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	_, err := f.mgr.CreateJob(order("t1", "success"), "")
	require.NoError(t, err)

	_, err = f.mgr.CreateJob(order("t1", "success"), "")
	require.ErrorIs(t, err, engine.ErrDuplicateJob)

	_, err = f.mgr.CreateJob(order("../escape", "success"), "")
	require.ErrorIs(t, err, engine.ErrUnsafeJobID)

	o := order("t2", "success")
	o.RecipeID = "nope"
	_, err = f.mgr.CreateJob(o, "")
	require.ErrorIs(t, err, recipe.ErrUnknownRecipe)

	_, err = f.mgr.CreateJob(order("t3", "perhaps"), "")
	require.True(t, schema.IsValidationError(err), "%v", err)

	o = order("t4", "success")
	o.RecipeID = ""
	_, err = f.mgr.CreateJob(o, "")
	require.True(t, schema.IsValidationError(err), "%v", err)

	o = order("t5", "success")
	o.Priority = "urgent"
	_, err = f.mgr.CreateJob(o, "")
	require.True(t, schema.IsValidationError(err), "%v", err)

	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "t1", entries[0].Name())
}

func TestCrossClientAccessIsUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	_, err := f.mgr.CreateJob(order("t1", "success"), "")
	require.NoError(t, err)

	ctx := t.Context()
	require.EqualError(t, f.mgr.RunJob(ctx, "c2", "t1"), "unknown job id")
	require.ErrorIs(t, f.mgr.CancelJob(ctx, "c2", "t1"), engine.ErrUnknownJob)
	require.ErrorIs(t, f.mgr.RemoveJob(ctx, "c2", "t1", false), engine.ErrUnknownJob)
	require.ErrorIs(t, f.mgr.Start("c2", "t1"), engine.ErrUnknownJob)
	_, err = f.mgr.JobInfo("c2", "t1")
	require.ErrorIs(t, err, engine.ErrUnknownJob)
	_, err = f.mgr.JobReport("c2", "t1")
	require.ErrorIs(t, err, engine.ErrUnknownJob)
	_, _, err = f.mgr.Subscribe("c2", "t1")
	require.ErrorIs(t, err, engine.ErrUnknownJob)
	require.Empty(t, f.mgr.JobInfoList("c2"))

	info, err := f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateCreated, info.State)
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := t.Context()

	for _, id := range []string{"gone", "kept"} {
		_, err := f.mgr.CreateJob(order(id, "success"), "")
		require.NoError(t, err)
		require.NoError(t, f.mgr.RunJob(ctx, "c1", id))
	}

	require.NoError(t, f.mgr.RemoveJob(ctx, "c1", "gone", false))
	require.NoDirExists(t, filepath.Join(f.workDir, "gone"))
	_, err := f.mgr.JobInfo("c1", "gone")
	require.ErrorIs(t, err, engine.ErrUnknownJob)

	require.NoError(t, f.mgr.RemoveJob(ctx, "c1", "kept", true))
	require.DirExists(t, filepath.Join(f.workDir, "kept"))

	// The id is free again.
	_, err = f.mgr.CreateJob(order("gone", "success"), "")
	require.NoError(t, err)
}

func TestStateBucketsClients(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := t.Context()

	for _, id := range []string{"b", "a"} {
		_, err := f.mgr.CreateJob(order(id, "success"), "")
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.RunJob(ctx, "c1", "a"))

	st := f.mgr.State()
	require.Equal(t, 2, st.Jobs)
	require.Equal(t, map[string]int{model.StateDone: 1, model.StateCreated: 1}, st.States)
	require.Equal(t, []string{"a", "b"}, st.Clients["c1"].Idle)
	require.Empty(t, st.Clients["c1"].Running)
	require.Contains(t, st.Clients, "c2")
	require.Equal(t, []string{catalog.DummyType, catalog.ExecType}, st.Tasks)
	require.Empty(t, st.Tools)

	var ids []string
	for _, info := range f.mgr.JobInfoList("c1") {
		ids = append(ids, info.ID)
	}
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	_, err := f.mgr.CreateJob(order("t1", "success"), "")
	require.NoError(t, err)
	ch, unsub, err := f.mgr.Subscribe("c1", "t1")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, f.mgr.RunJob(t.Context(), "c1", "t1"))

	var events []model.Event
	for e := range ch {
		events = append(events, e)
	}
	require.NotEmpty(t, events)
	for _, e := range events {
		require.Equal(t, "c1", e.ClientID)
	}
}

func TestSubscribeReplaysFinishedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	_, err := f.mgr.CreateJob(order("t1", "success"), "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.RunJob(t.Context(), "c1", "t1"))

	ch, unsub, err := f.mgr.Subscribe("c1", "t1")
	require.NoError(t, err)
	defer unsub()

	var msgs []string
	for e := range ch {
		require.NotEqual(t, model.LevelDebug, e.Level)
		msgs = append(msgs, e.Message)
	}
	require.NotEmpty(t, msgs)
	require.Contains(t, msgs, "recipe reached success")

	require.NoError(t, f.mgr.RemoveJob(t.Context(), "c1", "t1", false))
	_, _, err = f.mgr.Subscribe("c1", "t1")
	require.ErrorIs(t, err, engine.ErrUnknownJob)
}

func TestLogDirOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	logDir := t.TempDir()

	_, err := f.mgr.CreateJob(order("t1", "success"), logDir)
	require.NoError(t, err)
	require.NoError(t, f.mgr.RunJob(t.Context(), "c1", "t1"))

	require.FileExists(t, filepath.Join(logDir, "t1.log"))
	require.FileExists(t, filepath.Join(logDir, "t1"+engine.SuccessSuffix))
}

func TestRecipeLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	r, err := f.mgr.Recipe("dummy")
	require.NoError(t, err)
	require.Equal(t, "dummy-recipe", r.ID)
	require.Len(t, f.mgr.RecipeInfoList(), 2)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	shell, _ := f.reg.Tool("Shell")

	_, err := f.mgr.CreateJob(model.Order{ID: "t1", ClientID: "c1", RecipeID: "sleep-recipe"}, "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start("c1", "t1"))
	require.Eventually(t, func() bool {
		running, _ := shell.Counts()
		return running == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(ctx))

	info, err := f.mgr.JobInfo("c1", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, info.State)
}
