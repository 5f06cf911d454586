package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/task"
)

// ErrJobStarted is returned when a job is run a second time.
var ErrJobStarted = errors.New("job already started")

// Job owns one recipe execution, its working directory and its sink.
type Job struct {
	id         string
	name       string
	clientID   string
	priority   string
	submission time.Time
	recipe     *model.Recipe
	params     map[string]any
	dir        string

	task   *task.Task
	sink   *Sink
	relay  *EventRelay
	logger *slog.Logger

	dirty    chan struct{}
	done     chan struct{}
	finished sync.Once

	mu      sync.Mutex
	started bool
}

func newJob(o model.Order, rec *model.Recipe, dir string, sink *Sink, relay *EventRelay, logger *slog.Logger) *Job {
	return &Job{
		id:         o.ID,
		name:       o.Name,
		clientID:   o.ClientID,
		priority:   o.Priority,
		submission: time.Now().UTC(),
		recipe:     rec,
		params:     o.Parameters,
		dir:        dir,
		sink:       sink,
		relay:      relay,
		logger:     logger.With("job_id", o.ID),
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID implements task.Job.
func (j *Job) ID() string { return j.id }

// Dir implements task.Job.
func (j *Job) Dir() string { return j.dir }

// ClientID returns the id of the submitting client.
func (j *Job) ClientID() string { return j.clientID }

// Done is closed once the job has finished and its report is written.
func (j *Job) Done() <-chan struct{} { return j.done }

// LogEvent implements task.Job. The event is stamped with the client id,
// appended to the job log and relayed to live subscribers.
func (j *Job) LogEvent(e model.Event) {
	e.ClientID = j.clientID
	j.sink.LogEvent(e)
	j.relay.Publish(j.id, e)
	j.logger.Debug("job event", "module", e.Module, "sender", e.Sender, "level", e.Level, "message", e.Message)
	if e.Level != model.LevelDebug {
		j.touch()
	}
}

// touch schedules a report write.
func (j *Job) touch() {
	select {
	case j.dirty <- struct{}{}:
	default:
	}
}

// Run executes the recipe and blocks until the job finished. A failed
// recipe is returned as an error; a cancelled one is not.
func (j *Job) Run(ctx context.Context) error {
	if err := j.begin(); err != nil {
		return err
	}
	return j.run(ctx)
}

func (j *Job) begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return ErrJobStarted
	}
	j.started = true
	return nil
}

func (j *Job) run(ctx context.Context) error {
	j.logger.Info("job started", "recipe", j.recipe.ID)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() { j.persist(stop) })
	j.touch()

	err := j.task.Run(ctx)
	if errors.Is(err, task.ErrIllegalState) && j.task.State() == model.StateCancelled {
		// Cancelled between begin and Run.
		err = nil
	}

	close(stop)
	wg.Wait()
	j.finish(err)
	return err
}

// persist rewrites the report whenever a non-debug event arrived, so
// progress is visible on disk while the recipe runs.
func (j *Job) persist(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-j.dirty:
			if err := j.sink.WriteReport(j.Report()); err != nil {
				j.logger.Warn("write job report", "error", err)
			}
		}
	}
}

func (j *Job) finish(runErr error) {
	j.finished.Do(func() {
		report := j.Report()
		if err := j.sink.MarkFinished(report, runErr); err != nil {
			j.logger.Error("failed to persist job result", "error", err)
		}
		if err := j.sink.Close(); err != nil {
			j.logger.Warn("close job log", "error", err)
		}
		j.relay.Close(j.id)
		jobsTotal.WithLabelValues(report.State).Inc()
		j.logger.Info("job finished", "state", report.State, "duration_ms", report.DurationMS)
		close(j.done)
	})
}

// Cancel stops the job. A job that never ran is finished on the spot.
func (j *Job) Cancel(ctx context.Context) error {
	j.mu.Lock()
	started := j.started
	j.started = true
	j.mu.Unlock()

	err := j.task.Cancel(ctx)
	if !started {
		j.finish(nil)
	}
	return err
}

// State returns the state of the recipe task.
func (j *Job) State() string { return j.task.State() }

// Info returns the listing summary of the job.
func (j *Job) Info() model.JobInfo {
	return j.info(j.task.Report())
}

// Report returns the full progress record of the job.
func (j *Job) Report() model.JobReport {
	r := j.task.Report()
	steps := r.Steps
	if steps == nil {
		steps = map[string]*model.TaskReport{}
	}
	return model.JobReport{
		JobInfo:    j.info(r),
		Parameters: j.params,
		Steps:      steps,
	}
}

func (j *Job) info(r *model.TaskReport) model.JobInfo {
	return model.JobInfo{
		ID:         j.id,
		Name:       j.name,
		ClientID:   j.clientID,
		Priority:   j.priority,
		Submission: j.submission,
		Recipe:     j.recipe.Info(),
		Start:      r.Start,
		End:        r.End,
		DurationMS: r.DurationMS,
		State:      r.State,
		Step:       r.Step,
		Error:      r.Error,
	}
}
