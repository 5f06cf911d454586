package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cook/internal/lifecycle"
	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/registry"
	"github.com/seantiz/cook/internal/schema"
)

var (
	// ErrUnknownJob is returned for job ids that do not exist or belong to
	// another client. The two cases are not distinguished.
	ErrUnknownJob = errors.New("unknown job id")

	// ErrUnknownClient is returned for orders from unregistered clients.
	ErrUnknownClient = errors.New("unknown client id")

	// ErrDuplicateJob is returned when an order reuses a job id.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrUnsafeJobID is returned for job ids that cannot be used as a
	// directory name verbatim.
	ErrUnsafeJobID = errors.New("job id is not filesystem safe")
)

const orderSchema = `{
	id:          string & !=""
	name?:       string
	clientId:    string & !=""
	recipeId:    string & !=""
	priority?:   "" | "low" | "normal" | "high"
	parameters?: null | {...}
}`

// Config controls where jobs live and who may submit them.
type Config struct {
	// WorkDir is the parent of every job directory.
	WorkDir string
	// LogDir receives job logs and reports. Empty means the job directory.
	LogDir string
	// Clients lists the accepted client ids. Empty accepts any client.
	Clients []string
}

// Manager is the registry of jobs.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	recipes  *recipe.Library
	orders   *schema.Schema
	relay    *EventRelay
	logger   *slog.Logger
	clients  map[string]bool
	wg       sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager creates a job manager.
func NewManager(cfg Config, reg *registry.Registry, recipes *recipe.Library, v *schema.Validator, logger *slog.Logger) (*Manager, error) {
	orders, err := v.Compile("order", orderSchema)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	clients := make(map[string]bool, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients[c] = true
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		recipes:  recipes,
		orders:   orders,
		relay:    NewEventRelay(),
		logger:   logger,
		clients:  clients,
		jobs:     make(map[string]*Job),
	}, nil
}

// Relay returns the relay carrying job log events.
func (m *Manager) Relay() *EventRelay {
	return m.relay
}

func (m *Manager) knownClient(id string) bool {
	if id == "" {
		return false
	}
	return len(m.clients) == 0 || m.clients[id]
}

// CreateJob validates an order and registers a new job. logDir overrides
// the configured log directory when not empty. Nothing is written to disk
// unless every check passes.
func (m *Manager) CreateJob(o model.Order, logDir string) (model.JobInfo, error) {
	if !m.knownClient(o.ClientID) {
		return model.JobInfo{}, fmt.Errorf("%w: %q", ErrUnknownClient, o.ClientID)
	}
	if err := m.orders.Validate(o); err != nil {
		return model.JobInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[o.ID]; ok {
		return model.JobInfo{}, fmt.Errorf("%w: %s", ErrDuplicateJob, o.ID)
	}
	entry, err := m.recipes.Lookup(o.RecipeID)
	if err != nil {
		return model.JobInfo{}, err
	}
	if o.Parameters == nil {
		o.Parameters = map[string]any{}
	}
	if err := entry.Params.Validate(o.Parameters); err != nil {
		return model.JobInfo{}, err
	}
	if !model.IsSafeID(o.ID) {
		return model.JobInfo{}, fmt.Errorf("%w: %q", ErrUnsafeJobID, o.ID)
	}
	if o.Priority == "" {
		o.Priority = model.PriorityNormal
	}
	if o.Name == "" {
		o.Name = entry.Recipe.Name
	}

	dir := filepath.Join(m.cfg.WorkDir, o.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.JobInfo{}, fmt.Errorf("create job dir: %w", err)
	}
	if logDir == "" {
		logDir = cmp.Or(m.cfg.LogDir, dir)
	}
	sink, err := NewSink(logDir, o.ID, m.logger)
	if err != nil {
		os.RemoveAll(dir)
		return model.JobInfo{}, err
	}

	m.relay.Open(o.ID)
	j := newJob(o, entry.Recipe, dir, sink, m.relay, m.logger)
	j.task = m.registry.NewRecipeTask(entry.Recipe, o.Parameters, j, m.cfg.WorkDir)
	if err := sink.WriteReport(j.Report()); err != nil {
		m.logger.Warn("write initial job report", "job_id", o.ID, "error", err)
	}
	m.jobs[o.ID] = j

	m.logger.Info("job created", "job_id", o.ID, "client_id", o.ClientID, "recipe", entry.Recipe.ID, "version", entry.Recipe.Version)
	return j.Info(), nil
}

// lookup returns the job only when it belongs to clientID.
func (m *Manager) lookup(clientID, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok || j.clientID != clientID {
		return nil, ErrUnknownJob
	}
	return j, nil
}

// RunJob runs the job and blocks until it finished.
func (m *Manager) RunJob(ctx context.Context, clientID, jobID string) error {
	j, err := m.lookup(clientID, jobID)
	if err != nil {
		return err
	}
	return j.Run(ctx)
}

// Start launches the job in the background and returns once it has been
// claimed. Shutdown waits for jobs started this way.
func (m *Manager) Start(clientID, jobID string) error {
	j, err := m.lookup(clientID, jobID)
	if err != nil {
		return err
	}
	if err := j.begin(); err != nil {
		return err
	}
	m.wg.Go(func() {
		if err := j.run(context.Background()); err != nil {
			m.logger.Warn("job failed", "job_id", jobID, "error", err)
		}
	})
	return nil
}

// CancelJob cancels the job.
func (m *Manager) CancelJob(ctx context.Context, clientID, jobID string) error {
	j, err := m.lookup(clientID, jobID)
	if err != nil {
		return err
	}
	return j.Cancel(ctx)
}

// RemoveJob cancels the job, forgets it and deletes its directory unless
// keepTempDir is set.
func (m *Manager) RemoveJob(ctx context.Context, clientID, jobID string, keepTempDir bool) error {
	j, err := m.lookup(clientID, jobID)
	if err != nil {
		return err
	}

	switch err := j.Cancel(ctx); {
	case err == nil:
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	case errors.Is(err, lifecycle.ErrCancelInProgress):
	default:
		m.logger.Warn("cancel before removal", "job_id", jobID, "error", err)
	}

	m.mu.Lock()
	delete(m.jobs, jobID)
	m.relay.Forget(jobID)
	m.mu.Unlock()

	if !keepTempDir {
		if err := os.RemoveAll(j.dir); err != nil {
			return fmt.Errorf("remove job dir: %w", err)
		}
	}
	m.logger.Info("job removed", "job_id", jobID, "kept_dir", keepTempDir)
	return nil
}

// JobInfo returns the summary of one job.
func (m *Manager) JobInfo(clientID, jobID string) (model.JobInfo, error) {
	j, err := m.lookup(clientID, jobID)
	if err != nil {
		return model.JobInfo{}, err
	}
	return j.Info(), nil
}

// JobInfoList returns the client's jobs in submission order.
func (m *Manager) JobInfoList(clientID string) []model.JobInfo {
	m.mu.RLock()
	var jobs []*Job
	for _, j := range m.jobs {
		if j.clientID == clientID {
			jobs = append(jobs, j)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		if c := a.submission.Compare(b.submission); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	infos := make([]model.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.Info())
	}
	return infos
}

// JobReport returns the full report of one job.
func (m *Manager) JobReport(clientID, jobID string) (model.JobReport, error) {
	j, err := m.lookup(clientID, jobID)
	if err != nil {
		return model.JobReport{}, err
	}
	return j.Report(), nil
}

// Subscribe replays the job's recent log events and then follows it until
// it finishes.
func (m *Manager) Subscribe(clientID, jobID string) (<-chan model.Event, func(), error) {
	if _, err := m.lookup(clientID, jobID); err != nil {
		return nil, nil, err
	}
	ch, unsub, ok := m.relay.Subscribe(jobID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return ch, unsub, nil
}

// Recipe resolves a recipe by id, or by name at its highest version.
func (m *Manager) Recipe(idOrName string) (*model.Recipe, error) {
	e, err := m.recipes.Lookup(idOrName)
	if err != nil {
		return nil, err
	}
	return e.Recipe, nil
}

// RecipeInfoList returns the summaries of all known recipes.
func (m *Manager) RecipeInfoList() []model.RecipeInfo {
	return m.recipes.List()
}

// State aggregates job states, the per-client idle and running buckets and
// the registered task types and tool load.
func (m *Manager) State() model.ManagerState {
	st := model.ManagerState{
		States:  make(map[string]int),
		Clients: make(map[string]model.ClientState),
		Tasks:   m.registry.TaskTypes(),
		Tools:   m.registry.Tools(),
	}
	for id := range m.clients {
		st.Clients[id] = model.ClientState{Idle: []string{}, Running: []string{}}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	st.Jobs = len(m.jobs)
	for id, j := range m.jobs {
		state := j.State()
		st.States[state]++

		cs, ok := st.Clients[j.clientID]
		if !ok {
			cs = model.ClientState{Idle: []string{}, Running: []string{}}
		}
		if state == model.StateRunning {
			cs.Running = append(cs.Running, id)
		} else {
			cs.Idle = append(cs.Idle, id)
		}
		st.Clients[j.clientID] = cs
	}
	for id, cs := range st.Clients {
		slices.Sort(cs.Idle)
		slices.Sort(cs.Running)
		st.Clients[id] = cs
	}
	return st
}

// Shutdown cancels every job concurrently and waits for background runs
// to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			if err := j.Cancel(gctx); err != nil && !errors.Is(err, lifecycle.ErrCancelInProgress) {
				return fmt.Errorf("cancel job %s: %w", j.id, err)
			}
			return nil
		})
	}
	cancelErr := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(cancelErr, ctx.Err())
	}
	return cancelErr
}
