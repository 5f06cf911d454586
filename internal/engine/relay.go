package engine

import (
	"sync"

	"github.com/seantiz/cook/internal/model"
)

const (
	// relayBuffer is the live headroom of each subscription. Events are
	// dropped for a subscriber that falls this far behind.
	relayBuffer = 64

	// replayDepth bounds the per-job history handed to new subscribers.
	replayDepth = 128
)

// EventRelay fans job log events out to live subscribers and keeps a short
// history per job, so a client that connects mid-run or after the job
// finished still sees what happened. Debug events are relayed live but not
// kept for replay.
type EventRelay struct {
	mu   sync.Mutex
	jobs map[string]*relayJob
}

type relayJob struct {
	subs    map[int]chan model.Event
	nextID  int
	history []model.Event
	closed  bool
}

// NewEventRelay creates an empty relay.
func NewEventRelay() *EventRelay {
	return &EventRelay{jobs: make(map[string]*relayJob)}
}

// Open starts recording events for a job. Events published for jobs that
// were never opened are discarded.
func (r *EventRelay) Open(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		r.jobs[jobID] = &relayJob{subs: make(map[int]chan model.Event)}
	}
}

// Subscribe returns the job's recorded history followed by live events.
// The channel is closed when the job finishes, right after the history
// for a job that already has. ok is false for unknown jobs.
func (r *EventRelay) Subscribe(jobID string) (ch <-chan model.Event, unsubscribe func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, false
	}

	c := make(chan model.Event, len(j.history)+relayBuffer)
	for _, e := range j.history {
		c <- e
	}
	if j.closed {
		close(c)
		return c, func() {}, true
	}

	id := j.nextID
	j.nextID++
	j.subs[id] = c
	return c, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(j.subs, id)
	}, true
}

// Publish records e and hands it to every subscriber with room for it.
func (r *EventRelay) Publish(jobID string, e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok || j.closed {
		return
	}
	if e.Level != model.LevelDebug {
		j.history = append(j.history, e)
		if n := len(j.history) - replayDepth; n > 0 {
			j.history = append(j.history[:0], j.history[n:]...)
		}
	}
	for _, c := range j.subs {
		select {
		case c <- e:
		default:
		}
	}
}

// Close ends the job's stream. Current subscribers see their channel
// closed; later ones get the history and a closed channel.
func (r *EventRelay) Close(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok || j.closed {
		return
	}
	j.closed = true
	for id, c := range j.subs {
		close(c)
		delete(j.subs, id)
	}
}

// Forget closes the job's stream and drops its history. It is called when
// the job is removed, so the id can be reused.
func (r *EventRelay) Forget(jobID string) {
	r.Close(jobID)
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}
