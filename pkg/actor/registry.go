package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renderfarm/jobtrackd/pkg/asr"
	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/logging"
	"github.com/renderfarm/jobtrackd/pkg/metrics"
	"github.com/renderfarm/jobtrackd/pkg/models"
	"github.com/renderfarm/jobtrackd/pkg/signer"
	"github.com/renderfarm/jobtrackd/pkg/store"
)

var (
	ErrJobNotFound   = store.ErrJobNotFound
	ErrNotTerminal   = errors.New("job is not terminal")
	ErrWrongEngine   = errors.New("operation not supported for this engine")
	ErrInvalidStatus = errors.New("invalid job status")
)

// Deps carries the collaborators shared by all actors
type Deps struct {
	Store   store.Store
	Blob    blob.Store
	Webhook Poster
	Signer  *signer.Signer
	Asr     asr.Client
	Metrics *metrics.Metrics
	Logger  *logging.Logger

	// PresignExpiry bounds the lifetime of output URLs attached to views
	// and callback payloads. Defaults to 15 minutes.
	PresignExpiry time.Duration

	// ThrottleWindow coalesces SSE broadcasts. Defaults to 250ms.
	ThrottleWindow time.Duration

	// KeepAliveInterval spaces SSE comment keep-alives. Defaults to 20s.
	KeepAliveInterval time.Duration

	// Now is overridable for tests
	Now func() time.Time
}

func (d *Deps) fill() {
	if d.PresignExpiry == 0 {
		d.PresignExpiry = 15 * time.Minute
	}
	if d.ThrottleWindow == 0 {
		d.ThrottleWindow = 250 * time.Millisecond
	}
	if d.KeepAliveInterval == 0 {
		d.KeepAliveInterval = 20 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.NewLogger(logging.INFO, false)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(prometheus.NewRegistry())
	}
}

// Registry maps each job identifier to exactly one actor instance. All
// mutations to a job's record are serialized through its actor.
type Registry struct {
	deps   Deps
	actors map[string]*Actor
	mu     sync.Mutex

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewRegistry creates an actor registry
func NewRegistry(deps Deps) *Registry {
	deps.fill()
	return &Registry{
		deps:      deps,
		actors:    make(map[string]*Actor),
		sweepStop: make(chan struct{}),
	}
}

// actor returns the actor for a job id, creating it if needed
func (r *Registry) actor(jobID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[jobID]
	if !ok {
		a = newActor(jobID, &r.deps, r)
		r.actors[jobID] = a
	}
	return a
}

// remove drops an actor after its state has been destroyed
func (r *Registry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, jobID)
}

// Init creates the job record if absent. Safe to call once per job;
// repeated calls return the existing record's view.
func (r *Registry) Init(ctx context.Context, p InitParams) (*models.JobView, error) {
	return r.actor(p.JobID).Init(ctx, p)
}

// Progress merges a partial update into the job record
func (r *Registry) Progress(ctx context.Context, jobID string, upd models.ProgressUpdate) (*models.JobView, error) {
	return r.actor(jobID).Progress(ctx, upd)
}

// Cancel requests cancellation; idempotent once terminal
func (r *Registry) Cancel(ctx context.Context, jobID, reason string) (*models.JobView, error) {
	return r.actor(jobID).Cancel(ctx, reason)
}

// Read returns the public view of a job
func (r *Registry) Read(ctx context.Context, jobID string) (*models.JobView, error) {
	return r.actor(jobID).Read(ctx)
}

// ReplayNotification forces a fresh delivery with a new event sequence
func (r *Registry) ReplayNotification(ctx context.Context, jobID string, force bool) (*models.JobView, error) {
	return r.actor(jobID).ReplayNotification(ctx, force)
}

// StartAsr submits the job's audio to the external transcription API
func (r *Registry) StartAsr(ctx context.Context, jobID string) error {
	return r.actor(jobID).StartAsr(ctx)
}

// Delete discards all actor-local and durable state for a job
func (r *Registry) Delete(ctx context.Context, jobID string) error {
	return r.actor(jobID).Delete(ctx)
}

// Subscriber returns the actor responsible for an SSE connection
func (r *Registry) Subscriber(jobID string) *Actor {
	return r.actor(jobID)
}

// StartSweeper runs the periodic durable-alarm sweep. After a restart the
// in-process timers are gone; the sweep re-fires any stored wake-up whose
// time has passed and re-arms future ones via rehydration.
func (r *Registry) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// StopSweeper stops the periodic sweep
func (r *Registry) StopSweeper() {
	r.sweepOnce.Do(func() { close(r.sweepStop) })
}

func (r *Registry) sweep() {
	due, err := r.deps.Store.DueAlarms(r.deps.Now())
	if err != nil {
		r.deps.Logger.Error("alarm sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, record := range due {
		r.actor(record.JobID).wake()
	}
}
