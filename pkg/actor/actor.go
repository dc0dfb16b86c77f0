package actor

import (
	"context"
	"sync"
	"time"

	"github.com/renderfarm/jobtrackd/pkg/models"
	"github.com/renderfarm/jobtrackd/pkg/store"
)

// Actor is the single writer for one job's record. Every operation takes
// the actor mutex, so mutations are linearized by construction; slow work
// (webhook POSTs, transcription calls) runs in background goroutines and
// re-enters through the same operations.
type Actor struct {
	jobID string
	deps  *Deps
	reg   *Registry

	mu     sync.Mutex
	record *models.JobRecord
	loaded bool

	alarmTimer *time.Timer
	delivering bool

	hub *sseHub
}

// InitParams are the creation-time fields of a job record
type InitParams struct {
	JobID    string                      `json:"job_id"`
	MediaID  string                      `json:"media_id,omitempty"`
	Title    string                      `json:"title,omitempty"`
	Engine   models.Engine               `json:"engine"`
	Purpose  string                      `json:"purpose,omitempty"`
	Status   models.JobStatus            `json:"status,omitempty"`
	Outputs  map[string]models.OutputRef `json:"outputs,omitempty"`
	Metadata map[string]any              `json:"metadata,omitempty"`
}

func newActor(jobID string, deps *Deps, reg *Registry) *Actor {
	a := &Actor{
		jobID: jobID,
		deps:  deps,
		reg:   reg,
	}
	a.hub = newSSEHub(a)
	return a
}

func (a *Actor) now() time.Time {
	return a.deps.Now()
}

// loadLocked rehydrates the record from the store on first access. A
// stored wake-up time re-arms the in-process alarm so durable timers
// survive process eviction.
func (a *Actor) loadLocked() error {
	if a.loaded {
		return nil
	}
	record, err := a.deps.Store.GetJob(a.jobID)
	if err == store.ErrJobNotFound {
		a.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	a.record = record
	a.loaded = true

	if record.AlarmAt != nil {
		a.armTimerLocked(*record.AlarmAt)
	}
	return nil
}

func (a *Actor) persistLocked() {
	if a.record == nil {
		return
	}
	if err := a.deps.Store.UpdateJob(a.record); err != nil {
		a.deps.Logger.Error("failed to persist job record", map[string]interface{}{
			"job_id": a.jobID, "error": err.Error(),
		})
	}
}

// Init creates the record if absent; repeated calls return the existing view
func (a *Actor) Init(ctx context.Context, p InitParams) (*models.JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	if a.record != nil {
		return a.viewLocked(ctx), nil
	}

	status := p.Status
	if status == "" {
		status = models.JobStatusQueued
	}
	if !models.ValidStatus(status) {
		return nil, ErrInvalidStatus
	}

	record := &models.JobRecord{
		JobID:    p.JobID,
		MediaID:  p.MediaID,
		Title:    p.Title,
		Engine:   p.Engine,
		Purpose:  p.Purpose,
		Status:   status,
		Outputs:  p.Outputs,
		Metadata: p.Metadata,
		TS:       a.now(),
	}
	if record.Outputs == nil {
		record.Outputs = make(map[string]models.OutputRef)
	}

	if err := a.deps.Store.CreateJob(record); err != nil && err != store.ErrJobExists {
		return nil, err
	}
	a.record = record
	a.deps.Metrics.JobsInitialized.WithLabelValues(string(p.Engine)).Inc()

	return a.viewLocked(ctx), nil
}

// Progress merges a partial update, rebroadcasts, and evaluates whether a
// terminal notification is owed.
func (a *Actor) Progress(ctx context.Context, upd models.ProgressUpdate) (*models.JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	if a.record == nil {
		return nil, ErrJobNotFound
	}

	a.mergeLocked(upd)
	a.persistLocked()
	a.deps.Metrics.ProgressUpdates.Inc()

	view := a.viewLocked(ctx)
	a.hub.scheduleBroadcastLocked(models.IsTerminalStatus(view.Status))
	a.evalNotifyLocked(ctx)

	return view, nil
}

// mergeLocked applies a partial update to the record. Status changes away
// from a terminal state are dropped; canceled is sticky against any
// non-cancel status. Output slots merge key-by-key.
func (a *Actor) mergeLocked(upd models.ProgressUpdate) {
	record := a.record

	if upd.Status != "" && models.ValidStatus(upd.Status) && upd.Status != record.Status {
		switch {
		case record.Status == models.JobStatusCanceled:
			// sticky
		case models.IsTerminalStatus(record.Status) && upd.Status != models.JobStatusCanceled:
			// absorbing
		default:
			record.Status = upd.Status
			if models.IsTerminalStatus(upd.Status) {
				a.deps.Metrics.JobsTerminal.WithLabelValues(string(upd.Status)).Inc()
			}
		}
	}

	if upd.Phase != nil {
		record.Phase = *upd.Phase
	}
	if upd.Progress != nil {
		record.Progress = *upd.Progress
	}
	if len(upd.Outputs) > 0 {
		if record.Outputs == nil {
			record.Outputs = make(map[string]models.OutputRef)
		}
		for slot, ref := range upd.Outputs {
			record.Outputs[slot] = ref
		}
	}
	if len(upd.Metadata) > 0 {
		if record.Metadata == nil {
			record.Metadata = make(map[string]any)
		}
		for k, v := range upd.Metadata {
			record.Metadata[k] = v
		}
	}
	if upd.Error != "" {
		record.Error = upd.Error
	}
	record.TS = a.now()
}

// Cancel is a one-way idempotent transition; once terminal it returns the
// existing terminal status unchanged.
func (a *Actor) Cancel(ctx context.Context, reason string) (*models.JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	if a.record == nil {
		return nil, ErrJobNotFound
	}

	if !models.IsTerminalStatus(a.record.Status) {
		now := a.now()
		a.record.Status = models.JobStatusCanceled
		a.record.CanceledAt = &now
		if reason != "" {
			a.record.Error = reason
		}
		a.record.TS = now
		a.persistLocked()
		a.deps.Metrics.JobsTerminal.WithLabelValues(string(models.JobStatusCanceled)).Inc()

		a.hub.scheduleBroadcastLocked(true)
		a.evalNotifyLocked(ctx)
	}

	return a.viewLocked(ctx), nil
}

// Read returns the public view, never the raw record
func (a *Actor) Read(ctx context.Context) (*models.JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	if a.record == nil {
		return nil, ErrJobNotFound
	}
	return a.viewLocked(ctx), nil
}

// Delete discards all actor-local state permanently
func (a *Actor) Delete(ctx context.Context) error {
	a.mu.Lock()

	if err := a.loadLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.record == nil {
		a.mu.Unlock()
		return ErrJobNotFound
	}

	if a.alarmTimer != nil {
		a.alarmTimer.Stop()
		a.alarmTimer = nil
	}
	err := a.deps.Store.DeleteJob(a.jobID)
	a.record = nil
	a.mu.Unlock()

	a.hub.closeAll()
	a.reg.remove(a.jobID)
	return err
}

// viewLocked builds the client-facing projection: engine-specific
// completion normalization plus fresh presigned URLs per output slot.
func (a *Actor) viewLocked(ctx context.Context) *models.JobView {
	record := a.record

	view := &models.JobView{
		JobID:      record.JobID,
		MediaID:    record.MediaID,
		Title:      record.Title,
		Engine:     record.Engine,
		Purpose:    record.Purpose,
		Status:     record.Status,
		Phase:      record.Phase,
		Progress:   record.Progress,
		Error:      record.Error,
		CanceledAt: record.CanceledAt,
		TS:         record.TS,
	}

	if len(record.Metadata) > 0 {
		view.Metadata = make(map[string]any, len(record.Metadata))
		for k, v := range record.Metadata {
			view.Metadata[k] = v
		}
	}

	// A reported completion without the required outputs is surfaced as
	// still running so clients never see "100% but nothing to show".
	if view.Status == models.JobStatusCompleted && !models.CompletionSatisfied(record.Engine, record.Outputs) {
		view.Status = models.JobStatusRunning
		view.Progress = 0.95
	}

	if models.IsTerminalStatus(view.Status) {
		view.Phase = ""
		view.Progress = 1
	}

	if len(record.Outputs) > 0 {
		view.Outputs = a.presignOutputsLocked(ctx, record.Outputs)
	}

	return view
}

// presignOutputsLocked attaches ephemeral URLs; presign failures degrade
// to key-only refs rather than failing the read.
func (a *Actor) presignOutputsLocked(ctx context.Context, outputs map[string]models.OutputRef) map[string]models.OutputRef {
	out := make(map[string]models.OutputRef, len(outputs))
	for slot, ref := range outputs {
		url, err := a.deps.Blob.PresignGet(ctx, ref.Key, a.deps.PresignExpiry)
		if err != nil {
			a.deps.Logger.Warn("failed to presign output", map[string]interface{}{
				"job_id": a.jobID, "slot": slot, "error": err.Error(),
			})
			out[slot] = models.OutputRef{Key: ref.Key}
			continue
		}
		out[slot] = models.OutputRef{Key: ref.Key, URL: url}
	}
	return out
}

// wake fires the same reconciliation as an expired in-process timer.
// Used by the durable-alarm sweep after restarts.
func (a *Actor) wake() {
	a.onAlarm()
}
