package models

import (
	"time"
)

// JobStatus represents the status of a tracked job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Engine identifies which worker container implementation runs a job
type Engine string

const (
	EngineDownloader       Engine = "downloader"
	EngineSubtitleBurner   Engine = "subtitle-burner"
	EngineTemplateRenderer Engine = "template-renderer"
	EngineAsrPipeline      Engine = "asr-pipeline"
)

// ValidEngine reports whether e is a known engine
func ValidEngine(e Engine) bool {
	switch e {
	case EngineDownloader, EngineSubtitleBurner, EngineTemplateRenderer, EngineAsrPipeline:
		return true
	}
	return false
}

// OutputRef points at one produced artifact by object-storage key.
// URL is ephemeral: regenerated on read, never the source of truth.
type OutputRef struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

// JobRecord is the authoritative state for one job. All mutations are
// linearized through the job's actor; nothing else writes it.
type JobRecord struct {
	JobID   string `json:"job_id"`
	MediaID string `json:"media_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Engine  Engine `json:"engine"`
	Purpose string `json:"purpose,omitempty"`

	Status   JobStatus            `json:"status"`
	Phase    string               `json:"phase,omitempty"`
	Progress float64              `json:"progress"`
	Outputs  map[string]OutputRef `json:"outputs,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`
	Error    string               `json:"error,omitempty"`

	CanceledAt *time.Time `json:"canceled_at,omitempty"`
	TS         time.Time  `json:"ts"`

	AppNotified          bool           `json:"app_notified"`
	NextNotified         bool           `json:"next_notified"`
	CallbackEventSeq     int64          `json:"callback_event_seq"`
	LastNotifiedEventSeq int64          `json:"last_notified_event_seq"`
	PendingNotify        *PendingNotify `json:"pending_notify,omitempty"`

	AlarmAt       *time.Time `json:"alarm_at,omitempty"`
	WhisperPollAt *time.Time `json:"whisper_poll_at,omitempty"`
}

// ProgressUpdate is a partial update merged into a JobRecord. Nil/empty
// fields are left untouched; Outputs merges slot-by-slot.
type ProgressUpdate struct {
	Status   JobStatus            `json:"status,omitempty"`
	Phase    *string              `json:"phase,omitempty"`
	Progress *float64             `json:"progress,omitempty"`
	Outputs  map[string]OutputRef `json:"outputs,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// JobView is the client-facing projection of a JobRecord: engine
// normalization applied, output URLs freshly presigned.
type JobView struct {
	JobID      string               `json:"job_id"`
	MediaID    string               `json:"media_id,omitempty"`
	Title      string               `json:"title,omitempty"`
	Engine     Engine               `json:"engine"`
	Purpose    string               `json:"purpose,omitempty"`
	Status     JobStatus            `json:"status"`
	Phase      string               `json:"phase,omitempty"`
	Progress   float64              `json:"progress"`
	Outputs    map[string]OutputRef `json:"outputs,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Error      string               `json:"error,omitempty"`
	CanceledAt *time.Time           `json:"canceled_at,omitempty"`
	TS         time.Time            `json:"ts"`
}

// IsTerminalStatus returns true if the status is absorbing
func IsTerminalStatus(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// ValidStatus reports whether s is a known job status
func ValidStatus(s JobStatus) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// TranscriptSlot is the output slot an asr-pipeline job must fill before
// a reported completion is surfaced to clients.
const TranscriptSlot = "vtt"

// CompletionSatisfied checks the engine-specific completeness predicate:
// whether a completed status actually carries the outputs required to be
// meaningful. Engines other than asr-pipeline have no required slots.
func CompletionSatisfied(engine Engine, outputs map[string]OutputRef) bool {
	if engine != EngineAsrPipeline {
		return true
	}
	_, ok := outputs[TranscriptSlot]
	return ok
}

// MetadataString reads a string-valued metadata entry
func (r *JobRecord) MetadataString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata[key].(string); ok {
		return v
	}
	return ""
}
