package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/renderfarm/jobtrackd/pkg/asr"
	"github.com/renderfarm/jobtrackd/pkg/models"
)

const (
	asrSubmitTimeout = 30 * time.Second
	asrPollTimeout   = 30 * time.Second
	asrPollInterval  = 3 * time.Second
)

// StartAsr submits the job's audio to the transcription provider. The
// submit happens off the actor mutex; the resulting provider job id and
// first poll time land back on the record through Progress.
func (a *Actor) StartAsr(ctx context.Context) error {
	a.mu.Lock()

	if err := a.loadLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.record == nil {
		a.mu.Unlock()
		return ErrJobNotFound
	}
	if a.record.Engine != models.EngineAsrPipeline {
		a.mu.Unlock()
		return ErrWrongEngine
	}
	if a.record.MetadataString("asrJobId") != "" {
		a.mu.Unlock()
		return nil
	}

	audioKey := a.record.MetadataString("audioKey")
	if audioKey == "" {
		a.mu.Unlock()
		return fmt.Errorf("job %s has no audioKey metadata", a.jobID)
	}
	if a.deps.Asr == nil {
		a.mu.Unlock()
		a.failAsr("transcription API not configured")
		return nil
	}
	req := asr.SubmitRequest{
		Provider: a.record.MetadataString("asrProvider"),
		Model:    a.record.MetadataString("asrModel"),
		Language: a.record.MetadataString("asrLanguage"),
	}
	a.mu.Unlock()

	go a.submitAsr(audioKey, req)
	return nil
}

func (a *Actor) submitAsr(audioKey string, req asr.SubmitRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), asrSubmitTimeout)
	defer cancel()

	audioURL, err := a.deps.Blob.PresignGet(ctx, audioKey, a.deps.PresignExpiry)
	if err != nil {
		a.failAsr(fmt.Sprintf("failed to presign audio: %v", err))
		return
	}
	req.AudioURL = audioURL

	externalID, err := a.deps.Asr.Submit(ctx, req)
	if err != nil {
		a.failAsr(fmt.Sprintf("transcription submit failed: %v", err))
		return
	}

	phase := "transcribing"
	if _, err := a.Progress(ctx, models.ProgressUpdate{
		Status:   models.JobStatusRunning,
		Phase:    &phase,
		Metadata: map[string]any{"asrJobId": externalID},
	}); err != nil {
		a.deps.Logger.Error("failed to record transcription submit", map[string]interface{}{
			"job_id": a.jobID, "error": err.Error(),
		})
		return
	}

	a.mu.Lock()
	if a.record != nil && !models.IsTerminalStatus(a.record.Status) {
		a.schedulePollLocked(a.now().Add(time.Second))
	}
	a.mu.Unlock()
}

// schedulePollLocked records the next provider poll time and commits the
// durable alarm to it.
func (a *Actor) schedulePollLocked(at time.Time) {
	t := at
	a.record.WhisperPollAt = &t
	a.persistLocked()
	a.scheduleAlarmLocked(at)
}

func (a *Actor) clearPollLocked() {
	a.record.WhisperPollAt = nil
	a.persistLocked()
}

func (a *Actor) failAsr(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), asrPollTimeout)
	defer cancel()

	if _, err := a.Progress(ctx, models.ProgressUpdate{
		Status: models.JobStatusFailed,
		Error:  reason,
	}); err != nil {
		a.deps.Logger.Error("failed to record transcription failure", map[string]interface{}{
			"job_id": a.jobID, "error": err.Error(),
		})
	}

	a.mu.Lock()
	if a.record != nil {
		a.clearPollLocked()
	}
	a.mu.Unlock()
}

// pollAsr reconciles the job against the provider's status. Runs from the
// alarm path only; a poll that arrives early re-arms the alarm and exits.
func (a *Actor) pollAsr() {
	a.mu.Lock()

	if err := a.loadLocked(); err != nil || a.record == nil {
		a.mu.Unlock()
		return
	}
	if a.record.Engine != models.EngineAsrPipeline ||
		models.IsTerminalStatus(a.record.Status) ||
		a.record.WhisperPollAt == nil {
		a.mu.Unlock()
		return
	}
	if a.record.WhisperPollAt.After(a.now()) {
		a.scheduleAlarmLocked(*a.record.WhisperPollAt)
		a.mu.Unlock()
		return
	}

	externalID := a.record.MetadataString("asrJobId")
	a.mu.Unlock()

	if externalID == "" {
		a.failAsr("transcription job id missing from metadata")
		return
	}

	a.deps.Metrics.AsrPolls.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), asrPollTimeout)
	defer cancel()

	status, err := a.deps.Asr.GetStatus(ctx, externalID)
	if err != nil {
		a.failAsr(fmt.Sprintf("transcription status check failed: %v", err))
		return
	}

	switch status.State {
	case asr.StateQueued, asr.StateRunning:
		progress := status.Progress
		if _, err := a.Progress(ctx, models.ProgressUpdate{
			Status:   models.JobStatusRunning,
			Progress: &progress,
		}); err != nil {
			a.deps.Logger.Error("failed to record transcription progress", map[string]interface{}{
				"job_id": a.jobID, "error": err.Error(),
			})
		}
		a.mu.Lock()
		if a.record != nil && !models.IsTerminalStatus(a.record.Status) {
			a.schedulePollLocked(a.now().Add(asrPollInterval))
		}
		a.mu.Unlock()

	case asr.StateSucceeded:
		a.finishAsr(ctx, externalID)

	case asr.StateFailed:
		reason := status.Error
		if reason == "" {
			reason = "transcription failed"
		}
		a.failAsr(reason)

	default:
		a.failAsr(fmt.Sprintf("transcription returned unknown state %q", status.State))
	}
}

// finishAsr copies the provider's artifacts into blob storage and marks
// the job completed with the transcript slots filled.
func (a *Actor) finishAsr(ctx context.Context, externalID string) {
	vtt, err := a.deps.Asr.GetTranscript(ctx, externalID)
	if err != nil {
		a.failAsr(fmt.Sprintf("failed to fetch transcript: %v", err))
		return
	}
	result, err := a.deps.Asr.GetResult(ctx, externalID)
	if err != nil {
		a.failAsr(fmt.Sprintf("failed to fetch transcription result: %v", err))
		return
	}
	words, err := json.Marshal(result)
	if err != nil {
		a.failAsr(fmt.Sprintf("failed to encode transcription result: %v", err))
		return
	}

	vttKey := fmt.Sprintf("results/%s.vtt", a.jobID)
	wordsKey := fmt.Sprintf("results/%s.words.json", a.jobID)

	if err := a.deps.Blob.Put(ctx, vttKey, vtt, "text/vtt"); err != nil {
		a.failAsr(fmt.Sprintf("failed to store transcript: %v", err))
		return
	}
	if err := a.deps.Blob.Put(ctx, wordsKey, words, "application/json"); err != nil {
		a.failAsr(fmt.Sprintf("failed to store transcription result: %v", err))
		return
	}

	if _, err := a.Progress(ctx, models.ProgressUpdate{
		Status: models.JobStatusCompleted,
		Outputs: map[string]models.OutputRef{
			models.TranscriptSlot: {Key: vttKey},
			"words":               {Key: wordsKey},
		},
	}); err != nil {
		a.deps.Logger.Error("failed to record transcription completion", map[string]interface{}{
			"job_id": a.jobID, "error": err.Error(),
		})
		return
	}

	a.mu.Lock()
	if a.record != nil {
		a.clearPollLocked()
	}
	a.mu.Unlock()
}
