package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/renderfarm/jobtrackd/pkg/models"
	"github.com/renderfarm/jobtrackd/pkg/signer"
)

// Poster delivers one signed callback payload to the owning application
type Poster interface {
	Post(ctx context.Context, payload []byte, signature string) error
}

// WebhookPoster POSTs payloads to a fixed callback endpoint
type WebhookPoster struct {
	url        string
	httpClient *http.Client
}

// NewWebhookPoster creates a poster for the application's webhook endpoint
func NewWebhookPoster(url string) *WebhookPoster {
	return &WebhookPoster{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *WebhookPoster) Post(ctx context.Context, payload []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signer.SignatureHeader, signature)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// evalNotifyLocked decides whether a terminal notification is owed:
// status terminal, not yet notified, and for completed the engine's
// completeness predicate holds. An existing PendingNotify keeps its
// NextAt rather than being re-triggered early.
func (a *Actor) evalNotifyLocked(ctx context.Context) {
	record := a.record

	if !models.IsTerminalStatus(record.Status) {
		return
	}
	if record.AppNotified {
		return
	}
	if record.Status == models.JobStatusCompleted &&
		!models.CompletionSatisfied(record.Engine, record.Outputs) {
		return
	}

	if record.PendingNotify != nil {
		a.scheduleAlarmLocked(record.PendingNotify.NextAt)
		return
	}

	a.allocatePendingLocked(ctx)
	a.kickDeliveryLocked()
}

// allocatePendingLocked advances the event sequence and persists a fresh
// PendingNotify due immediately. URLs inside the payload are presigned at
// build time so they are fresh when delivered.
func (a *Actor) allocatePendingLocked(ctx context.Context) {
	record := a.record
	now := a.now()

	record.CallbackEventSeq++
	seq := record.CallbackEventSeq
	eventID := models.EventID(record.JobID, seq)

	payload := models.CallbackPayload{
		SchemaVersion: models.CallbackSchemaVersion,
		JobID:         record.JobID,
		MediaID:       record.MediaID,
		Engine:        record.Engine,
		Purpose:       record.Purpose,
		Status:        record.Status,
		EventSeq:      seq,
		EventID:       eventID,
		EventTs:       now,
		Error:         record.Error,
		Metadata:      record.Metadata,
	}
	if len(record.Outputs) > 0 {
		payload.Outputs = a.presignOutputsLocked(ctx, record.Outputs)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.deps.Logger.Error("failed to marshal callback payload", map[string]interface{}{
			"job_id": a.jobID, "error": err.Error(),
		})
		return
	}

	record.PendingNotify = &models.PendingNotify{
		EventSeq: seq,
		EventID:  eventID,
		EventTs:  now,
		Payload:  body,
		Attempt:  0,
		NextAt:   now,
	}
	a.persistLocked()
}

// ReplayNotification manually constructs a brand-new PendingNotify with a
// fresh event sequence and attempts immediate delivery. The receiver's
// eventId dedup treats it as a new independent event. Requires a terminal
// job unless force is set.
func (a *Actor) ReplayNotification(ctx context.Context, force bool) (*models.JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return nil, err
	}
	if a.record == nil {
		return nil, ErrJobNotFound
	}
	if !models.IsTerminalStatus(a.record.Status) && !force {
		return nil, ErrNotTerminal
	}

	a.allocatePendingLocked(ctx)
	a.kickDeliveryLocked()

	return a.viewLocked(ctx), nil
}

// kickDeliveryLocked starts the background delivery loop if the pending
// notification is due and no delivery is already in flight.
func (a *Actor) kickDeliveryLocked() {
	if a.delivering || a.record == nil || a.record.PendingNotify == nil {
		return
	}
	if a.record.PendingNotify.NextAt.After(a.now()) {
		a.scheduleAlarmLocked(a.record.PendingNotify.NextAt)
		return
	}
	a.delivering = true
	go a.deliver()
}

// deliver runs one delivery attempt off the actor's synchronous path.
// Success clears the pending record; failure backs off on the fixed
// schedule and arms the alarm for the retry.
func (a *Actor) deliver() {
	a.mu.Lock()
	if a.record == nil || a.record.PendingNotify == nil {
		a.delivering = false
		a.mu.Unlock()
		return
	}
	pn := a.record.PendingNotify
	payload := pn.Payload
	eventSeq := pn.EventSeq
	a.mu.Unlock()

	signature := a.deps.Signer.Sign(payload)
	a.deps.Metrics.DeliveryAttempts.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := a.deps.Webhook.Post(ctx, payload, signature)
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivering = false

	if a.record == nil || a.record.PendingNotify == nil || a.record.PendingNotify.EventSeq != eventSeq {
		// replaced or deleted while in flight; the receiver dedups by
		// eventId. A replacement still owes a delivery of its own.
		a.kickDeliveryLocked()
		return
	}

	if err == nil {
		a.record.PendingNotify = nil
		a.record.AppNotified = true
		a.record.NextNotified = true
		a.record.LastNotifiedEventSeq = eventSeq
		a.persistLocked()
		a.deps.Metrics.DeliverySuccesses.Inc()
		a.deps.Logger.Info("terminal notification delivered", map[string]interface{}{
			"job_id": a.jobID, "event_seq": eventSeq,
		})
		return
	}

	pn = a.record.PendingNotify
	pn.Attempt++
	pn.LastError = err.Error()
	pn.NextAt = a.now().Add(models.NotifyBackoff(pn.Attempt))
	a.persistLocked()
	a.deps.Metrics.DeliveryFailures.Inc()
	a.deps.Logger.Warn("terminal notification delivery failed", map[string]interface{}{
		"job_id": a.jobID, "event_seq": eventSeq, "attempt": pn.Attempt, "error": err.Error(),
	})

	a.scheduleAlarmLocked(pn.NextAt)
}
