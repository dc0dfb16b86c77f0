package actor

import (
	"time"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

// scheduleAlarmLocked commits to waking up no later than at. The single
// alarm slot only ever moves earlier relative to an armed, unexpired
// schedule, so concurrent scheduling requests (retry backoff, poll
// timing) can never push a committed wake-up later.
func (a *Actor) scheduleAlarmLocked(at time.Time) {
	if a.record == nil {
		return
	}
	if a.record.AlarmAt != nil && a.alarmTimer != nil && !at.Before(*a.record.AlarmAt) {
		return
	}

	t := at
	a.record.AlarmAt = &t
	a.persistLocked()
	a.armTimerLocked(at)
}

// armTimerLocked (re)arms the in-process timer without touching the
// stored alarm time. Used during rehydration.
func (a *Actor) armTimerLocked(at time.Time) {
	d := at.Sub(a.now())
	if d < 0 {
		d = 0
	}
	if a.alarmTimer != nil {
		a.alarmTimer.Stop()
	}
	a.alarmTimer = time.AfterFunc(d, a.onAlarm)
}

// onAlarm is the single reconciliation point for timed work: due webhook
// retries are delivered, due transcription polls are run, and the alarm
// is re-armed for the earliest remaining future reason.
func (a *Actor) onAlarm() {
	a.mu.Lock()

	a.alarmTimer = nil
	if err := a.loadLocked(); err != nil || a.record == nil {
		a.mu.Unlock()
		return
	}
	a.record.AlarmAt = nil

	now := a.now()
	var deliverDue, pollDue bool
	var next *time.Time

	if pn := a.record.PendingNotify; pn != nil {
		if pn.NextAt.After(now) {
			next = earliest(next, pn.NextAt)
		} else {
			deliverDue = true
		}
	}

	if a.record.Engine == models.EngineAsrPipeline &&
		a.record.WhisperPollAt != nil &&
		!models.IsTerminalStatus(a.record.Status) {
		if a.record.WhisperPollAt.After(now) {
			next = earliest(next, *a.record.WhisperPollAt)
		} else {
			pollDue = true
		}
	}

	a.persistLocked()
	if next != nil {
		a.scheduleAlarmLocked(*next)
	}

	if deliverDue {
		a.kickDeliveryLocked()
	}
	a.mu.Unlock()

	if pollDue {
		go a.pollAsr()
	}
}

func earliest(current *time.Time, candidate time.Time) *time.Time {
	if current == nil || candidate.Before(*current) {
		return &candidate
	}
	return current
}
