package models

import (
	"testing"
	"time"
)

func TestIsTerminalStatus(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []JobStatus{JobStatusQueued, JobStatusRunning}
	for _, s := range nonTerminal {
		if IsTerminalStatus(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestCompletionSatisfied(t *testing.T) {
	// Non-ASR engines have no required output slots
	if !CompletionSatisfied(EngineTemplateRenderer, nil) {
		t.Error("template-renderer should complete without outputs")
	}

	// ASR requires the transcript slot
	if CompletionSatisfied(EngineAsrPipeline, nil) {
		t.Error("asr-pipeline should not complete without vtt output")
	}
	if CompletionSatisfied(EngineAsrPipeline, map[string]OutputRef{"words": {Key: "r/w.json"}}) {
		t.Error("asr-pipeline should not complete with only words output")
	}
	if !CompletionSatisfied(EngineAsrPipeline, map[string]OutputRef{"vtt": {Key: "r/t.vtt"}}) {
		t.Error("asr-pipeline should complete once vtt output is present")
	}
}

func TestNotifyBackoffSchedule(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
	}

	for i, want := range expected {
		if got := NotifyBackoff(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}

	// Beyond the table the delay stays at the cap
	for _, attempt := range []int{9, 10, 50} {
		if got := NotifyBackoff(attempt); got != NotifyBackoffCap {
			t.Errorf("attempt %d: expected cap %v, got %v", attempt, NotifyBackoffCap, got)
		}
	}
}

func TestNotifyBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := NotifyBackoff(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v -> %v", attempt, prev, d)
		}
		prev = d
	}
}

func TestEventID(t *testing.T) {
	if got := EventID("job-1", 3); got != "job-1:3" {
		t.Errorf("expected job-1:3, got %s", got)
	}
}

func TestValidEngine(t *testing.T) {
	for _, e := range []Engine{EngineDownloader, EngineSubtitleBurner, EngineTemplateRenderer, EngineAsrPipeline} {
		if !ValidEngine(e) {
			t.Errorf("expected %s to be valid", e)
		}
	}
	if ValidEngine("ffmpeg") {
		t.Error("unknown engine accepted")
	}
}
