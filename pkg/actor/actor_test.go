package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderfarm/jobtrackd/pkg/asr"
	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/logging"
	"github.com/renderfarm/jobtrackd/pkg/metrics"
	"github.com/renderfarm/jobtrackd/pkg/models"
	"github.com/renderfarm/jobtrackd/pkg/signer"
	"github.com/renderfarm/jobtrackd/pkg/store"
)

// fakeClock lets tests move delivery and poll deadlines into the past
// without sleeping through real backoff windows.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakePoster records every delivery attempt and can fail the first N
type fakePoster struct {
	mu         sync.Mutex
	failFirst  int
	attempts   int
	payloads   [][]byte
	signatures []string
}

func (p *fakePoster) Post(ctx context.Context, payload []byte, signature string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.attempts <= p.failFirst {
		return fmt.Errorf("receiver unavailable")
	}
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	p.signatures = append(p.signatures, signature)
	return nil
}

func (p *fakePoster) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *fakePoster) deliveredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *fakePoster) delivered(i int) (models.CallbackPayload, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var payload models.CallbackPayload
	json.Unmarshal(p.payloads[i], &payload)
	return payload, p.signatures[i]
}

// blockingPoster holds its first delivery open until released so tests
// can interleave other operations with an in-flight attempt.
type blockingPoster struct {
	fakePoster
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingPoster() *blockingPoster {
	return &blockingPoster{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *blockingPoster) Post(ctx context.Context, payload []byte, signature string) error {
	var first bool
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return p.fakePoster.Post(ctx, payload, signature)
}

// fakeAsr walks through a scripted sequence of provider statuses
type fakeAsr struct {
	mu       sync.Mutex
	statuses []asr.Status
	polls    int
	vtt      []byte
	result   *asr.Result
}

func (f *fakeAsr) Submit(ctx context.Context, req asr.SubmitRequest) (string, error) {
	if req.AudioURL == "" {
		return "", fmt.Errorf("no audio url")
	}
	return "ext-1", nil
}

func (f *fakeAsr) GetStatus(ctx context.Context, externalID string) (*asr.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	s := f.statuses[i]
	s.ID = externalID
	return &s, nil
}

func (f *fakeAsr) GetTranscript(ctx context.Context, externalID string) ([]byte, error) {
	return f.vtt, nil
}

func (f *fakeAsr) GetResult(ctx context.Context, externalID string) (*asr.Result, error) {
	return f.result, nil
}

// syncRecorder guards the response body so the test can read frames
// while broadcast goroutines are still writing.
type syncRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (r *syncRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(b)
}

func (r *syncRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResponseRecorder.Flush()
}

func (r *syncRecorder) bodyString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

type testEnv struct {
	reg    *Registry
	store  store.Store
	blob   blob.Store
	poster *fakePoster
	asr    *fakeAsr
	clock  *fakeClock
	signer *signer.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  store.NewMemoryStore(),
		blob:   blob.NewMemoryStore(),
		poster: &fakePoster{},
		asr: &fakeAsr{
			statuses: []asr.Status{{State: asr.StateSucceeded}},
			vtt:      []byte("WEBVTT\n\n00:00.000 --> 00:01.000\nhello"),
			result:   &asr.Result{Text: "hello", Words: []asr.Word{{Word: "hello", Start: 0, End: 1}}},
		},
		clock:  newFakeClock(),
		signer: signer.New("test-secret"),
	}

	env.reg = NewRegistry(Deps{
		Store:             env.store,
		Blob:              env.blob,
		Webhook:           env.poster,
		Signer:            env.signer,
		Asr:               env.asr,
		Metrics:           metrics.New(prometheus.NewRegistry()),
		Logger:            logging.NewLogger(logging.ERROR, false),
		ThrottleWindow:    20 * time.Millisecond,
		KeepAliveInterval: time.Hour,
		Now:               env.clock.Now,
	})
	t.Cleanup(env.reg.StopSweeper)
	return env
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustInit(t *testing.T, env *testEnv, p InitParams) *models.JobView {
	t.Helper()
	return mustInitOn(t, env.reg, p)
}

func mustInitOn(t *testing.T, reg *Registry, p InitParams) *models.JobView {
	t.Helper()
	view, err := reg.Init(context.Background(), p)
	require.NoError(t, err)
	return view
}

func TestHappyPathLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := mustInit(t, env, InitParams{
		JobID:   "j1",
		MediaID: "m1",
		Engine:  models.EngineDownloader,
		Purpose: "ingest",
	})
	assert.Equal(t, models.JobStatusQueued, view.Status)

	phase := "downloading"
	progress := 0.4
	view, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{
		Status:   models.JobStatusRunning,
		Phase:    &phase,
		Progress: &progress,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, view.Status)
	assert.Equal(t, "downloading", view.Phase)
	assert.Equal(t, 0.4, view.Progress)
	assert.Equal(t, 0, env.poster.attemptCount())

	view, err = env.reg.Progress(ctx, "j1", models.ProgressUpdate{
		Status:  models.JobStatusCompleted,
		Outputs: map[string]models.OutputRef{"video": {Key: "out/j1.mp4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 1.0, view.Progress)
	assert.Empty(t, view.Phase)
	require.Contains(t, view.Outputs, "video")
	assert.Equal(t, "out/j1.mp4", view.Outputs["video"].Key)
	assert.NotEmpty(t, view.Outputs["video"].URL)

	waitFor(t, 2*time.Second, "terminal webhook delivery", func() bool {
		return env.poster.deliveredCount() == 1
	})

	payload, sig := env.poster.delivered(0)
	assert.Equal(t, models.CallbackSchemaVersion, payload.SchemaVersion)
	assert.Equal(t, "j1", payload.JobID)
	assert.Equal(t, models.JobStatusCompleted, payload.Status)
	assert.Equal(t, int64(1), payload.EventSeq)
	assert.Equal(t, "j1:1", payload.EventID)
	assert.NotEmpty(t, payload.Outputs["video"].URL)
	assert.True(t, env.signer.Verify(env.poster.payloads[0], sig))

	waitFor(t, 2*time.Second, "notification bookkeeping", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.AppNotified && record.PendingNotify == nil
	})
	record, err := env.store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.LastNotifiedEventSeq)
}

func TestInitIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader, Title: "first"})
	_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{Status: models.JobStatusRunning})
	require.NoError(t, err)

	view := mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader, Title: "second"})
	assert.Equal(t, "first", view.Title)
	assert.Equal(t, models.JobStatusRunning, view.Status)
}

func TestProgressUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Progress(context.Background(), "missing", models.ProgressUpdate{
		Status: models.JobStatusRunning,
	})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAsrCompletionGating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineAsrPipeline})

	// container reports done, but the transcript slot is still empty
	view, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{
		Status: models.JobStatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, view.Status)
	assert.Equal(t, 0.95, view.Progress)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, env.poster.attemptCount(), "gated completion must not notify")

	// raw record keeps the reported status; only the view is normalized
	record, err := env.store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, record.Status)

	view, err = env.reg.Progress(ctx, "j1", models.ProgressUpdate{
		Outputs: map[string]models.OutputRef{models.TranscriptSlot: {Key: "results/j1.vtt"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 1.0, view.Progress)

	waitFor(t, 2*time.Second, "gated delivery after transcript arrives", func() bool {
		return env.poster.deliveredCount() == 1
	})
	payload, _ := env.poster.delivered(0)
	assert.Equal(t, int64(1), payload.EventSeq)
}

func TestCancelIsSticky(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineSubtitleBurner, Status: models.JobStatusRunning})

	view, err := env.reg.Cancel(ctx, "j1", "user requested cancellation")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, view.Status)
	assert.Contains(t, view.Error, "user")
	require.NotNil(t, view.CanceledAt)

	// a late container report must not resurrect or complete the job,
	// but its outputs still merge
	view, err = env.reg.Progress(ctx, "j1", models.ProgressUpdate{
		Status:  models.JobStatusCompleted,
		Outputs: map[string]models.OutputRef{"video": {Key: "out/j1.mp4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, view.Status)
	assert.Contains(t, view.Outputs, "video")

	// cancel again: idempotent no-op
	again, err := env.reg.Cancel(ctx, "j1", "second request")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, again.Status)
	assert.Contains(t, again.Error, "user")

	waitFor(t, 2*time.Second, "cancellation notification", func() bool {
		return env.poster.deliveredCount() >= 1
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.poster.deliveredCount())
	payload, _ := env.poster.delivered(0)
	assert.Equal(t, models.JobStatusCanceled, payload.Status)
}

func TestTerminalStatusesAbsorb(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader})
	_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{
		Status: models.JobStatusFailed,
		Error:  "download failed",
	})
	require.NoError(t, err)

	view, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{Status: models.JobStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, view.Status)

	// cancel still wins over failed
	view, err = env.reg.Cancel(ctx, "j1", "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, view.Status, "cancel after terminal is a no-op")
}

func TestDeliveryRetryBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.poster.failFirst = 2
	env.reg.StartSweeper(5 * time.Millisecond)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader})
	_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{Status: models.JobStatusCompleted})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "first failed attempt", func() bool {
		return env.poster.attemptCount() == 1
	})
	waitFor(t, 2*time.Second, "first backoff recorded", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.PendingNotify != nil && record.PendingNotify.Attempt == 1
	})
	record, err := env.store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, time.Second, record.PendingNotify.NextAt.Sub(env.clock.Now()))
	assert.NotEmpty(t, record.PendingNotify.LastError)
	assert.False(t, record.AppNotified)

	env.clock.Advance(1100 * time.Millisecond)
	waitFor(t, 2*time.Second, "second failed attempt", func() bool {
		return env.poster.attemptCount() == 2
	})
	waitFor(t, 2*time.Second, "second backoff recorded", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.PendingNotify != nil && record.PendingNotify.Attempt == 2
	})

	env.clock.Advance(2100 * time.Millisecond)
	waitFor(t, 2*time.Second, "successful delivery", func() bool {
		return env.poster.deliveredCount() == 1
	})
	waitFor(t, 2*time.Second, "pending cleared", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.AppNotified && record.PendingNotify == nil
	})
	assert.Equal(t, 3, env.poster.attemptCount())

	payload, _ := env.poster.delivered(0)
	assert.Equal(t, int64(1), payload.EventSeq, "retries reuse the allocated event")
}

func TestDeliveryRecoveryAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now()

	// simulate a record left behind by an evicted process: terminal,
	// undelivered, alarm already due
	past := now.Add(-time.Minute)
	payload, _ := json.Marshal(models.CallbackPayload{
		SchemaVersion: models.CallbackSchemaVersion,
		JobID:         "j1",
		Engine:        models.EngineDownloader,
		Status:        models.JobStatusCompleted,
		EventSeq:      1,
		EventID:       "j1:1",
		EventTs:       past,
	})
	require.NoError(t, env.store.CreateJob(&models.JobRecord{
		JobID:  "j1",
		Engine: models.EngineDownloader,
		Status: models.JobStatusCompleted,
		TS:     past,
		PendingNotify: &models.PendingNotify{
			EventSeq: 1,
			EventID:  "j1:1",
			EventTs:  past,
			Payload:  payload,
			Attempt:  1,
			NextAt:   past,
		},
		AlarmAt: &past,
	}))

	env.reg.StartSweeper(5 * time.Millisecond)

	waitFor(t, 2*time.Second, "delivery after rehydration", func() bool {
		return env.poster.deliveredCount() == 1
	})
	waitFor(t, 2*time.Second, "bookkeeping after rehydration", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.AppNotified
	})
}

func TestReplayNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader})
	_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{Status: models.JobStatusCompleted})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "original delivery", func() bool {
		return env.poster.deliveredCount() == 1
	})

	_, err = env.reg.ReplayNotification(ctx, "j1", false)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "replayed delivery", func() bool {
		return env.poster.deliveredCount() == 2
	})

	first, _ := env.poster.delivered(0)
	second, _ := env.poster.delivered(1)
	assert.Equal(t, int64(1), first.EventSeq)
	assert.Equal(t, int64(2), second.EventSeq)
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestReplayWhileDeliveryInFlight(t *testing.T) {
	env := newTestEnv(t)
	poster := newBlockingPoster()
	reg := NewRegistry(Deps{
		Store:   env.store,
		Blob:    env.blob,
		Webhook: poster,
		Signer:  env.signer,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  logging.NewLogger(logging.ERROR, false),
		Now:     env.clock.Now,
	})
	t.Cleanup(reg.StopSweeper)
	ctx := context.Background()

	mustInitOn(t, reg, InitParams{JobID: "j1", Engine: models.EngineDownloader})
	_, err := reg.Progress(ctx, "j1", models.ProgressUpdate{Status: models.JobStatusCompleted})
	require.NoError(t, err)

	<-poster.entered

	// replaces the pending event while attempt one is still on the wire
	_, err = reg.ReplayNotification(ctx, "j1", false)
	require.NoError(t, err)

	close(poster.release)

	waitFor(t, 2*time.Second, "replacement event delivered", func() bool {
		return poster.deliveredCount() == 2
	})
	first, _ := poster.delivered(0)
	second, _ := poster.delivered(1)
	assert.Equal(t, int64(1), first.EventSeq)
	assert.Equal(t, int64(2), second.EventSeq)

	waitFor(t, 2*time.Second, "bookkeeping settled", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.AppNotified && record.PendingNotify == nil
	})
}

func TestReplayRequiresTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader, Status: models.JobStatusRunning})

	_, err := env.reg.ReplayNotification(ctx, "j1", false)
	assert.ErrorIs(t, err, ErrNotTerminal)

	_, err = env.reg.ReplayNotification(ctx, "j1", true)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, "forced delivery", func() bool {
		return env.poster.deliveredCount() == 1
	})
	payload, _ := env.poster.delivered(0)
	assert.Equal(t, models.JobStatusRunning, payload.Status)
}

func TestAsrSubmitAndPollToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.asr.statuses = []asr.Status{
		{State: asr.StateRunning, Progress: 0.5},
		{State: asr.StateSucceeded},
	}
	env.reg.StartSweeper(5 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, env.blob.Put(ctx, "audio/j1.wav", []byte("riff"), "audio/wav"))
	mustInit(t, env, InitParams{
		JobID:    "j1",
		Engine:   models.EngineAsrPipeline,
		Metadata: map[string]any{"audioKey": "audio/j1.wav"},
	})

	require.NoError(t, env.reg.StartAsr(ctx, "j1"))

	waitFor(t, 2*time.Second, "provider job id recorded", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.MetadataString("asrJobId") == "ext-1" && record.WhisperPollAt != nil
	})

	env.clock.Advance(1100 * time.Millisecond)
	waitFor(t, 2*time.Second, "first poll observed", func() bool {
		record, err := env.store.GetJob("j1")
		return err == nil && record.Progress == 0.5
	})

	env.clock.Advance(3100 * time.Millisecond)
	waitFor(t, 2*time.Second, "transcription completion", func() bool {
		view, err := env.reg.Read(ctx, "j1")
		return err == nil && view.Status == models.JobStatusCompleted
	})

	view, err := env.reg.Read(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, view.Outputs, models.TranscriptSlot)
	assert.Contains(t, view.Outputs, "words")

	vtt, err := env.blob.Get(ctx, "results/j1.vtt")
	require.NoError(t, err)
	assert.Contains(t, string(vtt), "WEBVTT")

	words, err := env.blob.Get(ctx, "results/j1.words.json")
	require.NoError(t, err)
	var result asr.Result
	require.NoError(t, json.Unmarshal(words, &result))
	assert.Equal(t, "hello", result.Text)

	waitFor(t, 2*time.Second, "completion notification", func() bool {
		return env.poster.deliveredCount() == 1
	})
}

func TestStartAsrWithoutClientFailsJob(t *testing.T) {
	env := newTestEnv(t)
	reg := NewRegistry(Deps{
		Store:   env.store,
		Blob:    env.blob,
		Webhook: env.poster,
		Signer:  env.signer,
		Logger:  logging.NewLogger(logging.ERROR, false),
		Now:     env.clock.Now,
	})
	t.Cleanup(reg.StopSweeper)
	ctx := context.Background()

	_, err := reg.Init(ctx, InitParams{
		JobID:    "j1",
		Engine:   models.EngineAsrPipeline,
		Metadata: map[string]any{"audioKey": "audio/j1.wav"},
	})
	require.NoError(t, err)

	require.NoError(t, reg.StartAsr(ctx, "j1"))

	view, err := reg.Read(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.Contains(t, view.Error, "not configured")

	record, err := env.store.GetJob("j1")
	require.NoError(t, err)
	assert.Nil(t, record.WhisperPollAt)
}

func TestStartAsrWrongEngine(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader})
	err := env.reg.StartAsr(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrWrongEngine)
}

func TestDeleteDiscardsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader})
	require.NoError(t, env.reg.Delete(ctx, "j1"))

	_, err := env.reg.Read(ctx, "j1")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, env.reg.Delete(ctx, "j1"), ErrJobNotFound)
}

func TestSSESnapshotAndCoalescing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineTemplateRenderer, Status: models.JobStatusRunning})

	req := httptest.NewRequest("GET", "/jobs/j1/events", nil)
	streamCtx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(streamCtx)
	rec := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		env.reg.Subscriber("j1").ServeSSE(rec, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, "subscriber registered", func() bool {
		hub := env.reg.Subscriber("j1").hub
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	})

	// a burst of updates within one throttle window coalesces
	for i := 1; i <= 10; i++ {
		progress := float64(i) / 20
		_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{Progress: &progress})
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	<-done
	time.Sleep(50 * time.Millisecond)

	body := rec.bodyString()
	assert.Contains(t, body, "retry: 3000")

	frames := strings.Count(body, "event: status")
	// one snapshot plus at most one coalesced broadcast
	assert.GreaterOrEqual(t, frames, 2)
	assert.LessOrEqual(t, frames, 3)
	assert.Contains(t, body, `"progress":0.5`)
}

func TestSSETerminalFlush(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineDownloader, Status: models.JobStatusRunning})

	req := httptest.NewRequest("GET", "/jobs/j1/events", nil)
	streamCtx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(streamCtx)
	rec := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		env.reg.Subscriber("j1").ServeSSE(rec, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, "subscriber registered", func() bool {
		hub := env.reg.Subscriber("j1").hub
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	})

	_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{Status: models.JobStatusFailed, Error: "boom"})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, "terminal frame", func() bool {
		return strings.Contains(rec.bodyString(), `"status":"failed"`)
	})

	cancel()
	<-done
}

func TestConcurrentProgressSingleWriter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mustInit(t, env, InitParams{JobID: "j1", Engine: models.EngineTemplateRenderer, Status: models.JobStatusRunning})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot := fmt.Sprintf("frame-%d", i)
			_, err := env.reg.Progress(ctx, "j1", models.ProgressUpdate{
				Outputs: map[string]models.OutputRef{slot: {Key: "out/" + slot}},
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	record, err := env.store.GetJob("j1")
	require.NoError(t, err)
	assert.Len(t, record.Outputs, 20, "every slot merge must survive")
}
