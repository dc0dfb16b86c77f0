package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderfarm/jobtrackd/pkg/actor"
	"github.com/renderfarm/jobtrackd/pkg/auth"
	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/logging"
	"github.com/renderfarm/jobtrackd/pkg/metrics"
	"github.com/renderfarm/jobtrackd/pkg/models"
	"github.com/renderfarm/jobtrackd/pkg/signer"
	"github.com/renderfarm/jobtrackd/pkg/store"
)

type fakeContainer struct {
	mu       sync.Mutex
	failWith error
	requests []*StartRequest
}

func (c *fakeContainer) Start(ctx context.Context, req *StartRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.requests = append(c.requests, req)
	return nil
}

type nullPoster struct{}

func (nullPoster) Post(ctx context.Context, payload []byte, signature string) error { return nil }

type launchEnv struct {
	launcher  *Launcher
	manifests *ManifestStore
	blob      blob.Store
	store     store.Store
	container *fakeContainer
	tokens    *auth.TokenManager
}

func newLaunchEnv(t *testing.T) *launchEnv {
	t.Helper()

	b := blob.NewMemoryStore()
	js := store.NewMemoryStore()
	container := &fakeContainer{}
	tokens := auth.NewTokenManager()
	m := metrics.New(prometheus.NewRegistry())
	logger := logging.NewLogger(logging.ERROR, false)

	reg := actor.NewRegistry(actor.Deps{
		Store:   js,
		Blob:    b,
		Webhook: nullPoster{},
		Signer:  signer.New("test-secret"),
		Metrics: m,
		Logger:  logger,
	})
	t.Cleanup(reg.StopSweeper)

	manifests := NewManifestStore(b)
	launcher := NewLauncher(Deps{
		Manifests:   manifests,
		Blob:        b,
		Registry:    reg,
		Container:   container,
		Tokens:      tokens,
		Metrics:     m,
		Logger:      logger,
		CallbackURL: "https://tracker.example.com/callbacks/container",
		TokenTTL:    time.Hour,
	})

	return &launchEnv{
		launcher:  launcher,
		manifests: manifests,
		blob:      b,
		store:     js,
		container: container,
		tokens:    tokens,
	}
}

func TestManifestSaveLoadRoundTrip(t *testing.T) {
	env := newLaunchEnv(t)
	ctx := context.Background()

	m := &Manifest{
		JobID:   "j1",
		MediaID: "m1",
		Engine:  models.EngineSubtitleBurner,
		Inputs: map[string]string{
			"video":     "media/m1/source.mp4",
			"subtitles": "results/j0.vtt",
		},
		Options: map[string]string{"font": "NotoSans"},
	}
	require.NoError(t, env.manifests.Save(ctx, m))

	loaded, err := env.manifests.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, m.Engine, loaded.Engine)
	assert.Equal(t, m.Inputs, loaded.Inputs)
	assert.Equal(t, "NotoSans", loaded.Options["font"])
}

func TestManifestIsImmutable(t *testing.T) {
	env := newLaunchEnv(t)
	ctx := context.Background()

	m := &Manifest{JobID: "j1", Engine: models.EngineDownloader}
	require.NoError(t, env.manifests.Save(ctx, m))

	err := env.manifests.Save(ctx, &Manifest{JobID: "j1", Engine: models.EngineDownloader})
	assert.Error(t, err)
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{"valid downloader", Manifest{JobID: "j1", Engine: models.EngineDownloader}, false},
		{"missing job id", Manifest{Engine: models.EngineDownloader}, true},
		{"unknown engine", Manifest{JobID: "j1", Engine: "transcoder"}, true},
		{"burner without inputs", Manifest{JobID: "j1", Engine: models.EngineSubtitleBurner}, true},
		{"asr without audio", Manifest{JobID: "j1", Engine: models.EngineAsrPipeline,
			Inputs: map[string]string{"video": "a"}}, true},
		{"asr with audio", Manifest{JobID: "j1", Engine: models.EngineAsrPipeline,
			Inputs: map[string]string{"audio": "audio/j1.wav"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOutputKeysDeterministic(t *testing.T) {
	keys := OutputKeys("j1", "m1", models.EngineTemplateRenderer)
	assert.Equal(t, "renders/m1/j1/render.mp4", keys["video"])
	assert.Equal(t, "renders/m1/j1/thumb.jpg", keys["thumbnail"])

	again := OutputKeys("j1", "m1", models.EngineTemplateRenderer)
	assert.Equal(t, keys, again)

	noMedia := OutputKeys("j1", "", models.EngineDownloader)
	assert.Equal(t, "media/j1/source.mp4", noMedia["video"])

	asrKeys := OutputKeys("j1", "m1", models.EngineAsrPipeline)
	assert.Equal(t, "results/j1.vtt", asrKeys[models.TranscriptSlot])
	assert.Equal(t, "results/j1.words.json", asrKeys["words"])
}

func TestLaunchHappyPath(t *testing.T) {
	env := newLaunchEnv(t)
	ctx := context.Background()

	require.NoError(t, env.blob.Put(ctx, "media/m1/source.mp4", []byte("mp4"), "video/mp4"))
	require.NoError(t, env.blob.Put(ctx, "results/j0.vtt", []byte("WEBVTT"), "text/vtt"))
	require.NoError(t, env.manifests.Save(ctx, &Manifest{
		JobID:   "j1",
		MediaID: "m1",
		Engine:  models.EngineSubtitleBurner,
		Inputs: map[string]string{
			"video":     "media/m1/source.mp4",
			"subtitles": "results/j0.vtt",
		},
	}))

	view, err := env.launcher.Launch(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, view.Status)

	env.container.mu.Lock()
	require.Len(t, env.container.requests, 1)
	start := env.container.requests[0]
	env.container.mu.Unlock()

	assert.Equal(t, "j1", start.JobID)
	assert.NotEmpty(t, start.CallbackToken)
	assert.NotEmpty(t, start.Inputs["video"])
	assert.NotEmpty(t, start.Inputs["subtitles"])
	assert.NotEmpty(t, start.Outputs["video"])
	assert.Equal(t, "https://tracker.example.com/callbacks/container", start.CallbackURL)

	// the token handed to the container validates for callbacks
	assert.NoError(t, env.tokens.ValidateToken("j1", start.CallbackToken))

	record, err := env.store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, record.Status)
}

func TestLaunchFailsFastOnMissingInputs(t *testing.T) {
	env := newLaunchEnv(t)
	ctx := context.Background()

	require.NoError(t, env.blob.Put(ctx, "media/m1/source.mp4", []byte("mp4"), "video/mp4"))
	require.NoError(t, env.manifests.Save(ctx, &Manifest{
		JobID:  "j1",
		Engine: models.EngineSubtitleBurner,
		Inputs: map[string]string{
			"video":     "media/m1/source.mp4",
			"subtitles": "results/never-written.vtt",
		},
	}))

	_, err := env.launcher.Launch(ctx, "j1")
	var missing *MissingInputsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"subtitles"}, missing.Slots)
	assert.Contains(t, missing.Error(), "subtitles")

	// nothing was started and no record exists
	env.container.mu.Lock()
	assert.Empty(t, env.container.requests)
	env.container.mu.Unlock()
	_, err = env.store.GetJob("j1")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestLaunchContainerRejection(t *testing.T) {
	env := newLaunchEnv(t)
	env.container.failWith = errors.New("fleet at capacity")
	ctx := context.Background()

	require.NoError(t, env.manifests.Save(ctx, &Manifest{
		JobID:  "j1",
		Engine: models.EngineDownloader,
	}))

	_, err := env.launcher.Launch(ctx, "j1")
	require.Error(t, err)

	// rejected launches leave no record and no live token
	_, err = env.store.GetJob("j1")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	assert.Error(t, env.tokens.ValidateToken("j1", "anything"))
}

func TestLaunchUnknownJob(t *testing.T) {
	env := newLaunchEnv(t)
	_, err := env.launcher.Launch(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMissingInputsErrorSortsSlots(t *testing.T) {
	err := &MissingInputsError{JobID: "j1", Slots: []string{"video", "audio", "subtitles"}}
	assert.Equal(t, fmt.Sprintf("job j1 missing inputs: %s", "audio, subtitles, video"), err.Error())
}
