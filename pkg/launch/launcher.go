package launch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/renderfarm/jobtrackd/pkg/actor"
	"github.com/renderfarm/jobtrackd/pkg/auth"
	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/logging"
	"github.com/renderfarm/jobtrackd/pkg/metrics"
	"github.com/renderfarm/jobtrackd/pkg/models"
)

// MissingInputsError reports which input slots a launch could not find in
// blob storage. Launches fail fast rather than starting a container that
// would error out mid-run.
type MissingInputsError struct {
	JobID string
	Slots []string
}

func (e *MissingInputsError) Error() string {
	slots := append([]string(nil), e.Slots...)
	sort.Strings(slots)
	return fmt.Sprintf("job %s missing inputs: %s", e.JobID, strings.Join(slots, ", "))
}

// OutputKeys derives the blob keys an engine's outputs will land under.
// Keys are a pure function of job identity so reruns and callbacks agree
// on where artifacts live.
func OutputKeys(jobID, mediaID string, engine models.Engine) map[string]string {
	base := jobID
	if mediaID != "" {
		base = mediaID + "/" + jobID
	}

	switch engine {
	case models.EngineDownloader:
		return map[string]string{"video": "media/" + base + "/source.mp4"}
	case models.EngineSubtitleBurner:
		return map[string]string{"video": "renders/" + base + "/burned.mp4"}
	case models.EngineTemplateRenderer:
		return map[string]string{
			"video":     "renders/" + base + "/render.mp4",
			"thumbnail": "renders/" + base + "/thumb.jpg",
		}
	case models.EngineAsrPipeline:
		return map[string]string{
			models.TranscriptSlot: "results/" + jobID + ".vtt",
			"words":               "results/" + jobID + ".words.json",
		}
	}
	return nil
}

// Deps carries the launcher's collaborators
type Deps struct {
	Manifests *ManifestStore
	Blob      blob.Store
	Registry  *actor.Registry
	Container ContainerClient
	Tokens    *auth.TokenManager
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	// CallbackURL is the externally reachable container-callback endpoint
	CallbackURL string

	PresignExpiry time.Duration
	TokenTTL      time.Duration
}

// Launcher turns a stored manifest into a running job: inputs verified,
// URLs presigned, container started, actor initialized.
type Launcher struct {
	deps Deps
}

// NewLauncher creates a launcher
func NewLauncher(deps Deps) *Launcher {
	if deps.PresignExpiry == 0 {
		deps.PresignExpiry = 4 * time.Hour
	}
	if deps.TokenTTL == 0 {
		deps.TokenTTL = 24 * time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger(logging.INFO, false)
	}
	return &Launcher{deps: deps}
}

// Launch loads the job's manifest and starts it. Downloaders fetch their
// own source and asr-pipeline jobs run through the transcription API, so
// neither gets input probes; every other engine's inputs must already be
// in blob storage.
func (l *Launcher) Launch(ctx context.Context, jobID string) (*models.JobView, error) {
	m, err := l.deps.Manifests.Load(ctx, jobID)
	if err != nil {
		l.deps.Metrics.LaunchFailures.WithLabelValues("manifest").Inc()
		return nil, err
	}

	if m.Engine != models.EngineDownloader && m.Engine != models.EngineAsrPipeline {
		if err := l.probeInputs(ctx, m); err != nil {
			l.deps.Metrics.LaunchFailures.WithLabelValues("missing_inputs").Inc()
			return nil, err
		}
	}

	if m.Engine == models.EngineAsrPipeline {
		return l.launchAsr(ctx, m)
	}
	return l.launchContainer(ctx, m)
}

func (l *Launcher) probeInputs(ctx context.Context, m *Manifest) error {
	var missing []string
	for slot, key := range m.Inputs {
		exists, err := l.deps.Blob.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to probe input %s for job %s: %w", slot, m.JobID, err)
		}
		if !exists {
			missing = append(missing, slot)
		}
	}
	if len(missing) > 0 {
		return &MissingInputsError{JobID: m.JobID, Slots: missing}
	}
	return nil
}

// launchAsr skips the container fleet entirely: the transcription
// provider is driven by the actor's poll loop.
func (l *Launcher) launchAsr(ctx context.Context, m *Manifest) (*models.JobView, error) {
	metadata := map[string]any{"audioKey": m.Inputs["audio"]}
	for opt, v := range m.Options {
		switch opt {
		case "provider":
			metadata["asrProvider"] = v
		case "model":
			metadata["asrModel"] = v
		case "language":
			metadata["asrLanguage"] = v
		}
	}

	view, err := l.deps.Registry.Init(ctx, actor.InitParams{
		JobID:    m.JobID,
		MediaID:  m.MediaID,
		Title:    m.Title,
		Engine:   m.Engine,
		Purpose:  m.Purpose,
		Status:   models.JobStatusRunning,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := l.deps.Registry.StartAsr(ctx, m.JobID); err != nil {
		return nil, err
	}

	l.deps.Logger.Info("transcription job launched", map[string]interface{}{
		"job_id": m.JobID, "media_id": m.MediaID,
	})
	return view, nil
}

func (l *Launcher) launchContainer(ctx context.Context, m *Manifest) (*models.JobView, error) {
	inputs := make(map[string]string, len(m.Inputs))
	for slot, key := range m.Inputs {
		url, err := l.deps.Blob.PresignGet(ctx, key, l.deps.PresignExpiry)
		if err != nil {
			l.deps.Metrics.LaunchFailures.WithLabelValues("presign").Inc()
			return nil, fmt.Errorf("failed to presign input %s for job %s: %w", slot, m.JobID, err)
		}
		inputs[slot] = url
	}

	outputs := make(map[string]string)
	for slot, key := range OutputKeys(m.JobID, m.MediaID, m.Engine) {
		url, err := l.deps.Blob.PresignPut(ctx, key, l.deps.PresignExpiry)
		if err != nil {
			l.deps.Metrics.LaunchFailures.WithLabelValues("presign").Inc()
			return nil, fmt.Errorf("failed to presign output %s for job %s: %w", slot, m.JobID, err)
		}
		outputs[slot] = url
	}

	token, err := l.deps.Tokens.GenerateToken(m.JobID, l.deps.TokenTTL)
	if err != nil {
		l.deps.Metrics.LaunchFailures.WithLabelValues("token").Inc()
		return nil, err
	}

	start := &StartRequest{
		JobID:         m.JobID,
		MediaID:       m.MediaID,
		Engine:        m.Engine,
		CallbackURL:   l.deps.CallbackURL,
		CallbackToken: token,
		Inputs:        inputs,
		Outputs:       outputs,
		Options:       m.Options,
	}
	if err := l.deps.Container.Start(ctx, start); err != nil {
		l.deps.Tokens.RevokeToken(m.JobID)
		l.deps.Metrics.LaunchFailures.WithLabelValues("container_start").Inc()
		return nil, err
	}

	// the container accepted the job; only now does the record exist
	view, err := l.deps.Registry.Init(ctx, actor.InitParams{
		JobID:   m.JobID,
		MediaID: m.MediaID,
		Title:   m.Title,
		Engine:  m.Engine,
		Purpose: m.Purpose,
		Status:  models.JobStatusRunning,
	})
	if err != nil {
		return nil, err
	}

	l.deps.Logger.Info("container job launched", map[string]interface{}{
		"job_id": m.JobID, "engine": string(m.Engine),
	})
	return view, nil
}
