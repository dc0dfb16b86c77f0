package launch

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/models"
)

// Manifest describes one job's launch: the engine to run, required input
// slots mapped to blob keys, and engine options. Manifests are written
// once before launch and never modified afterwards.
type Manifest struct {
	JobID   string            `yaml:"job_id" json:"job_id"`
	MediaID string            `yaml:"media_id,omitempty" json:"media_id,omitempty"`
	Title   string            `yaml:"title,omitempty" json:"title,omitempty"`
	Engine  models.Engine     `yaml:"engine" json:"engine"`
	Purpose string            `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	Inputs  map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Validate checks the manifest's structural requirements
func (m *Manifest) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("manifest missing job_id")
	}
	if !models.ValidEngine(m.Engine) {
		return fmt.Errorf("manifest for job %s has unknown engine %q", m.JobID, m.Engine)
	}
	switch m.Engine {
	case models.EngineSubtitleBurner, models.EngineTemplateRenderer:
		if len(m.Inputs) == 0 {
			return fmt.Errorf("manifest for job %s declares no inputs", m.JobID)
		}
	case models.EngineAsrPipeline:
		if m.Inputs["audio"] == "" {
			return fmt.Errorf("manifest for job %s missing audio input", m.JobID)
		}
	}
	return nil
}

// ManifestKey returns the blob key of a job's manifest
func ManifestKey(jobID string) string {
	return "manifests/" + jobID + ".yaml"
}

// ManifestStore persists manifests in the blob store
type ManifestStore struct {
	blob blob.Store
}

// NewManifestStore creates a manifest store backed by blob storage
func NewManifestStore(b blob.Store) *ManifestStore {
	return &ManifestStore{blob: b}
}

// Save writes a manifest. Manifests are immutable; saving over an
// existing one is an error.
func (s *ManifestStore) Save(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	key := ManifestKey(m.JobID)
	exists, err := s.blob.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check manifest existence: %w", err)
	}
	if exists {
		return fmt.Errorf("manifest for job %s already exists", m.JobID)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.blob.Put(ctx, key, data, "application/yaml"); err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	return nil
}

// Load reads and validates a job's manifest
func (s *ManifestStore) Load(ctx context.Context, jobID string) (*Manifest, error) {
	data, err := s.blob.Get(ctx, ManifestKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for job %s: %w", jobID, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for job %s: %w", jobID, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
