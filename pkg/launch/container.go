package launch

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

// StartRequest is the signed request handed to a worker container. Inputs
// carry presigned GET URLs per confirmed slot; Outputs carry presigned
// PUT URLs per slot the engine is expected to fill.
type StartRequest struct {
	JobID         string            `json:"job_id"`
	MediaID       string            `json:"media_id,omitempty"`
	Engine        models.Engine     `json:"engine"`
	CallbackURL   string            `json:"callback_url"`
	CallbackToken string            `json:"callback_token"`
	Inputs        map[string]string `json:"inputs,omitempty"`
	Outputs       map[string]string `json:"outputs"`
	Options       map[string]string `json:"options,omitempty"`
}

// ContainerClient starts worker containers
type ContainerClient interface {
	Start(ctx context.Context, req *StartRequest) error
}

// HTTPContainerClient starts containers through the worker fleet's HTTP
// control endpoint. Requests are HMAC-signed the same way callbacks are.
type HTTPContainerClient struct {
	baseURL    string
	signer     *signer.Signer
	httpClient *http.Client
}

// NewHTTPContainerClient creates a container client
func NewHTTPContainerClient(baseURL string, s *signer.Signer) *HTTPContainerClient {
	return &HTTPContainerClient{
		baseURL: baseURL,
		signer:  s,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPContainerClient) Start(ctx context.Context, start *StartRequest) error {
	body, err := json.Marshal(start)
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/containers/start", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signer.SignatureHeader, c.signer.Sign(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("container start failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("container start returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
