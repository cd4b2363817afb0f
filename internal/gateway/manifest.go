package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/types"
)

// Manifest is the escrow-referenced document describing the annotation work:
// labels, data location and job sizing.
type Manifest struct {
	Data struct {
		DataURL string `json:"data_url"`
		// Files optionally enumerates the data files under DataURL.
		Files []string `json:"files,omitempty"`
	} `json:"data"`
	Annotation struct {
		Labels      []ManifestLabel `json:"labels"`
		Description string          `json:"description"`
		Type        types.JobType   `json:"type"`
		JobSize     int             `json:"job_size"`
	} `json:"annotation"`
	JobBounty string `json:"job_bounty"`
}

// ManifestLabel is one label definition from the manifest.
type ManifestLabel struct {
	Name string `json:"name"`
}

// Validate rejects manifests missing the fields reconciliation depends on.
// A malformed manifest must never silently default into bad platform state.
func (m *Manifest) Validate() error {
	if m.Data.DataURL == "" {
		return oracleerrors.NewValidationError("data.data_url", "missing")
	}
	if !isKnownJobType(m.Annotation.Type) {
		return oracleerrors.NewValidationError("annotation.type", fmt.Sprintf("unknown job type %q", m.Annotation.Type))
	}
	if len(m.Annotation.Labels) == 0 {
		return oracleerrors.NewValidationError("annotation.labels", "empty")
	}
	if m.Annotation.JobSize <= 0 {
		return oracleerrors.NewValidationError("annotation.job_size", "must be positive")
	}
	return nil
}

func isKnownJobType(t types.JobType) bool {
	switch t {
	case types.JobTypeImageLabelBinary, types.JobTypeImageBoxes,
		types.JobTypeImagePoints, types.JobTypeImageSkeletonsFromBoxes:
		return true
	}
	return false
}

// LabelNames returns the declared label names in manifest order.
func (m *Manifest) LabelNames() []string {
	names := make([]string, 0, len(m.Annotation.Labels))
	for _, label := range m.Annotation.Labels {
		names = append(names, label.Name)
	}
	return names
}

// ManifestClient downloads and parses escrow manifests.
type ManifestClient struct {
	client *http.Client
}

// NewManifestClient creates a manifest client with a bounded timeout
func NewManifestClient(timeout time.Duration) *ManifestClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ManifestClient{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads the manifest at the given URL and validates it
func (c *ManifestClient) Fetch(ctx context.Context, manifestURL string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, oracleerrors.NewTransientError("manifest download", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, oracleerrors.NewTransientError("manifest download",
			fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, oracleerrors.NewTransientError("manifest download", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, oracleerrors.NewValidationError("manifest", fmt.Sprintf("malformed JSON: %v", err))
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}
