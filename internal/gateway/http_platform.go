package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/exchange-oracle/internal/circuitbreaker"
	"github.com/exchange-oracle/internal/config"
	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/retry"
)

// platformRetryConfig retries flaky platform reads inside one gateway call.
// Delays are tightened from the defaults to stay under the request timeout.
var platformRetryConfig = func() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 250 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	return cfg
}()

// HTTPPlatform implements PlatformGateway against the annotation platform's
// REST API. One circuit breaker guards the whole API: when the platform is
// down every endpoint is down with it.
type HTTPPlatform struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPPlatform creates a platform gateway from config
func NewHTTPPlatform(cfg *config.PlatformConfig, logger *logging.Logger) *HTTPPlatform {
	return &HTTPPlatform{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:  "platform",
			Trips: oracleerrors.IsRetryable,
		}, logger),
	}
}

type platformProjectDTO struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type platformTaskDTO struct {
	ID           int64  `json:"id"`
	ProjectID    int64  `json:"project_id"`
	Status       string `json:"status"`
	FrameCount   int    `json:"frame_count"`
	DataUploaded bool   `json:"data_uploaded"`
}

type platformJobDTO struct {
	ID         int64   `json:"id"`
	TaskID     int64   `json:"task_id"`
	ProjectID  int64   `json:"project_id"`
	Status     string  `json:"status"`
	StartFrame int     `json:"start_frame"`
	StopFrame  int     `json:"stop_frame"`
	Progress   float64 `json:"progress"`
}

// do performs a platform API request and decodes the JSON response into out.
// 404 maps to ErrPlatformNotFound; network and 5xx failures map to transient
// errors so reconciliation retries them on the next tick. GET requests also
// retry in-call with backoff; mutating requests run once per invocation so a
// slow-but-successful POST is never duplicated.
func (p *HTTPPlatform) do(ctx context.Context, method, path string, body, out interface{}) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode platform request: %w", err)
		}
	}

	attempt := func(ctx context.Context) error {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build platform request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Token "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return oracleerrors.NewTransientError("platform "+method+" "+path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrPlatformNotFound
		case resp.StatusCode >= 500:
			return oracleerrors.NewTransientError("platform "+method+" "+path,
				fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("platform request %s %s rejected with status %d", method, path, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode platform response: %w", err)
		}
		return nil
	}

	err := p.breaker.Do(ctx, func() error {
		if method != http.MethodGet {
			return attempt(ctx)
		}
		return retry.WithExponentialBackoff(ctx, platformRetryConfig, func(ctx context.Context, n int) error {
			err := attempt(ctx)
			if err != nil && !oracleerrors.IsRetryable(err) {
				// 404 and other definitive answers will not change on a retry.
				return retry.Permanent(err)
			}
			return err
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return oracleerrors.NewTransientError("platform circuit open", err)
	}
	return err
}

// CreateProject sets up a new project on the platform. Task and job creation
// proceed asynchronously on the platform side; the task creation job polls
// for them.
func (p *HTTPPlatform) CreateProject(ctx context.Context, req *CreateProjectRequest) (*PlatformProject, error) {
	payload := map[string]interface{}{
		"escrow_address": req.EscrowAddress,
		"chain_id":       int64(req.ChainID),
		"job_type":       string(req.JobType),
		"bucket_url":     req.BucketURL,
		"labels":         req.Labels,
		"job_size":       req.JobSize,
	}

	var dto platformProjectDTO
	if err := p.do(ctx, http.MethodPost, "/projects", payload, &dto); err != nil {
		return nil, err
	}
	return &PlatformProject{ID: dto.ID, Status: dto.Status}, nil
}

// ListProjectTasks retrieves all tasks of a project
func (p *HTTPPlatform) ListProjectTasks(ctx context.Context, projectID int64) ([]*PlatformTask, error) {
	var dtos []platformTaskDTO
	path := "/tasks?" + url.Values{"project_id": {fmt.Sprint(projectID)}}.Encode()
	if err := p.do(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, err
	}

	tasks := make([]*PlatformTask, 0, len(dtos))
	for _, dto := range dtos {
		tasks = append(tasks, &PlatformTask{
			ID:           dto.ID,
			ProjectID:    dto.ProjectID,
			Status:       dto.Status,
			FrameCount:   dto.FrameCount,
			DataUploaded: dto.DataUploaded,
		})
	}
	return tasks, nil
}

// GetTask retrieves a task's current status and data upload state
func (p *HTTPPlatform) GetTask(ctx context.Context, taskID int64) (*PlatformTask, error) {
	var dto platformTaskDTO
	if err := p.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", taskID), nil, &dto); err != nil {
		return nil, err
	}
	return &PlatformTask{
		ID:           dto.ID,
		ProjectID:    dto.ProjectID,
		Status:       dto.Status,
		FrameCount:   dto.FrameCount,
		DataUploaded: dto.DataUploaded,
	}, nil
}

// ListTaskJobs retrieves all jobs of a task with their frame ranges and
// annotation progress
func (p *HTTPPlatform) ListTaskJobs(ctx context.Context, taskID int64) ([]*PlatformJob, error) {
	var dtos []platformJobDTO
	path := "/jobs?" + url.Values{"task_id": {fmt.Sprint(taskID)}}.Encode()
	if err := p.do(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, err
	}

	jobs := make([]*PlatformJob, 0, len(dtos))
	for _, dto := range dtos {
		jobs = append(jobs, &PlatformJob{
			ID:         dto.ID,
			TaskID:     dto.TaskID,
			ProjectID:  dto.ProjectID,
			Status:     dto.Status,
			StartFrame: dto.StartFrame,
			StopFrame:  dto.StopFrame,
			Progress:   dto.Progress,
		})
	}
	return jobs, nil
}
