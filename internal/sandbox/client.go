// Package sandbox provisions ephemeral runtime environments for dynamic
// scanning and coordinates the analysis record while doing so. The sandbox
// engine itself is an external HTTP service.
package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/killhouse/engine/internal/policy"
	"github.com/killhouse/engine/internal/resilience"
	appErr "github.com/killhouse/engine/pkg/errors"
)

// CreateEnvironmentRequest is the payload for the sandbox engine's
// create-environment endpoint.
type CreateEnvironmentRequest struct {
	RepoURL           string `json:"repo_url,omitempty"`
	Branch            string `json:"branch"`
	DockerfileContent string `json:"dockerfile_content,omitempty"`
	ComposeContent    string `json:"compose_content,omitempty"`

	MemoryLimit int `json:"container_memory_limit"`
	CPULimit    int `json:"container_cpu_limit"`
	PidsLimit   int `json:"container_pids_limit"`
}

// Environment is the sandbox engine's create-environment response.
type Environment struct {
	EnvironmentID string `json:"environment_id"`
	TargetURL     string `json:"target_url,omitempty"`
	NetworkName   string `json:"network_name,omitempty"`
}

// Client talks to the sandbox engine. Environment creation can legitimately
// take minutes (image builds), hence the long per-attempt timeout and the
// slow [5s, 15s] retry schedule.
type Client struct {
	baseURL string
	caller  *resilience.Caller
}

// NewClient builds a sandbox client gated by the given breaker.
func NewClient(baseURL string, breaker *resilience.Breaker) *Client {
	caller := resilience.NewCaller()
	caller.Timeout = 10 * time.Minute
	caller.MaxRetries = 2
	caller.RetryDelays = []time.Duration{5 * time.Second, 15 * time.Second}
	caller.Breaker = breaker
	return &Client{baseURL: baseURL, caller: caller}
}

// CreateEnvironment asks the sandbox engine for a new environment hosting the
// project under test, applying the given resource limits.
func (c *Client) CreateEnvironment(ctx context.Context, req CreateEnvironmentRequest, limits policy.ResourceLimits) (*Environment, error) {
	req.MemoryLimit = limits.MemoryMB
	req.CPULimit = limits.CPUMillis
	req.PidsLimit = limits.PidsLimit

	body, err := json.Marshal(req)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "encode environment request")
	}

	resp, err := c.caller.Do(ctx, http.MethodPost, c.baseURL+"/api/environments", body, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, appErr.Newf(appErr.CodeUnavailable,
			"sandbox engine returned %d", resp.StatusCode)
	}

	var env Environment
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode environment response")
	}
	if env.EnvironmentID == "" {
		return nil, appErr.New(appErr.CodeInternal, "sandbox engine returned no environment id")
	}
	return &env, nil
}
