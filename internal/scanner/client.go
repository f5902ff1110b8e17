// Package scanner submits scan jobs to the external scanner engine. Results
// come back asynchronously through the webhook endpoint.
package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/killhouse/engine/internal/resilience"
	appErr "github.com/killhouse/engine/pkg/errors"
)

// SubmitScanRequest is the scanner engine's scan-submission payload.
type SubmitScanRequest struct {
	AnalysisID  uuid.UUID `json:"analysis_id"`
	CallbackURL string    `json:"callback_url"`
	TargetURL   string    `json:"target_url,omitempty"`
	NetworkName string    `json:"network_name,omitempty"`
}

// Client talks to the scanner engine's submission endpoint.
type Client struct {
	baseURL string
	caller  *resilience.Caller
}

func NewClient(baseURL string) *Client {
	caller := resilience.NewCaller()
	caller.Timeout = 30 * time.Second
	return &Client{baseURL: baseURL, caller: caller}
}

// SubmitScan hands a scan job to the scanner engine. The response is not
// needed for correctness; progress arrives via webhook callbacks.
func (c *Client) SubmitScan(ctx context.Context, req SubmitScanRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "encode scan request")
	}
	resp, err := c.caller.Do(ctx, http.MethodPost, c.baseURL+"/api/scans", body, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return appErr.Newf(appErr.CodeUnavailable,
			"scanner engine returned %d", resp.StatusCode)
	}
	return nil
}
