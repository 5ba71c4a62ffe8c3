// Package remote invokes agents over HTTP. Each task posts to
// {base}/v1/execute; the gateway routes by agent id. Failures come back as
// a classified error envelope so the adapter's retry policy applies
// uniformly to in-process and remote agents.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/meridianhealth/researchflow/common/agent"
	"github.com/meridianhealth/researchflow/common/logger"
)

// Client is an HTTP agent gateway client implementing agent.Agent.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewClient creates a gateway client. Per-call deadlines come from the
// invocation context, not the HTTP client.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		log:     log,
	}
}

// executeRequest is the wire request for one task.
type executeRequest struct {
	Task          string              `json:"task"`
	AgentID       string              `json:"agent_id"`
	Input         any                 `json:"input"`
	RequestID     string              `json:"request_id"`
	InvocationKey agent.InvocationKey `json:"invocation_key"`
	Deadline      *time.Time          `json:"deadline,omitempty"`
}

// executeResponse is the wire response: output on success, a classified
// failure otherwise.
type executeResponse struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Failure *struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"failure,omitempty"`
}

// Execute posts the task to the gateway.
func (c *Client) Execute(ctx context.Context, task agent.Task, input any, inv agent.Invocation) (any, error) {
	wire := executeRequest{
		Task:          string(task),
		AgentID:       task.AgentID(),
		Input:         input,
		RequestID:     inv.RequestID,
		InvocationKey: inv.InvocationKey,
	}
	if !inv.Deadline.IsZero() {
		wire.Deadline = &inv.Deadline
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, agent.NewError(agent.KindInternal, inv.RequestID, "encoding agent request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, agent.NewError(agent.KindInternal, inv.RequestID, "building agent request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agent.NewError(agent.KindUpstreamUnavailable, inv.RequestID, "agent gateway unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, agent.NewError(agent.KindRateLimited, inv.RequestID, "agent gateway rate limited %s", task)
	case resp.StatusCode >= 500:
		return nil, agent.NewError(agent.KindUpstreamUnavailable, inv.RequestID, "agent gateway returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, agent.NewError(agent.KindInvalid, inv.RequestID, "agent gateway rejected %s with %d", task, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, agent.NewError(agent.KindUpstreamUnavailable, inv.RequestID, "reading agent response: %v", err)
	}

	var decoded executeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, agent.NewError(agent.KindMalformed, inv.RequestID, "agent response is not valid JSON: %v", err)
	}
	if decoded.Failure != nil {
		return nil, agent.NewError(agent.Kind(decoded.Failure.Kind), inv.RequestID, "%s", decoded.Failure.Detail)
	}
	if len(decoded.Output) == 0 {
		return nil, agent.NewError(agent.KindMalformed, inv.RequestID, "agent response carries neither output nor failure")
	}
	return decoded.Output, nil
}

// RegisterAll binds the gateway client for every agent the workflow uses.
func (c *Client) RegisterAll(registry *agent.Registry) {
	for _, id := range agent.AllAgentIDs {
		registry.Register(id, c)
	}
}
