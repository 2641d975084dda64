// Package client is the HTTP client the CLI uses to talk to orchestratord's
// chat-completions endpoint. Grounded on smithctl's client package: a thin
// baseURL+http.Client wrapper, one exported method per CLI action, errors
// built from the raw response body on a non-2xx status.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deploysmith/orchestrator/internal/chatapi"
)

// Client talks to a running orchestratord instance.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a Client against baseURL, trimming any trailing slash.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 65 * time.Minute, // covers the cloud-hosted total pipeline timeout
		},
	}
}

// Result is the decoded outcome of a non-streaming chat-completions call,
// read off the terminal chunk's "deployment" field the server attaches.
type Result struct {
	DeploymentID string            `json:"deployment_id"`
	Status       string            `json:"status"`
	ErrorKind    string            `json:"error_kind"`
	Message      string            `json:"message"`
	URLs         []string          `json:"urls"`
	Outputs      map[string]string `json:"outputs"`
}

// chatCompletionResponse mirrors the wire shape orchestratord's chatapi
// package produces for stream=false requests. Declared independently here
// rather than importing the server's unexported response types, the way any
// external client of the endpoint would have to.
type chatCompletionResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Deployment struct {
		DeploymentID string            `json:"deployment_id"`
		Status       string            `json:"status"`
		ErrorKind    string            `json:"error_kind"`
		URLs         []string          `json:"urls"`
		Outputs      map[string]string `json:"outputs"`
	} `json:"deployment"`
}

// Deploy submits a deploy action and blocks until the pipeline reaches a
// terminal state, since the CLI always calls with stream=false.
func (c *Client) Deploy(req chatapi.ChatRequest) (*Result, error) {
	req.Action = "deploy"
	req.Stream = false
	return c.send(req)
}

// Lifecycle submits redeploy/scale/decommission, identified by instanceID.
func (c *Client) Lifecycle(action, instanceID string, replicas int) (*Result, error) {
	req := chatapi.ChatRequest{
		Action:     action,
		Stream:     false,
		InstanceID: instanceID,
		Replicas:   replicas,
	}
	return c.send(req)
}

func (c *Client) send(req chatapi.ChatRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call orchestrator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		return nil, &ValidationError{Body: string(data)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	message := ""
	if len(parsed.Choices) > 0 {
		message = parsed.Choices[0].Delta.Content
	}

	return &Result{
		DeploymentID: parsed.Deployment.DeploymentID,
		Status:       parsed.Deployment.Status,
		ErrorKind:    parsed.Deployment.ErrorKind,
		Message:      message,
		URLs:         parsed.Deployment.URLs,
		Outputs:      parsed.Deployment.Outputs,
	}, nil
}

// ValidationError marks a 400 response from orchestratord, so the CLI can
// map it to exit code 1 rather than the generic pipeline-failure code.
type ValidationError struct {
	Body string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Body)
}
