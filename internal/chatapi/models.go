// Package chatapi exposes the orchestrator as an OpenAI-chat-completions
// compatible HTTP surface: the request body is a normal chat-completion
// request extended with deployment fields, and the response is either one
// aggregated completion object or a server-sent-event stream of deltas.
package chatapi

import "github.com/deploysmith/orchestrator/internal/deployment"

// ChatMessage mirrors the standard OpenAI message shape. The orchestrator
// never inspects message content directly — it exists so a generic chat
// client can point at this endpoint unmodified — except when the Intent
// Extractor is enabled, which reads the last user message as raw text.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AWSCredentials is the request-body credential shape from spec.md §4.10.
type AWSCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
}

// EnvVarInput mirrors deployment.EnvVar's exclusivity contract at the wire
// boundary, validated the same way before it ever reaches the deployment
// model.
type EnvVarInput struct {
	Name      string `json:"name" binding:"required,env_var_name"`
	Value     string `json:"value"`
	SecretRef string `json:"secret_ref"`
}

// ChatRequest is the chat-completions request extended with the deployment
// fields spec.md §4.10 names. Unknown standard OpenAI fields bind into
// Messages/Stream/Model and everything else is accepted and ignored by
// ShouldBindJSON's default behavior (extra JSON keys are simply dropped).
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	Action         string          `json:"action"`
	DeploymentMode string          `json:"deployment_mode"`
	GitHubRepoURL  string          `json:"github_repo_url"`
	TargetNamespace string         `json:"target_namespace" binding:"omitempty,dns1123"`
	InstanceName   string          `json:"instance_name" binding:"omitempty,dns1123"`
	InstanceID     string          `json:"instance_id"`
	EC2KeyName     string          `json:"ec2_key_name"`
	AWSCredentials *AWSCredentials `json:"aws_credentials"`

	BaseHostedZoneID string        `json:"base_hosted_zone_id"`
	AppSubdomainLabel string       `json:"app_subdomain_label"`

	ApplicationEnvironmentVariables []EnvVarInput `json:"application_environment_variables"`
	Replicas                        int           `json:"replicas"`
}

// lastUserMessage returns the content of the most recent user-role message,
// the text the Intent Extractor reads when deployment fields are missing.
func (r *ChatRequest) lastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

func (r *ChatRequest) envVars() []deployment.EnvVar {
	if len(r.ApplicationEnvironmentVariables) == 0 {
		return nil
	}
	out := make([]deployment.EnvVar, len(r.ApplicationEnvironmentVariables))
	for i, e := range r.ApplicationEnvironmentVariables {
		out[i] = deployment.EnvVar{Name: e.Name, Value: e.Value, SecretRef: e.SecretRef}
	}
	return out
}

// chatCompletionChunk is one SSE delta in the OpenAI streaming shape, with a
// sibling "deployment" field carrying the underlying Progress Event so a
// deployment-aware client gets structured data without losing
// wire-compatibility with a plain chat client (which just ignores it).
type chatCompletionChunk struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Deployment *deploymentDelta    `json:"deployment,omitempty"`
}

type chatCompletionChoice struct {
	Index        int                  `json:"index"`
	Delta        chatCompletionDelta  `json:"delta"`
	FinishReason *string              `json:"finish_reason"`
}

type chatCompletionDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// deploymentDelta is the structured payload attached to every chunk, and
// the terminal chunk carries the full outcome per spec.md §6's "terminal
// delta carries {deployment_id, status, URLs, outputs}" contract.
type deploymentDelta struct {
	DeploymentID string            `json:"deployment_id"`
	Stage        string            `json:"stage,omitempty"`
	Phase        string            `json:"phase,omitempty"`
	Severity     string            `json:"severity,omitempty"`
	Status       string            `json:"status,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	URLs         []string          `json:"urls,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
}

// modelsResponse is GET /v1/models's body, matching OpenAI's list shape.
type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// FixedModelID is the single model identifier this server reports, chosen
// so generic OpenAI-compatible clients have something to pin their request
// to without needing real model selection.
const FixedModelID = "deployment-orchestrator-v1"

// healthResponse mirrors the teacher's HealthResponse shape, generalized
// from git/db reachability to the orchestrator's own dependency surface.
type healthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	DatabaseAccessible bool   `json:"database_accessible"`
}

// Version is the orchestrator's reported build version.
const Version = "1.0.0"
