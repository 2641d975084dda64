// Package intent optionally fills in missing deployment fields on a chat
// request by asking an LLM to read the user's free-form message. It is
// never required: callers merge its output only into fields the request left
// empty, before structured validation runs, and a request without an
// extractor configured is validated as it came.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/deploysmith/orchestrator/internal/config"
)

// Fields is the small structured schema the model is asked to extract.
// Every field is optional; the caller only uses the ones its own request
// left blank.
type Fields struct {
	GitHubRepoURL     string `json:"github_repo_url"`
	DeploymentMode    string `json:"deployment_mode"`
	TargetNamespace   string `json:"target_namespace"`
	Replicas          int    `json:"replicas"`
	BaseHostedZoneID  string `json:"base_hosted_zone_id"`
	AppSubdomainLabel string `json:"app_subdomain_label"`
}

const systemPrompt = `You extract application deployment intent from a user's message.
Respond with nothing but a single JSON object with these keys, omitting any you
cannot determine: github_repo_url, deployment_mode (one of local, cloud-local,
cloud-hosted), target_namespace, replicas, base_hosted_zone_id, app_subdomain_label.`

// Extractor wraps an Azure-OpenAI-backed chat client. Construct one only
// when config.AzureOpenAIConfig.Enabled(); a nil *Extractor is the "disabled"
// state callers check for before use.
type Extractor struct {
	client     *openai.Client
	deployment string
	logger     *slog.Logger
}

// New builds an Extractor from Azure OpenAI configuration. Callers should
// only call this when cfg.Enabled() is true.
func New(cfg config.AzureOpenAIConfig, logger *slog.Logger) *Extractor {
	azureCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	azureCfg.APIVersion = cfg.APIVersion
	azureCfg.AzureModelMapperFunc = func(model string) string { return cfg.Deployment }

	return newWithClient(openai.NewClientWithConfig(azureCfg), cfg.Deployment, logger)
}

// newWithClient is the seam tests use to point the extractor at an
// httptest server instead of a real Azure OpenAI endpoint.
func newWithClient(client *openai.Client, deployment string, logger *slog.Logger) *Extractor {
	return &Extractor{
		client:     client,
		deployment: deployment,
		logger:     logger.With("component", "intent"),
	}
}

// Extract asks the model to read text and returns whatever structured
// fields it could find. A nil error with a zero-value Fields means the
// model simply found nothing; an error means the call itself failed (rate
// limit, malformed response, network) and the caller should degrade to
// asking the user directly rather than failing the pipeline.
func (e *Extractor) Extract(ctx context.Context, text string) (*Fields, error) {
	if e == nil {
		return &Fields{}, nil
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.deployment,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		e.logger.Warn("intent extraction call failed", "error", err)
		return nil, fmt.Errorf("intent extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &Fields{}, nil
	}

	var fields Fields
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &fields); err != nil {
		e.logger.Warn("intent extraction returned non-JSON response", "error", err)
		return nil, fmt.Errorf("intent extraction: parse response: %w", err)
	}
	return &fields, nil
}
