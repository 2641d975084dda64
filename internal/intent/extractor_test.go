package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestExtractor points an Extractor at an httptest server running
// handler, which stands in for the real Azure endpoint.
func newTestExtractor(t *testing.T, handler http.HandlerFunc) *Extractor {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = server.URL
	cfg.HTTPClient = server.Client()

	return newWithClient(openai.NewClientWithConfig(cfg), "test-deployment", noopLogger())
}

func chatCompletionResponseBody(content string) string {
	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Model:   "test-deployment",
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestExtractReturnsParsedFields(t *testing.T) {
	content := `{"github_repo_url":"https://github.com/acme/widget","deployment_mode":"cloud-hosted","replicas":3}`
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatCompletionResponseBody(content))
	})

	fields, err := e.Extract(context.Background(), "deploy acme/widget to the cloud with 3 replicas")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widget", fields.GitHubRepoURL)
	assert.Equal(t, "cloud-hosted", fields.DeploymentMode)
	assert.Equal(t, 3, fields.Replicas)
}

func TestExtractOnNilReceiverReturnsEmptyFields(t *testing.T) {
	var e *Extractor
	fields, err := e.Extract(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, &Fields{}, fields)
}

func TestExtractOnCallFailureReturnsError(t *testing.T) {
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	fields, err := e.Extract(context.Background(), "deploy something")
	require.Error(t, err)
	assert.Nil(t, fields)
}

func TestExtractOnNonJSONResponseReturnsError(t *testing.T) {
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatCompletionResponseBody("sure thing, deploying now!"))
	})

	fields, err := e.Extract(context.Background(), "deploy something")
	require.Error(t, err)
	assert.Nil(t, fields)
}

func TestExtractOnEmptyChoicesReturnsEmptyFields(t *testing.T) {
	resp := openai.ChatCompletionResponse{ID: "chatcmpl-empty", Object: "chat.completion"}
	data, _ := json.Marshal(resp)
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})

	fields, err := e.Extract(context.Background(), "deploy something")
	require.NoError(t, err)
	assert.Equal(t, &Fields{}, fields)
}
