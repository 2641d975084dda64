package chatapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/pipeline"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
	"github.com/deploysmith/orchestrator/internal/workspace"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ws, err := workspace.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{}
	disp := &pipeline.Dispatcher{Deps: &pipeline.Deps{
		Config:     cfg,
		Workspaces: ws,
		Registry:   pipeline.NewRegistry(),
		Runner:     subprocrunner.New(),
	}}

	return NewServer(cfg, disp, nil, nil, noopLogger())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
}

func TestHandleModels(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body modelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, FixedModelID, body.Data[0].ID)
}

func TestHandleChatCompletionsRejectsMissingDeploymentMode(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(ChatRequest{Action: "deploy"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "deployment_mode")
}

func TestHandleChatCompletionsRejectsDuplicateInFlight(t *testing.T) {
	s := newTestServer(t)
	s.dispatcher.Deps.Registry.TryStart("dep-1", deployment.ModeLocal)

	body, _ := json.Marshal(ChatRequest{Action: "deploy", DeploymentMode: "local", InstanceName: "dep-1"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already has a running pipeline")
}

func TestHandleChatCompletionsRejectsUnknownRedeployTarget(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(ChatRequest{Action: "redeploy", InstanceID: "does-not-exist"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}
