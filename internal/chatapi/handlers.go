package chatapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deploysmith/orchestrator/internal/credentials"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/pipeline"
)

func (s *Server) handleHealth(c *gin.Context) {
	dbOK := true
	if s.db != nil {
		dbOK = s.db.Ping() == nil
	}

	status := "healthy"
	if !dbOK {
		status = "degraded"
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:             status,
		Version:            Version,
		DatabaseAccessible: dbOK,
	})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, modelsResponse{
		Object: "list",
		Data: []modelInfo{
			{ID: FixedModelID, Object: "model", OwnedBy: "deploysmith"},
		},
	})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "ValidationError"}})
		return
	}

	if req.Action == "" || req.Action == string(pipeline.ActionDeploy) {
		s.applyIntent(c, &req)
	}

	action, err := validate(&req, s.config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error(), "type": "ValidationError"}})
		return
	}

	d, pipelineReq := buildRequest(&req, action)

	ch, err := s.dispatcher.Handle(c.Request.Context(), action, pipelineReq)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"message": err.Error(), "type": "ValidationError"}})
		return
	}

	if req.Stream {
		s.streamEvents(c, d, ch)
		return
	}
	s.aggregateEvents(c, d, ch)
}

// applyIntent asks the optional Intent Extractor to fill in any deployment
// fields the request left blank, reading the last user message as the
// source text. A nil extractor or an extraction failure leaves req
// unchanged — intent extraction never blocks or fails a request.
func (s *Server) applyIntent(c *gin.Context, req *ChatRequest) {
	if s.extractor == nil {
		return
	}
	text := req.lastUserMessage()
	if text == "" {
		return
	}

	fields, err := s.extractor.Extract(c.Request.Context(), text)
	if err != nil || fields == nil {
		return
	}

	if req.GitHubRepoURL == "" {
		req.GitHubRepoURL = fields.GitHubRepoURL
	}
	if req.DeploymentMode == "" {
		req.DeploymentMode = fields.DeploymentMode
	}
	if req.TargetNamespace == "" {
		req.TargetNamespace = fields.TargetNamespace
	}
	if req.Replicas == 0 {
		req.Replicas = fields.Replicas
	}
	if req.BaseHostedZoneID == "" {
		req.BaseHostedZoneID = fields.BaseHostedZoneID
	}
	if req.AppSubdomainLabel == "" {
		req.AppSubdomainLabel = fields.AppSubdomainLabel
	}
}

// buildRequest translates the wire-level ChatRequest into the domain
// Deployment and pipeline.Request the Dispatcher expects. Deploy actions
// mint a fresh Deployment; the three lifecycle actions only need an id for
// the Dispatcher to look the existing one up by, the rest of its fields are
// filled in by the Dispatcher from meta.json before the pipeline runs.
//
// The returned *deployment.Deployment is the same pointer the dispatcher's
// goroutine mutates in place as the pipeline progresses (State, ImageRef,
// Outputs, ErrorKind/ErrorMsg) — once the event channel this call also
// returns is closed, reading those fields back off it is safe and is how
// the terminal chunk gets its real status and outputs.
func buildRequest(req *ChatRequest, action pipeline.Action) (*deployment.Deployment, pipeline.Request) {
	var d *deployment.Deployment

	if action == pipeline.ActionDeploy {
		id := req.InstanceName
		if id == "" {
			id = uuid.New().String()
		}
		namespace := req.TargetNamespace
		if namespace == "" {
			namespace = id
		}
		d = deployment.NewDeployment(id, deployment.Mode(req.DeploymentMode), req.GitHubRepoURL, namespace)
		d.EC2KeyName = req.EC2KeyName
		d.InstanceName = req.InstanceName
		d.BaseHostedZoneID = req.BaseHostedZoneID
		d.AppSubdomainLabel = req.AppSubdomainLabel
		d.EnvVars = req.envVars()
		d.Replicas = req.Replicas
	} else {
		d = &deployment.Deployment{ID: req.InstanceID}
	}

	var creds *credentials.RequestCredentials
	if req.AWSCredentials != nil {
		creds = &credentials.RequestCredentials{
			AccessKeyID:     req.AWSCredentials.AccessKeyID,
			SecretAccessKey: req.AWSCredentials.SecretAccessKey,
			Region:          req.AWSCredentials.Region,
		}
	}

	return d, pipeline.Request{
		Deployment:  d,
		Credentials: creds,
		NewReplicas: req.Replicas,
	}
}

// streamEvents relays pipeline.Events as chat-completion-delta SSE chunks,
// matching the wire shape spec.md §4.10 asks for: data: {...}\n\n per event,
// terminated by data: [DONE]\n\n. gin's Context.Stream re-invokes the
// callback until it returns false or the channel is exhausted.
func (s *Server) streamEvents(c *gin.Context, d *deployment.Deployment, ch <-chan pipeline.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-ch
		if !ok {
			writeChunk(w, terminalChunk(d))
			fmt.Fprint(w, "data: [DONE]\n\n")
			return false
		}
		writeChunk(w, eventChunk(d.ID, event))
		return true
	})
}

// aggregateEvents drains ch and returns one aggregated chat-completion
// object carrying the terminal outcome, for stream=false callers.
func (s *Server) aggregateEvents(c *gin.Context, d *deployment.Deployment, ch <-chan pipeline.Event) {
	for range ch {
	}

	chunk := terminalChunk(d)
	finishReason := "stop"
	chunk.Choices[0].FinishReason = &finishReason
	c.JSON(http.StatusOK, chunk)
}

func writeChunk(w io.Writer, chunk chatCompletionChunk) {
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func eventChunk(deploymentID string, event pipeline.Event) chatCompletionChunk {
	return chatCompletionChunk{
		ID:     deploymentID,
		Object: "chat.completion.chunk",
		Model:  FixedModelID,
		Choices: []chatCompletionChoice{{
			Delta: chatCompletionDelta{Content: event.Message},
		}},
		Deployment: &deploymentDelta{
			DeploymentID: deploymentID,
			Stage:        event.Stage,
			Phase:        string(event.Phase),
			Severity:     string(event.Severity),
		},
	}
}

// terminalChunk builds the final delta carrying {deployment_id, status,
// urls, outputs} per spec.md §6, read directly off the Deployment the
// pipeline goroutine has just finished mutating.
func terminalChunk(d *deployment.Deployment) chatCompletionChunk {
	status := string(d.State)
	message := fmt.Sprintf("deployment %s: %s", d.ID, status)
	if d.ErrorMsg != "" {
		message = d.ErrorMsg
	}

	return chatCompletionChunk{
		ID:     d.ID,
		Object: "chat.completion.chunk",
		Model:  FixedModelID,
		Choices: []chatCompletionChoice{{
			Delta: chatCompletionDelta{Content: message},
		}},
		Deployment: &deploymentDelta{
			DeploymentID: d.ID,
			Status:       status,
			ErrorKind:    d.ErrorKind,
			URLs:         deploymentURLs(d),
			Outputs:      d.Outputs,
		},
	}
}

// deploymentURLs derives the access URL(s) from whichever output fields the
// mode populated, matching the end-to-end scenarios in spec.md §8: a
// nodeport URL for local/cloud-local, an HTTPS custom-domain URL for
// cloud-hosted with DNS configured.
func deploymentURLs(d *deployment.Deployment) []string {
	if d.Outputs == nil {
		return nil
	}
	if url, ok := d.Outputs["app_url_https"]; ok && url != "" {
		return []string{url}
	}
	if ip, ok := d.Outputs["public_ip"]; ok && ip != "" {
		return []string{fmt.Sprintf("http://%s", ip)}
	}
	return nil
}
