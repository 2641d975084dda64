package pipeline

import (
	"context"
	"strings"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/credentials"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/manifests"
	"github.com/deploysmith/orchestrator/internal/render"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
	"github.com/deploysmith/orchestrator/internal/workspace"
)

// Deps bundles everything a mode pipeline needs to run a single deployment.
// Constructed once at process startup and shared read-only across
// concurrently running pipeline goroutines.
type Deps struct {
	Config     *config.Config
	Workspaces *workspace.Store
	DB         *deployment.Store
	Renderer   *render.Renderer
	Runner     *subprocrunner.Runner
	Registry   *Registry
}

// Request carries the request-scoped inputs a Dispatcher.Handle call needs
// beyond the persisted Deployment record: the chat request's credentials
// and (for deploy) the mode-specific fields.
type Request struct {
	Deployment  *deployment.Deployment
	Credentials *credentials.RequestCredentials
	NewReplicas int // scale only
}

// newEventChan bridges the events.Sink function style every stage component
// expects to a channel the caller can range over.
func newEventChan(buf int) (chan Event, events.Sink) {
	ch := make(chan Event, buf)
	sink := func(e events.Event) {
		ch <- e
	}
	return ch, sink
}

// runStage executes fn and, if it succeeds, transitions to `to`. On error it
// returns fn's error without any transition; the caller records the failure
// with fail. fn is expected to have already emitted its own Progress Events
// via the Sink passed to the stage component.
func runStage(sm *StateMachine, to deployment.State, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	return sm.Transition(to, "stage complete")
}

// manifestGeneratorFor builds a manifests.Generator scoped to a deployment's
// image registry (ECR when the image reference looks like one, otherwise
// unauthenticated).
func manifestGeneratorFor(r *render.Renderer, imageRef string) *manifests.Generator {
	var reg *manifests.RegistryConfig
	if isECRImage(imageRef) {
		reg = &manifests.RegistryConfig{Type: "ecr"}
	}
	return manifests.NewGenerator(r, reg)
}

func isECRImage(ref string) bool {
	return strings.Contains(ref, ".dkr.ecr.") && strings.Contains(ref, ".amazonaws.com")
}

// fail persists a terminal failed transition plus the triggering error's
// Kind, then returns the same error. It emits no Progress Event; the error
// reaches the client through the Deployment's ErrorKind/ErrorMsg.
func fail(sm *StateMachine, db *deployment.Store, ws *workspace.Workspace, d *deployment.Deployment, err error) error {
	_ = sm.Transition(deployment.StateFailed, err.Error())
	d.ErrorMsg = err.Error()
	if k, ok := err.(apperrors.Kinder); ok {
		d.ErrorKind = string(k.Kind())
	}
	if ws != nil {
		_ = deployment.WriteMeta(ws, d)
	}
	if db != nil {
		_ = db.Upsert(d)
	}
	return err
}

// ctxOrBackground returns ctx if non-nil, else context.Background — Run
// functions are always called with a real context from the Dispatcher, this
// only guards direct unit-test construction.
func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// redactingSink wraps sink so every event's message passes through scope's
// Redact before it reaches the channel, keeping credential material out of
// the chat stream and any subprocess output relayed through it (P3). A nil
// scope (modes that never acquire one) returns sink unchanged.
func redactingSink(sink events.Sink, scope *credentials.Scope) events.Sink {
	if scope == nil {
		return sink
	}
	return func(e events.Event) {
		e.Message = scope.Redact(e.Message)
		sink(e)
	}
}
