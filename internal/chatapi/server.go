package chatapi

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/intent"
	"github.com/deploysmith/orchestrator/internal/pipeline"
	"github.com/deploysmith/orchestrator/internal/shared/validation"
)

// Server is the chat-completions-shaped HTTP front-end. Constructed once at
// process startup; handler methods close over it rather than carrying state
// of their own, matching the teacher's api.Server shape.
type Server struct {
	config     *config.Config
	dispatcher *pipeline.Dispatcher
	db         *deployment.Store
	extractor  *intent.Extractor // nil when AZURE_OPENAI_* is not configured
	logger     *slog.Logger
	router     *gin.Engine
}

// NewServer wires the gin router the way the teacher's NewServer does:
// debug mode toggled by the configured log level, routes registered in
// setupRoutes, no auth middleware (this endpoint is meant for a chat client
// on a private network, matching spec.md's Non-goals around auth).
func NewServer(cfg *config.Config, dispatcher *pipeline.Dispatcher, db *deployment.Store, extractor *intent.Extractor, logger *slog.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := validation.Register(v); err != nil {
			logger.Warn("failed to register custom request validators", "error", err)
		}
	}

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		db:         db,
		extractor:  extractor,
		logger:     logger.With("component", "chatapi"),
		router:     gin.Default(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/v1/models", s.handleModels)
	s.router.POST("/v1/chat/completions", s.handleChatCompletions)
}

// Handler returns the underlying gin engine, for use by handler tests via
// httptest; cmd/orchestratord starts the listener through Run instead.
func (s *Server) Handler() *gin.Engine { return s.router }

// Run starts the HTTP listener on the configured port, blocking until it
// exits. Mirrors the teacher's Server.Run.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	s.logger.Info("starting chat API server", "addr", addr)
	return s.router.Run(addr)
}
