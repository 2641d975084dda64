// Command orchestratord is the HTTP server entrypoint: it loads
// configuration, wires every component together, and serves the chat API
// front-end. Structured the way the teacher's main.go does — load config,
// initialize dependencies in order, hand the assembled server to Run.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/deploysmith/orchestrator/internal/chatapi"
	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/intent"
	"github.com/deploysmith/orchestrator/internal/logging"
	"github.com/deploysmith/orchestrator/internal/pipeline"
	"github.com/deploysmith/orchestrator/internal/render"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
	"github.com/deploysmith/orchestrator/internal/workspace"
)

func main() {
	configPath := flag.String("config", os.Getenv("ORCHESTRATOR_CONFIG"), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", "workspace_base_dir", cfg.WorkspaceBaseDir, "port", cfg.Server.Port)

	db, err := deployment.NewStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to open deployment index: %v", err)
	}
	defer db.Close()

	ws, err := workspace.NewStore(cfg.WorkspaceBaseDir)
	if err != nil {
		log.Fatalf("failed to open workspace store: %v", err)
	}

	renderer, err := render.New()
	if err != nil {
		log.Fatalf("failed to load templates: %v", err)
	}

	deps := &pipeline.Deps{
		Config:     cfg,
		Workspaces: ws,
		DB:         db,
		Renderer:   renderer,
		Runner:     subprocrunner.New(),
		Registry:   pipeline.NewRegistry(),
	}
	dispatcher := &pipeline.Dispatcher{Deps: deps}

	var extractor *intent.Extractor
	if cfg.AzureOpenAI.Enabled() {
		extractor = intent.New(cfg.AzureOpenAI, logger)
		logger.Info("intent extraction enabled", "deployment", cfg.AzureOpenAI.Deployment)
	} else {
		logger.Info("intent extraction disabled: AZURE_OPENAI_* not configured")
	}

	server := chatapi.NewServer(cfg, dispatcher, db, extractor, logger)

	logger.Info("starting orchestrator")
	if err := server.Run(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
