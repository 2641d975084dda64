// Package cmd is the orchestratorctl cobra command tree: a thin wrapper
// around orchestratord's HTTP endpoint, not part of the pipeline core.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "orchestratorctl",
	Short: "CLI for the on-demand application deployment orchestrator",
	Long: `orchestratorctl talks to a running orchestratord instance over its
chat-completions HTTP endpoint.

Example usage:
  orchestratorctl deploy-local --app-name my-api --repo-url https://github.com/acme/my-api.git
  orchestratorctl deploy-cloud-hosted --app-name my-api --repo-url https://github.com/acme/my-api.git --cluster-name prod

Both deploy commands build the image from --repo-url; neither takes a
pre-built image reference.`,
}

// Execute runs the command tree, returning the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server-url", envOr("ORCHESTRATOR_URL", "http://localhost:8080"), "orchestratord base URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
