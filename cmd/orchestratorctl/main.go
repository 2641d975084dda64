package main

import (
	"os"

	"github.com/deploysmith/orchestrator/internal/orchestratorctl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
