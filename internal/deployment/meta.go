package deployment

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/deploysmith/orchestrator/internal/workspace"
)

// WriteMeta persists d as the workspace's meta.json, the authoritative record
// consulted when resuming, redeploying, or decommissioning. Unknown fields on
// read are ignored by Go's json package by default, satisfying the
// forward-compatibility requirement in spec.md §6.
func WriteMeta(ws *workspace.Workspace, d *Deployment) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta.json: %w", err)
	}
	if err := os.WriteFile(ws.MetaPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write meta.json: %w", err)
	}
	return nil
}

// ReadMeta loads a workspace's meta.json.
func ReadMeta(ws *workspace.Workspace) (*Deployment, error) {
	data, err := os.ReadFile(ws.MetaPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read meta.json: %w", err)
	}
	var d Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse meta.json: %w", err)
	}
	return &d, nil
}
