// Package workspace allocates, locates, and garbage-collects the per-deployment
// directories that hold a deployment's source checkout, rendered templates,
// IaC state, and logs.
//
// Grounded on the teacher's filesystem discipline in git.Client (local
// checkout under a configured root, directories created with os.MkdirAll and
// restrictive file permissions) and on gitops.Service's work-dir convention,
// generalized from "one shared gitops checkout" to "one directory per
// deployment id".
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/deploysmith/orchestrator/internal/apperrors"
)

// Subdirectories created under every workspace, per the stable layout in
// spec.md §6.
const (
	SourceDir    = "source"
	TFDir        = "tf"
	ManifestsDir = "manifests"
	LogsDir      = "logs"
	MetaFile     = "meta.json"
	stateMarker  = "state.exists"
)

// Workspace is a handle to one deployment's on-disk directory.
type Workspace struct {
	ID   string
	Root string
}

func (w *Workspace) SourcePath() string    { return filepath.Join(w.Root, SourceDir) }
func (w *Workspace) TFPath() string        { return filepath.Join(w.Root, TFDir) }
func (w *Workspace) ManifestsPath() string { return filepath.Join(w.Root, ManifestsDir) }
func (w *Workspace) LogsPath() string      { return filepath.Join(w.Root, LogsDir) }
func (w *Workspace) MetaPath() string      { return filepath.Join(w.Root, MetaFile) }
func (w *Workspace) StateMarkerPath() string {
	return filepath.Join(w.TFPath(), stateMarker)
}

// Store manages workspaces rooted under BaseDir.
type Store struct {
	BaseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a Store rooted at baseDir, creating it if necessary.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base dir: %w", err)
	}
	return &Store{BaseDir: baseDir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.BaseDir, id)
}

// Allocate creates a fresh workspace for id. It fails if the directory
// already exists — resumption is modeled by Locate, not by re-Allocate.
func (s *Store) Allocate(id string) (*Workspace, error) {
	root := s.pathFor(id)
	if _, err := os.Stat(root); err == nil {
		return nil, apperrors.NewValidationError("workspace for deployment %q already exists", id)
	}

	for _, dir := range []string{SourceDir, TFDir, ManifestsDir, LogsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory %q: %w", dir, err)
		}
	}

	return &Workspace{ID: id, Root: root}, nil
}

// Locate performs a read-only lookup of an existing workspace.
func (s *Store) Locate(id string) (*Workspace, error) {
	root := s.pathFor(id)
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("workspace for deployment %q not found: %w", id, err)
	}
	return &Workspace{ID: id, Root: root}, nil
}

// Release recursively deletes the workspace. For cloud modes this is a
// policy violation unless the caller has already run IaC destroy — enforced
// by refusing unless force is set or no state marker is present.
func (s *Store) Release(id string, force bool) error {
	ws, err := s.Locate(id)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(ws.StateMarkerPath()); statErr == nil && !force {
		return apperrors.NewValidationError(
			"workspace %q still has undestroyed IaC state; destroy it or pass force", id)
	}

	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("failed to remove workspace %q: %w", id, err)
	}
	return nil
}

// Lock returns an unlock function after acquiring the advisory, in-process
// exclusive lock for id. The in-process map is authoritative (single-node
// orchestrator per spec.md's concurrency model); a .lock marker file is
// written alongside it purely so an operator inspecting the workspace on
// disk can see that it is held.
func (s *Store) Lock(id string) (func(), error) {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()

	m.Lock()

	lockFile := filepath.Join(s.pathFor(id), ".lock")
	_ = os.WriteFile(lockFile, []byte{}, 0o644)

	return func() {
		_ = os.Remove(lockFile)
		m.Unlock()
	}, nil
}

// MarkStateExists writes the tf/state.exists marker consulted by Release.
func MarkStateExists(ws *Workspace) error {
	return os.WriteFile(ws.StateMarkerPath(), []byte{}, 0o644)
}

// ClearStateExists removes the marker after a successful destroy.
func ClearStateExists(ws *Workspace) error {
	err := os.Remove(ws.StateMarkerPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
