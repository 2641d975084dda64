// Package source clones an application's source repository into a
// deployment workspace and inspects it for a container recipe.
//
// Grounded on the teacher's git.Client (git/git.go), which drives go-git v5
// for clone/pull/commit/push against a gitops manifest repo. Adapted here
// from "push generated manifests into a known repo" to "pull an arbitrary
// application repo and report what's in it" — the repo is read-only from
// this package's point of view, so no worktree, commit, or push machinery
// survives the adaptation.
package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
)

const stageName = "source"

// Auth carries optional credentials for a private source repository.
// Zero value means unauthenticated (anonymous HTTPS clone).
type Auth struct {
	Username string
	Token    string
}

// Snapshot is everything the rest of the pipeline needs to know about the
// fetched source tree.
type Snapshot struct {
	CommitSHA         string
	HasContainerRecipe bool
	RecipePath        string
	HasReadme         bool
	BuildCommand      string
	RunCommand        string
	Port              string
}

var portPattern = regexp.MustCompile(`:(\d{2,5})\b`)

// Fetch clones repoURL into dir and inspects the result. A missing container
// recipe (no Dockerfile or Containerfile at repo root) is reported as a
// warning Progress Event and returned as a SourceError, aborting the stage.
func Fetch(ctx context.Context, dir, repoURL string, auth *Auth, sink events.Sink) (*Snapshot, error) {
	events.Start(sink, stageName, fmt.Sprintf("cloning %s", repoURL))

	opts := &git.CloneOptions{URL: repoURL, SingleBranch: true}
	if auth != nil && auth.Token != "" {
		opts.Auth = &http.BasicAuth{Username: auth.Username, Password: auth.Token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		events.Fail(sink, stageName, "clone failed")
		return nil, apperrors.WrapSourceError(err, "failed to clone %s", repoURL)
	}

	head, err := repo.Head()
	if err != nil {
		events.Fail(sink, stageName, "repository has no HEAD")
		return nil, apperrors.WrapSourceError(err, "failed to resolve HEAD for %s", repoURL)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		events.Fail(sink, stageName, "could not load HEAD commit")
		return nil, apperrors.WrapSourceError(err, "failed to load commit object for %s", repoURL)
	}

	snap := &Snapshot{CommitSHA: commit.Hash.String()}
	events.Log(sink, stageName, fmt.Sprintf("cloned at %s", snap.CommitSHA[:12]))

	recipePath, hasRecipe := findContainerRecipe(dir)
	snap.HasContainerRecipe = hasRecipe
	snap.RecipePath = recipePath

	readmePath, hasReadme := findReadme(dir)
	snap.HasReadme = hasReadme
	if hasReadme {
		inspectReadme(readmePath, snap)
	}

	if !snap.HasContainerRecipe {
		events.Warn(sink, stageName, "no Dockerfile or Containerfile found at repository root")
		return snap, apperrors.NewSourceError("no container recipe found in %s", repoURL)
	}

	events.End(sink, stageName, "source ready")
	return snap, nil
}

func findContainerRecipe(dir string) (string, bool) {
	for _, name := range []string{"Dockerfile", "Containerfile"} {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return name, true
		}
	}
	return "", false
}

func findReadme(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(e.Name()), "README") {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// inspectReadme runs a single scan over the readme looking for build/run/
// start/port keywords, taking the first command-looking line seen after
// each keyword and any :<digits> port token anywhere in the file.
func inspectReadme(path string, snap *Snapshot) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)

		if snap.Port == "" {
			if m := portPattern.FindStringSubmatch(line); m != nil {
				snap.Port = m[1]
			}
		}

		if snap.BuildCommand == "" && strings.Contains(lower, "build") {
			if cmd := extractCommand(line); cmd != "" {
				snap.BuildCommand = cmd
			}
		}

		if snap.RunCommand == "" && (strings.Contains(lower, "run") || strings.Contains(lower, "start")) {
			if cmd := extractCommand(line); cmd != "" {
				snap.RunCommand = cmd
			}
		}
	}
}

// extractCommand returns the trimmed content of a markdown code-span or
// fenced-code line (the common shape for a command in a README), or empty
// if the line doesn't look like one.
func extractCommand(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "```") {
		return ""
	}
	if strings.Count(trimmed, "`") >= 2 {
		start := strings.Index(trimmed, "`")
		end := strings.LastIndex(trimmed, "`")
		if end > start {
			return strings.TrimSpace(trimmed[start+1 : end])
		}
	}
	if strings.HasPrefix(trimmed, "$ ") {
		return strings.TrimPrefix(trimmed, "$ ")
	}
	return ""
}
