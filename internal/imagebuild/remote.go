package imagebuild

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
)

// RemoteStrategy builds on the cloud-local VM reached over SSH, whose kind
// cluster uses that VM's docker daemon rather than the orchestrator's: the
// workspace source is tarred, streamed over an SSH session's stdin, and
// untarred remotely before the remote builder runs. It does not load the
// built image into the cluster afterwards.
//
// Adapted from the teacher's gitops.Service.getAuth, which loads an
// ssh.PublicKeys auth method for go-git's transport; here the same key file
// drives a raw golang.org/x/crypto/ssh.Client so commands can be executed
// directly, since there is no git transport involved in getting source bits
// onto the build host.
type RemoteStrategy struct {
	Host          string
	User          string
	KeyFile       string
	RemoteDir     string
	RemoteBuilder string
	Sink          events.Sink

	// Client, when set, is reused instead of dialing a fresh connection.
	// The cloud-local pipeline keeps one SSH client alive across the build
	// and cluster-bootstrap stages; the cloud-hosted pipeline builds with
	// RegistryStrategy and never uses RemoteStrategy.
	Client *ssh.Client
}

func (s *RemoteStrategy) Build(ctx context.Context, in BuildInput) (*Reference, error) {
	client := s.Client
	if client == nil {
		keyData, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return nil, apperrors.NewConfigurationError("could not read SSH private key %q: %v", s.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, apperrors.NewConfigurationError("could not parse SSH private key %q: %v", s.KeyFile, err)
		}

		clientConfig := &ssh.ClientConfig{
			User:            s.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		}

		emitStart(s.Sink, fmt.Sprintf("connecting to build host %s", s.Host))
		dialed, err := ssh.Dial("tcp", s.Host, clientConfig)
		if err != nil {
			emitFail(s.Sink, "ssh dial failed")
			return nil, apperrors.WrapSourceError(err, "failed to connect to build host %s", s.Host)
		}
		defer dialed.Close()
		client = dialed
	}

	if err := s.streamTarball(client, in.SourceDir); err != nil {
		emitFail(s.Sink, "source upload failed")
		return nil, err
	}
	emitLog(s.Sink, "source uploaded to build host")

	fullRef := fmt.Sprintf("%s:%s", in.Repository, Tag(in.DeploymentID, in.CommitSHA, buildTime()))
	buildCmd := fmt.Sprintf("%s build -t %s %s", s.RemoteBuilder, fullRef, s.RemoteDir)
	if err := s.runRemote(client, buildCmd); err != nil {
		emitFail(s.Sink, "remote build failed")
		return nil, err
	}

	emitEnd(s.Sink, fmt.Sprintf("built %s on %s", fullRef, s.Host))
	return &Reference{Tag: fullRef, Repository: in.Repository, FullRef: fullRef}, nil
}

// streamTarball tars dir and streams it over an SSH session's stdin to a
// remote `tar -xzf - -C <remote dir>`.
func (s *RemoteStrategy) streamTarball(client *ssh.Client, dir string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open session stdin: %w", err)
	}

	if err := session.Start(fmt.Sprintf("mkdir -p %s && tar -xzf - -C %s", s.RemoteDir, s.RemoteDir)); err != nil {
		return fmt.Errorf("failed to start remote extract: %w", err)
	}

	if err := writeTarGz(stdin, dir); err != nil {
		return fmt.Errorf("failed to stream source tarball: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin after tarball: %w", err)
	}

	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote extract failed: %w", err)
	}
	return nil
}

func (s *RemoteStrategy) runRemote(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	for _, line := range splitLines(out) {
		emitLog(s.Sink, line)
	}
	if err != nil {
		return apperrors.NewSubprocessExitError(command, exitCodeFromErr(err), splitLines(out))
	}
	return nil
}

func writeTarGz(w io.Writer, srcDir string) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
