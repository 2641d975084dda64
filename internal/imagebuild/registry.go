package imagebuild

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/events"
	"github.com/deploysmith/orchestrator/internal/subprocrunner"
)

// RegistryCredentials is the scoped AWS session used to authenticate to ECR.
type RegistryCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// RegistryStrategy builds the image locally, then authenticates to an ECR
// repository and pushes with go-containerregistry — the same library the
// teacher uses read-only in registry.Client.ListVersions/TagExists.
type RegistryStrategy struct {
	Runner *subprocrunner.Runner
	Creds  RegistryCredentials
	Sink   events.Sink
}

func (s *RegistryStrategy) Build(ctx context.Context, in BuildInput) (*Reference, error) {
	fullRef := fmt.Sprintf("%s:%s", in.Repository, Tag(in.DeploymentID, in.CommitSHA, buildTime()))

	emitStart(s.Sink, fmt.Sprintf("building %s", fullRef))
	tarPath := in.SourceDir + "/.image.tar"

	result, err := s.Runner.Run(ctx, subprocrunner.Spec{
		Name: in.BuilderBin,
		Args: []string{"build", "-t", fullRef, "-o", "type=docker,dest=" + tarPath, "."},
		Dir:  in.SourceDir,
		OnLine: func(_ subprocrunner.Stream, line string) {
			emitLog(s.Sink, line)
		},
	})
	if err != nil {
		emitFail(s.Sink, "build launch failed")
		return nil, err
	}
	if result.ExitCode != 0 {
		emitFail(s.Sink, fmt.Sprintf("build exited with code %d", result.ExitCode))
		return nil, buildExitError(in.BuilderBin, result)
	}

	authConfig, _, err := s.authorize(ctx)
	if err != nil {
		emitFail(s.Sink, "ecr authorization failed")
		return nil, err
	}

	if err := s.push(fullRef, tarPath, authConfig); err != nil {
		emitFail(s.Sink, "push to registry failed")
		return nil, err
	}

	emitEnd(s.Sink, fmt.Sprintf("pushed %s", fullRef))
	return &Reference{Tag: fullRef, Repository: in.Repository, FullRef: fullRef}, nil
}

// authorize calls ecr.GetAuthorizationToken using the Credential Scope's
// static AWS credentials and decodes the basic-auth token and registry host
// it returns.
func (s *RegistryStrategy) authorize(ctx context.Context) (*authn.Basic, string, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s.Creds.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.Creds.AccessKeyID, s.Creds.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, "", apperrors.NewCredentialError("failed to load AWS config: %v", err)
	}

	client := ecr.NewFromConfig(cfg)
	out, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, "", apperrors.NewCredentialError("failed to get ECR authorization token: %v", err)
	}
	if len(out.AuthorizationData) == 0 {
		return nil, "", apperrors.NewCredentialError("ECR returned no authorization data")
	}
	authData := out.AuthorizationData[0]

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(authData.AuthorizationToken))
	if err != nil {
		return nil, "", apperrors.NewCredentialError("failed to decode ECR authorization token: %v", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, "", apperrors.NewCredentialError("malformed ECR authorization token")
	}

	registryHost := aws.ToString(authData.ProxyEndpoint)
	if u, err := url.Parse(registryHost); err == nil && u.Host != "" {
		registryHost = u.Host
	}

	return &authn.Basic{Username: parts[0], Password: parts[1]}, registryHost, nil
}

// ResolveRepository authenticates to ECR and returns the fully-qualified
// repository name (registry host plus repoName) a subsequent Build call
// should use as BuildInput.Repository, so the pipeline doesn't need to
// guess or configure an AWS account id.
func (s *RegistryStrategy) ResolveRepository(ctx context.Context, repoName string) (string, error) {
	_, host, err := s.authorize(ctx)
	if err != nil {
		return "", err
	}
	return host + "/" + repoName, nil
}

func (s *RegistryStrategy) push(fullRef, tarPath string, auth *authn.Basic) error {
	ref, err := name.ParseReference(fullRef)
	if err != nil {
		return fmt.Errorf("invalid image reference %q: %w", fullRef, err)
	}

	img, err := tarball.ImageFromPath(tarPath, nil)
	if err != nil {
		return fmt.Errorf("failed to load built image from %q: %w", tarPath, err)
	}

	if err := remote.Write(ref, img, remote.WithAuth(auth)); err != nil {
		return fmt.Errorf("failed to push %s: %w", fullRef, err)
	}
	return nil
}
