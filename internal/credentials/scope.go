// Package credentials binds cloud credentials to a single pipeline
// invocation. Scope is never written to disk; it flows only into subprocess
// environments and the AWS SDK's static credential provider, and it redacts
// itself out of anything bound for a log line or a chat stream.
package credentials

import (
	"strings"

	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/config"
)

// Scope is a per-invocation bundle of cloud credentials.
type Scope struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// RequestCredentials is the subset of the chat request carrying credentials.
type RequestCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Acquire resolves credentials in priority order: request body > server
// default environment > CredentialError. Required iff requireCloud is true
// (the caller decides that from the deployment mode).
func Acquire(req *RequestCredentials, cfg *config.Config, requireCloud bool) (*Scope, error) {
	if req != nil && req.AccessKeyID != "" && req.SecretAccessKey != "" {
		region := req.Region
		if region == "" {
			region = cfg.AWSDefault.Region
		}
		return &Scope{AccessKeyID: req.AccessKeyID, SecretAccessKey: req.SecretAccessKey, Region: region}, nil
	}

	if cfg.AWSDefault.AccessKeyID != "" && cfg.AWSDefault.SecretAccessKey != "" {
		return &Scope{
			AccessKeyID:     cfg.AWSDefault.AccessKeyID,
			SecretAccessKey: cfg.AWSDefault.SecretAccessKey,
			Region:          cfg.AWSDefault.Region,
		}, nil
	}

	if requireCloud {
		return nil, apperrors.NewCredentialError("no AWS credentials supplied in request and no server default configured")
	}

	return &Scope{}, nil
}

// Env returns the subprocess environment map carrying these credentials.
// This is the only way credentials leave the Scope other than via the AWS
// SDK's static credentials provider.
func (s *Scope) Env() map[string]string {
	if s == nil || s.AccessKeyID == "" {
		return nil
	}
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     s.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": s.SecretAccessKey,
		"AWS_REGION":            s.Region,
	}
}

// Redact strips the access key id and secret access key out of s, used by
// every Progress Event emitter before a line is logged or streamed (P3).
func (s *Scope) Redact(text string) string {
	if s == nil {
		return text
	}
	out := text
	if s.AccessKeyID != "" {
		out = strings.ReplaceAll(out, s.AccessKeyID, "***")
	}
	if s.SecretAccessKey != "" {
		out = strings.ReplaceAll(out, s.SecretAccessKey, "***")
	}
	return out
}
