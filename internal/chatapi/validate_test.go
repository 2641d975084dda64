package chatapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/pipeline"
)

func TestValidateDeployRules(t *testing.T) {
	cfg := &config.Config{}

	tests := []struct {
		name      string
		req       ChatRequest
		wantErr   string
		wantAction pipeline.Action
	}{
		{
			name:       "defaults action to deploy",
			req:        ChatRequest{DeploymentMode: "local"},
			wantAction: pipeline.ActionDeploy,
		},
		{
			name:    "rejects unknown action",
			req:     ChatRequest{Action: "launch"},
			wantErr: "action must be one of",
		},
		{
			name:    "rejects unknown deployment_mode",
			req:     ChatRequest{Action: "deploy", DeploymentMode: "on-prem"},
			wantErr: "deployment_mode must be one of",
		},
		{
			name:    "requires aws_credentials for cloud-local with no server default",
			req:     ChatRequest{Action: "deploy", DeploymentMode: "cloud-local", EC2KeyName: "k"},
			wantErr: "aws_credentials required",
		},
		{
			name:    "requires ec2_key_name for cloud-local deploy",
			req:     ChatRequest{Action: "deploy", DeploymentMode: "cloud-local", AWSCredentials: &AWSCredentials{AccessKeyID: "a", SecretAccessKey: "b"}},
			wantErr: "ec2_key_name required",
		},
		{
			name:       "cloud-hosted needs no ec2_key_name",
			req:        ChatRequest{Action: "deploy", DeploymentMode: "cloud-hosted", AWSCredentials: &AWSCredentials{AccessKeyID: "a", SecretAccessKey: "b"}},
			wantAction: pipeline.ActionDeploy,
		},
		{
			name:    "redeploy requires instance_id",
			req:     ChatRequest{Action: "redeploy"},
			wantErr: "instance_id required",
		},
		{
			name:    "scale requires positive replicas",
			req:     ChatRequest{Action: "scale", InstanceID: "dep-1", Replicas: 0},
			wantErr: "replicas must be positive",
		},
		{
			name:       "scale with positive replicas passes",
			req:        ChatRequest{Action: "scale", InstanceID: "dep-1", Replicas: 3},
			wantAction: pipeline.ActionScale,
		},
		{
			name:    "decommission requires instance_id",
			req:     ChatRequest{Action: "decommission"},
			wantErr: "instance_id required",
		},
		{
			name:    "base_hosted_zone_id without app_subdomain_label",
			req:     ChatRequest{Action: "deploy", DeploymentMode: "cloud-hosted", AWSCredentials: &AWSCredentials{AccessKeyID: "a", SecretAccessKey: "b"}, BaseHostedZoneID: "Z1"},
			wantErr: "mutually required",
		},
		{
			name:    "app_subdomain_label without base_hosted_zone_id",
			req:     ChatRequest{Action: "deploy", DeploymentMode: "cloud-hosted", AWSCredentials: &AWSCredentials{AccessKeyID: "a", SecretAccessKey: "b"}, AppSubdomainLabel: "my-app"},
			wantErr: "mutually required",
		},
		{
			name: "invalid env var with both value and secret_ref",
			req: ChatRequest{
				Action: "deploy", DeploymentMode: "local",
				ApplicationEnvironmentVariables: []EnvVarInput{{Name: "X", Value: "1", SecretRef: "s"}},
			},
			wantErr: "cannot specify both",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := validate(&tt.req, cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, action)
		})
	}
}

func TestValidateAllowsCloudCredentialsFromServerDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.AWSDefault.AccessKeyID = "default-key"
	cfg.AWSDefault.SecretAccessKey = "default-secret"

	req := ChatRequest{Action: "deploy", DeploymentMode: "cloud-hosted"}
	action, err := validate(&req, cfg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionDeploy, action)
}
