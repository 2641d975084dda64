package chatapi

import (
	"github.com/deploysmith/orchestrator/internal/apperrors"
	"github.com/deploysmith/orchestrator/internal/config"
	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/pipeline"
)

// validate applies the rules from spec.md §4.10 in the order the field list
// is given there. Rules are checked one after another and only the first
// violation found is reported, even when a request breaks more than one.
func validate(req *ChatRequest, cfg *config.Config) (pipeline.Action, error) {
	action := req.Action
	if action == "" {
		action = string(pipeline.ActionDeploy)
	}

	switch pipeline.Action(action) {
	case pipeline.ActionDeploy, pipeline.ActionRedeploy, pipeline.ActionScale, pipeline.ActionDecommission:
	default:
		return "", apperrors.NewValidationError("action must be one of deploy, redeploy, scale, decommission, got %q", action)
	}
	act := pipeline.Action(action)

	if act == pipeline.ActionDeploy {
		switch deployment.Mode(req.DeploymentMode) {
		case deployment.ModeLocal, deployment.ModeCloudLocal, deployment.ModeCloudHosted:
		default:
			return "", apperrors.NewValidationError(
				"deployment_mode must be one of local, cloud-local, cloud-hosted, got %q", req.DeploymentMode)
		}

		isCloud := req.DeploymentMode == string(deployment.ModeCloudLocal) || req.DeploymentMode == string(deployment.ModeCloudHosted)
		hasServerDefault := cfg.AWSDefault.AccessKeyID != "" && cfg.AWSDefault.SecretAccessKey != ""
		if isCloud && req.AWSCredentials == nil && !hasServerDefault {
			return "", apperrors.NewValidationError("aws_credentials required for %s deploy with no server default configured", req.DeploymentMode)
		}

		if req.DeploymentMode == string(deployment.ModeCloudLocal) && req.EC2KeyName == "" {
			return "", apperrors.NewValidationError("ec2_key_name required for cloud-local deploy")
		}
	} else {
		if req.InstanceID == "" {
			return "", apperrors.NewValidationError("instance_id required for %s", action)
		}
	}

	if (req.BaseHostedZoneID == "") != (req.AppSubdomainLabel == "") {
		return "", apperrors.NewValidationError("base_hosted_zone_id and app_subdomain_label are mutually required")
	}

	if act == pipeline.ActionScale && req.Replicas <= 0 {
		return "", apperrors.NewValidationError("replicas must be positive for scale")
	}

	for _, e := range req.ApplicationEnvironmentVariables {
		ev := deployment.EnvVar{Name: e.Name, Value: e.Value, SecretRef: e.SecretRef}
		if err := ev.Validate(); err != nil {
			return "", apperrors.NewValidationError("%s", err)
		}
	}

	return act, nil
}
