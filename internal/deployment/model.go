// Package deployment defines the Deployment data model and its two
// persistence surfaces: meta.json inside the workspace (the sole authority
// for resumption/teardown decisions) and a secondary SQLite index used for
// listing and inspection.
package deployment

import (
	"fmt"
	"time"
)

// Mode selects one of the three target environments.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeCloudLocal  Mode = "cloud-local"
	ModeCloudHosted Mode = "cloud-hosted"
)

// State is one node of the pipeline state machine from spec.md §4.9.
type State string

const (
	StateInit                  State = "init"
	StateCloning               State = "cloning"
	StateRendering             State = "rendering"
	StateIaCApplying           State = "iac-applying"
	StateBuilding              State = "building"
	StateImagePublishing       State = "image-publishing"
	StateClusterBootstrapping  State = "cluster-bootstrapping"
	StateApplyingManifests     State = "applying-manifests"
	StateWaitingRollout        State = "waiting-rollout"
	StateSucceeded             State = "succeeded"
	StateFailed                State = "failed"
	StateDecommissioning       State = "decommissioning"
	StateDecommissioned        State = "decommissioned"
	StateDecommissionAttempted State = "decommission-attempted"
)

// Terminal reports whether the state is a terminal node of the lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateDecommissioned, StateDecommissionAttempted:
		return true
	default:
		return false
	}
}

// EnvVar mirrors the teacher's EnvVar exclusivity contract: either a literal
// value or a secret reference, never both, never neither.
type EnvVar struct {
	Name      string `json:"name"`
	Value     string `json:"value,omitempty"`
	SecretRef string `json:"secret_ref,omitempty"`
}

// Validate ensures the environment variable has exactly one value source.
func (ev EnvVar) Validate() error {
	hasValue := ev.Value != ""
	hasSecretRef := ev.SecretRef != ""

	if !hasValue && !hasSecretRef {
		return fmt.Errorf("environment variable %q must specify either value or secretRef", ev.Name)
	}
	if hasValue && hasSecretRef {
		return fmt.Errorf("environment variable %q cannot specify both value and secretRef", ev.Name)
	}
	return nil
}

// Deployment is the top-level unit of work.
type Deployment struct {
	ID                string            `json:"id"`
	Mode              Mode              `json:"mode"`
	SourceRepoURL     string            `json:"source_repo_url"`
	TargetNamespace   string            `json:"target_namespace"`
	Replicas          int               `json:"replicas,omitempty"`
	BaseHostedZoneID  string            `json:"base_hosted_zone_id,omitempty"`
	AppSubdomainLabel string            `json:"app_subdomain_label,omitempty"`
	EnvVars           []EnvVar          `json:"env_vars,omitempty"`
	EC2KeyName        string            `json:"ec2_key_name,omitempty"`
	InstanceName      string            `json:"instance_name,omitempty"`

	State     State             `json:"status"`
	ErrorKind string            `json:"error_kind,omitempty"`
	ErrorMsg  string            `json:"error_message,omitempty"`
	ImageRef  string            `json:"image_ref,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDeployment constructs a pending Deployment in the init state.
func NewDeployment(id string, mode Mode, repoURL, namespace string) *Deployment {
	now := time.Now()
	return &Deployment{
		ID:              id,
		Mode:            mode,
		SourceRepoURL:   repoURL,
		TargetNamespace: namespace,
		State:           StateInit,
		Outputs:         map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Touch bumps UpdatedAt; called on every state transition.
func (d *Deployment) Touch() { d.UpdatedAt = time.Now() }
