// Package manifests renders and applies the Kubernetes objects for a
// deployment: namespace, Deployment, Service, optional Ingress, optional
// Secret.
//
// Adapted from the teacher's manifests package: the Generator/
// DeploymentGenerator/ServiceGenerator split survives as Generator plus the
// Template Renderer it drives, the registry-aware image-pull-secret logic
// (Generator.needsImagePullSecret/getImagePullSecretName) survives verbatim
// in spirit, and FluxGenerator is retired (see DESIGN.md) since this
// pipeline has no GitOps reconciliation loop to hand manifests to.
package manifests

import (
	"fmt"
	"strings"

	"github.com/deploysmith/orchestrator/internal/deployment"
	"github.com/deploysmith/orchestrator/internal/render"
)

// RegistryConfig mirrors the teacher's RegistryConfig: which images need an
// imagePullSecret, and what that secret is called.
type RegistryConfig struct {
	Type                string // "ecr" or "" (public)
	ImagePullSecretName string
}

// GenerateInput is everything needed to render one deployment's manifest set.
type GenerateInput struct {
	Name          string
	Namespace     string
	Image         string
	Replicas      int
	ContainerPort int
	ServicePort   int
	EnvVars       []deployment.EnvVar
	Secrets       map[string]string // plaintext values; rendered Secret base64-encodes them
	Host          string            // non-empty enables Ingress rendering
	TLSSecretName string
}

// Generator renders a deployment's manifest set via the shared Template
// Renderer.
type Generator struct {
	Renderer *render.Renderer
	Registry *RegistryConfig
}

// NewGenerator constructs a Generator. registry may be nil (no pull secrets
// needed, e.g. local mode against public images).
func NewGenerator(r *render.Renderer, registry *RegistryConfig) *Generator {
	return &Generator{Renderer: r, Registry: registry}
}

// Generate renders namespace, deployment, service, and (when applicable)
// secret and ingress manifests into outDir, returning the rendered file
// paths in apply order.
func (g *Generator) Generate(in GenerateInput, outDir string) ([]string, error) {
	for _, ev := range in.EnvVars {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("invalid env var in manifest generation: %w", err)
		}
	}

	var paths []string

	nsPath, err := g.Renderer.Render("k8s-namespace", map[string]any{"namespace": in.Namespace}, outDir)
	if err != nil {
		return nil, err
	}
	paths = append(paths, nsPath)

	if len(in.Secrets) > 0 {
		secretPath, err := g.Renderer.Render("k8s-secret", map[string]any{
			"name":      in.Name,
			"namespace": in.Namespace,
			"data":      in.Secrets,
		}, outDir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, secretPath)
	}

	deploymentVars := map[string]any{
		"name":           in.Name,
		"namespace":      in.Namespace,
		"image":          in.Image,
		"replicas":       in.Replicas,
		"container_port": in.ContainerPort,
		"env":            envVarsForTemplate(in.EnvVars),
	}
	if secretName := g.imagePullSecretName(in.Image); secretName != "" {
		deploymentVars["image_pull_secret"] = secretName
	}
	deploymentPath, err := g.Renderer.Render("k8s-deployment", deploymentVars, outDir)
	if err != nil {
		return nil, err
	}
	paths = append(paths, deploymentPath)

	servicePath, err := g.Renderer.Render("k8s-service", map[string]any{
		"name":         in.Name,
		"namespace":    in.Namespace,
		"target_port":  in.ContainerPort,
		"service_type": "NodePort",
	}, outDir)
	if err != nil {
		return nil, err
	}
	paths = append(paths, servicePath)

	if in.Host != "" {
		ingressPath, err := g.Renderer.Render("k8s-ingress", map[string]any{
			"name":            in.Name,
			"namespace":       in.Namespace,
			"host":            in.Host,
			"service_name":    in.Name,
			"service_port":    in.ServicePort,
			"tls_secret_name": in.TLSSecretName,
		}, outDir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, ingressPath)
	}

	return paths, nil
}

func envVarsForTemplate(vars []deployment.EnvVar) []map[string]any {
	out := make([]map[string]any, 0, len(vars))
	for _, v := range vars {
		out = append(out, map[string]any{
			"name":       v.Name,
			"value":      v.Value,
			"secret_ref": v.SecretRef != "",
		})
	}
	return out
}

// imagePullSecretName returns the configured pull secret name if image
// needs one, or "" if not (mirrors Generator.needsImagePullSecret).
func (g *Generator) imagePullSecretName(image string) string {
	if g.Registry == nil {
		return ""
	}
	if !g.needsImagePullSecret(image) {
		return ""
	}
	if g.Registry.ImagePullSecretName != "" {
		return g.Registry.ImagePullSecretName
	}
	return "registry-credentials"
}

func (g *Generator) needsImagePullSecret(image string) bool {
	if g.Registry.Type == "ecr" {
		return strings.Contains(image, ".dkr.ecr.") && strings.Contains(image, ".amazonaws.com")
	}
	return !strings.HasPrefix(image, "docker.io/") && strings.Contains(image, "/")
}
