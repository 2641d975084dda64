// Package render substitutes a flat variable bag into a named template,
// producing a file on disk. Templates are embedded in the binary (embed.FS)
// per spec.md §9 — deployment must not depend on filesystem layout.
//
// Grounded on the teacher's manifests package, which also drives
// text/template from a typed data struct; generalized here to a
// name-plus-flat-variables contract because the IaC and cluster-bootstrap
// templates (HCL, Helm values) are not Kubernetes-object-shaped.
package render

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/deploysmith/orchestrator/internal/apperrors"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// requiredVars is the contract table from SPEC_FULL.md §4.3, enforced on
// every Render call.
var requiredVars = map[string][]string{
	"local-cluster-config": {"cluster_name"},
	"cloud-vm":             {"instance_name", "ec2_key_name", "region", "instance_type"},
	"eks-cluster":          {"cluster_name", "region", "node_instance_type", "node_count", "vpc_cidr"},
	"eks-dns-tls":          {"hosted_zone_id", "subdomain_label", "base_domain", "nlb_dns_name"},
	"ingress-values":       {"load_balancer_class", "replica_count"},
	"k8s-namespace":        {"namespace"},
	"k8s-deployment":       {"name", "namespace", "image", "replicas", "container_port"},
	"k8s-service":          {"name", "namespace", "target_port", "service_type"},
	"k8s-ingress":          {"name", "namespace", "host", "service_name", "service_port", "tls_secret_name"},
	"k8s-secret":           {"name", "namespace"},
}

// outputExt maps a template name to the file extension the tool that
// consumes it expects — terraform only picks up *.tf files in a directory,
// helm expects a values file with a recognizable extension, and kubectl
// and kind take an explicit path so their extension is cosmetic.
var outputExt = map[string]string{
	"local-cluster-config": ".yaml",
	"cloud-vm":             ".tf",
	"eks-cluster":          ".tf",
	"eks-dns-tls":          ".tf",
	"ingress-values":       ".yaml",
	"k8s-namespace":        ".yaml",
	"k8s-deployment":       ".yaml",
	"k8s-service":          ".yaml",
	"k8s-ingress":          ".yaml",
	"k8s-secret":           ".yaml",
}

// Renderer renders bundled templates to files inside a target directory.
type Renderer struct {
	templates map[string]*template.Template
}

var templateFuncs = template.FuncMap{
	"b64enc": func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) },
}

// New parses every bundled template once at construction time so a
// malformed template asset fails fast at startup rather than mid-pipeline.
func New() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}
	for name := range requiredVars {
		tmpl, err := template.New(name + ".tmpl").Funcs(templateFuncs).ParseFS(templateFS, "templates/"+name+".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to parse bundled template %q: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render substitutes vars into the named template and writes the result to
// outDir/<name><ext>, where ext is whatever the consuming tool needs to
// recognize the file (.tf for Terraform, .yaml otherwise). Missing required
// variables fail fast, listing every missing name (not just the first).
func (r *Renderer) Render(name string, vars map[string]any, outDir string) (string, error) {
	required, ok := requiredVars[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}

	var missing []string
	for _, v := range required {
		if _, present := vars[v]; !present {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", apperrors.NewTemplateError(missing)
	}

	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template %q was not loaded", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template %q: %w", name, err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create render output dir: %w", err)
	}

	ext, ok := outputExt[name]
	if !ok {
		ext = ".rendered"
	}
	outPath := filepath.Join(outDir, name+ext)
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write rendered template %q: %w", name, err)
	}

	return outPath, nil
}
