// Package validation registers the custom go-playground/validator rules
// shared by chatapi's request binding and manifests' rendered-value checks.
// The regexes are reproductions of the original Python implementation's
// security_utils.sanitize_kubernetes_input and sanitize_shell_input, kept
// character-for-character so the orchestrator rejects exactly what that
// implementation rejected.
package validation

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// dns1123Pattern matches sanitize_kubernetes_input: dot-separated labels of
// lowercase alphanumerics and hyphens, each starting and ending with an
// alphanumeric (RFC 1123 subdomain form).
var dns1123Pattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)

// shellSafePattern matches sanitize_shell_input: the character set allowed
// in an unquoted shell argument this codebase ever builds from user input.
var shellSafePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-/:= ]+$`)

// envVarNamePattern is POSIX shell/Kubernetes env var name form.
var envVarNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// imageRefPattern is permissive on purpose: registry/repo:tag or digest
// references span too many shapes (ECR, Docker Hub, GHCR) to fully
// constrain, so this only rejects the shell-unsafe characters sanitize_
// shell_input would have rejected.
var imageRefPattern = shellSafePattern

// k8sQuantityPattern matches a Kubernetes resource quantity: a number with
// an optional Ki/Mi/Gi/Ti/Pi/Ei or n/u/m/k/K/M/G/T/P/E suffix.
var k8sQuantityPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(Ki|Mi|Gi|Ti|Pi|Ei|[numkKMGTPE])?$`)

const (
	maxKubernetesName = 63
	maxShellArg        = 256
)

// Register installs the custom validators onto v, under the tags named in
// SPEC_FULL.md §4.16: dns1123, image_ref, env_var_name, k8s_quantity.
func Register(v *validator.Validate) error {
	if err := v.RegisterValidation("dns1123", validateWith(dns1123Pattern, maxKubernetesName)); err != nil {
		return err
	}
	if err := v.RegisterValidation("image_ref", validateWith(imageRefPattern, maxShellArg)); err != nil {
		return err
	}
	if err := v.RegisterValidation("env_var_name", validateWith(envVarNamePattern, maxKubernetesName)); err != nil {
		return err
	}
	if err := v.RegisterValidation("k8s_quantity", validateWith(k8sQuantityPattern, 32)); err != nil {
		return err
	}
	return nil
}

func validateWith(pattern *regexp.Regexp, maxLen int) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true // required-ness is a separate tag
		}
		if len(s) > maxLen {
			return false
		}
		return pattern.MatchString(s)
	}
}

// DNS1123 reports whether s is a valid RFC 1123 label/subdomain, for
// non-gin-bound call sites (e.g. deriving a namespace from a deployment id
// before rendering templates) that need the same rule without a struct tag.
func DNS1123(s string) bool {
	return len(s) <= maxKubernetesName && dns1123Pattern.MatchString(s)
}

// ShellSafe reports whether s contains only characters safe to pass as an
// unquoted shell argument, mirroring sanitize_shell_input.
func ShellSafe(s string) bool {
	return len(s) <= maxShellArg && shellSafePattern.MatchString(s)
}
