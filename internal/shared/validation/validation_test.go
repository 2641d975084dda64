package validation

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNS1123(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"plain lowercase", "my-app", true},
		{"with dot segments", "my-app.staging", true},
		{"single char", "a", true},
		{"empty", "", false},
		{"uppercase rejected", "My-App", false},
		{"leading hyphen rejected", "-my-app", false},
		{"trailing hyphen rejected", "my-app-", false},
		{"underscore rejected", "my_app", false},
		{"too long rejected", strings.Repeat("a", 64), false},
		{"max length accepted", strings.Repeat("a", 63), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DNS1123(tc.in))
		})
	}
}

func TestShellSafe(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"path-like value", "/usr/local/bin:v1.0_2", true},
		{"with spaces", "hello world", true},
		{"semicolon rejected", "rm -rf /; echo pwned", false},
		{"dollar rejected", "$(whoami)", false},
		{"pipe rejected", "a | b", false},
		{"backtick rejected", "`id`", false},
		{"too long rejected", strings.Repeat("a", 257), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShellSafe(tc.in))
		})
	}
}

func TestRegisterInstallsAllTags(t *testing.T) {
	v := validator.New()
	require.NoError(t, Register(v))

	type probe struct {
		DNS     string `validate:"dns1123"`
		Image   string `validate:"image_ref"`
		EnvName string `validate:"env_var_name"`
		Qty     string `validate:"k8s_quantity"`
	}

	valid := probe{DNS: "my-app", Image: "ghcr.io/acme/app:v1", EnvName: "API_KEY", Qty: "256Mi"}
	assert.NoError(t, v.Struct(valid))

	invalid := probe{DNS: "My_App", Image: "ghcr.io/acme/app:v1", EnvName: "1BAD", Qty: "256Mi"}
	assert.Error(t, v.Struct(invalid))
}

func TestRegisterAllowsEmptyValuesForOmitempty(t *testing.T) {
	v := validator.New()
	require.NoError(t, Register(v))

	type probe struct {
		DNS string `validate:"omitempty,dns1123"`
	}

	assert.NoError(t, v.Struct(probe{DNS: ""}))
}
