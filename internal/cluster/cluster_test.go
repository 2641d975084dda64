package cluster

import (
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/stretchr/testify/assert"
)

func TestHostnameFromIngressPrefersHostname(t *testing.T) {
	assert.Equal(t, "lb.example.com", hostnameFromIngress(corev1.LoadBalancerIngress{
		Hostname: "lb.example.com",
		IP:       "203.0.113.5",
	}))
}

func TestHostnameFromIngressFallsBackToIP(t *testing.T) {
	assert.Equal(t, "203.0.113.5", hostnameFromIngress(corev1.LoadBalancerIngress{
		IP: "203.0.113.5",
	}))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'hello world'", shellQuote("hello world"))
}
