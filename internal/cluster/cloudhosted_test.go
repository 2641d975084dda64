package cluster

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeKubeconfig(t *testing.T) {
	caData := base64.StdEncoding.EncodeToString([]byte("fake-ca-data"))

	cfg, err := SynthesizeKubeconfig("demo-cluster", "https://example.eks.amazonaws.com", caData, "fake-token")
	require.NoError(t, err)

	assert.Equal(t, "demo-cluster", cfg.CurrentContext)
	require.Contains(t, cfg.Clusters, "demo-cluster")
	assert.Equal(t, "https://example.eks.amazonaws.com", cfg.Clusters["demo-cluster"].Server)
	assert.Equal(t, []byte("fake-ca-data"), cfg.Clusters["demo-cluster"].CertificateAuthorityData)

	require.Contains(t, cfg.AuthInfos, "demo-cluster")
	assert.Equal(t, "fake-token", cfg.AuthInfos["demo-cluster"].Token)
}

func TestSynthesizeKubeconfigRejectsBadCAData(t *testing.T) {
	_, err := SynthesizeKubeconfig("demo-cluster", "https://example.eks.amazonaws.com", "not-base64!!", "token")
	assert.Error(t, err)
}
