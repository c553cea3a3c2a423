package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcl.yaml")
	doc := `
endpoint: "[::1]:9000"
adapter:
  virtual_address: "01-02-03-04-05-06"
  metric_type: WCETT
  snooping: true
  crypto_key_mac: "00112233445566778899aabbccddeeff"
  link_timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "[::1]:9000", cfg.Endpoint)
	require.Equal(t, "WCETT", cfg.Adapter.MetricType)
	require.True(t, cfg.Adapter.Snooping)
	require.Equal(t, 45*time.Second, cfg.Adapter.LinkTimeout)
	// Untouched keys keep their defaults.
	require.Equal(t, uint32(32), cfg.Adapter.RouteFlapDampingFactor)
}

func TestParseMetricType(t *testing.T) {
	for name, want := range map[string]addr.MetricType{
		"HOP":     addr.MetricHOP,
		"rtt":     addr.MetricRTT,
		"PktPair": addr.MetricPktPair,
		"etx":     addr.MetricETX,
		"WCETT":   addr.MetricWCETT,
	} {
		got, err := ParseMetricType(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseMetricType("bogus")
	require.Error(t, err)
}

func TestKeysValidation(t *testing.T) {
	a := AdapterConfig{CryptoKeyMAC: "00112233445566778899aabbccddeeff"}
	mac, aes, err := a.Keys()
	require.NoError(t, err)
	require.Len(t, mac, 16)
	require.Nil(t, aes)

	a.Crypto = true
	_, _, err = a.Keys()
	require.Error(t, err) // AES key missing

	a.CryptoKeyAES = "ffeeddccbbaa99887766554433221100"
	_, aes, err = a.Keys()
	require.NoError(t, err)
	require.Len(t, aes, 16)
}
