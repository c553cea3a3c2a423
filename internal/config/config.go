// Package config is the persisted configuration for one mesh node: the
// per-virtual-adapter settings plus the process-level serving knobs.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
)

// Config is the top-level configuration document.
type Config struct {
	// Endpoint is the gRPC admin endpoint (health/reflection).
	Endpoint string `yaml:"endpoint"`

	// Adapter configures the virtual adapter this node exposes.
	Adapter AdapterConfig `yaml:"adapter"`
}

// AdapterConfig is the persisted, per-virtual-adapter configuration.
type AdapterConfig struct {
	// VirtualAddress is this node's mesh address, "xx-xx-xx-xx-xx-xx".
	VirtualAddress string `yaml:"virtual_address"`
	// MetricType selects the link-quality metric engine: HOP, RTT, PktPair,
	// ETX or WCETT.
	MetricType string `yaml:"metric_type"`
	// Snooping enables passive learning of links from source routes passing
	// through this node.
	Snooping bool `yaml:"snooping"`
	// ArtificialDrop enables the per-link fault-injection drop knob.
	ArtificialDrop bool `yaml:"artificial_drop"`
	// Crypto enables payload encryption. The MAC key is always required.
	Crypto bool `yaml:"crypto"`
	// CryptoKeyMAC is the 16-byte MAC key, hex encoded.
	CryptoKeyMAC string `yaml:"crypto_key_mac"`
	// CryptoKeyAES is the 16-byte payload encryption key, hex encoded.
	// Required only when Crypto is true.
	CryptoKeyAES string `yaml:"crypto_key_aes"`
	// LinkTimeout is how long an unrefreshed, unreferenced link survives.
	LinkTimeout time.Duration `yaml:"link_timeout"`
	// RouteFlapDampingFactor tunes how reluctantly a working route is
	// abandoned; 0 disables damping.
	RouteFlapDampingFactor uint32 `yaml:"route_flap_damping_factor"`
	// MTU is the adapter's frame size; startup rejects a value below the
	// protocol's minimum frame size. Emitted frames are not checked against it.
	MTU datasize.ByteSize `yaml:"mtu"`
}

// DefaultConfig returns a configuration with everything but the address and
// keys filled in.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "[::1]:0",
		Adapter: AdapterConfig{
			MetricType:             "ETX",
			LinkTimeout:            2 * time.Minute,
			RouteFlapDampingFactor: 32,
			MTU:                    1500,
		},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path,
// layered over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	return cfg, nil
}

// ParseMetricType maps the configured metric name to its MetricType.
func ParseMetricType(s string) (addr.MetricType, error) {
	switch s {
	case "HOP", "hop", "":
		return addr.MetricHOP, nil
	case "RTT", "rtt":
		return addr.MetricRTT, nil
	case "PktPair", "pktpair":
		return addr.MetricPktPair, nil
	case "ETX", "etx":
		return addr.MetricETX, nil
	case "WCETT", "wcett":
		return addr.MetricWCETT, nil
	default:
		return 0, fmt.Errorf("%w: unknown metric type %q", errs.ErrInvalidConfiguration, s)
	}
}

const keyLength = 16

// Keys decodes and validates the configured crypto keys. The AES key is
// checked only when payload encryption is enabled.
func (a *AdapterConfig) Keys() (mac, aes []byte, err error) {
	mac, err = hex.DecodeString(a.CryptoKeyMAC)
	if err != nil || len(mac) != keyLength {
		return nil, nil, fmt.Errorf("%w: crypto_key_mac must be %d hex-encoded bytes", errs.ErrInvalidConfiguration, keyLength)
	}
	if !a.Crypto {
		return mac, nil, nil
	}
	aes, err = hex.DecodeString(a.CryptoKeyAES)
	if err != nil || len(aes) != keyLength {
		return nil, nil, fmt.Errorf("%w: crypto_key_aes must be %d hex-encoded bytes", errs.ErrInvalidConfiguration, keyLength)
	}
	return mac, aes, nil
}
