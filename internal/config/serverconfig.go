package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the process-wide configuration for one registry
// node, loaded from a YAML file and overridden by CLI flags. This is
// distinct from the ConfigKey/SetConfigReq types in bridge.go, which model
// the client-published configuration data the server stores.
type ServerConfig struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	RaftAddr string `yaml:"raft_addr"`

	Peers []PeerSeed `yaml:"peers"`

	UnhealthyThresholdMS int64 `yaml:"unhealthy_threshold_ms"`
	EvictionThresholdMS  int64 `yaml:"eviction_threshold_ms"`
	SweepIntervalMS      int64 `yaml:"sweep_interval_ms"`
	CoalesceWindowMS     int64 `yaml:"coalesce_window_ms"`
	PeerRPCTimeoutMS     int64 `yaml:"peer_rpc_timeout_ms"`

	NamespaceRateLimitRPS   float64 `yaml:"namespace_rate_limit_rps"`
	NamespaceRateLimitBurst int     `yaml:"namespace_rate_limit_burst"`

	// DNSAddr, when non-empty, starts the DNS-F style resolution
	// surface listening on this address. Empty disables it.
	DNSAddr string `yaml:"dns_addr"`

	// TLSCertFile/TLSKeyFile/TLSCAFile, when all three are set, secure
	// the peer-sync/config-publish gRPC surface with mutual TLS using a
	// pre-provisioned cert set (see internal/pki and `registry ca`).
	// Any unset leaves the gRPC surface plaintext, the default.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// TLSEnabled reports whether a complete cert/key/CA file set is configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != "" && c.TLSCAFile != ""
}

// PeerSeed is a statically configured peer to add on startup.
type PeerSeed struct {
	NodeID string `yaml:"node_id"`
	Addr   string `yaml:"addr"`
}

// DefaultServerConfig returns a config populated with spec.md's
// defaults (15s unhealthy, 30s eviction, 5s sweep, 500ms coalesce,
// 3s peer RPC timeout).
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		DataDir:                 "./data",
		HTTPAddr:                ":8848",
		GRPCAddr:                ":9848",
		RaftAddr:                ":9848",
		UnhealthyThresholdMS:    15000,
		EvictionThresholdMS:     30000,
		SweepIntervalMS:         5000,
		CoalesceWindowMS:        500,
		PeerRPCTimeoutMS:        3000,
		NamespaceRateLimitRPS:   100,
		NamespaceRateLimitBurst: 200,
	}
}

// LoadServerConfig reads a YAML file at path, merging over the
// defaults. A missing file is not an error: the defaults are used.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SweepInterval returns the configured health-sweep period.
func (c ServerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// CoalesceWindow returns the configured notification coalescing window.
func (c ServerConfig) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceWindowMS) * time.Millisecond
}

// PeerRPCTimeout returns the configured per-attempt outbound RPC timeout.
func (c ServerConfig) PeerRPCTimeout() time.Duration {
	return time.Duration(c.PeerRPCTimeoutMS) * time.Millisecond
}
