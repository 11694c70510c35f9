// Package config loads gluedns's configuration from a YAML file
// overlaid with GLUEDNS_-prefixed environment variables, resolved in
// the order defaults -> file -> env.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is gluedns's full runtime configuration.
type Config struct {
	// NetworkName is both the runtime-level network the observer watches
	// for attached containers and this node's role switch: unset, the
	// node is main (no observer, no container runtime dependency, only
	// the registry/auth/gossip/DNS core); set, the node is a replica
	// that also runs the container observer against that network.
	NetworkName string `yaml:"network_name"`

	// TopicID scopes the gossip membership group, as 64 hex characters
	// (32 bytes). Every node in a cluster must share the same value.
	TopicID string `yaml:"topic_id"`

	// BindIP is the address this node's gossip transport binds to, and
	// (see ResolveDNSBind) a host override for DNSBind. Empty means "all
	// interfaces".
	BindIP string `yaml:"bind_ip"`

	// GossipPort is the UDP port the gossip transport listens on.
	GossipPort int `yaml:"gossip_port"`

	// DiscoveryPort is appended to DNS-discovered bootstrap peer
	// addresses (see pkg/bootstrap), since a DNS A-record lookup alone
	// carries no port information.
	DiscoveryPort int `yaml:"discovery_port"`

	// BootstrapPeers is the explicit list of peer addresses (host:port)
	// to dial in addition to any DNS-discovered ones.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// BootstrapService is the runtime-DNS name resolved to discover
	// bootstrap peers, independent of NetworkName: it names the rendezvous
	// service a node asks its platform's own service discovery about,
	// whether or not that node also happens to be a replica.
	BootstrapService string `yaml:"bootstrap_service"`

	// DNSBind is the address the DNS responder listens on, UDP and TCP
	// both.
	DNSBind string `yaml:"dns_bind"`

	// Upstream lists the DNS servers multi-label queries are forwarded
	// to.
	Upstream []string `yaml:"upstream"`

	// ClusterSecret is the shared HMAC secret gating gossip peer
	// authentication. Prefer ClusterSecretFile in production so the
	// secret is never captured in process listings or config files
	// committed to version control.
	ClusterSecret string `yaml:"cluster_secret"`
	// ClusterSecretFile names a file whose contents (trimmed) are read
	// as the cluster secret, Docker-secrets style. Overrides
	// ClusterSecret if both are set.
	ClusterSecretFile string `yaml:"cluster_secret_file"`

	// ContainerdSocket is the containerd socket path the observer
	// backend dials. Unused on a main node.
	ContainerdSocket string `yaml:"containerd_socket"`

	// DataDir holds the persisted node identity database.
	DataDir string `yaml:"data_dir"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// IsMain reports whether this node runs in main (rendezvous/DNS-frontend
// only) role: no monitored network configured, so no container observer
// and no container runtime dependency.
func (c Config) IsMain() bool {
	return c.NetworkName == ""
}

// ResolveDNSBind returns the effective DNS bind address. BindIP, if set,
// overrides only the host part of DNSBind, keeping its port.
func (c Config) ResolveDNSBind() (string, error) {
	if c.BindIP == "" {
		return c.DNSBind, nil
	}
	_, port, err := net.SplitHostPort(c.DNSBind)
	if err != nil {
		return "", fmt.Errorf("config: dns_bind %q is not a valid socket address: %w", c.DNSBind, err)
	}
	return net.JoinHostPort(c.BindIP, port), nil
}

// Default returns the configuration's baseline values, before a file or
// environment variables are applied.
func Default() Config {
	return Config{
		TopicID:          strings.Repeat("42", 32),
		GossipPort:       7331,
		DiscoveryPort:    7331,
		BootstrapService: "main",
		DNSBind:          "127.0.0.11:53",
		Upstream:         []string{"8.8.8.8:53"},
		ContainerdSocket: "/run/containerd/containerd.sock",
		DataDir:          "/var/lib/gluedns",
		LogLevel:         "info",
	}
}

// Load resolves a Config by starting from Default, overlaying path (if
// non-empty and present) as YAML, then overlaying GLUEDNS_-prefixed
// environment variables, and finally resolving ClusterSecretFile.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.ClusterSecretFile != "" {
		secret, err := os.ReadFile(cfg.ClusterSecretFile)
		if err != nil {
			return cfg, fmt.Errorf("config: read cluster secret file %s: %w", cfg.ClusterSecretFile, err)
		}
		cfg.ClusterSecret = strings.TrimSpace(string(secret))
	}

	return cfg, nil
}

const envPrefix = "GLUEDNS_"

func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("NETWORK_NAME"); ok {
		cfg.NetworkName = v
	}
	if v, ok := lookupEnv("TOPIC_ID"); ok {
		cfg.TopicID = v
	}
	if v, ok := lookupEnv("BIND_IP"); ok {
		cfg.BindIP = v
	}
	if v, ok := lookupEnvInt("GOSSIP_PORT"); ok {
		cfg.GossipPort = v
	}
	if v, ok := lookupEnvInt("DISCOVERY_PORT"); ok {
		cfg.DiscoveryPort = v
	}
	if v, ok := lookupEnvList("BOOTSTRAP_PEERS"); ok {
		cfg.BootstrapPeers = v
	}
	if v, ok := lookupEnv("BOOTSTRAP_SERVICE"); ok {
		cfg.BootstrapService = v
	}
	if v, ok := lookupEnv("DNS_BIND"); ok {
		cfg.DNSBind = v
	}
	if v, ok := lookupEnvList("UPSTREAM"); ok {
		cfg.Upstream = v
	}
	if v, ok := lookupEnv("CLUSTER_SECRET"); ok {
		cfg.ClusterSecret = v
	}
	if v, ok := lookupEnv("CLUSTER_SECRET_FILE"); ok {
		cfg.ClusterSecretFile = v
	}
	if v, ok := lookupEnv("CONTAINERD_SOCKET"); ok {
		cfg.ContainerdSocket = v
	}
	if v, ok := lookupEnv("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}

func lookupEnvInt(suffix string) (int, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvList(suffix string) ([]string, bool) {
	v, ok := lookupEnv(suffix)
	if !ok || v == "" {
		return nil, false
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, true
}

// Validate checks that a Config is complete enough to run the daemon,
// returning a descriptive error naming the first problem found.
func (c Config) Validate() error {
	if c.ClusterSecret == "" {
		return fmt.Errorf("config: cluster_secret (or cluster_secret_file) is required")
	}
	if len(c.TopicID) != 64 {
		return fmt.Errorf("config: topic_id must be 64 hex characters, got %d", len(c.TopicID))
	}
	if _, err := hex.DecodeString(c.TopicID); err != nil {
		return fmt.Errorf("config: topic_id must be 64 hex characters: %w", err)
	}
	if c.DNSBind == "" {
		return fmt.Errorf("config: dns_bind is required")
	}
	if _, _, err := net.SplitHostPort(c.DNSBind); err != nil {
		return fmt.Errorf("config: dns_bind %q is not a valid socket address: %w", c.DNSBind, err)
	}
	if len(c.Upstream) == 0 {
		return fmt.Errorf("config: at least one upstream DNS server is required")
	}
	return nil
}
