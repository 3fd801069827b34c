package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node. ID and Size are immutable once a node
// has persisted its first membership record (enforced by pkg/node's
// identity manager, not here).
type NodeConfig struct {
	ID   string `yaml:"id"`
	Size string `yaml:"size"`
}

// Endpoint is a bind address or dial target.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address renders the endpoint as host:port.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// PeerServerConfig configures the inter-node listener and bootstrap seeds.
type PeerServerConfig struct {
	Endpoint `yaml:",inline"`
	Seeds    []string `yaml:"seeds"`
	// Listener overrides the advertised peer address (host:port) other
	// nodes dial to reach this one, when it differs from the bind
	// address (e.g. behind NAT). Empty means derive it from Endpoint.
	Listener string `yaml:"listener"`
}

// AdvertisedAddress returns Listener if set, else host:port from Endpoint.
func (p PeerServerConfig) AdvertisedAddress() string {
	if p.Listener != "" {
		return p.Listener
	}
	return p.Address()
}

// TLSConfig names the PEM files used for mandatory mutual TLS on both the
// API and peer listeners.
type TLSConfig struct {
	CertFile string `yaml:"certfile"`
	KeyFile  string `yaml:"keyfile"`
	CAFile   string `yaml:"cafile"`
}

// ServerConfig holds the networking, TLS, and resource-limit knobs shared
// by the API and peer listeners.
type ServerConfig struct {
	API                     Endpoint         `yaml:"api"`
	Peer                    PeerServerConfig `yaml:"peer"`
	TLS                     TLSConfig        `yaml:"tls"`
	Backlog                 int              `yaml:"backlog"`
	LimitConcurrency        int              `yaml:"limit_concurrency"`
	MaxBufferSize           int              `yaml:"max_buffer_size"`
	MaxMessageSize          int              `yaml:"max_message_size"`
	TimeoutGracefulShutdown time.Duration    `yaml:"timeout_graceful_shutdown"`
}

// StorageConfig names the on-disk location for all persisted state.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Config is the complete static configuration for one node.
type Config struct {
	Node           NodeConfig    `yaml:"node"`
	Server         ServerConfig  `yaml:"server"`
	Storage        StorageConfig `yaml:"storage"`
	PartitionShift uint          `yaml:"partition_shift"`
	// Metrics binds the plaintext HTTP server exposing /metrics,
	// /health, /ready, and /live. Port 0 disables it.
	Metrics Endpoint `yaml:"metrics"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			API:                     Endpoint{Host: "127.0.0.1", Port: 2000},
			Peer:                    PeerServerConfig{Endpoint: Endpoint{Host: "127.0.0.1", Port: 12000}},
			Backlog:                 128,
			LimitConcurrency:        1024,
			MaxBufferSize:           4 * 1024 * 1024,
			MaxMessageSize:          1024 * 1024,
			TimeoutGracefulShutdown: 5 * time.Second,
		},
		Metrics:        Endpoint{Host: "127.0.0.1", Port: 9100},
		PartitionShift: 7,
	}
}

// Load reads path as YAML into the defaulted Config, then applies
// PARAVON_-prefixed environment variable overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides mirrors pydantic-settings' PARAVON_ env prefix: a
// small, explicit set of overrides rather than a generic reflection walk,
// since only these are documented as externally tunable without a restart
// of the config file itself.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARAVON_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("PARAVON_NODE_SIZE"); v != "" {
		cfg.Node.Size = v
	}
	if v := os.Getenv("PARAVON_STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("PARAVON_SERVER_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.API.Port = p
		}
	}
	if v := os.Getenv("PARAVON_SERVER_PEER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Peer.Port = p
		}
	}
	if v := os.Getenv("PARAVON_SERVER_PEER_SEEDS"); v != "" {
		cfg.Server.Peer.Seeds = strings.Split(v, ",")
	}
	if v := os.Getenv("PARAVON_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = p
		}
	}
}

// Validate checks the required fields are present and the TLS files
// exist, matching settings.py's field validators.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.Size == "" {
		return fmt.Errorf("config: node.size is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required")
	}
	for name, path := range map[string]string{
		"server.tls.certfile": c.Server.TLS.CertFile,
		"server.tls.keyfile":  c.Server.TLS.KeyFile,
		"server.tls.cafile":   c.Server.TLS.CAFile,
	} {
		if path == "" {
			return fmt.Errorf("config: %s is required", name)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.PartitionShift == 0 {
		return fmt.Errorf("config: partition_shift must be positive")
	}
	return nil
}

// ServerTLSConfig builds the mutual-TLS server config mandated for both
// listeners: the node's own certificate plus CERT_REQUIRED verification
// against the cluster CA.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, caPool, err := c.loadCertAndCA()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the mutual-TLS config used when this node dials
// a peer or seed: it presents its own certificate and verifies the
// server's certificate against the same cluster CA.
func (c Config) ClientTLSConfig() (*tls.Config, error) {
	cert, caPool, err := c.loadCertAndCA()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (c Config) loadCertAndCA() (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(c.Server.TLS.CertFile, c.Server.TLS.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("config: loading node certificate: %w", err)
	}
	caPEM, err := os.ReadFile(c.Server.TLS.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("config: reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("config: no valid certificates found in %s", c.Server.TLS.CAFile)
	}
	return cert, pool, nil
}
