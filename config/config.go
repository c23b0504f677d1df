// Package config holds the YAML configuration of the gojogrid server and
// client.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sushant-115/gojogrid/config/certs"
	"github.com/sushant-115/gojogrid/core/tx/client"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

// TLSConfig points at the mutual TLS material. Disabled means plaintext.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ServerName is checked against the server certificate by clients.
	ServerName string `yaml:"server_name"`
}

func (c TLSConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	var err error
	if c.CAFile == "" {
		err = multierr.Append(err, errors.New("tls.ca_file is required"))
	}
	if c.CertFile == "" {
		err = multierr.Append(err, errors.New("tls.cert_file is required"))
	}
	if c.KeyFile == "" {
		err = multierr.Append(err, errors.New("tls.key_file is required"))
	}
	return err
}

// ServerOption returns the gRPC server credentials option.
func (c TLSConfig) ServerOption() (grpc.ServerOption, error) {
	if !c.Enabled {
		return grpc.Creds(insecure.NewCredentials()), nil
	}
	creds, err := certs.ServerCredentials(c.CAFile, c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	return grpc.Creds(creds), nil
}

// DialOption returns the gRPC client credentials option.
func (c TLSConfig) DialOption() (grpc.DialOption, error) {
	var creds credentials.TransportCredentials = insecure.NewCredentials()
	if c.Enabled {
		var err error
		creds, err = certs.ClientCredentials(c.CAFile, c.CertFile, c.KeyFile, c.ServerName)
		if err != nil {
			return nil, err
		}
	}
	return grpc.WithTransportCredentials(creds), nil
}

// RaftConfig turns a server into a cluster member. A nil RaftConfig runs the
// server standalone.
type RaftConfig struct {
	// Address is the raft transport address of this node.
	Address string `yaml:"address"`
	// Bootstrap starts a new cluster with this node as its only voter.
	Bootstrap bool `yaml:"bootstrap"`
	// Join lists the gRPC addresses of members to ask for admission.
	Join []string `yaml:"join"`
	// InMemory keeps the raft log and snapshots off disk.
	InMemory       bool          `yaml:"in_memory"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	SnapshotRetain int           `yaml:"snapshot_retain"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
}

// ServerConfig is the configuration of one gojogrid server.
type ServerConfig struct {
	NodeID string `yaml:"node_id"`
	// Address is the gRPC listen address, also the identity of this node in
	// transaction states it originates.
	Address string   `yaml:"address"`
	DataDir string   `yaml:"data_dir"`
	Caches  []string `yaml:"caches"`
	// PurgeInterval paces the removal of expired cache entries; zero disables it.
	PurgeInterval time.Duration `yaml:"purge_interval"`
	// ShutdownTimeout bounds the graceful stop of the gRPC server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Raft      *RaftConfig      `yaml:"raft"`
	TLS       TLSConfig        `yaml:"tls"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultServerConfig returns a standalone server with one cache.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		NodeID:          "node-1",
		Address:         "127.0.0.1:11222",
		DataDir:         "/var/lib/gojogrid",
		Caches:          []string{"default"},
		PurgeInterval:   time.Minute,
		ShutdownTimeout: 10 * time.Second,
		Logger:          logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry:       telemetry.Config{ServiceName: "gojogrid-server", TraceSampleRatio: 1},
	}
}

// Validate reports every problem of c at once.
func (c *ServerConfig) Validate() error {
	var err error
	if c.NodeID == "" {
		err = multierr.Append(err, errors.New("node_id is required"))
	}
	if c.Address == "" {
		err = multierr.Append(err, errors.New("address is required"))
	}
	if len(c.Caches) == 0 {
		err = multierr.Append(err, errors.New("at least one cache is required"))
	}
	seen := make(map[string]struct{}, len(c.Caches))
	for _, name := range c.Caches {
		if name == "" {
			err = multierr.Append(err, errors.New("cache names must not be empty"))
			continue
		}
		if _, dup := seen[name]; dup {
			err = multierr.Append(err, fmt.Errorf("cache %q is listed twice", name))
		}
		seen[name] = struct{}{}
	}
	if c.PurgeInterval < 0 {
		err = multierr.Append(err, errors.New("purge_interval must not be negative"))
	}
	if r := c.Raft; r != nil {
		if r.Address == "" {
			err = multierr.Append(err, errors.New("raft.address is required"))
		}
		if !r.InMemory && c.DataDir == "" {
			err = multierr.Append(err, errors.New("data_dir is required unless raft.in_memory is set"))
		}
		if r.Bootstrap && len(r.Join) > 0 {
			err = multierr.Append(err, errors.New("raft.bootstrap and raft.join are mutually exclusive"))
		}
		if !r.Bootstrap && len(r.Join) == 0 {
			err = multierr.Append(err, errors.New("raft needs either bootstrap or join"))
		}
	}
	return multierr.Append(err, c.TLS.validate())
}

// ClientConfig is the configuration of a gojogrid client.
type ClientConfig struct {
	// Servers are the gRPC addresses of the grid; the CLI talks to the first.
	Servers []string `yaml:"servers"`
	// TransactionMode is one of NONE, NON_XA, NON_DURABLE_XA and FULL_XA.
	TransactionMode    string        `yaml:"transaction_mode"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryInterval      time.Duration `yaml:"retry_interval"`

	TLS    TLSConfig     `yaml:"tls"`
	Logger logger.Config `yaml:"logger"`
}

// DefaultClientConfig returns a client for a local standalone server.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Servers:            []string{"127.0.0.1:11222"},
		TransactionMode:    "NON_XA",
		TransactionTimeout: time.Minute,
		RPCTimeout:         5 * time.Second,
		MaxRetries:         3,
		RetryInterval:      100 * time.Millisecond,
		Logger:             logger.Config{Level: "warn", Format: "console", OutputFile: "stderr", Service: "gojogrid-cli"},
	}
}

// Validate reports every problem of c at once.
func (c *ClientConfig) Validate() error {
	var err error
	if len(c.Servers) == 0 {
		err = multierr.Append(err, errors.New("at least one server is required"))
	}
	if _, mErr := client.ParseMode(c.TransactionMode); mErr != nil {
		err = multierr.Append(err, mErr)
	}
	if c.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("max_retries must not be negative"))
	}
	if c.RPCTimeout < 0 || c.TransactionTimeout < 0 || c.RetryInterval < 0 {
		err = multierr.Append(err, errors.New("timeouts and intervals must not be negative"))
	}
	return multierr.Append(err, c.TLS.validate())
}

// TableConfig builds the client transaction table configuration.
func (c *ClientConfig) TableConfig(log *zap.Logger) (client.TableConfig, error) {
	mode, err := client.ParseMode(c.TransactionMode)
	if err != nil {
		return client.TableConfig{}, err
	}
	return client.TableConfig{
		Mode:          mode,
		Logger:        log,
		Timeout:       c.RPCTimeout,
		MaxRetries:    c.MaxRetries,
		RetryInterval: c.RetryInterval,
	}, nil
}

// LoadServerConfig reads path over the defaults and validates the result.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadClientConfig reads path over the defaults and validates the result.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config %s: %w", path, err)
	}
	return cfg, nil
}

// loadFromFile decodes path into out, leaving the fields the file does not
// mention untouched. Unknown keys are rejected.
func loadFromFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}
