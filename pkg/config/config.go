// Package config loads and validates the nfsgate server configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (NFSGATE_*)
//  2. Configuration file (YAML)
//  3. Defaults
//
// Environment variables override only keys that the configuration file
// sets. When no file is found, Load returns the defaults and reads no
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/nfsgate/internal/bytesize"
	"github.com/marmos91/nfsgate/internal/logger"
)

// CoreOption is a bit in the core options mask selecting protocol families.
type CoreOption uint32

const (
	CoreOptionNFSv3 CoreOption = 1 << iota
	CoreOptionNFSv4
	CoreOptionVSOCK
	CoreOptionRDMA
)

// Config is the full nfsgate configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Core selects the protocol families the server exposes.
	Core CoreConfig `mapstructure:"core" yaml:"core"`

	// Ports assigns a listening port to each protocol.
	Ports PortsConfig `mapstructure:"ports" yaml:"ports"`

	// TCPKeepalive tunes keepalive on stream listeners.
	TCPKeepalive KeepaliveConfig `mapstructure:"tcp_keepalive" yaml:"tcp_keepalive"`

	// RPC tunes the transport library: buffer caps, connection limits,
	// event machinery, and GSS context caching.
	RPC RPCConfig `mapstructure:"rpc" yaml:"rpc"`

	// Decoder tunes the decoder thread pool.
	Decoder DecoderConfig `mapstructure:"decoder" yaml:"decoder"`

	// Kerberos enables RPCSEC_GSS via a service keytab.
	Kerberos KerberosConfig `mapstructure:"kerberos" yaml:"kerberos"`

	// Portmapper controls rpcbind registration.
	Portmapper PortmapperConfig `mapstructure:"portmapper" yaml:"portmapper"`

	// Metrics controls the Prometheus exposition endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// CoreConfig selects protocol families and optional services.
type CoreConfig struct {
	// NFSv3 enables the NFSv3 family: MOUNT and, when EnableNLM is set,
	// the lock manager.
	NFSv3 bool `mapstructure:"nfsv3" yaml:"nfsv3"`

	// NFSv4 enables the NFSv4 family.
	NFSv4 bool `mapstructure:"nfsv4" yaml:"nfsv4"`

	// VSOCK adds an AF_VSOCK stream listener on the NFS port.
	VSOCK bool `mapstructure:"vsock" yaml:"vsock"`

	// RDMA adds an RDMA listener when a capable device is present.
	RDMA bool `mapstructure:"rdma" yaml:"rdma"`

	// EnableNLM serves the Network Lock Manager program (NFSv3 only).
	EnableNLM bool `mapstructure:"enable_nlm" yaml:"enable_nlm"`

	// EnableRQuota serves the remote quota program.
	EnableRQuota bool `mapstructure:"enable_rquota" yaml:"enable_rquota"`
}

// Options folds the boolean switches into the core options bitmask.
func (c CoreConfig) Options() CoreOption {
	var o CoreOption
	if c.NFSv3 {
		o |= CoreOptionNFSv3
	}
	if c.NFSv4 {
		o |= CoreOptionNFSv4
	}
	if c.VSOCK {
		o |= CoreOptionVSOCK
	}
	if c.RDMA {
		o |= CoreOptionRDMA
	}
	return o
}

// PortsConfig assigns listening ports per protocol.
type PortsConfig struct {
	NFS    int `mapstructure:"nfs" validate:"min=1,max=65535" yaml:"nfs"`
	Mount  int `mapstructure:"mount" validate:"min=1,max=65535" yaml:"mount"`
	NLM    int `mapstructure:"nlm" validate:"min=1,max=65535" yaml:"nlm"`
	RQuota int `mapstructure:"rquota" validate:"min=1,max=65535" yaml:"rquota"`
}

// KeepaliveConfig tunes SO_KEEPALIVE on stream sockets. A zero count,
// idle, or interval leaves the kernel default untouched.
type KeepaliveConfig struct {
	Enabled  bool `mapstructure:"enabled" yaml:"enabled"`
	Count    int  `mapstructure:"count" validate:"min=0" yaml:"count"`
	Idle     int  `mapstructure:"idle" validate:"min=0" yaml:"idle"`
	Interval int  `mapstructure:"interval" validate:"min=0" yaml:"interval"`
}

// RPCConfig tunes the transport machinery.
type RPCConfig struct {
	// MaxSendBufferSize caps per-transport send buffers.
	MaxSendBufferSize bytesize.ByteSize `mapstructure:"max_send_buffer_size" yaml:"max_send_buffer_size"`

	// MaxRecvBufferSize caps per-transport receive buffers.
	MaxRecvBufferSize bytesize.ByteSize `mapstructure:"max_recv_buffer_size" yaml:"max_recv_buffer_size"`

	// MaxConnections caps concurrent stream connections (0 = unlimited).
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// IdleTimeout closes stream connections idle longer than this.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0" yaml:"idle_timeout"`

	// IOQThreadMax caps transport-library I/O queue workers.
	IOQThreadMax int `mapstructure:"ioq_thread_max" validate:"min=0" yaml:"ioq_thread_max"`

	// Debug enables verbose transport-level logging.
	Debug bool `mapstructure:"debug" yaml:"debug"`

	// GSS tunes the RPCSEC_GSS context cache.
	GSS GSSConfig `mapstructure:"gss" yaml:"gss"`
}

// GSSConfig tunes the GSS context cache.
type GSSConfig struct {
	CtxHashPartitions int `mapstructure:"ctx_hash_partitions" validate:"min=0" yaml:"ctx_hash_partitions"`
	MaxCtx            int `mapstructure:"max_ctx" validate:"min=0" yaml:"max_ctx"`
	MaxGC             int `mapstructure:"max_gc" validate:"min=0" yaml:"max_gc"`
}

// DecoderConfig tunes the decoder thread pool.
type DecoderConfig struct {
	// ExpirationDelay is how long an idle decoder thread lingers.
	ExpirationDelay time.Duration `mapstructure:"expiration_delay" validate:"min=0" yaml:"expiration_delay"`

	// BlockTimeout bounds how long a decode job may wait for a thread.
	BlockTimeout time.Duration `mapstructure:"block_timeout" validate:"min=0" yaml:"block_timeout"`
}

// KerberosConfig enables RPCSEC_GSS.
type KerberosConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Principal string `mapstructure:"principal" yaml:"principal"`
	Keytab    string `mapstructure:"keytab" yaml:"keytab"`
}

// PortmapperConfig controls rpcbind registration. When disabled, the
// registrar is a no-op and the server runs unadvertised.
type PortmapperConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the rpcbind endpoint (host:port); empty means the local
	// rpcbind on the well-known port.
	Host string `mapstructure:"host" yaml:"host"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load reads the configuration from file, environment, and defaults.
// An empty configPath uses the default search locations.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := Default()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NFSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath("/etc/nfsgate")
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	logger.Debug("Config file loaded", "path", v.ConfigFileUsed())
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can say "1Mi" or a plain byte count.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return bytesize.ParseByteSize(val)
		case int:
			return bytesize.ByteSize(val), nil
		case int64:
			return bytesize.ByteSize(val), nil
		case uint64:
			return bytesize.ByteSize(val), nil
		case float64:
			return bytesize.ByteSize(val), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the configuration with struct tags plus cross-field
// rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if !cfg.Core.NFSv3 && !cfg.Core.NFSv4 {
		return fmt.Errorf("at least one of core.nfsv3 and core.nfsv4 must be enabled")
	}
	if cfg.Core.EnableNLM && !cfg.Core.NFSv3 {
		return fmt.Errorf("core.enable_nlm requires core.nfsv3")
	}
	if cfg.Kerberos.Enabled {
		if cfg.Kerberos.Principal == "" {
			return fmt.Errorf("kerberos.principal is required when kerberos is enabled")
		}
		if cfg.Kerberos.Keytab == "" {
			return fmt.Errorf("kerberos.keytab is required when kerberos is enabled")
		}
	}
	if cfg.RPC.MaxRecvBufferSize.Uint64() == 0 || cfg.RPC.MaxSendBufferSize.Uint64() == 0 {
		return fmt.Errorf("rpc buffer sizes must be non-zero")
	}
	return nil
}
