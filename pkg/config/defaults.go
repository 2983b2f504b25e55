package config

import (
	"time"

	"github.com/marmos91/nfsgate/internal/bytesize"
)

// Standard service ports.
const (
	DefaultNFSPort    = 2049
	DefaultMountPort  = 20048
	DefaultNLMPort    = 32803
	DefaultRQuotaPort = 875
)

// Default returns a complete configuration with every field at its
// default.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with defaults. Explicit false booleans
// are indistinguishable from unset ones, so protocol enablement defaults
// are only applied when neither family was selected.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if !cfg.Core.NFSv3 && !cfg.Core.NFSv4 {
		cfg.Core.NFSv3 = true
		cfg.Core.NFSv4 = true
	}

	if cfg.Ports.NFS == 0 {
		cfg.Ports.NFS = DefaultNFSPort
	}
	if cfg.Ports.Mount == 0 {
		cfg.Ports.Mount = DefaultMountPort
	}
	if cfg.Ports.NLM == 0 {
		cfg.Ports.NLM = DefaultNLMPort
	}
	if cfg.Ports.RQuota == 0 {
		cfg.Ports.RQuota = DefaultRQuotaPort
	}

	if cfg.RPC.MaxSendBufferSize == 0 {
		cfg.RPC.MaxSendBufferSize = bytesize.Mi
	}
	if cfg.RPC.MaxRecvBufferSize == 0 {
		cfg.RPC.MaxRecvBufferSize = bytesize.Mi
	}
	if cfg.RPC.IdleTimeout == 0 {
		cfg.RPC.IdleTimeout = 5 * time.Minute
	}
	if cfg.RPC.IOQThreadMax == 0 {
		cfg.RPC.IOQThreadMax = 200
	}
	if cfg.RPC.GSS.CtxHashPartitions == 0 {
		cfg.RPC.GSS.CtxHashPartitions = 13
	}
	if cfg.RPC.GSS.MaxCtx == 0 {
		cfg.RPC.GSS.MaxCtx = 16384
	}
	if cfg.RPC.GSS.MaxGC == 0 {
		cfg.RPC.GSS.MaxGC = 200
	}

	if cfg.Decoder.ExpirationDelay == 0 {
		cfg.Decoder.ExpirationDelay = 5 * time.Minute
	}
	if cfg.Decoder.BlockTimeout == 0 {
		cfg.Decoder.BlockTimeout = 10 * time.Second
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9834"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}
