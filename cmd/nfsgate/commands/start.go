package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/nfsgate/internal/dispatch"
	"github.com/marmos91/nfsgate/internal/logger"
	"github.com/marmos91/nfsgate/internal/rpc"
	"github.com/marmos91/nfsgate/pkg/config"
	promdispatch "github.com/marmos91/nfsgate/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nfsgate server",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("Starting nfsgate",
		"version", versionStr,
		"nfsv3", cfg.Core.NFSv3, "nfsv4", cfg.Core.NFSv4,
		"vsock", cfg.Core.VSOCK, "rdma", cfg.Core.RDMA)

	var metrics dispatch.Metrics
	if cfg.Metrics.Enabled {
		metrics = promdispatch.NewDispatchMetrics(nil)
		go serveMetrics(cfg.Metrics.Listen)
	}

	d := dispatch.New(cfg, placeholderHandlers(), dispatch.Options{
		Metrics: metrics,
	})

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Init(ctx); err != nil {
		logger.Fatal("Dispatcher initialization failed", "error", err)
	}

	err = d.Serve(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	d.Stop(stopCtx)
	return err
}

// serveMetrics exposes the Prometheus endpoint.
func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Metrics endpoint listening", "address", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("Metrics endpoint failed", "error", err)
	}
}

// placeholderHandlers answer NULL procedures and report everything else
// unavailable. The NFS engine registers its real handlers here when this
// front end is embedded in a full server.
func placeholderHandlers() dispatch.ProgramHandlers {
	null := func(r *dispatch.Req) dispatch.XprtStat {
		if r.Msg.Procedure == 0 {
			_ = r.Reply(rpc.MakeSuccessReply(r.Msg.XID, nil))
		} else {
			_ = r.Reply(rpc.MakeProcUnavailReply(r.Msg.XID))
		}
		return r.Xprt.Stat()
	}
	return dispatch.ProgramHandlers{
		NFS:    null,
		Mount:  null,
		NLM:    null,
		RQuota: null,
	}
}
