package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/config"
	"github.com/pxecore/transferd/internal/logger"
	"github.com/pxecore/transferd/internal/metrics"
	"github.com/pxecore/transferd/internal/ratelimit"
	"github.com/pxecore/transferd/internal/sftp"
	"github.com/pxecore/transferd/internal/tftp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TFTP and/or SFTP servers",
	Long: `Start whichever of the TFTP and SFTP servers are enabled in
configuration, blocking until an interrupt signal triggers graceful
shutdown.

Examples:
  # Start with default config location
  transferd serve

  # Start with a custom config file
  transferd serve --config /etc/transferd/config.yaml

  # Override a single setting via environment variable
  TRANSFERD_LOGGING_LEVEL=DEBUG transferd serve`,
	RunE: runServe,
}

// tftpAttemptWindow/tftpMaxAttempts/tftpLockout configure the limiter the
// TFTP server checks for every incoming RRQ and WRQ. Unlike SFTP's
// authentication rate-limit, these aren't operator-tunable: TFTP has no
// configured rate_limit section (see internal/tftp.Config), so serve wires
// fixed values. The TFTP server never records failures or successes with
// the limiter, so these limits do not lock a source address out.
const (
	tftpMaxAttempts   = 20
	tftpAttemptWindow = 60 * time.Second
	tftpLockout       = 5 * time.Minute
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
	} else {
		logger.Info("metrics server disabled")
	}

	var auditSinks []*audit.Sink

	var tftpSrv *tftp.Server
	if cfg.TFTP.Enabled {
		tftpMetrics := metrics.NewTFTP()
		metrics.RegisterTFTP(reg, tftpMetrics)
		tftpAudit := audit.NewSink("tftpd")
		auditSinks = append(auditSinks, tftpAudit)
		limiter := ratelimit.New(ratelimit.Config{
			MaxAttempts:     tftpMaxAttempts,
			Window:          tftpAttemptWindow,
			LockoutDuration: tftpLockout,
		})
		tftpSrv, err = tftp.NewServer(cfg.TFTP.Config, tftpAudit, tftpMetrics, limiter)
		if err != nil {
			return fmt.Errorf("build tftp server: %w", err)
		}
	}

	var sftpSrv *sftp.Server
	if cfg.SFTP.Enabled {
		sftpMetrics := metrics.NewSFTP()
		metrics.RegisterSFTP(reg, sftpMetrics)
		sftpAudit := audit.NewSink("sftpd")
		auditSinks = append(auditSinks, sftpAudit)
		sftpSrv, err = sftp.NewServer(cfg.SFTP.Config, sftpAudit, sftpMetrics, cfg.SFTP.Users, cfg.SFTP.Fallback)
		if err != nil {
			return fmt.Errorf("build sftp server: %w", err)
		}
	}

	errCh := make(chan error, 2)
	running := 0

	if tftpSrv != nil {
		running++
		go func() {
			logger.Info("starting tftp server", "addr", cfg.TFTP.BindAddr)
			errCh <- tftpSrv.Serve(ctx)
		}()
	}
	if sftpSrv != nil {
		running++
		go func() {
			logger.Info("starting sftp server", "addr", cfg.SFTP.BindAddr)
			errCh <- sftpSrv.Serve(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("transferd is running, press Ctrl+C to stop")

	var exitErr error
	remaining := running
	for remaining > 0 {
		select {
		case <-sigCh:
			signal.Stop(sigCh)
			logger.Info("shutdown signal received")
			cancel()
			if tftpSrv != nil {
				tftpSrv.Stop()
			}
			if sftpSrv != nil {
				sftpSrv.Stop()
			}
		case err := <-errCh:
			remaining--
			if err != nil {
				logger.Error("server exited with error", "error", err)
				exitErr = err
			}
		}
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}

	for _, sink := range auditSinks {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink.Stop(drainCtx)
		drainCancel()
	}

	logger.Info("transferd stopped")
	return exitErr
}
