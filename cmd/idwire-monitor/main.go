// Command idwire-monitor attaches to a message daemon and logs every inbound
// event, with delivery metrics exposed over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/idwire/idwire/internal/service"
	"github.com/idwire/idwire/internal/transport"
	"github.com/idwire/idwire/internal/transport/grpcdaemon"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, dials the daemon, and streams events to the log.
func main() {
	// Flags
	addr := flag.String("addr", "localhost:9443", "daemon address")
	svcName := flag.String("service", "com.example.ids", "service namespace to monitor")
	caCert := flag.String("ca-cert", "", "CA bundle (PEM); empty uses system roots")
	insec := flag.Bool("insecure", false, "plaintext connection (local daemon only)")
	metricsAddr := flag.String("metrics-addr", ":9180", "metrics listen address; empty disables")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
		zap.String("service", *svcName),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := grpcdaemon.Dial(ctx, grpcdaemon.Config{
		Addr:     *addr,
		CACert:   *caCert,
		Insecure: *insec,
	}, logger)
	if err != nil {
		logger.Fatal("dial daemon", zap.Error(err))
	}

	svc := service.New(service.Config{ServiceName: *svcName}, tp, logger)
	cancel := svc.Subscribe("monitor", monitor(logger))
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal("start", zap.Error(err))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	if err := svc.Close(); err != nil {
		logger.Error("close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// monitor logs one line per event with the fields that identify it.
func monitor(logger *zap.Logger) func(transport.Event) {
	return func(evt transport.Event) {
		fields := []zap.Field{
			zap.String("kind", evt.Kind.String()),
			zap.String("source", evt.Source),
		}
		if evt.Service != "" {
			fields = append(fields, zap.String("service", evt.Service))
		}
		if evt.FromID != "" {
			fields = append(fields, zap.String("from_id", evt.FromID))
		}
		if evt.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", evt.CorrelationID))
		}
		if evt.EndpointKey != "" {
			fields = append(fields, zap.String("endpoint", evt.EndpointKey))
		}
		if evt.SessionID != uuid.Nil {
			fields = append(fields, zap.String("session_id", evt.SessionID.String()))
		}
		if evt.SessionState != nil {
			fields = append(fields,
				zap.String("from", evt.SessionState.From),
				zap.String("to", evt.SessionState.To),
			)
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		if evt.Context != nil && evt.Context.WantsManualAck {
			fields = append(fields, zap.Bool("wants_manual_ack", true))
		}
		logger.Info("event", fields...)
	}
}
