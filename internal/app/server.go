package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voiceorder/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// MetricsHandler serves the Prometheus registry the OpenTelemetry exporter
// writes to.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// serve listens on addr and serves h until ctx is cancelled, then shuts the
// server down gracefully.
func serve(ctx context.Context, name, addr string, tlsCfg *config.TLSConfig, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: %s listen %s: %w", name, addr, err)
	}
	return serveListener(ctx, name, ln, tlsCfg, h)
}

func serveListener(ctx context.Context, name string, ln net.Listener, tlsCfg *config.TLSConfig, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("app: http server listening", "server", name, "addr", ln.Addr().String(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			errc <- srv.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: %s serve: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: %s shutdown: %w", name, err)
	}
	slog.Info("app: http server stopped", "server", name)
	return nil
}
