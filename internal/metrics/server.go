package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ivlev/reelforge/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Router mounts /metrics and /healthz behind the request logger.
func (m *Metrics) Router(log *slog.Logger, updateGauges func()) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(RequestMiddleware(m))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler(updateGauges))
	return r
}

// Serve listens on addr until ctx is done, then drains connections.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("metrics listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Info("metrics server stopped")
	return nil
}
