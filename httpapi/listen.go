package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe starts an HTTP server and shuts it down on context cancellation.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, handler)
}

// Serve serves handler on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	logger := pslog.Ctx(ctx)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
