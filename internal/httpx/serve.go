// Package httpx holds the small HTTP serving helpers shared by the bridge,
// SSE, and metrics endpoints.
package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// shutdownGrace bounds how long in-flight requests get to finish once the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// Serve runs srv on ln until ctx is cancelled, then shuts it down
// gracefully. It blocks until the server has fully stopped and returns nil
// on a clean shutdown.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Wait for graceful shutdown only if it was triggered by ctx cancellation.
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}
