// Command app is the sample container both services in topology.yaml are
// built from. It answers its health check, echoes the request path, and
// calls the backend through the linked API_ENDPOINT on /upstream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulumi-shared-alb/internal/logging"
)

func main() {
	logger := logging.NewLogger(getenv("LOG_LEVEL", "info"), "json")
	srv := newServer(serverConfig{
		name:        getenv("SERVICE_NAME", "app"),
		healthPath:  getenv("HEALTH_PATH", "/health"),
		apiEndpoint: os.Getenv("API_ENDPOINT"),
	}, logger)

	addr := ":" + getenv("PORT", "8000")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown")
		}
	}()

	logger.WithField("addr", addr).Info("listening")
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("server closed")
	} else if err != nil {
		logger.WithError(err).Error("error starting server")
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
