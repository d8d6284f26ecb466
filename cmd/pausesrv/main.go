package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pausevm/internal/config"
	"pausevm/internal/observability"
)

func ensureDefaultLogFile() {
	if strings.TrimSpace(os.Getenv(observability.LogFileEnv)) != "" {
		return
	}

	abs, err := filepath.Abs(filepath.Join("data", "logs", "pausesrv.log"))
	if err != nil {
		return
	}
	_ = os.Setenv(observability.LogFileEnv, abs)
}

func main() {
	ensureDefaultLogFile()

	cfg := config.Load()
	addr := flag.String("addr", cfg.HTTPAddr, "HTTP listen address")
	storeKind := flag.String("store", cfg.Store.Kind, "Task store: memory, sqlite, redis or postgres")
	flag.Parse()
	cfg.HTTPAddr = *addr
	cfg.Store.Kind = *storeKind

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init app failed: %v\n", err)
		os.Exit(1)
	}
	defer app.shutdown()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.Info("server_started", map[string]any{"addr": cfg.HTTPAddr, "store": cfg.Store.Kind})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Error("server_failed", map[string]any{"reason": err.Error()})
			app.shutdown()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.Warn("server_shutdown_failed", map[string]any{"reason": err.Error()})
	}
	observability.Info("server_stopped", nil)
}
