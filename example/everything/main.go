// Command everything serves the everything demonstration server over SSE and runs a client
// against it. Configuration is read from the environment:
//
//	EVERYTHING_ADDR     listen address (default ":8080")
//	EVERYTHING_BASE_URL URL clients reach the server at (default "http://localhost:8080")
//	EVERYTHING_DEBUG    log at debug level (default false)
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/mcpwire/go-mcp"
	"github.com/mcpwire/go-mcp/servers/everything"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type config struct {
	Addr    string `env:"EVERYTHING_ADDR,default=:8080"`
	BaseURL string `env:"EVERYTHING_BASE_URL,default=http://localhost:8080"`
	Debug   bool   `env:"EVERYTHING_DEBUG,default=false"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := mcp.NewMetrics(reg)

	sse := mcp.NewSSEServer(cfg.BaseURL+"/message",
		mcp.WithSSEServerLogger(logger),
		mcp.WithSSEServerTransportOptions(mcp.WithTransportMetrics(metrics)),
	)
	demo := everything.NewServer()
	defer demo.Close()
	server := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"},
		append(demo.Options(), mcp.WithServerLogger(logger))...)

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := server.ServeSessions(ctx, sse.Sessions()); err != nil {
			logger.Error("failed to serve sessions", slog.String("err", err.Error()))
		}
	}()

	if err := runClient(ctx, cfg.BaseURL+"/sse", logger); err != nil {
		fmt.Fprintf(os.Stderr, "client failed: %v\n", err)
	}

	fmt.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := sse.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down SSE server", slog.String("err", err.Error()))
	}
	<-served
	demo.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down MCP server", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
		return
	}

	fmt.Println("Server exited gracefully")
}
