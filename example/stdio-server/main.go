// Command stdio-server serves the everything demonstration server over its standard input and
// output. Logs go to standard error. Configuration is read from the environment:
//
//	MCP_LOG_LEVEL        debug, info, warn or error (default "info")
//	MCP_REQUEST_TIMEOUT  how long server-to-client requests wait (default "30s")
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/mcpwire/go-mcp"
	"github.com/mcpwire/go-mcp/servers/everything"
)

type config struct {
	LogLevel       string        `env:"MCP_LOG_LEVEL,default=info"`
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	demo := everything.NewServer()
	defer demo.Close()

	server := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"},
		append(demo.Options(), mcp.WithServerLogger(logger))...)
	transport := mcp.NewStdIO(os.Stdin, os.Stdout,
		mcp.WithTransportLogger(logger),
		mcp.WithRequestTimeout(cfg.RequestTimeout),
	)

	if err := server.Serve(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
