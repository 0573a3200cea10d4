// Command stdio-client spawns the MCP servers listed in a YAML file, connects to each over its
// standard input and output and prints what the server offers. The working directory is exposed
// to the servers as a root.
//
//	servers:
//	  - name: everything
//	    command: go
//	    args: [run, ./example/stdio-server]
//	    env: [MCP_LOG_LEVEL=debug]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/mcpwire/go-mcp"
	"github.com/mcpwire/go-mcp/roots"
	"gopkg.in/yaml.v3"
)

type config struct {
	Servers []serverConfig `yaml:"servers"`
}

type serverConfig struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Env     []string      `yaml:"env"`
	Timeout time.Duration `yaml:"timeout"`
}

func main() {
	configPath := flag.String("config", "servers.yaml", "path of the server list")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	registry := roots.NewRegistry(roots.WithLogger(logger))
	defer registry.Close()
	if wd, err := os.Getwd(); err == nil {
		if err := registry.Add(mcp.Root{URI: roots.FileURI(wd), Name: "workspace"}); err != nil {
			log.Fatal(err)
		}
	}
	go func() {
		if err := registry.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("stopped watching roots", slog.String("err", err.Error()))
		}
	}()

	for _, srv := range cfg.Servers {
		if err := inspect(ctx, srv, registry, logger); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", srv.Name, err)
		}
	}
}

func loadConfig(path string) (config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	for i, srv := range cfg.Servers {
		if srv.Command == "" {
			return config{}, fmt.Errorf("server %d (%s): missing command", i, srv.Name)
		}
		if srv.Timeout == 0 {
			cfg.Servers[i].Timeout = 30 * time.Second
		}
	}
	return cfg, nil
}

func inspect(ctx context.Context, srv serverConfig, registry *roots.Registry, logger *slog.Logger) error {
	cmd := exec.Command(srv.Command, srv.Args...)
	cmd.Env = append(os.Environ(), srv.Env...)

	t, err := mcp.NewCommandTransport(cmd,
		mcp.WithTransportLogger(logger.With(slog.String("server", srv.Name))),
		mcp.WithRequestTimeout(srv.Timeout),
	)
	if err != nil {
		return err
	}

	cli := mcp.NewClient(mcp.Info{Name: "stdio-client", Version: "1.0"}, t,
		mcp.WithClientLogger(logger),
		mcp.WithRootsListHandler(registry),
		mcp.WithRootsListUpdater(registry),
	)
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close()

	info := cli.ServerInfo()
	fmt.Printf("%s %s (protocol %s)\n", info.Name, info.Version, cli.ProtocolVersion())
	if instructions := cli.Instructions(); instructions != "" {
		fmt.Printf("  %s\n", instructions)
	}

	if cli.ToolServerSupported() {
		res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
		if err != nil {
			return err
		}
		for _, tool := range res.Tools {
			fmt.Printf("  tool %s: %s\n", tool.Name, tool.Description)
		}
	}
	if cli.PromptServerSupported() {
		res, err := cli.ListPrompts(ctx, mcp.ListPromptsParams{})
		if err != nil {
			return err
		}
		for _, prompt := range res.Prompts {
			fmt.Printf("  prompt %s: %s\n", prompt.Name, prompt.Description)
		}
	}
	if cli.ResourceServerSupported() {
		res, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
		if err != nil {
			return err
		}
		fmt.Printf("  %d resources on the first page\n", len(res.Resources))
	}
	return nil
}
