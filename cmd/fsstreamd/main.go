// cmd/fsstreamd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/fsstream/internal/config"
	"github.com/colebrumley/fsstream/internal/daemon"
	"github.com/colebrumley/fsstream/internal/mcp"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "mcp-server":
			runMCPServer()
			return
		}
	}

	runDaemon()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

func runMCPServer() {
	cfg, err := config.LoadGlobal(config.DefaultConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.MCP.Enabled {
		fmt.Fprintln(os.Stderr, "MCP server is disabled; set mcp.enabled: true in the config")
		os.Exit(1)
	}

	dbPath := os.Getenv("FSSTREAM_CHECKPOINT_DB")
	if dbPath == "" {
		dbPath = cfg.Checkpoint.DBPath
	}

	server, err := mcp.NewServer(dbPath, cfg.Daemon.StateDir, cfg.StatusURL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating MCP server: %v\n", err)
		os.Exit(1)
	}
	defer server.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	d := daemon.New(config.DefaultConfigPath())

	ctx, cancel := signalContext()
	defer cancel()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}
