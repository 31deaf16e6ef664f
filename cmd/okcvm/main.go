// Package main provides the okcvm command line entry point.
//
// Basic usage:
//
//	okcvm server --config config.yaml
//	okcvm config init
//
// Configuration can also be provided via OKCVM_* environment variables;
// see internal/config for the full list.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okcvm/okcvm/internal/api"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/config"
	"github.com/okcvm/okcvm/internal/session"
	"github.com/okcvm/okcvm/internal/storage"
)

const (
	exitConfigInvalid = 1
	exitPortInUse     = 2
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "okcvm",
		Short:        "OK Computer VM session orchestrator",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServerCmd(), buildConfigCmd())
	return rootCmd
}

func buildServerCmd() *cobra.Command {
	var (
		host       string
		port       int
		configPath string
		reload     bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the OKCVM HTTP server",
		Long: `Start the OKCVM HTTP server.

The server loads its configuration from the --config file (or the default
locations), provisions per-client sessions on demand and serves the chat,
workspace and conversation APIs plus deployed site assets.

Graceful shutdown is handled on SIGINT/SIGTERM. With --reload, SIGHUP
re-reads the configuration file and swaps in the new model endpoints
without restarting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(serverOptions{
				host:        host,
				port:        port,
				hostChanged: cmd.Flags().Changed("host"),
				portChanged: cmd.Flags().Changed("port"),
				configPath:  configPath,
				reload:      reload,
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen address (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml or its directory")
	cmd.Flags().BoolVar(&reload, "reload", false, "Reload configuration on SIGHUP")

	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage OKCVM configuration",
	}

	var output string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteSample(output); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "config.yaml", "Destination path")

	cmd.AddCommand(initCmd)
	return cmd
}

type serverOptions struct {
	host        string
	port        int
	hostChanged bool
	portChanged bool
	configPath  string
	reload      bool
}

func runServer(opts serverOptions) error {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	if opts.hostChanged {
		cfg.Server.Host = opts.host
	}
	if opts.portChanged {
		cfg.Server.Port = opts.port
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting OKCVM server...")

	// 3. Resolve the workspace root
	workspaceRoot, err := cfg.ResolveWorkspaceRoot()
	if err != nil {
		log.Error("Failed to prepare workspace root", zap.Error(err))
		os.Exit(exitConfigInvalid)
	}
	log.Info("Workspace root ready", zap.String("path", workspaceRoot))

	// 4. Runtime configuration snapshot (POST /api/config swaps it)
	runtime := config.NewRuntime(cfg)

	// 5. Open the conversation store
	store, err := storage.NewConversationStore(cfg.Store.Path, workspaceRoot, log)
	if err != nil {
		log.Error("Failed to open conversation store", zap.Error(err))
		os.Exit(exitConfigInvalid)
	}
	defer store.Close()
	log.Info("Conversation store ready", zap.String("path", cfg.Store.Path))

	// 6. Session store, provisioned lazily per client
	sessions := session.NewStore(session.StoreOptions{
		StorageRoot:    workspaceRoot,
		PreviewBaseURL: cfg.Workspace.PreviewBaseURL,
		Runtime:        runtime,
		Logger:         log,
	})

	// 7. HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(sessions, store, runtime, log)

	// 8. Bind the listener up front so a busy port fails fast
	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		log.Error("Failed to bind listen address", zap.String("addr", cfg.Server.Addr()), zap.Error(err))
		os.Exit(exitPortInUse)
	}

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown (or reload) signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var hup chan os.Signal
	if opts.reload {
		hup = make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
	}

	for {
		select {
		case <-hup:
			next, err := config.LoadWithPath(opts.configPath)
			if err != nil {
				log.Error("Configuration reload failed, keeping previous", zap.Error(err))
				continue
			}
			runtime.Replace(next)
			log.Info("Configuration reloaded")
			continue
		case <-quit:
		}
		break
	}

	log.Info("Shutting down OKCVM server...")

	// 11. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("OKCVM server stopped")
	return nil
}
