package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/duplex/internal/api"
	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/config"
	"github.com/kalambet/duplex/internal/coordinator"
	"github.com/kalambet/duplex/internal/faults"
	"github.com/kalambet/duplex/internal/monitor"
	"github.com/kalambet/duplex/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the duplex server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running duplex server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show duplex server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "duplex.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// backends bundles the mode-specific storage stack.
type backends struct {
	objects backend.ObjectStore
	catalog backend.Catalog
	runner  backend.JobRunner
	close   func() error
}

func buildBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	switch cfg.Backend.Mode {
	case "aws":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		return &backends{
			objects: backend.NewS3Store(s3.NewFromConfig(awsCfg), cfg.AWS.Bucket, cfg.AWS.Prefix),
			catalog: backend.NewAthenaCatalog(athena.NewFromConfig(awsCfg), backend.AthenaConfig{
				Database:       cfg.AWS.AthenaDatabase,
				Workgroup:      cfg.AWS.AthenaWorkgroup,
				OutputLocation: cfg.AWS.AthenaOutputLocation,
			}),
			runner: backend.NewSFNRunner(sfn.NewFromConfig(awsCfg), cfg.AWS.StateMachineARN),
			close:  func() error { return nil },
		}, nil

	case "local":
		objects, err := backend.NewFSStore(filepath.Join(cfg.Local.DataDir, "objects"))
		if err != nil {
			return nil, fmt.Errorf("opening object store: %w", err)
		}
		catalog, err := backend.OpenSQLiteCatalog(cfg.Local.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening catalog: %w", err)
		}
		return &backends{
			objects: objects,
			catalog: catalog,
			runner:  backend.NewLocalRunner(2 * time.Minute),
			close:   catalog.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "duplex version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to double-start: probe health, then take the PID file.
	pidPath := pidFilePath(cfg.Local.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("duplex is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("duplex is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing backends: %v\n", err)
		}
	}()

	coord := coordinator.New(stack.objects, stack.catalog, coordinator.Options{
		EscalationThreshold: cfg.Review.EscalationThreshold,
		Logger:              logger,
	})
	registry := tools.NewRegistryWithTools(tools.Deps{
		Coordinator: coord,
		Catalog:     stack.catalog,
		Runner:      stack.runner,
		Retry: faults.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.RetryDelay(),
			Multiplier:  cfg.Retry.Multiplier,
		},
		Timeout: cfg.CallTimeout(),
	}, logger)

	handler := api.NewHandler(api.Deps{
		Registry:    registry,
		Coordinator: coord,
		Token:       cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Background finalizer for fire-and-monitor jobs.
	worker := monitor.NewWorker(stack.catalog, stack.runner, coord, cfg.MonitorPoll())
	go worker.Run(ctx)

	// MCP server on stdio.
	mcpSrv := tools.NewMCPServer(registry)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "duplex listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Local.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("duplex is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop duplex (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to duplex (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Backend.Mode)
	if cfg.Backend.Mode == "aws" {
		printStatus("Bucket", "s3://%s/%s", cfg.AWS.Bucket, cfg.AWS.Prefix)
		printStatus("Athena", "%s (workgroup %s)", cfg.AWS.AthenaDatabase, cfg.AWS.AthenaWorkgroup)
	} else {
		printStatus("Data dir", "%s", cfg.Local.DataDir)
	}

	if running {
		apiClient, err := newAPIClient()
		if err != nil {
			return nil
		}
		stats, err := apiClient.invoke(context.Background(), "get_stats", nil)
		if err == nil && stats.Success {
			if counts, ok := stats.Data.(map[string]any); ok {
				for _, key := range []string{"generated_records", "feedback", "job_executions", "escalations", "running_jobs", "pending_escalations"} {
					if v, ok := counts[key]; ok {
						printStatus(key, "%v", v)
					}
				}
			}
		}
	}
	return nil
}
