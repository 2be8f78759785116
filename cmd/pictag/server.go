package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/pictag/internal/analyze"
	"github.com/kalambet/pictag/internal/api"
	"github.com/kalambet/pictag/internal/auth"
	"github.com/kalambet/pictag/internal/config"
	"github.com/kalambet/pictag/internal/embed"
	"github.com/kalambet/pictag/internal/gateway"
	"github.com/kalambet/pictag/internal/maintenance"
	"github.com/kalambet/pictag/internal/queue"
	"github.com/kalambet/pictag/internal/recovery"
	"github.com/kalambet/pictag/internal/settings"
	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/syncer"
	"github.com/kalambet/pictag/internal/vectors"
)

const (
	migrateTimeout   = 2 * time.Minute
	tempMaxAge       = time.Hour
	shutdownTimeout  = 5 * time.Second
	queueWorkers     = 2
	queuePoll        = 500 * time.Millisecond
	statusCountLimit = 100
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pictag server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pictag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pictag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio (for agent integration)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pictag.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "pictag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start. The health probe catches a live server even
	// when a stale PID file is left over from a crash.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("pictag is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("pictag is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage and bring the schema up to date. A migration failure
	// is logged but does not abort startup; the server runs against the
	// schema it has.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	migCtx, cancelMig := context.WithTimeout(ctx, migrateTimeout)
	if err := store.Migrate(migCtx); err != nil {
		slog.Warn("schema migration did not complete, continuing", "error", err)
	}
	cancelMig()

	if n, err := maintenance.SweepTemp(cfg.Storage.TempDir, tempMaxAge); err != nil {
		slog.Warn("temp sweep failed", "dir", cfg.Storage.TempDir, "error", err)
	} else if n > 0 {
		slog.Info("removed stale temp files", "count", n)
	}

	// Settings bootstrap and cache preload.
	cache := settings.NewCache(store)
	if err := cache.EnsureDefaults(); err != nil {
		slog.Warn("settings bootstrap failed", "error", err)
	}
	if err := cache.Preload(); err != nil {
		slog.Warn("settings preload failed, serving defaults", "error", err)
	}

	if cfg.Auth.SecretGenerated {
		slog.Warn("no signing secret configured; generated one for this run, tokens expire at restart")
	}
	authSvc := auth.NewService(store, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMin)*time.Minute)
	if err := authSvc.EnsureDefaultAdmin(cfg.Auth.AdminPassword); err != nil {
		slog.Warn("ensuring default admin failed", "error", err)
	}

	// Embedding service. Readiness is best effort: the library works
	// without it, search and analysis degrade until it comes up.
	embedModel := cache.GetString(settings.KeyEmbedModel)
	if embedModel == "" {
		embedModel = cfg.Embed.Model
	}
	embedClient := embed.New(cfg.Embed.BaseURL)
	if err := embed.EnsureReady(ctx, embedClient, embedModel, os.Stderr); err != nil {
		slog.Warn("embedding service not ready, semantic search degraded", "error", err)
	}
	embedder := embed.NewEmbedder(embedClient, embedModel)
	vecStore := vectors.NewStore(store.DB())

	// Task queue with the analyzer executors. Handlers must be registered
	// before recovery so interrupted analyze tasks are reclaimed.
	analyzer := analyze.NewAnalyzer(store, embedder, vecStore, cfg.Storage.DataDir)
	q := queue.New(store, queueWorkers, queuePoll)
	q.Register(storage.TaskAnalyzeImage, analyzer.HandleImage)
	q.Register(storage.TaskAnalyzeDocument, analyzer.HandleDocument)
	q.Register(storage.TaskRebuildVector, analyzer.HandleVector)

	syncSvc := syncer.New(store, cfg.Storage.DataDir, cfg.Storage.TempDir)

	recovery.New(store, q, syncSvc).Recover(ctx)

	backups := maintenance.NewRunner(store.DB(), cache, filepath.Join(cfg.Storage.DataDir, "backups"))
	go backups.Run(ctx)

	gw := gateway.NewHandler(gateway.Deps{
		Registry: store,
		DataDir:  cfg.Storage.DataDir,
		Logger:   slog.Default(),
	})
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Settings:  cache,
		Auth:      authSvc,
		Queue:     q,
		Syncer:    syncSvc,
		Gateway:   gw,
		Embedder:  embedder,
		Vectors:   vecStore,
		DataDir:   cfg.Storage.DataDir,
		TempDir:   cfg.Storage.TempDir,
		BaseCtx:   ctx,
		RateLimit: cfg.Gateway.RateLimit,
		RateBurst: cfg.Gateway.RateBurst,
	})

	// MCP server on stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Embedder: embedder,
		Vectors:  vecStore,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{Handler: appHandler}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "pictag listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCPStdio serves only the MCP tools over stdio, without the HTTP
// server. Meant to be spawned by an agent host pointing at "pictag mcp".
func runMCPStdio() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout is the MCP transport; all logging goes to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migCtx, cancelMig := context.WithTimeout(ctx, migrateTimeout)
	if err := store.Migrate(migCtx); err != nil {
		slog.Warn("schema migration did not complete, continuing", "error", err)
	}
	cancelMig()

	embedModel := cfg.Embed.Model
	embedClient := embed.New(cfg.Embed.BaseURL)
	embedder := embed.NewEmbedder(embedClient, embedModel)
	vecStore := vectors.NewStore(store.DB())

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Embedder: embedder,
		Vectors:  vecStore,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("pictag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pictag (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pictag (PID %d)", pid)
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

	ec := embed.New(cfg.Embed.BaseURL)
	if ec.IsRunning(context.Background()) {
		if v, err := ec.Version(context.Background()); err == nil && v != "" {
			printStatus("Embeddings", "running at %s (v%s)", cfg.Embed.BaseURL, v)
		} else {
			printStatus("Embeddings", "running at %s", cfg.Embed.BaseURL)
		}
	} else {
		printStatus("Embeddings", "not running")
	}
	printStatus("Embed model", "%s", cfg.Embed.Model)

	// Counts need an authenticated API client; skip them when the server
	// is down or login fails.
	if running {
		if c, err := newAPIClient(); err == nil {
			if eps, err := c.listEndpoints(); err == nil {
				printStatus("Endpoints", "%d", len(eps))
			}
			if media, err := c.listMedia(statusCountLimit); err == nil {
				printStatus("Media files", "%s", countLabel(len(media), statusCountLimit))
			}
			if tasks, err := c.listTasks(statusCountLimit); err == nil {
				printStatus("Tasks", "%s", countLabel(len(tasks), statusCountLimit))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
