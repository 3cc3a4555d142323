package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/reflectd/internal/api"
	"github.com/kalambet/reflectd/internal/config"
	"github.com/kalambet/reflectd/internal/dialog"
	"github.com/kalambet/reflectd/internal/emotion"
	"github.com/kalambet/reflectd/internal/ingest"
	"github.com/kalambet/reflectd/internal/naming"
	"github.com/kalambet/reflectd/internal/ollama"
	"github.com/kalambet/reflectd/internal/onboarding"
	"github.com/kalambet/reflectd/internal/pipeline"
	"github.com/kalambet/reflectd/internal/scheduler"
	"github.com/kalambet/reflectd/internal/speech"
	"github.com/kalambet/reflectd/internal/storage"
	"github.com/kalambet/reflectd/internal/watch"
)

const (
	stepTimeout     = 90 * time.Second
	shutdownTimeout = 15 * time.Second
	watchDebounce   = 750 * time.Millisecond
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reflectd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running reflectd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reflectd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "reflectd.pid")
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "reflectd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Server.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local inference is optional: adapters fall back when it is down.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if models := localModels(cfg); len(models) > 0 {
		if err := ollama.EnsureReady(ctx, ollamaClient, os.Stderr, models...); err != nil {
			slog.Warn("local inference unavailable, results will use fallback values", "error", err)
		}
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	artifacts, err := storage.NewArtifactStore(cfg.Storage.UploadsDir())
	if err != nil {
		return err
	}
	results, err := storage.NewResultStore(cfg.Storage.ResultsDir())
	if err != nil {
		return err
	}

	onboard := onboarding.NewManager(store)
	proc, err := buildProcessor(cfg, ollamaClient, onboard)
	if err != nil {
		return err
	}

	svc := ingest.NewService(naming.New(), artifacts, results, proc)
	rec := ingest.NewReconciler(artifacts, results, proc, cfg.Reconcile.Workers, store)
	sched := scheduler.New(rec,
		cfg.Reconcile.InitialDelayDuration(),
		cfg.Reconcile.IntervalDuration(),
		scheduler.OnOutcome(logFailedSamples),
	)

	handler := api.NewHandler(api.Deps{
		Analyzer:   svc,
		Reconcile:  sched,
		Results:    results,
		Runs:       store,
		Onboarding: onboard,
		Origins:    cfg.Server.Origins(),
		Version:    version,
		StartedAt:  time.Now(),
	})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr(), err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "reflectd listening on %s\n", cfg.Server.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if cfg.Reconcile.Watch {
		w := watch.New(cfg.Storage.UploadsDir(), watchDebounce, func() {
			sched.Nudge(ingest.TriggerWatch)
		})
		g.Go(func() error {
			// The periodic schedule still covers new uploads without the watcher.
			if err := w.Run(gctx); err != nil {
				slog.Error("upload watcher stopped", "error", err)
			}
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Reconcile: sched,
			Results:   results,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// localModels lists the Ollama models the configured backends need.
func localModels(cfg config.Config) []string {
	var models []string
	if cfg.Emotion.Backend == "ollama" {
		models = append(models, cfg.Ollama.VisionModel)
	}
	if cfg.Dialog.Backend == "ollama" {
		models = append(models, cfg.Ollama.ReplyModel)
	}
	return models
}

func buildProcessor(cfg config.Config, oc *ollama.Client, styles dialog.Styles) (*pipeline.Processor, error) {
	var emo pipeline.EmotionAnalyzer = emotion.Static{}
	if cfg.Emotion.Backend == "ollama" {
		emo = emotion.NewVision(oc, cfg.Ollama.VisionModel)
	}

	var replier pipeline.Replier = dialog.Rules{}
	if cfg.Dialog.Backend == "ollama" {
		replier = dialog.NewChat(oc, cfg.Ollama.ReplyModel, styles)
	}

	if _, err := exec.LookPath(cfg.Speech.FFmpegPath); err != nil {
		slog.Warn("ffmpeg not found, audio will be transcribed without normalization", "path", cfg.Speech.FFmpegPath)
	}
	norm, err := speech.NewFFmpeg(cfg.Speech.FFmpegPath, cfg.Storage.NormalizedDir())
	if err != nil {
		return nil, err
	}

	if cfg.Speech.APIKey == "" && strings.Contains(cfg.Speech.BaseURL, "api.openai.com") {
		slog.Warn("no speech API key configured, transcripts will be empty")
	}
	whisper := speech.NewWhisper(cfg.Speech.BaseURL, cfg.Speech.APIKey, cfg.Speech.Model, &http.Client{Timeout: stepTimeout})

	return pipeline.NewProcessor(norm, emo, whisper, replier,
		pipeline.WithStepTimeout(stepTimeout),
		pipeline.WithKeepNormalized(cfg.Storage.KeepNormalized),
	), nil
}

func logFailedSamples(out ingest.Outcome, err error) {
	if err != nil {
		return
	}
	for key, msg := range out.Failed {
		slog.Warn("sample not persisted, will retry next run", "run_id", out.RunID, "sample_key", key, "error", msg)
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("reflectd is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop reflectd (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to reflectd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    "http://" + cfg.Server.Addr(),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	health, err := fetchHealth(ctx, client)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on %s (version %s, up %s)",
			cfg.Server.Addr(), health.Version, time.Duration(health.UptimeSeconds)*time.Second)
		if health.ReconcileRunning {
			printStatus("Reconcile", "running")
		} else {
			printStatus("Reconcile", "idle")
		}
		if run := health.LastRun; run != nil {
			printStatus("Last run", "%s (%s) processed %d in %dms",
				run.FinishedAt.Local().Format(time.DateTime), run.Trigger, run.ProcessedCount, run.DurationMs)
			if run.Error != "" {
				printWarning("last run failed: %s", run.Error)
			}
		}
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	if oc.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Emotion", "%s", backendLabel(cfg.Emotion.Backend, cfg.Ollama.VisionModel))
	printStatus("Dialog", "%s", backendLabel(cfg.Dialog.Backend, cfg.Ollama.ReplyModel))
	printStatus("Speech", "%s at %s", cfg.Speech.Model, cfg.Speech.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchHealth(ctx context.Context, c *apiClient) (api.HealthResponse, error) {
	var health api.HealthResponse
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return health, err
	}
	err = decodeJSON(resp, &health)
	return health, err
}

func backendLabel(backend, model string) string {
	if backend == "ollama" {
		return "ollama (" + model + ")"
	}
	return backend
}
