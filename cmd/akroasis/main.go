// Command akroasis submits audio to a transcription service and follows each
// job's progress over the realtime channel, falling back to REST polling when
// live updates are unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/velisarios/akroasis/internal/api"
	"github.com/velisarios/akroasis/internal/channel"
	"github.com/velisarios/akroasis/internal/config"
	"github.com/velisarios/akroasis/internal/health"
	"github.com/velisarios/akroasis/internal/observe"
	"github.com/velisarios/akroasis/internal/progress"
	"github.com/velisarios/akroasis/internal/rooms"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mediaURL := flag.String("media-url", "", "submit a remote media URL instead of uploading a file")
	trackIDs := flag.String("track", "", "comma-separated IDs of existing jobs to follow")
	language := flag.String("language", "", "override the configured transcription language")
	model := flag.String("model", "", "override the configured transcription model")
	watch := flag.Bool("watch", false, "keep running after jobs finish and hot-reload the config file")
	logJSON := flag.Bool("log-json", false, "emit logs as JSON instead of text")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 && *mediaURL == "" && *trackIDs == "" && !*watch {
		fmt.Fprintln(os.Stderr, "akroasis: nothing to do; pass audio files, -media-url, -track, or -watch")
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "akroasis: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "akroasis: %v\n", err)
		}
		return 1
	}
	if *language == "" {
		*language = cfg.API.Language
	}
	if *model == "" {
		*model = cfg.API.Model
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("akroasis starting",
		"config", *configPath,
		"api", cfg.API.BaseURL,
		"realtime", cfg.Realtime.URL,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "akroasis",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Pipeline wiring ───────────────────────────────────────────────────────
	tokens := &tokenSource{}
	tokens.set(cfg.API.Token)

	client, err := api.New(cfg.API.BaseURL, api.WithToken(cfg.API.Token))
	if err != nil {
		slog.Error("failed to create API client", "err", err)
		return 1
	}

	mgr := channel.New(channel.Config{
		URL:               cfg.Realtime.URL,
		Token:             tokens.get,
		DialTimeout:       cfg.Realtime.DialTimeout.Std(),
		Backoff:           cfg.Realtime.Backoff.Std(),
		MaxBackoff:        cfg.Realtime.MaxBackoff.Std(),
		KeepaliveInterval: cfg.Realtime.Keepalive.Std(),
		Metrics:           metrics,
	})
	defer mgr.Disconnect()

	reg := rooms.New(mgr,
		rooms.WithToken(tokens.get),
		rooms.WithJoinTimeout(cfg.Tracking.JoinTimeout.Std()),
		rooms.WithMetrics(metrics),
	)
	defer reg.Close()
	mgr.SetEventHandler(reg.HandleEvent)
	// A failed dial is not fatal: joins will time out and the tracker falls
	// back to polling job status over REST.
	mgr.AutoConnect(ctx)

	tracker := progress.New(progress.Config{
		Subscriptions: reg,
		Jobs:          client,
		PollInterval:  cfg.Tracking.PollInterval.Std(),
		OnUpdate:      printProgress,
		OnRefresh:     refreshJobList(client),
		Metrics:       metrics,
	})

	// ── Diagnostics server (optional) ─────────────────────────────────────────
	if cfg.Diagnostics.ListenAddr != "" {
		srv := diagnosticsServer(cfg.Diagnostics.ListenAddr, metrics, client, mgr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("diagnostics server error", "err", err)
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
		slog.Info("diagnostics server listening", "addr", cfg.Diagnostics.ListenAddr)
	}

	// ── Config hot reload (watch mode) ────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyConfigChange(config.Diff(old, new), level, tokens)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer w.Stop()
	}

	// ── Submit and follow jobs ────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	var failed bool
	var failedMu sync.Mutex
	markFailed := func() {
		failedMu.Lock()
		failed = true
		failedMu.Unlock()
	}

	for _, path := range files {
		g.Go(func() error {
			if err := submitFile(gctx, tracker, client, path, *language, *model); err != nil {
				slog.Error("transcription failed", "file", path, "err", err)
				markFailed()
			}
			return nil
		})
	}

	if *mediaURL != "" {
		g.Go(func() error {
			if err := submitURL(gctx, tracker, client, *mediaURL, *language, *model); err != nil {
				slog.Error("transcription failed", "url", *mediaURL, "err", err)
				markFailed()
			}
			return nil
		})
	}

	for _, id := range splitIDs(*trackIDs) {
		g.Go(func() error {
			if err := followJob(gctx, tracker, id); err != nil {
				slog.Error("tracking failed", "job_id", id, "err", err)
				markFailed()
			}
			return nil
		})
	}

	_ = g.Wait()

	if *watch {
		slog.Info("watch mode active, press Ctrl+C to shut down")
		<-ctx.Done()
	}

	slog.Info("shutting down")
	if failed {
		return 1
	}
	return 0
}

// submitFile uploads one audio file and blocks until its job finishes.
func submitFile(ctx context.Context, tracker *progress.Tracker, client *api.Client, path, language, model string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(path)
	jobID, err := tracker.Submit(ctx, name, func(ctx context.Context, onProgress func(int)) (api.Job, error) {
		return client.CreateFromFile(ctx, api.UploadRequest{
			FileName:   name,
			Media:      f,
			Language:   language,
			Model:      model,
			OnProgress: onProgress,
		})
	})
	if err != nil {
		return err
	}
	slog.Info("job created", "file", name, "job_id", jobID)
	return awaitOutcome(ctx, tracker, jobID)
}

// submitURL asks the server to fetch remote media and blocks until the
// resulting job finishes.
func submitURL(ctx context.Context, tracker *progress.Tracker, client *api.Client, mediaURL, language, model string) error {
	job, err := client.CreateFromURL(ctx, mediaURL, language, model)
	if err != nil {
		return err
	}
	slog.Info("job created", "url", mediaURL, "job_id", job.ID)
	return followJob(ctx, tracker, job.ID)
}

// followJob tracks an already-existing job to completion.
func followJob(ctx context.Context, tracker *progress.Tracker, jobID string) error {
	tracker.Track(ctx, jobID)
	return awaitOutcome(ctx, tracker, jobID)
}

func awaitOutcome(ctx context.Context, tracker *progress.Tracker, jobID string) error {
	rec, err := tracker.Wait(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status == progress.StatusError {
		return fmt.Errorf("job %s: %s", jobID, rec.Message)
	}
	return nil
}

// printProgress renders one progress record to stdout.
func printProgress(key string, rec progress.Record) {
	name := rec.FileName
	if name == "" {
		name = key
	}
	if rec.Message != "" {
		fmt.Printf("%-30s %3d%%  %-10s %s\n", name, rec.Percent, rec.Status, rec.Message)
		return
	}
	fmt.Printf("%-30s %3d%%  %s\n", name, rec.Percent, rec.Status)
}

// refreshJobList returns the terminal-status callback that re-fetches the
// job list so the final server-side state is visible.
func refreshJobList(client *api.Client) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		jobs, err := client.Jobs(ctx)
		if err != nil {
			slog.Warn("job list refresh failed", "err", err)
			return
		}
		slog.Info("job list refreshed", "jobs", len(jobs))
	}
}

// diagnosticsServer builds the local HTTP server exposing health probes and
// the Prometheus scrape endpoint.
func diagnosticsServer(addr string, metrics *observe.Metrics, client *api.Client, mgr *channel.Manager) *http.Server {
	mux := http.NewServeMux()
	health.New(
		health.APIChecker(client),
		health.ChannelChecker(mgr),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// applyConfigChange hot-applies the reloadable subset of a config change.
func applyConfigChange(d config.ConfigDiff, level *slog.LevelVar, tokens *tokenSource) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.TokenChanged {
		tokens.set(d.NewToken)
		slog.Info("API token rotated; new connections will use it")
	}
	if d.PollIntervalChanged {
		slog.Warn("tracking.poll_interval changed; restart to apply", "interval", d.NewPollInterval.Std())
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// tokenSource hands the current API token to components that outlive a
// config reload.
type tokenSource struct {
	mu  sync.RWMutex
	tok string
}

func (t *tokenSource) set(tok string) {
	t.mu.Lock()
	t.tok = tok
	t.mu.Unlock()
}

func (t *tokenSource) get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tok
}
