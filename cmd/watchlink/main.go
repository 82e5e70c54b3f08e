// Package main provides the watchlink playback client entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/watchlink/watchlink/internal/app/autoplay"
	"github.com/watchlink/watchlink/internal/app/player"
	"github.com/watchlink/watchlink/internal/app/progress"
	"github.com/watchlink/watchlink/internal/app/queueing"
	"github.com/watchlink/watchlink/internal/app/timeline"
	"github.com/watchlink/watchlink/internal/domain/media"
	"github.com/watchlink/watchlink/internal/infra/config"
	"github.com/watchlink/watchlink/internal/infra/logger"
	"github.com/watchlink/watchlink/internal/infra/mpv"
	"github.com/watchlink/watchlink/internal/infra/remote"
	"github.com/watchlink/watchlink/internal/infra/store"
)

var (
	app        = kingpin.New("watchlink", "watchlink playback and progress sync client")
	configPath = app.Flag("config", "Path to config file").Default("config/watchlink.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// play command (default)
	playCmd = app.Command("play", "Play a single item").Default()
	playKey = playCmd.Arg("item", "Catalog item key to play").Required().String()

	// queue command
	queueCmd   = app.Command("queue", "Play through a queue")
	queueID    = queueCmd.Arg("queue", "Queue ID to play").Required().String()
	queueStart = queueCmd.Flag("start-index", "Queue position to start at").Default("0").Int()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg, command); err != nil {
		zlog.Error().Msgf("Client error: %v", err)
		os.Exit(1)
	}
}

// run executes the main client logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config, command string) error {
	ctx := context.Background()

	remoteClient, err := remote.New(ctx, remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout(),
		Retries: cfg.Remote.Retries,
	})
	if err != nil {
		return fmt.Errorf("failed to create watch-state client: %w", err)
	}

	storePath := cfg.Progress.StorePath
	if storePath == "" {
		storePath = defaultStorePath()
	}
	st, err := store.Open(afero.NewOsFs(), storePath)
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", storePath, err)
	}
	zlog.Info().Msgf("Store opened: path=%s client_id=%s", storePath, st.ClientID())

	engine, err := newEngine(cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			zlog.Warn().Msgf("Failed to close engine: %v", err)
		}
	}()

	machine := player.New(player.Config{
		StartCheckAttempts:  cfg.Playback.StartCheckAttempts,
		StartCheckInterval:  cfg.Playback.StartCheckInterval(),
		ResumeRetryAttempts: cfg.Playback.ResumeRetryAttempts,
		ResumeRetryDelay:    cfg.Playback.ResumeRetryDelay(),
		ProbeTimeout:        cfg.Playback.ProbeTimeout(),
	}, engine)

	cache := progress.New(progress.Config{
		NoiseThreshold:  cfg.Progress.NoiseThreshold(),
		RegressionSlack: cfg.Progress.RegressionSlack(),
		ConfirmSlack:    cfg.Timeline.ConfirmSlack(),
		FlushInterval:   cfg.Progress.FlushInterval(),
		ShutdownTimeout: cfg.Progress.ShutdownTimeout(),
	}, st, remoteClient)

	tracker := queueing.New(remoteClient, cfg.Queue.ResolveRetries)

	coordinator := autoplay.New(autoplay.Config{
		Enabled:     cfg.Autoplay.Enabled,
		SwitchDelay: cfg.Autoplay.SwitchDelay(),
	}, remoteClient, cache)
	coordinator.SetStarter(machine)
	coordinator.AttachQueue(tracker)

	reporter := timeline.New(timeline.Config{
		PollInterval: cfg.Timeline.PollInterval(),
		Hysteresis:   cfg.Timeline.Hysteresis(),
		ConfirmSlack: cfg.Timeline.ConfirmSlack(),
	}, machine, remoteClient, cache, coordinator)

	machine.SetTimelineSink(reporter)
	machine.SetManualHook(coordinator.Cancel)

	// The process is done once the machine has been idle long enough for
	// any pending autoplay switch to have fired.
	done := make(chan struct{})
	var doneOnce sync.Once
	idleGrace := cfg.Autoplay.SwitchDelay() + 3*time.Second
	var idleMu sync.Mutex
	var idleTimer *time.Timer

	machine.OnStateChange(func() {
		active := machine.HasActiveSession()

		idleMu.Lock()
		defer idleMu.Unlock()
		if active {
			if idleTimer != nil {
				idleTimer.Stop()
				idleTimer = nil
			}
			reporter.Start()
			return
		}
		reporter.Stop()
		if idleTimer == nil {
			idleTimer = time.AfterFunc(idleGrace, func() {
				if !machine.HasActiveSession() {
					doneOnce.Do(func() { close(done) })
				}
			})
		}
	})

	// Flush progress left over from a previous run before new reports
	// start competing for the remote.
	cache.Start()
	go func() {
		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := cache.Flush(flushCtx); err != nil {
			zlog.Warn().Msgf("Startup flush failed: %v", err)
		}
	}()

	switch command {
	case playCmd.FullCommand():
		if err := playItem(ctx, remoteClient, machine, *playKey); err != nil {
			return err
		}
	case queueCmd.FullCommand():
		if err := playQueue(ctx, remoteClient, tracker, machine, *queueID, *queueStart); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case <-done:
		zlog.Info().Msg("Playback finished, shutting down...")
	}

	// Final stopped report first so the last position reaches the remote
	// (or at least the pending cache) before the flush.
	if err := machine.Stop(); err != nil && !errors.Is(err, player.ErrNoSession) {
		zlog.Warn().Msgf("Failed to stop playback: %v", err)
	}
	reporter.Stop()
	machine.Close()

	if err := cache.Close(); err != nil {
		zlog.Warn().Msgf("Shutdown flush incomplete: %v", err)
	}

	zlog.Info().Msg("Client stopped")
	return nil
}

// newEngine constructs the configured media engine adapter.
func newEngine(cfg config.EngineConfig) (player.Engine, error) {
	switch cfg.Type {
	case "mpv":
		opts, err := mpv.ParseOptions(cfg.Settings)
		if err != nil {
			return nil, err
		}
		return mpv.New(opts)
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Type)
	}
}

// playItem resolves a single item and starts playback.
func playItem(ctx context.Context, client *remote.Client, machine *player.Machine, key string) error {
	item, err := client.ResolvePlayable(ctx, media.ItemRef{Key: key})
	if err != nil {
		return fmt.Errorf("failed to resolve item %s: %w", key, err)
	}
	if item == nil {
		return fmt.Errorf("item %s does not exist or has no playable stream", key)
	}
	return machine.Play(item)
}

// playQueue starts a queue session and plays its first resolvable item.
func playQueue(ctx context.Context, client *remote.Client, tracker *queueing.Tracker, machine *player.Machine, queueID string, startIndex int) error {
	refs, err := client.RefreshQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("failed to fetch queue %s: %w", queueID, err)
	}
	if len(refs) == 0 {
		return fmt.Errorf("queue %s is empty", queueID)
	}

	tracker.StartSession(queueID, refs[0].Kind, refs, startIndex)
	item, index, err := tracker.NextPlayable(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve queue start: %w", err)
	}
	if item == nil {
		return fmt.Errorf("queue %s has no playable items", queueID)
	}

	if err := machine.Play(item); err != nil {
		return err
	}
	tracker.Advance(index)
	return nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "watchlink.json"
	}
	return filepath.Join(dir, "watchlink", "store.json")
}
