package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/roomsync/internal/config"
	"github.com/p-blackswan/roomsync/internal/engine"
	"github.com/p-blackswan/roomsync/internal/gateway"
	"github.com/p-blackswan/roomsync/internal/health"
	"github.com/p-blackswan/roomsync/internal/metrics"
	"github.com/p-blackswan/roomsync/internal/mgmt"
	"github.com/p-blackswan/roomsync/internal/retry"
	"github.com/p-blackswan/roomsync/internal/rollover"
	"github.com/p-blackswan/roomsync/internal/schedule"
	"github.com/p-blackswan/roomsync/internal/store"
	"github.com/p-blackswan/roomsync/internal/timer"
)

func newServeCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local management API",
		Long: `Run the sync engine until interrupted.

The engine restores the local cache, applies the daily rollover if the day
changed while it was not running, follows the room on the gateway and serves
the management API on API_LISTEN_ADDR.

Without GATEWAY_URL the room lives in memory and only this process sees it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg, newLogger(cfg), purge)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", true, "drop cached data of deleted cycles every hour")
	return cmd
}

func serve(cfg *config.Config, logger zerolog.Logger, purge bool) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	timerFile, err := store.NewTimerFile(cfg.TimerDir(), logger)
	if err != nil {
		return err
	}
	echo := &echoFilter{file: timerFile}
	writer := timer.NewDebouncedWriter(echo, cfg.TimerDebounce, realClock, logger)

	policy, err := config.LoadPolicy(cfg.PolicyFile, cfg.TimerDuration)
	if err != nil {
		return err
	}

	metricsCollector := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st, health.StatusDown))

	gw, closeGateway, err := newGateway(ctx, cfg, checker, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.WriteRetries + 1

	eng, err := engine.New(engine.Options{
		Gateway:    gw,
		Persister:  st,
		TimerSaver: writer,
		Notifier:   newLogNotifier(realClock, logger),
		Policy:     policy,
		Metrics:    metricsCollector,
		Clock:      realClock,
		Location:   loc,
		ActorID:    cfg.ActorID,
		Workers:    cfg.WriteWorkers,
		QueueSize:  cfg.WriteQueueSize,
		Retry:      retryCfg,
	}, logger)
	if err != nil {
		return err
	}
	checker.Register("sync", health.ErrorCheck(eng.SyncError))

	local, err := readLocalState(ctx, st, timerFile)
	if err != nil {
		return err
	}
	local.restore(eng)

	roll := rollover.New(st, eng, realClock, loc, logger)
	if _, err := roll.Check(ctx); err != nil {
		logger.Error().Err(err).Msg("startup rollover failed")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("room", cfg.RoomID).
		Str("actor", cfg.ActorID).
		Str("timezone", loc.String()).
		Bool("remote", cfg.RemoteEnabled()).
		Str("api_addr", cfg.APIListenAddr).
		Msg("starting roomsync")

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	// Timer changes made by other processes sharing DATA_DIR
	states, err := timerFile.Watch(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("timer file watch unavailable")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range states {
				if echo.isEcho(s) {
					continue
				}
				eng.ReloadTimer(s)
			}
		}()
	}

	jobs := []schedule.Job{
		{
			Name:     "timer_tick",
			Interval: cfg.TimerTickInterval,
			Run:      func(context.Context) { eng.Tick(realClock.Now()) },
		},
		{
			Name:     "rollover_check",
			Interval: cfg.RolloverCheckInterval,
			Run: func(ctx context.Context) {
				if _, err := roll.Check(ctx); err != nil {
					logger.Error().Err(err).Msg("rollover check failed")
				}
			},
		},
		{
			Name:       "store_size",
			Interval:   time.Minute,
			RunAtStart: true,
			Run: func(context.Context) {
				size, err := st.DBSizeBytes()
				if err != nil {
					logger.Warn().Err(err).Msg("failed to read store size")
					return
				}
				metricsCollector.SetStoreSize(size)
			},
		},
	}
	if purge {
		jobs = append(jobs, schedule.Job{
			Name:     "purge_cycles",
			Interval: time.Hour,
			Run: func(ctx context.Context) {
				var keep []string
				for _, c := range eng.State().Cycles {
					keep = append(keep, c.ID)
				}
				n, err := st.PurgeCycles(ctx, keep)
				if err != nil {
					logger.Warn().Err(err).Msg("cycle purge failed")
					return
				}
				if n > 0 {
					logger.Info().Int64("rows", n).Msg("purged cached data of deleted cycles")
				}
			},
		})
	}
	runner := schedule.New(jobs, logger)
	runner.Start(ctx)

	authMode := "none"
	if cfg.APIKey != "" {
		authMode = "api-key"
	}
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   authMode,
			APIKey: cfg.APIKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateBurst,
		},
		CORSOrigins:   cfg.APICORSOrigins,
		DefaultTimer:  cfg.TimerDuration,
		DefaultSnooze: cfg.SnoozeDuration,
		Policy:        policy,
	}, eng, roll, checker, metricsCollector, logger)

	// Start sync engine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("sync engine error")
		}
	}()

	// Start management API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		runner.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := writer.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to flush timer state")
	}

	logger.Info().Msg("roomsync stopped")
	return nil
}

// newGateway returns the websocket gateway when GATEWAY_URL is set and the
// in-memory gateway otherwise. A device that cannot reach the gateway at
// startup runs offline and keeps redialing.
func newGateway(ctx context.Context, cfg *config.Config, checker *health.Checker, logger zerolog.Logger) (gateway.Gateway, func(), error) {
	if !cfg.RemoteEnabled() {
		logger.Info().Msg("gateway not configured, room is local to this process")
		return gateway.NewMemoryGateway(), func() {}, nil
	}

	if cfg.RoomToken != "" && (cfg.RoomID == "" || cfg.ActorID == "") {
		claims, err := gateway.ParseRoomToken(cfg.RoomToken, realClock.Now())
		if err != nil {
			return nil, nil, err
		}
		if cfg.RoomID == "" {
			cfg.RoomID = claims.Room
		}
		if cfg.ActorID == "" {
			cfg.ActorID = claims.Actor
		}
	}
	if cfg.RoomID == "" {
		return nil, nil, fmt.Errorf("ROOM_ID or ROOM_TOKEN is required with GATEWAY_URL")
	}

	wsCfg := gateway.DefaultWSConfig()
	wsCfg.URL = cfg.GatewayURL
	wsCfg.Token = cfg.RoomToken
	wsCfg.Room = cfg.RoomID
	wsCfg.Actor = cfg.ActorID

	client := gateway.NewWSClient(wsCfg, logger)
	connectCtx, cancel := context.WithTimeout(ctx, wsCfg.RequestTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway unreachable, starting offline")
		client.Reconnect()
	}
	checker.Register("gateway", health.PingCheck(client, health.StatusDegraded))

	return client, func() {
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Msg("gateway close error")
		}
	}, nil
}
