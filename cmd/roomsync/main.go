package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p-blackswan/roomsync/internal/clock"
	"github.com/p-blackswan/roomsync/internal/config"
	"github.com/p-blackswan/roomsync/internal/engine"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "roomsync",
		Short: "Local-first sync for a shared multi-device room",
		Long: `roomsync keeps a device's copy of a shared room (cycles, items, grouped
items, units, daily completion events and the shared countdown timer) in
sync with every other device in the room.

Changes are applied locally first and written remotely in the background.
The room works offline from the local cache and catches up on reconnect.

Configuration is read from the environment, e.g. GATEWAY_URL, ROOM_TOKEN,
DATA_DIR and TIMEZONE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newInspectCmd(), newRolloverCmd())
	return root
}

// newLogger builds the process logger. Development uses the console writer;
// LOG_FILE adds a rotated JSON file sink.
func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	logger := zerolog.New(out).With().Timestamp().Caller().Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger
	return logger
}

// loadConfig reads the environment and prepares DATA_DIR.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// localState is what a cold start reads from disk before touching the
// network.
type localState struct {
	cache     *store.Cache
	timer     *model.TimerState
	lastReset model.Day
}

func readLocalState(ctx context.Context, st *store.Store, tf *store.TimerFile) (localState, error) {
	var ls localState
	cache, err := st.LoadCache(ctx)
	if err != nil {
		return ls, fmt.Errorf("load cache: %w", err)
	}
	ls.cache = cache

	timerState, ok, err := tf.ReadTimer()
	if err != nil {
		return ls, fmt.Errorf("read timer: %w", err)
	}
	if ok {
		ls.timer = &timerState
	}

	day, ok, err := st.LastResetDate(ctx)
	if err != nil {
		return ls, fmt.Errorf("read last reset date: %w", err)
	}
	if ok {
		ls.lastReset = day
	}
	return ls, nil
}

func (ls localState) restore(eng *engine.Engine) {
	eng.Restore(ls.cache, ls.timer, ls.lastReset)
}

// realClock is shared by every component of one process.
var realClock = clock.Real()
