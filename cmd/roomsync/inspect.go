package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/roomsync/internal/config"
	"github.com/p-blackswan/roomsync/internal/engine"
	"github.com/p-blackswan/roomsync/internal/gateway"
	"github.com/p-blackswan/roomsync/internal/rollover"
	"github.com/p-blackswan/roomsync/internal/store"
	"github.com/p-blackswan/roomsync/internal/timer"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the locally cached room as JSON",
		Long: `Print the room as this device last saw it, read from DATA_DIR without
connecting to the gateway. Useful to check what a device will show offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return withOfflineEngine(ctx, cfg, logger, func(eng *engine.Engine, _ *store.Store) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(eng.State())
			})
		},
	}
}

func newRolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Apply the daily rollover to the local cache",
		Long: `Apply the daily rollover to the local cache if the day changed since the
last reset. Only DATA_DIR is updated: the room on the gateway is left as is,
so flags other devices still hold may come back on the next serve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			return withOfflineEngine(ctx, cfg, logger, func(eng *engine.Engine, st *store.Store) error {
				rolled, err := rollover.New(st, eng, realClock, loc, logger).Check(ctx)
				if err != nil {
					return err
				}
				if rolled {
					fmt.Fprintf(cmd.OutOrStdout(), "rolled over to %s\n", eng.Today())
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "already current for %s\n", eng.Today())
				}
				return nil
			})
		},
	}
}

// withOfflineEngine restores an engine from DATA_DIR behind an in-memory
// gateway, runs fn and flushes the timer file.
func withOfflineEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, fn func(*engine.Engine, *store.Store) error) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	st, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	timerFile, err := store.NewTimerFile(cfg.TimerDir(), logger)
	if err != nil {
		return err
	}
	writer := timer.NewDebouncedWriter(timerFile, cfg.TimerDebounce, realClock, logger)
	defer writer.Close()

	policy, err := config.LoadPolicy(cfg.PolicyFile, cfg.TimerDuration)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Gateway:    gateway.NewMemoryGateway(),
		Persister:  st,
		TimerSaver: writer,
		Policy:     policy,
		Clock:      realClock,
		Location:   loc,
		ActorID:    cfg.ActorID,
	}, logger)
	if err != nil {
		return err
	}

	local, err := readLocalState(ctx, st, timerFile)
	if err != nil {
		return err
	}
	local.restore(eng)
	return fn(eng, st)
}
