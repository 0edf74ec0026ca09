package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"agent_town/internal/feed"
	"agent_town/internal/monitor"
)

func monitorCmd(opts *globalOptions) *cobra.Command {
	var (
		withFeed bool
		logFile  string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open the interactive town view",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			// The terminal belongs to the UI, so logs go to a file.
			logOut := io.Discard
			if opts.verbose {
				f, err := openLogFile(logFile)
				if err != nil {
					return err
				}
				defer f.Close()
				logOut = f
			}

			rt, err := openRuntime(ctx, opts, logOut)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orch.RestoreHistory(ctx); err != nil {
				rt.logger.Printf("restore history failed err=%v", err)
			}

			cfg := monitor.Config{
				Room:   rt.cfg.Backend.Room,
				Events: rt.bus.Register("monitor"),
				Logger: rt.logger,
			}
			defer rt.bus.Unregister("monitor")
			if rt.journal != nil {
				cfg.Decisions = rt.journal
			}
			if withFeed || rt.cfg.Feed.Enabled {
				sub, err := feed.New(feed.Config{
					BaseURL: rt.cfg.Backend.BaseURL,
					Room:    rt.cfg.Backend.Room,
					Logger:  rt.logger,
				}, rt.orch)
				if err != nil {
					return err
				}
				rt.logger.Printf("state feed enabled url=%s", sub.URL())
				cfg.Feed = sub
			}
			return monitor.New(rt.orch, cfg).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&withFeed, "feed", false, "subscribe to pushed world state over websocket")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file used with --verbose (default: ~/.agent_town/monitor.log)")
	return cmd
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".agent_town", "monitor.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
