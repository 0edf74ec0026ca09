package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"agent_town/internal/backend"
	"agent_town/internal/config"
	"agent_town/internal/layout"
	"agent_town/internal/messaging/inproc"
	"agent_town/internal/orchestrator"
	"agent_town/internal/sequencer"
	sqlitestore "agent_town/internal/store/sqlite"
	"agent_town/internal/worldstate"
)

type globalOptions struct {
	configPath string
	baseURL    string
	room       string
	dbPath     string
	unitMS     int
	noJournal  bool
	verbose    bool
}

func (o *globalOptions) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", "path to config.toml (default: ~/.agent_town/config.toml)")
	flags.StringVar(&o.baseURL, "base-url", "", "backend base URL override")
	flags.StringVar(&o.room, "room", "", "room id override")
	flags.StringVar(&o.dbPath, "db", "", "journal sqlite path override")
	flags.IntVar(&o.unitMS, "unit-ms", 0, "animation time unit in milliseconds override")
	flags.BoolVar(&o.noJournal, "no-journal", false, "do not record sessions, chat and results locally")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log requests and transitions to stderr")
}

type runtime struct {
	cfg     config.Config
	logger  *log.Logger
	client  *backend.Client
	journal *sqlitestore.Store
	bus     *inproc.Bus
	seq     *sequencer.Sequencer
	world   *worldstate.Store
	orch    *orchestrator.Orchestrator
	closers []func()
}

func loadConfig(opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Backend.BaseURL = firstNonEmpty(opts.baseURL, cfg.Backend.BaseURL, config.DefaultBaseURL)
	cfg.Backend.Room = firstNonEmpty(opts.room, cfg.Backend.Room, config.DefaultRoom)
	cfg.Journal.DBPath = filepath.Clean(firstNonEmpty(opts.dbPath, cfg.Journal.DBPath))
	if opts.unitMS > 0 {
		cfg.Animation.UnitMS = opts.unitMS
	}
	if opts.noJournal {
		disabled := false
		cfg.Journal.Enabled = &disabled
	}
	return cfg, nil
}

func newLogger(opts *globalOptions, w io.Writer) *log.Logger {
	if !opts.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(w, "town ", log.LstdFlags|log.Lmicroseconds)
}

// openRuntime wires the client, journal, bus, sequencer and orchestrator.
// logOut receives log lines when --verbose is set.
func openRuntime(ctx context.Context, opts *globalOptions, logOut io.Writer) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, logOut)

	client, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Room:    cfg.Backend.Room,
		Timeout: cfg.BackendTimeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		client: client,
		bus:    inproc.New(256),
		world:  worldstate.New(),
	}

	var journal orchestrator.Journal
	if cfg.JournalEnabled() {
		store, err := openJournal(ctx, cfg.Journal.DBPath)
		if err != nil {
			return nil, err
		}
		rt.journal = store
		rt.closers = append(rt.closers, func() { _ = store.Close() })
		journal = store
	}

	rt.seq = sequencer.New(sequencer.Config{
		Unit:   cfg.AnimationUnit(),
		Logger: logger,
	})
	rt.orch = orchestrator.New(client, rt.world, rt.seq, rt.bus, journal, orchestrator.Config{
		Room:         cfg.Backend.Room,
		CanvasWidth:  float64(cfg.Canvas.Width),
		CanvasHeight: float64(cfg.Canvas.Height),
		Layout:       layout.New(nil),
		Logger:       logger,
	})
	return rt, nil
}

func openJournal(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (r *runtime) Close() {
	r.seq.Cancel()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
