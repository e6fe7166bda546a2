package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alpha_rebalancer/internal/config"
	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/logger"
	"alpha_rebalancer/internal/market/alpaca"
	"alpha_rebalancer/internal/market/yahoo"
	"alpha_rebalancer/internal/rebalancer"
	"alpha_rebalancer/internal/storage"
	"alpha_rebalancer/internal/telegram"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const VersionFile = "version.latest"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML or JSON config file")
	dryRun := flag.Bool("dry-run", false, "simulate orders instead of placing them (overrides dry_run)")
	repair := flag.Bool("repair-ledger", false, "validate and repair the trade ledger, then exit")
	importPath := flag.String("import-ledger", "", "import a CSV ledger into the SQLite ledger, then exit")
	once := flag.Bool("once", false, "run a single pass even when a schedule is configured")
	flag.Parse()

	// 1. Configuration, then logging built from it
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: %v\n", err)
		return 1
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "dry-run" {
			cfg.DryRun = *dryRun
		}
	})

	log := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	config.PrintEnv()
	log.Info().Str("version", readVersion()).Bool("dry_run", cfg.DryRun).Str("mode", cfg.Rebalancing.Mode).Msg("Alpha Rebalancer initialized")

	// 2. Ledger maintenance commands
	l, err := ledger.Open(cfg.LedgerBackend, cfg.LedgerFile, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open trade ledger")
		return 1
	}
	defer l.Close()

	if *repair {
		report, err := l.ValidateAndRepair()
		if err != nil {
			log.Error().Err(err).Msg("Ledger repair failed")
			return 1
		}
		log.Info().Int("rows", report.Rows).Int("repaired", report.Repaired).Int("quarantined", report.Quarantined).Bool("rewritten", report.Rewritten).Msg("🧾 Ledger validated")
		return 0
	}
	if *importPath != "" {
		db, ok := l.(*ledger.SQLiteLedger)
		if !ok {
			log.Error().Str("backend", cfg.LedgerBackend).Msg("-import-ledger requires ledger_backend: sqlite")
			return 1
		}
		n, err := db.ImportCSV(*importPath)
		if err != nil {
			log.Error().Err(err).Str("file", *importPath).Msg("Ledger import failed")
			return 1
		}
		log.Info().Int("imported", n).Str("file", *importPath).Msg("🧾 Ledger imported")
		return 0
	}

	// 3. Dependencies
	if err := config.CheckSecrets(); err != nil {
		log.Error().Err(err).Msg("CRITICAL: broker credentials missing")
		return 1
	}
	targets, err := config.LoadTargets(cfg.PortfolioConfigFile, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load target allocation")
		return 1
	}

	var notifier rebalancer.Notifier
	if n := telegram.FromEnv(log); n != nil {
		notifier = n
	}
	r, err := rebalancer.New(cfg, alpaca.NewProvider(), yahoo.NewClient(log), targets, l, notifier, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build rebalancer")
		return 1
	}

	if cfg.StateFile != "" {
		store := storage.NewStore(cfg.StateFile, log)
		if st, err := store.Load(); err == nil && st.LastRun != nil {
			log.Info().Str("session", st.LastRun.SessionID).Time("finished", st.LastRun.FinishedAt).Str("error", st.LastRun.Error).Int("runs", st.Runs).Msg("📂 Previous pass")
		}
		r.RecordTo(store)
	}

	// 4. Signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Warn().Msg("⚠️ Rebalancer shutting down: system signal received, finishing the current instruction")
		cancel()
	}()

	// 5. Single pass or schedule
	if cfg.Schedule == "" || *once {
		if _, err := r.Run(ctx); err != nil {
			return 1
		}
		return 0
	}
	return schedule(ctx, cfg.Schedule, r, log)
}

// schedule runs a pass on every cron tick until ctx ends. A tick that fires
// while a pass is still running is skipped.
func schedule(ctx context.Context, spec string, r *rebalancer.Rebalancer, log zerolog.Logger) int {
	cl := cronLogger{log: log.With().Str("component", "scheduler").Logger()}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := c.AddFunc(spec, func() {
		if _, err := r.Run(ctx); err != nil {
			cl.log.Error().Err(err).Msg("Scheduled pass failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", spec).Msg("Invalid schedule")
		return 1
	}

	c.Start()
	log.Info().Str("schedule", spec).Time("next", c.Entry(id).Schedule.Next(time.Now())).Msg("⏰ Scheduler started")

	<-ctx.Done()
	log.Info().Msg("🛑 Scheduler stopping...")
	<-c.Stop().Done()
	return 0
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return string(version)
}
