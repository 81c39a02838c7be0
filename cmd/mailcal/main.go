package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"mailcal/internal/calendar"
	"mailcal/internal/config"
	"mailcal/internal/event"
	"mailcal/internal/ics"
	"mailcal/internal/ledger"
	appLog "mailcal/internal/log"
	"mailcal/internal/mailbox"
	"mailcal/internal/pipeline"
	"mailcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
	dryRun     bool
}

func main() {
	appLog.Info("mailcal starting", "version", "0.1.0")

	flags := parseFlags()

	// Secrets may live in a .env file next to the binary.
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("failed to load env file", "path", flags.envFile, "err", err)
		}
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"timezone", conf.Timezone,
		"poll", conf.Poll,
		"source", conf.Source.Kind,
		"google_sink", conf.Sinks.Google != nil,
		"ics_dir", conf.Sinks.ICSDir,
		"smtp_sink", conf.Sinks.SMTP != nil,
		"dedupe_feeds", len(conf.Dedupe.Feeds),
		"listen", conf.Listen,
		"once", flags.once,
		"dry_run", flags.dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("mailcal failed", err)
		os.Exit(1)
	}
	appLog.Info("mailcal exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	builder, err := event.NewBuilder(event.Config{
		TimeZone:        conf.Timezone,
		DefaultAttendee: conf.DefaultAttendee,
		DefaultDuration: conf.DefaultDuration(),
	})
	if err != nil {
		return err
	}

	src, err := mailbox.Open(ctx, conf.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	var sink calendar.Sink = calendar.DryRun{}
	if !flags.dryRun {
		sink, err = calendar.Open(ctx, conf.Sinks)
		if err != nil {
			return err
		}
	}

	led, err := ledger.Open(conf.LedgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	p := &pipeline.Pipeline{
		Source:  src,
		Sink:    sink,
		Builder: builder,
		Ledger:  led,
		Options: pipeline.Options{
			SubjectMarker: conf.SubjectMarker,
			Labels:        conf.Labels,
			DryRun:        flags.dryRun,
			MaxAttempts:   conf.MaxAttempts,
		},
	}
	if feeds := ics.FeedsFromConfig(conf.Dedupe.Feeds); len(feeds) > 0 {
		p.Guard = ics.NewGuard(ics.NewFetcher(conf.Dedupe.CacheDir), feeds, builder.Parser().Location)
	}

	if flags.once {
		rep, err := p.Poll(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	srv := web.NewServer(conf, led, builder, p)
	poll := func() {
		rep, err := p.Poll(ctx)
		srv.RecordPoll(rep, err)
		if err != nil {
			appLog.Error("poll failed", err)
		}
	}

	c := cron.New(
		cron.WithLocation(builder.Parser().Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(conf.Poll, poll); err != nil {
		return err
	}

	if conf.Listen != "" {
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				appLog.Error("HTTP server stopped", err)
			}
		}()
	}

	poll()
	c.Start()
	<-ctx.Done()

	appLog.Info("shutting down, waiting for running poll")
	select {
	case <-c.Stop().Done():
	case <-time.After(30 * time.Second):
		appLog.Warn("poll did not finish in time")
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/mailcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Path to an optional .env file with secrets")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one poll, print the report and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Build events but do not submit them or touch the mailbox")

	flag.Parse()

	return cfg
}
