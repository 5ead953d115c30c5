// Command manifestd keeps a bucket's image manifest current from a
// long-running process. Notifications arrive from SQS, NATS, Kafka, a
// watched local directory or the HTTP /notify endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/imagemanifest/config"
	"github.com/GoCodeAlone/imagemanifest/logging"
)

var (
	configFile = flag.String("config", "", "Path to the YAML configuration file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	watchCfg   = flag.Bool("watch-config", true, "Reload the log level when the configuration file changes")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(true); err != nil {
		return err
	}

	logger, level, err := logging.New(os.Stdout, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if *configFile != "" && *watchCfg {
		w := config.NewConfigWatcher(config.NewFileSource(*configFile),
			func(ev config.ChangeEvent) { a.reload(ev, level) },
			config.WithWatchLogger(logger),
			config.WithWatchValidateSource(),
		)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Warn("Config watcher disabled", "path", *configFile, "error", err)
			}
		}()
	}

	return a.Run(ctx)
}
