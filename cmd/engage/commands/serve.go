package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/server"
	"github.com/teranos/engage/sym"
)

// ServeCmd starts the long-running process: dashboard API, schedulers and config watcher.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Start the dashboard API and schedulers",
	Long: sym.Pulse + ` serve - run engage in the foreground.

On start, runs left "started" by a crashed process are marked failed. Every
family's scheduler arms its next occurrence, the dashboard API listens on
server.port, and am.toml is watched: quota limits, exceeded policies,
feature flags and business hours apply without a restart.

Ctrl+C asks runs in flight to stop, waits for them to finalize, then exits.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Override server.port")
	ServeCmd.Flags().String("fixture", "", "Use a fixture file instead of the configured page agent")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	port := cfg.GetServerPort()
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}
	fixturePath, _ := cmd.Flags().GetString("fixture")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.ComponentLogger("server")
	hub := server.NewHub(log)
	eng, err := newEngine(ctx, cfg, engineOptions{
		FixturePath: fixturePath,
		Emitter:     hub,
		Notifier:    hub,
		Schedulers:  true,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	eng.recoverInterrupted(ctx)

	for _, family := range run.Families {
		if err := eng.schedulers[family].Start(ctx); err != nil {
			return errors.Wrapf(err, "failed to start %s scheduler", family)
		}
	}

	watcher, err := am.NewConfigWatcher(configPaths()...)
	if err != nil {
		eng.log.Warnw("Config hot reload disabled", logger.FieldError, err)
	} else {
		watcher.OnReload(eng.applyConfig)
		watcher.Start()
		am.SetGlobalWatcher(watcher)
		defer watcher.Stop()
	}

	srv := server.New(server.Deps{
		Executors:      eng.executors,
		Schedulers:     eng.schedulers,
		Store:          eng.store,
		History:        eng.history,
		Quota:          eng.tracker,
		Executions:     eng.executions,
		Hub:            hub,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
		Logger:         log,
	})

	fmt.Printf("%s engage listening on http://localhost:%d\n", sym.Pulse, port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, port)
	})
	g.Go(func() error {
		<-gctx.Done()
		eng.log.Infow(sym.PulseClose + " Shutting down")
		// No new scheduled runs while the server stops the ones in flight.
		for _, sc := range eng.schedulers {
			sc.Stop()
		}
		return nil
	})
	return g.Wait()
}

// configPaths are the files the watcher follows. The user file is always
// watched so creating it later is noticed.
func configPaths() []string {
	paths := []string{am.UserConfigPath()}
	for _, f := range am.ConfigFiles() {
		if f.Path != am.UserConfigPath() {
			paths = append(paths, f.Path)
		}
	}
	return paths
}
