package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/backend/bpf"
	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/config"
	"github.com/jnesss/stack-analyzer/database"
	"github.com/jnesss/stack-analyzer/metrics"
	"github.com/jnesss/stack-analyzer/process"
	"github.com/jnesss/stack-analyzer/report"
	"github.com/jnesss/stack-analyzer/scheduler"
	"github.com/jnesss/stack-analyzer/sigma"
	"github.com/jnesss/stack-analyzer/trigger"
	"github.com/jnesss/stack-analyzer/web"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args, log); err != nil {
		log.Error("Run failed", zap.Error(err))
		return err
	}
	return nil
}

func newTarget(cfg config.Config, log *zap.Logger) (*process.Target, error) {
	switch {
	case cfg.Command != "":
		opts := process.SpawnOptions{Shell: cfg.Shell, Logger: log}
		if !cfg.KeepPrivileges {
			cred, err := process.SudoCredential()
			if err != nil {
				return nil, fmt.Errorf("failed to drop privileges: %w", err)
			}
			opts.Credential = cred
		}
		return process.Spawn(cfg.Command, opts)
	case cfg.Pid > 0:
		return process.Existing(cfg.Pid)
	}
	return process.None(), nil
}

func run(ctx context.Context, cfg config.Config, args []string, log *zap.Logger) error {
	builder, err := cfg.Builder(args)
	if err != nil {
		return err
	}
	collectors, err := builder.Build(bpf.Provider(cfg.Objects, log), log)
	if err != nil {
		return err
	}

	target, err := newTarget(cfg, log)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	registry := collector.NewRegistry(log, collectors...)
	registry.SetObserver(m)
	defer func() {
		registry.Shutdown(false, nil)
		if err := target.Terminate(); err != nil {
			log.Warn("Failed to terminate target", zap.Error(err))
		}
	}()

	if err := registry.LoadAll(target.Pid()); err != nil {
		return err
	}
	log.Info("Collectors loaded",
		zap.Strings("collectors", registry.Names()),
		zap.Int32("pid", target.Pid()))

	sinks := []report.Sink{report.NewText(os.Stdout), m}

	var store *database.DB
	if cfg.DataDir != "" {
		store, err = database.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	if cfg.RulesDir != "" {
		var matches sigma.Store
		if store != nil {
			matches = store
		}
		detector, err := sigma.NewDetector(cfg.RulesDir, matches, log)
		if err != nil {
			return err
		}
		defer detector.Close()

		procs, err := process.NewCache(cfg.ProcessCacheSize)
		if err != nil {
			return err
		}
		detector.SetProcessCache(procs)
		sinks = append(sinks, detector)
	}

	var gate scheduler.Gate
	if cfg.Trigger != "" {
		path, err := trigger.PressurePath(cfg.Trigger)
		if err != nil {
			return err
		}
		g, err := trigger.Open(path, cfg.TriggerEvent, log)
		if err != nil {
			return err
		}
		defer g.Close()
		gate = g
	}

	if cfg.Listen != "" {
		var history web.Store
		if store != nil {
			history = store
		}
		stop := startWeb(ctx, web.NewServer(history, promRegistry, cfg.Listen, log), log)
		// runs before the store is closed
		defer stop()
	}

	sched, err := scheduler.New(scheduler.Options{
		Registry: registry,
		Gate:     gate,
		Target:   target,
		Sink:     report.Multi(log, sinks...),
		Window:   cfg.Window,
		Budget:   cfg.Budget,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	if err := target.Release(); err != nil {
		return err
	}
	return sched.Run(ctx)
}

// startWeb serves srv in the background. The returned stop func shuts the
// server down and waits for it.
func startWeb(ctx context.Context, srv *web.Server, log *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(ctx); err != nil {
			log.Error("Web server error", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
