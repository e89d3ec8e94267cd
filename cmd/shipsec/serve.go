package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shipsec/shipsec/internal/artifacts"
	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/component"
	"github.com/shipsec/shipsec/internal/component/builtin"
	"github.com/shipsec/shipsec/internal/config"
	"github.com/shipsec/shipsec/internal/engine"
	"github.com/shipsec/shipsec/internal/metrics"
	"github.com/shipsec/shipsec/internal/ports"
	"github.com/shipsec/shipsec/internal/runner"
	"github.com/shipsec/shipsec/internal/schedule"
	"github.com/shipsec/shipsec/internal/secrets"
	"github.com/shipsec/shipsec/internal/server"
	"github.com/shipsec/shipsec/internal/store"
)

func serve(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	comps := component.NewRegistry()
	portReg := ports.NewRegistry()
	inline := runner.NewInline()
	if err := builtin.Register(comps, inline); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	runners := []runner.Runner{inline}
	if cfg.DockerHost != "" {
		os.Setenv("DOCKER_HOST", cfg.DockerHost)
	}
	container, err := runner.NewContainer(cfg.TenantID)
	if err != nil {
		// Container components will fail to dispatch; inline and remote
		// components still run.
		logger.Warn("docker unavailable, container runner disabled", "err", err)
	} else {
		runners = append(runners, container)
	}
	remote := runner.NewRemote()
	remote.SetDefaultTimeout(cfg.RemoteTimeout())
	runners = append(runners, remote)

	objects, err := artifacts.NewFSStore(cfg.ArtifactRoot)
	if err != nil {
		return fmt.Errorf("artifact root: %w", err)
	}
	artMgr := artifacts.NewManager(st, objects)
	secretMgr := secrets.NewManager(st)
	bus := engine.NewEventBus(st, logger)
	mets := metrics.New()
	comp := compiler.New(comps, portReg)

	eng := engine.New(engine.Config{
		Store:       st,
		Components:  comps,
		Ports:       portReg,
		Dispatcher:  runner.NewDispatcher(runners...),
		Secrets:     secretMgr,
		Artifacts:   artMgr,
		Bus:         bus,
		Logger:      logger,
		Metrics:     mets,
		TenantID:    cfg.TenantID,
		CancelGrace: cfg.CancelGrace(),
	})
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	var sched *schedule.Scheduler
	if cfg.SchedulerEnabled {
		sched = schedule.New(schedule.Config{
			Store:    st,
			Engine:   eng,
			Compiler: comp,
			Logger:   logger,
		})
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	srv := server.New(server.Config{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, server.Deps{
		Store:      st,
		Components: comps,
		Ports:      portReg,
		Compiler:   comp,
		Engine:     eng,
		Bus:        bus,
		Secrets:    secretMgr,
		Artifacts:  artMgr,
		Metrics:    mets,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if sched != nil {
		sched.Stop()
	}
	// Detach rather than cancel: in-store state stays recoverable and the
	// next process resumes where this one stopped.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "err", err)
	}
	return nil
}
