// Package schedule fires workflow runs from persisted cron schedules. The
// store is the source of truth: the scheduler resyncs its cron entries
// against it on an interval, so schedule CRUD needs no direct coupling to
// this package.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shipsec/shipsec/internal/compiler"
	"github.com/shipsec/shipsec/internal/engine"
	"github.com/shipsec/shipsec/internal/graph"
	"github.com/shipsec/shipsec/internal/store"
)

// parser accepts standard five-field cron expressions, an optional seconds
// field, and @-descriptors.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate rejects cron expressions the scheduler cannot run.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

type Config struct {
	Store    *store.Store
	Engine   *engine.Engine
	Compiler *compiler.Compiler
	Logger   *slog.Logger

	// Resync is how often cron entries are reconciled against the store.
	Resync time.Duration
}

type Scheduler struct {
	cfg  Config
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	id   cron.EntryID
	expr string
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resync <= 0 {
		cfg.Resync = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(cron.WithParser(parser)),
		entries: map[string]entry{},
	}
}

// Start loads enabled schedules, starts the cron loop, and keeps resyncing
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		ticker := time.NewTicker(s.cfg.Resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					s.cfg.Logger.Error("schedule resync", "err", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the cron loop and waits for in-flight firings to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload reconciles cron entries with the store: new enabled schedules are
// added, disabled or deleted ones removed, changed expressions replaced.
func (s *Scheduler) Reload(ctx context.Context) error {
	scs, err := s.cfg.Store.ListSchedules(ctx, true)
	if err != nil {
		return err
	}
	want := make(map[string]store.Schedule, len(scs))
	for _, sc := range scs {
		want[sc.ID] = sc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		sc, keep := want[id]
		if keep && sc.CronExpr == e.expr {
			continue
		}
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}
	for id, sc := range want {
		if _, exists := s.entries[id]; exists {
			continue
		}
		sc := sc
		cronID, err := s.cron.AddFunc(sc.CronExpr, func() { s.fire(sc) })
		if err != nil {
			s.cfg.Logger.Error("register schedule", "schedule", id, "expr", sc.CronExpr, "err", err)
			continue
		}
		s.entries[id] = entry{id: cronID, expr: sc.CronExpr}
	}
	return nil
}

// fire compiles the workflow's latest committed graph and starts one run. A
// schedule pointing at a broken or deleted workflow logs and skips; the next
// due time tries again.
func (s *Scheduler) fire(sc store.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ver, err := s.cfg.Store.GetVersion(ctx, sc.WorkflowID, 0)
	if err != nil {
		s.cfg.Logger.Error("schedule fire: load workflow", "schedule", sc.ID, "workflow", sc.WorkflowID, "err", err)
		return
	}
	g, err := graph.Decode(ver.GraphJSON)
	if err != nil {
		s.cfg.Logger.Error("schedule fire: decode graph", "schedule", sc.ID, "err", err)
		return
	}
	plan, diags := s.cfg.Compiler.Compile(g)
	if compiler.HasErrors(diags) {
		s.cfg.Logger.Error("schedule fire: workflow does not compile", "schedule", sc.ID, "workflow", sc.WorkflowID)
		return
	}

	payload := map[string]any{"scheduledAt": time.Now().UTC().Format(time.RFC3339)}
	run, err := s.cfg.Engine.StartRun(ctx, plan, sc.WorkflowID, store.TriggerSchedule, payload)
	if err != nil {
		s.cfg.Logger.Error("schedule fire: start run", "schedule", sc.ID, "err", err)
		return
	}
	s.cfg.Logger.Info("schedule fired", "schedule", sc.ID, "workflow", sc.WorkflowID, "run", run.ID)
}
