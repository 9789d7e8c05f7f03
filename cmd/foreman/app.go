package main

import (
	"fmt"
	"os"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/tasks"
)

// app holds the collaborators one command invocation works with.
type app struct {
	cfg      *config.Config
	store    state.StateStore
	logger   *logging.DebugLogger
	metrics  *observability.Registry
	hooks    *observability.Hooks
	events   *orchestrator.EventEmitter
	budget   *orchestrator.BudgetTree
	registry *orchestrator.HierarchyRegistry
	orch     *orchestrator.Orchestrator
	claimer  *tasks.Claimer
	filter   *tasks.Filter
}

// loadConfig honours --config, falling back to the layered lookup.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openApp loads config, opens the store and wires the core together.
// eventBuffer > 0 attaches an event emitter of that size.
func openApp(eventBuffer int) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	logger := logging.ForProject(cwd)
	if cfg.Log.Path != "" {
		if logger, err = logging.New(cfg.Log.Path); err != nil {
			return nil, err
		}
	}

	store, err := openStore(cfg, cwd)
	if err != nil {
		logger.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		metrics: observability.NewRegistry(),
	}
	a.hooks = observability.NewHooks(a.metrics)
	if eventBuffer > 0 {
		a.events = orchestrator.NewEventEmitter(eventBuffer, logger)
	}

	a.budget = orchestrator.NewBudgetTree(store,
		orchestrator.WithBudgetLogger(logger),
		orchestrator.WithBudgetHooks(a.hooks),
		orchestrator.WithDefaultThresholds(cfg.Budget.WarningThreshold, cfg.Budget.CriticalThreshold),
	)
	a.registry = orchestrator.NewHierarchyRegistry(store,
		orchestrator.WithRegistryLogger(logger),
		orchestrator.WithRegistryHooks(a.hooks),
		orchestrator.WithChainTTL(cfg.Escalation.ChainTTL),
	)
	a.orch = orchestrator.New(a.budget, a.registry,
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(a.events),
	)
	a.claimer = tasks.NewClaimer(store,
		tasks.WithLogger(logger),
		tasks.WithHooks(a.hooks),
		tasks.WithSpender(a.orch),
	)
	a.filter = tasks.NewFilter(store)
	return a, nil
}

func openStore(cfg *config.Config, cwd string) (state.StateStore, error) {
	if cfg.Store.Backend == "memory" {
		return state.NewMemoryStore(), nil
	}

	path := cfg.Store.Path
	if path == "" {
		path = state.ResolveDBPath(cwd)
	}
	db, err := state.OpenWithOptions(path, state.Options{
		Driver:     cfg.Store.Driver,
		MaxRetries: cfg.Store.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Close releases the store and the log file.
func (a *app) Close() {
	a.events.Close()
	a.store.Close()
	a.logger.Close()
}

// withApp opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := openApp(0)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
