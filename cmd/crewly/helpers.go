package main

import (
	"fmt"
	"path/filepath"

	"crewly/internal/budget"
	"crewly/internal/config"
	"crewly/internal/db"
	"crewly/internal/gates"
	"crewly/internal/git"
	"crewly/internal/session"
	"crewly/internal/tasks"

	"github.com/spf13/viper"
)

// openRepo opens the configured task store. Callers must invoke the
// returned closer.
var openRepo = func() (*tasks.StoreRepo, func() error, error) {
	store, err := db.NewStore(db.StoreConfig{
		Type:             viper.GetString("db.type"),
		ConnectionString: viper.GetString("db.url"),
		HomeDir:          config.HomeDir(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	return tasks.NewStoreRepo(store), store.Close, nil
}

// openSessions opens the session manager over the state directory.
var openSessions = func() (*session.Manager, error) {
	return session.NewManager(
		filepath.Join(config.HomeDir(), "sessions"),
		viper.GetDuration("session.idle_window"),
	)
}

// openCompleter wires a standalone completer for one-shot CLI use. No
// assigner or notifier: auto-assignment belongs to the running
// orchestrator, not an ad-hoc invocation.
var openCompleter = func() (*tasks.Completer, func() error, error) {
	repo, closeStore, err := openRepo()
	if err != nil {
		return nil, nil, err
	}
	runner := gates.NewRunner(git.NewClient())
	return tasks.NewCompleter(repo, runner, nil, nil, nil, false), closeStore, nil
}

// openGuard builds a budget guard over the on-disk ledger and limits.
var openGuard = func() (*budget.Guard, error) {
	cfg, err := budget.LoadConfig(filepath.Join(config.HomeDir(), "budgets.yaml"))
	if err != nil {
		return nil, fmt.Errorf("budget config: %w", err)
	}
	ledger, err := budget.NewLedger(filepath.Join(config.HomeDir(), "usage"))
	if err != nil {
		return nil, fmt.Errorf("budget ledger: %w", err)
	}
	return budget.NewGuard(ledger, cfg, nil), nil
}
