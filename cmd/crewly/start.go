package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crewly/internal/api"
	"crewly/internal/budget"
	"crewly/internal/checker"
	"crewly/internal/checkpoint"
	"crewly/internal/config"
	"crewly/internal/db"
	"crewly/internal/engine"
	"crewly/internal/gates"
	"crewly/internal/git"
	"crewly/internal/improve"
	"crewly/internal/metrics"
	"crewly/internal/notify"
	"crewly/internal/sched"
	"crewly/internal/session"
	"crewly/internal/tasks"
	"crewly/internal/telemetry"
	"crewly/internal/watcher"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownGrace = 15 * time.Second

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().Bool("no-api", false, "Do not serve the local HTTP control plane")
	startCmd.Flags().String("workdir", ".", "Project tree the orchestrator operates on")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the orchestrator",
	Long: `Starts the full orchestrator: reconciles any interrupted
self-improvement first, then brings up the task store, notifications,
the continuation engine, the periodic checker, the state checkpointer,
and the local control-plane API. Runs until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		exit(exitValidation)
		return nil
	}

	logger := telemetry.NewLogger(viper.GetBool("verbose"), viper.GetString("log_file"), false)
	workdir, _ := cmd.Flags().GetString("workdir")
	gitClient := git.NewClient()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Notifications come up before the reconciler so its outcome can be
	// announced.
	notifier := notify.NewManager(func(format string, args ...interface{}) {
		logger.Info(fmt.Sprintf(format, args...))
	})
	notifier.Start(ctx)

	// The reconciler runs before anything else touches the work tree: a
	// marker left by a previous process decides whether this startup is a
	// validation run, a rollback, or a clean boot.
	improveCfg := improve.ConfigFromViper()
	improveCfg.WorkDir = workdir
	driver := improve.New(improveCfg, improve.Deps{
		Git:      gitClient,
		Notifier: notifier,
		Logger:   logger,
	})
	recon := improve.NewReconciler(driver)
	res := recon.Run(ctx)
	if res.HadPending {
		logger.Info("startup reconciliation settled a pending improvement",
			"marker", res.MarkerID, "found_phase", res.Phase, "outcome", res.Outcome)
		if res.Err != "" {
			logger.Warn("reconciliation finished with an error", "error", res.Err)
		}
	}

	store, err := db.NewStore(db.StoreConfig{
		Type:             viper.GetString("db.type"),
		ConnectionString: viper.GetString("db.url"),
		HomeDir:          config.HomeDir(),
	})
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()
	repo := tasks.NewStoreRepo(store)

	sessions, err := session.NewManager(
		filepath.Join(config.HomeDir(), "sessions"),
		viper.GetDuration("session.idle_window"),
	)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	budgetCfg, err := budget.LoadConfig(filepath.Join(config.HomeDir(), "budgets.yaml"))
	if err != nil {
		return fmt.Errorf("budget config: %w", err)
	}
	ledger, err := budget.NewLedger(filepath.Join(config.HomeDir(), "usage"))
	if err != nil {
		return fmt.Errorf("budget ledger: %w", err)
	}
	guard := budget.NewGuard(ledger, budgetCfg, nil)
	// Agents paused for overspend stay paused across restarts.
	if err := guard.SetPauseStore(store); err != nil {
		logger.Warn("could not restore paused agents", "error", err)
	}

	gateRunner := gates.NewRunner(gitClient)
	matcher := tasks.NewMatcher(tasks.LoadRules())
	assigner := tasks.NewAssigner(repo, sessions, matcher, nil, notifier, logger, tasks.ConfigFromViper())
	completer := tasks.NewCompleter(repo, gateRunner, assigner, notifier, logger,
		viper.GetBool("continuation.auto_assign_next"))

	m := metrics.NewMetrics()

	eng := engine.New(engine.Deps{
		Port:      sessions,
		Runtime:   sessions,
		Repo:      repo,
		Assigner:  assigner,
		Completer: completer,
		Budget:    guard,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	}, engine.ConfigFromViper())
	guard.SetSignals(eng)
	completer.SetRetryTrigger(eng)
	eng.Start()

	scheduler := sched.NewScheduler(sched.NewRealClock())
	chk := checker.New(sessions, eng, repo, gitClient, scheduler, logger, checker.ConfigFromViper())
	if states, err := sessions.List(); err == nil {
		for _, st := range states {
			if st.Status == "running" {
				chk.Watch(st.Ref)
			}
		}
	}

	cp := checkpoint.New(checkpoint.ConfigFromViper(), checkpoint.Deps{
		Repo:        repo,
		Sessions:    eng,
		Improvement: pendingImprovement{driver},
		Metrics:     m,
		Scheduler:   scheduler,
		Logger:      logger,
	})
	if prev, err := cp.Load(); err == nil && prev != nil {
		if ri := cp.ResumeInstructions(prev); ri != nil {
			logger.Info("resuming from checkpoint",
				"restart", ri.Restart, "tasks", len(ri.TasksToResume))
			for _, n := range ri.Notifications {
				logger.Warn(n)
			}
		}
	}
	cp.Start()

	var server *api.Server
	noAPI, _ := cmd.Flags().GetBool("no-api")
	if viper.GetBool("api.enabled") && !noAPI {
		svc := api.NewService(api.Deps{
			Engine:        eng,
			Completer:     completer,
			Assigner:      assigner,
			Gates:         gateRunner,
			Improver:      driver,
			Budget:        guard,
			Notifications: repo,
			Logger:        logger,
		})
		server = api.NewServer(svc, m, api.ServerConfigFromViper())
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("api server stopped", "error", err)
			}
		}()
	}

	startRestartWatcher(ctx, driver, cancel, logger)

	logger.Info("crewly started",
		"sessions_dir", filepath.Join(config.HomeDir(), "sessions"),
		"store", viper.GetString("db.type"),
		"api", server != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("restart requested, shutting down")
	}

	// Shutdown order: stop the timers, drain the engine, then write the
	// final checkpoint so the next process can resume.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	chk.Stop()
	scheduler.Stop()
	eng.Stop()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}
	if err := cp.PrepareForShutdown(shutdownCtx); err != nil {
		logger.Warn("final checkpoint failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// startRestartWatcher arms the source watcher when a pending improvement
// has applied changes that need a new process. The callback cancels the
// run context, which drives the normal shutdown path; the supervisor
// restarts us and the reconciler validates.
func startRestartWatcher(ctx context.Context, driver *improve.Driver, cancel context.CancelFunc, logger *slog.Logger) {
	cfg := watcher.ConfigFromViper()
	if !cfg.Enabled {
		return
	}
	marker, err := driver.Status()
	if err != nil || marker == nil || !marker.RequiresRestart {
		return
	}
	w, err := watcher.New(marker.TargetFiles, func(path string) {
		cancel()
	}, cfg, logger)
	if err != nil {
		logger.Warn("restart watcher not started", "error", err)
		return
	}
	go func() {
		if err := w.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("restart watcher stopped", "error", err)
		}
	}()
}

// pendingImprovement adapts the improve driver to the checkpointer's
// improvement source.
type pendingImprovement struct {
	driver *improve.Driver
}

func (p pendingImprovement) PendingImprovement() *checkpoint.Improvement {
	m, err := p.driver.Status()
	if err != nil || m == nil {
		return nil
	}
	return &checkpoint.Improvement{
		ID:           m.ID,
		Phase:        string(m.Phase),
		Description:  m.Description,
		RestartCount: m.RestartCount,
	}
}
