package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// HomeDir returns the crewly state directory, ~/.crewly unless overridden
// through CREWLY_HOME.
func HomeDir() string {
	if dir := os.Getenv("CREWLY_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewly"
	}
	return filepath.Join(home, ".crewly")
}

// Load initializes the configuration from file and environment variables.
// Search order: explicit path, ./config.yaml, ~/.crewly/config.yaml.
func Load(cfgFile string) {
	// explicit .env loading; missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(HomeDir())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("CREWLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_file", "")
	viper.SetDefault("metrics_port", 2112)

	// Continuation engine
	viper.SetDefault("continuation.enabled", true)
	viper.SetDefault("continuation.auto_assign_next", true)
	viper.SetDefault("continuation.notify_on_max", true)
	viper.SetDefault("continuation.notify_on_error", true)
	viper.SetDefault("continuation.handle_timeout", "60s")
	viper.SetDefault("continuation.queue_size", 16)
	viper.SetDefault("continuation.max_iterations", 20)

	// Session port
	viper.SetDefault("session.idle_window", "90s")

	// Quality gates
	viper.SetDefault("gates.timeout", "300s")
	viper.SetDefault("gates.parallel_workers", 4)

	// Auto-assignment
	viper.SetDefault("assign.prioritization", "priority")
	viper.SetDefault("assign.max_concurrent", 1)
	viper.SetDefault("assign.respect_blocking", true)
	viper.SetDefault("assign.auto_assign", true)

	// Budget guard
	viper.SetDefault("budget.warning_threshold", 0.8)

	// Periodic checker
	viper.SetDefault("checker.initial_delay", "5m")
	viper.SetDefault("checker.progress_interval", "30m")
	viper.SetDefault("checker.commit_reminder_interval", "25m")
	viper.SetDefault("checker.continuation_interval", "2m")
	viper.SetDefault("checker.adaptive", false)

	// Checkpointer
	viper.SetDefault("checkpoint.interval", "60s")
	viper.SetDefault("checkpoint.max_messages", 50)
	viper.SetDefault("checkpoint.max_backups", 10)

	// Self-improvement
	viper.SetDefault("improve.max_restarts", 3)
	viper.SetDefault("improve.validation_timeout", "120s")
	viper.SetDefault("improve.watch_restart", true)
	viper.SetDefault("improve.watch_debounce", "2s")

	// Task store
	viper.SetDefault("db.type", "sqlite")
	viper.SetDefault("db.url", "")

	// RPC surface
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.port", 8085)

	// Notification defaults
	slackEnabled := false
	if os.Getenv("SLACK_BOT_USER_TOKEN") != "" {
		slackEnabled = true
	}
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#general")
	viper.SetDefault("notifications.slack.events.on_continuation", false)
	viper.SetDefault("notifications.slack.events.on_waiting_for_input", true)
	viper.SetDefault("notifications.slack.events.on_task_assigned", true)
	viper.SetDefault("notifications.slack.events.on_gate_failure", true)
	viper.SetDefault("notifications.slack.events.on_budget_warning", true)
	viper.SetDefault("notifications.slack.events.on_budget_exceeded", true)
	viper.SetDefault("notifications.slack.events.on_improvement", true)
	viper.SetDefault("notifications.slack.events.on_escalation", true)
}
