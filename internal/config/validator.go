package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ValidateConfig validates configuration values and returns an error if any
// are invalid. Call after viper has loaded the configuration.
func ValidateConfig() error {
	var errors []string

	durationKeys := []string{
		"continuation.handle_timeout",
		"session.idle_window",
		"gates.timeout",
		"checker.initial_delay",
		"checker.progress_interval",
		"checker.commit_reminder_interval",
		"checkpoint.interval",
		"improve.validation_timeout",
	}
	for _, key := range durationKeys {
		if !viper.IsSet(key) {
			continue
		}
		var d time.Duration
		if v := viper.GetDuration(key); v != 0 {
			d = v
		} else if s := viper.GetInt(key); s != 0 {
			d = time.Duration(s) * time.Second
		}
		if d <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be positive, got: %v", key, d))
		}
	}

	positiveIntKeys := []string{
		"continuation.queue_size",
		"continuation.max_iterations",
		"gates.parallel_workers",
		"improve.max_restarts",
	}
	for _, key := range positiveIntKeys {
		if !viper.IsSet(key) {
			continue
		}
		if n := viper.GetInt(key); n <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be positive, got: %d", key, n))
		}
	}

	if viper.IsSet("budget.warning_threshold") {
		th := viper.GetFloat64("budget.warning_threshold")
		if th <= 0 || th > 1 {
			errors = append(errors, fmt.Sprintf("budget.warning_threshold must be in (0, 1], got: %v", th))
		}
	}

	portKeys := []string{"metrics_port", "api.port"}
	for _, key := range portKeys {
		if !viper.IsSet(key) {
			continue
		}
		if port := viper.GetInt(key); port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("%s must be between 1 and 65535, got: %d", key, port))
		}
	}

	if viper.IsSet("db.type") {
		dbType := viper.GetString("db.type")
		if dbType != "sqlite" && dbType != "postgres" {
			errors = append(errors, fmt.Sprintf("db.type must be sqlite or postgres, got: %s", dbType))
		}
	}

	if len(errors) > 0 {
		errorMsg := errors[0]
		for i := 1; i < len(errors); i++ {
			errorMsg += "\n  " + errors[i]
		}
		return fmt.Errorf("configuration validation failed:\n  %s", errorMsg)
	}

	return nil
}

// ValidateAndExit validates the configuration and exits with code 2 if
// validation fails.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}
