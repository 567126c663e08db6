package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		setup     func()
		wantError bool
		errMsg    string
	}{
		{
			name: "Valid Configuration",
			setup: func() {
				viper.Set("continuation.handle_timeout", "60s")
				viper.Set("continuation.queue_size", 16)
				viper.Set("gates.parallel_workers", 4)
				viper.Set("api.port", 8085)
			},
			wantError: false,
		},
		{
			name: "Invalid Handle Timeout (Negative Duration)",
			setup: func() {
				viper.Set("continuation.handle_timeout", -10*time.Second)
			},
			wantError: true,
			errMsg:    "continuation.handle_timeout must be positive",
		},
		{
			name: "Invalid Checker Interval (Negative Int)",
			setup: func() {
				viper.Set("checker.progress_interval", -10)
			},
			wantError: true,
			errMsg:    "checker.progress_interval must be positive",
		},
		{
			name: "Invalid Queue Size",
			setup: func() {
				viper.Set("continuation.queue_size", 0)
			},
			wantError: true,
			errMsg:    "continuation.queue_size must be positive",
		},
		{
			name: "Invalid Max Restarts",
			setup: func() {
				viper.Set("improve.max_restarts", -1)
			},
			wantError: true,
			errMsg:    "improve.max_restarts must be positive",
		},
		{
			name: "Invalid Warning Threshold",
			setup: func() {
				viper.Set("budget.warning_threshold", 1.5)
			},
			wantError: true,
			errMsg:    "budget.warning_threshold must be in (0, 1]",
		},
		{
			name: "Invalid API Port (Too High)",
			setup: func() {
				viper.Set("api.port", 70000)
			},
			wantError: true,
			errMsg:    "api.port must be between 1 and 65535",
		},
		{
			name: "Invalid Metrics Port (Too Low)",
			setup: func() {
				viper.Set("metrics_port", 0)
			},
			wantError: true,
			errMsg:    "metrics_port must be between 1 and 65535",
		},
		{
			name: "Unknown DB Type",
			setup: func() {
				viper.Set("db.type", "mongo")
			},
			wantError: true,
			errMsg:    "db.type must be sqlite or postgres",
		},
		{
			name: "Multiple Errors",
			setup: func() {
				viper.Set("gates.parallel_workers", -1)
				viper.Set("metrics_port", 0)
			},
			wantError: true,
			errMsg:    "gates.parallel_workers must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			tt.setup()
			defer viper.Reset()

			err := ValidateConfig()
			if tt.wantError {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got: %v", tt.errMsg, err)
				}
				return
			}
			if err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
