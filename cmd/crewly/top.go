package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"crewly/internal/engine"
	"crewly/internal/ui"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(topCmd)
	topCmd.Flags().Int("port", 0, "Control-plane port of the running orchestrator (default from config)")
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of monitored sessions",
	Long: `Connects to the running orchestrator's control plane and renders a
live table of every monitored session: state, liveness, last trigger
and action, iteration progress, and budget standing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = viper.GetInt("api.port")
		}
		src := &remoteSessions{
			url:    fmt.Sprintf("http://127.0.0.1:%d/api/v1/continuation/sessions", port),
			client: &http.Client{Timeout: 5 * time.Second},
		}

		guard, err := openGuard()
		if err != nil {
			return err
		}
		sm, err := openSessions()
		if err != nil {
			return err
		}
		lookup := func(ref string) string {
			st, err := sm.Load(ref)
			if err != nil {
				return ""
			}
			return st.AgentID
		}

		if err := ui.StartDashboard(src, guard, lookup); err != nil {
			return fmt.Errorf("could not start dashboard: %w", err)
		}
		return nil
	},
}

// remoteSessions reads session snapshots over the local control plane.
// Errors surface as an empty table; the dashboard keeps polling.
type remoteSessions struct {
	url    string
	client *http.Client
}

func (r *remoteSessions) Sessions() []engine.SessionStatus {
	resp, err := r.client.Get(r.url)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var payload struct {
		Sessions []struct {
			SessionRef    string `json:"sessionRef"`
			State         string `json:"state"`
			Alive         bool   `json:"alive"`
			LastTrigger   string `json:"lastTrigger"`
			LastAction    string `json:"lastAction"`
			EventsHandled int    `json:"eventsHandled"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	out := make([]engine.SessionStatus, 0, len(payload.Sessions))
	for _, v := range payload.Sessions {
		out = append(out, engine.SessionStatus{
			SessionRef:    v.SessionRef,
			State:         engine.State(v.State),
			Alive:         v.Alive,
			LastTrigger:   v.LastTrigger,
			LastAction:    v.LastAction,
			EventsHandled: v.EventsHandled,
		})
	}
	return out
}
