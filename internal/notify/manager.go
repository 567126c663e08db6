package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/spf13/viper"
)

// Event types
const (
	EventContinuation    = "on_continuation"
	EventWaitingForInput = "on_waiting_for_input"
	EventTaskAssigned    = "on_task_assigned"
	EventNoTasks         = "on_no_tasks"
	EventGateFailure     = "on_gate_failure"
	EventBudgetWarning   = "on_budget_warning"
	EventBudgetExceeded  = "on_budget_exceeded"
	EventImprovement     = "on_improvement"
	EventEscalation      = "on_escalation"
)

// slackPoster is the slice of the Slack API the manager uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// discordPoster is the slice of the Discord notifier the manager uses.
type discordPoster interface {
	Send(ctx context.Context, message, threadID string) (string, error)
	AddReaction(ctx context.Context, messageID, reaction string) error
}

// Manager handles notifications across different providers (Slack and Discord).
type Manager struct {
	// Slack
	client       slackPoster
	socketClient *socketmode.Client
	channelID    string
	webhook      *SlackNotifier

	// Discord
	discordNotifier discordPoster

	logger func(string, ...interface{})

	// onMention answers app mentions received over Socket Mode.
	onMention func(text string) string
}

// ThreadState represents the state of threads across providers
type ThreadState struct {
	SlackTS   string `json:"slack_ts,omitempty"`
	DiscordID string `json:"discord_id,omitempty"`
}

// NewManager creates a new Notification Manager.
func NewManager(logger func(string, ...interface{})) *Manager {
	m := &Manager{
		logger: logger,
	}

	m.initSlack()

	m.initDiscord()

	return m
}

func (m *Manager) initSlack() {
	if !viper.GetBool("notifications.slack.enabled") {
		return
	}

	botToken := os.Getenv("SLACK_BOT_USER_TOKEN")
	appToken := os.Getenv("SLACK_APP_TOKEN")

	m.channelID = viper.GetString("notifications.slack.channel")

	if botToken == "" {
		// Webhook fallback posts without thread support.
		if url := viper.GetString("notifications.slack.webhook_url"); url != "" {
			m.webhook = NewSlackNotifier(url)
			return
		}
		if m.logger != nil {
			m.logger("Warning: SLACK_BOT_USER_TOKEN not set, slack notifications disabled")
		}
		return
	}

	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	m.client = api

	if appToken != "" && strings.HasPrefix(appToken, "xapp-") {
		m.socketClient = socketmode.New(api)
	}
}

func (m *Manager) initDiscord() {
	if !viper.GetBool("notifications.discord.enabled") {
		return
	}

	botToken := os.Getenv("DISCORD_BOT_TOKEN")
	channelID := os.Getenv("DISCORD_CHANNEL_ID")
	if channelID == "" {
		channelID = viper.GetString("notifications.discord.channel")
	}

	if botToken != "" && channelID != "" {
		m.discordNotifier = NewDiscordBotNotifier(botToken, channelID)
		return
	}

	if url := viper.GetString("notifications.discord.webhook_url"); url != "" {
		m.discordNotifier = NewDiscordNotifier(url)
		return
	}

	if m.logger != nil {
		m.logger("Warning: DISCORD_BOT_TOKEN or DISCORD_CHANNEL_ID not set, discord notifications disabled")
	}
}

// SetMentionHandler installs the responder for Socket Mode app mentions.
func (m *Manager) SetMentionHandler(fn func(text string) string) {
	m.onMention = fn
}

// Start initiates background clients (e.g. Socket Mode) if configured.
func (m *Manager) Start(ctx context.Context) {
	if m.socketClient != nil {
		go func() {
			if m.logger != nil {
				m.logger("Starting Slack Socket Mode...")
			}
			err := m.socketClient.RunContext(ctx)
			if err != nil && err != context.Canceled {
				if m.logger != nil {
					m.logger("Slack Socket Mode error: %v", err)
				}
			}
		}()
		go m.HandleEvents(ctx)
	}
}

// Notify sends a notification if the event is enabled in configuration.
// It returns a JSON string containing thread IDs for active providers.
func (m *Manager) Notify(ctx context.Context, eventType string, message string, threadStateStr string) (string, error) {
	if !m.isEnabled(eventType) {
		return "", nil
	}

	if m.logger != nil {
		m.logger("Sending notification for event: %s", eventType)
	}

	ts := parseThreadState(threadStateStr)
	title, color := getStyle(eventType)

	// Send to Slack
	if m.isProviderEnabled("slack") {
		switch {
		case m.client != nil:
			newTS, err := m.notifySlack(ctx, title, color, message, ts.SlackTS)
			if err != nil {
				if m.logger != nil {
					m.logger("Failed to send Slack notification: %v", err)
				}
			} else {
				ts.SlackTS = newTS
			}
		case m.webhook != nil:
			if err := m.webhook.Notify(ctx, title+"\n"+message); err != nil && m.logger != nil {
				m.logger("Failed to send Slack webhook notification: %v", err)
			}
		}
	}

	// Send to Discord
	if m.discordNotifier != nil && m.isProviderEnabled("discord") {
		newID, err := m.discordNotifier.Send(ctx, title+"\n"+message, ts.DiscordID)
		if err != nil {
			if m.logger != nil {
				m.logger("Failed to send Discord notification: %v", err)
			}
		} else {
			ts.DiscordID = newID
		}
	}

	return dumpThreadState(ts), nil
}

func (m *Manager) notifySlack(ctx context.Context, title, color, message, threadTS string) (string, error) {
	channelID := m.channelID
	if channelID == "" {
		channelID = "#general"
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(title, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Color: color,
			Text:  message,
		}),
	}

	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, newTS, err := m.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", err
	}
	return newTS, nil
}

// getStyle returns the title line and attachment color for an event type.
func getStyle(eventType string) (string, string) {
	switch eventType {
	case EventContinuation:
		return "🔄 Agent continued", "#3498db"
	case EventWaitingForInput:
		return "⏳ Agent waiting for input", "#f2c744"
	case EventTaskAssigned:
		return "📋 Task assigned", "#2eb67d"
	case EventNoTasks:
		return "📭 Task queue empty", "#808080"
	case EventGateFailure:
		return "🚫 Quality gates failed", "#a30200"
	case EventBudgetWarning:
		return "💸 Budget warning", "#f2c744"
	case EventBudgetExceeded:
		return "🛑 Budget exceeded", "#a30200"
	case EventImprovement:
		return "🛠️ Self-improvement", "#9b59b6"
	case EventEscalation:
		return "🚨 Escalation", "#e01e5a"
	default:
		return "📢 Notification", "#808080"
	}
}

func (m *Manager) isEnabled(eventType string) bool {
	slackEnabled := m.isProviderEnabled("slack")
	discordEnabled := m.isProviderEnabled("discord")

	if !slackEnabled && !discordEnabled {
		return false
	}

	// Per-event switches live under the slack key and gate all providers.
	return viper.GetBool("notifications.slack.events." + eventType)
}

func (m *Manager) isProviderEnabled(provider string) bool {
	return viper.GetBool("notifications." + provider + ".enabled")
}

// AddReaction adds an emoji reaction to a message.
func (m *Manager) AddReaction(ctx context.Context, threadStateStr, reaction string) error {
	ts := parseThreadState(threadStateStr)

	// Slack
	if m.client != nil && ts.SlackTS != "" {
		channelID := m.channelID
		if channelID == "" {
			channelID = "#general"
		}
		err := m.client.AddReactionContext(ctx, reaction, slack.ItemRef{
			Channel:   channelID,
			Timestamp: ts.SlackTS,
		})
		if err != nil && m.logger != nil {
			m.logger("Failed to add Slack reaction %s: %v", reaction, err)
		}
	}

	// Discord
	if m.discordNotifier != nil && ts.DiscordID != "" {
		err := m.discordNotifier.AddReaction(ctx, ts.DiscordID, reaction)
		if err != nil && m.logger != nil {
			m.logger("Failed to add Discord reaction %s: %v", reaction, err)
		}
	}

	return nil
}

// Helpers for Thread State

func parseThreadState(s string) ThreadState {
	var ts ThreadState
	if s == "" {
		return ts
	}

	// Try parsing as JSON
	if err := json.Unmarshal([]byte(s), &ts); err == nil {
		return ts
	}

	// Fallback: Treat as legacy Slack TS (string)
	return ThreadState{SlackTS: s}
}

func dumpThreadState(ts ThreadState) string {
	// Plain Slack timestamps stay readable in logs and stored markers.
	if ts.DiscordID == "" && ts.SlackTS != "" {
		return ts.SlackTS
	}

	data, _ := json.Marshal(ts)
	return string(data)
}
