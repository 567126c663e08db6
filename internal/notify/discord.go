package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const discordAPIBase = "https://discord.com/api/v10"

// DiscordNotifier sends notifications to Discord. It supports two modes:
// webhook (WebhookURL set) and bot API (BotToken and ChannelID set). Bot
// mode additionally supports reply threading and reactions.
type DiscordNotifier struct {
	WebhookURL string
	BotToken   string
	ChannelID  string
	// BaseURL overrides the Discord API endpoint, used in tests.
	BaseURL string
	Client  *http.Client
}

// NewDiscordNotifier creates a webhook-based DiscordNotifier.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NewDiscordBotNotifier creates a bot-API DiscordNotifier bound to a channel.
func NewDiscordBotNotifier(botToken, channelID string) *DiscordNotifier {
	return &DiscordNotifier{
		BotToken:  botToken,
		ChannelID: channelID,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends a message to the configured Discord webhook.
func (n *DiscordNotifier) Notify(ctx context.Context, message string) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("discord webhook URL is not configured")
	}

	payload := map[string]string{
		"content": message,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord notification failed with status: %d", resp.StatusCode)
	}

	return nil
}

// Send posts a message and returns its ID for reply threading. When threadID
// is set in bot mode, the new message is posted as a reply to it.
func (n *DiscordNotifier) Send(ctx context.Context, message, threadID string) (string, error) {
	if n.BotToken != "" {
		return n.sendBotMessage(ctx, message, threadID)
	}
	return n.sendWebhookMessage(ctx, message)
}

func (n *DiscordNotifier) sendWebhookMessage(ctx context.Context, message string) (string, error) {
	if n.WebhookURL == "" {
		return "", fmt.Errorf("discord webhook URL is not configured")
	}

	payload := map[string]string{
		"content": message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	// wait=true makes Discord return the created message, including its ID.
	req, err := http.NewRequestWithContext(ctx, "POST", n.WebhookURL+"?wait=true", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("discord notification failed with status: %d", resp.StatusCode)
	}

	return extractMessageID(resp.Body), nil
}

func (n *DiscordNotifier) sendBotMessage(ctx context.Context, message, threadID string) (string, error) {
	payload := map[string]interface{}{
		"content": message,
	}
	if threadID != "" {
		payload["message_reference"] = map[string]string{"message_id": threadID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", n.base(), n.ChannelID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+n.BotToken)

	resp, err := n.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("discord notification failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return extractMessageID(resp.Body), nil
}

// AddReaction reacts to a message. Only bot mode can react; in webhook mode
// this is a no-op.
func (n *DiscordNotifier) AddReaction(ctx context.Context, messageID, reaction string) error {
	if n.BotToken == "" {
		return nil
	}

	url := fmt.Sprintf("%s/channels/%s/messages/%s/reactions/%s/@me",
		n.base(), n.ChannelID, messageID, mapEmoji(reaction))
	req, err := http.NewRequestWithContext(ctx, "PUT", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create reaction request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+n.BotToken)

	resp, err := n.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to add discord reaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord reaction failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (n *DiscordNotifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return http.DefaultClient
}

func (n *DiscordNotifier) base() string {
	if n.BaseURL != "" {
		return n.BaseURL
	}
	return discordAPIBase
}

func extractMessageID(body io.Reader) string {
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return ""
	}
	return msg.ID
}

// mapEmoji translates Slack-style emoji names to URL-encoded Unicode for
// the Discord reactions endpoint. Unknown names pass through unchanged.
func mapEmoji(name string) string {
	switch strings.Trim(name, ":") {
	case "white_check_mark":
		return "%E2%9C%85"
	case "x":
		return "%E2%9D%8C"
	case "warning":
		return "%E2%9A%A0%EF%B8%8F"
	default:
		return name
	}
}
