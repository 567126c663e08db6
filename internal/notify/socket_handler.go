package notify

import (
	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// HandleEvents listens for incoming Socket Mode events and routes app
// mentions to the registered mention handler.
func (m *Manager) HandleEvents(ctx context.Context) {
	if m.socketClient == nil {
		return
	}
	m.handleEventsLoop(ctx, m.socketClient.Events, func(req socketmode.Request) {
		m.socketClient.Ack(req)
	})
}

func (m *Manager) handleEventsLoop(ctx context.Context, events <-chan socketmode.Event, ackFunc func(socketmode.Request)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				if m.logger != nil {
					m.logger("Connecting to Slack Socket Mode...")
				}
			case socketmode.EventTypeConnectionError:
				if m.logger != nil {
					m.logger("Slack connection failed. Retrying later...")
				}
			case socketmode.EventTypeConnected:
				if m.logger != nil {
					m.logger("Connected to Slack Socket Mode")
				}
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					ackFunc(*evt.Request)
				}

				switch eventsAPIEvent.Type {
				case slackevents.CallbackEvent:
					innerEvent := eventsAPIEvent.InnerEvent
					switch ev := innerEvent.Data.(type) {
					case *slackevents.AppMentionEvent:
						m.handleMention(ev)
					}
				}
			}
		}
	}
}

func (m *Manager) handleMention(ev *slackevents.AppMentionEvent) {
	if m.logger != nil {
		m.logger("Received mention: %s", ev.Text)
	}
	if m.onMention == nil || m.client == nil {
		return
	}
	reply := m.onMention(ev.Text)
	if reply == "" {
		return
	}
	// Reply in-thread when the mention itself was threaded.
	opts := []slack.MsgOption{slack.MsgOptionText(reply, false)}
	if ev.ThreadTimeStamp != "" {
		opts = append(opts, slack.MsgOptionTS(ev.ThreadTimeStamp))
	}
	m.client.PostMessage(ev.Channel, opts...)
}
