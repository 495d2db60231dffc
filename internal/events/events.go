// Package events publishes pipeline completion events to the event bus.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// API is the subset of the EventBridge client the publisher uses.
type API interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Event is the envelope published for downstream consumers.
type Event struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	EventType string    `json:"eventType"`
	Data      any       `json:"data"`
	EventTime time.Time `json:"eventTime"`
}

// Publisher sends events to a configured bus. A nil Publisher or an empty
// bus name disables publishing; callers treat Publish as fire-and-forget.
type Publisher struct {
	Client API
	Bus    string
	Source string
	Log    *slog.Logger
}

// Publish sends one event. Failures are logged, never propagated: event
// delivery is best-effort and must not fail the pipeline.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.Bus == "" {
		return
	}
	detail, err := json.Marshal(ev)
	if err != nil {
		p.Log.Error("marshal event", "eventType", ev.EventType, "err", err)
		return
	}
	_, err = p.Client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(p.Bus),
			Source:       aws.String(p.Source),
			DetailType:   aws.String(ev.EventType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(ev.EventTime),
		}},
	})
	if err != nil {
		p.Log.Error("publish event failed", "eventType", ev.EventType, "subject", ev.Subject, "err", err)
		return
	}
	p.Log.Info("event published", "eventType", ev.EventType, "subject", ev.Subject)
}
