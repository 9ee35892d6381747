package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/store"
)

var ErrNoEndpoint = errors.New("live dispatch endpoint not configured")

// Publisher hands completed runs to live dispatch by queueing a signed
// webhook delivery. Delivery itself happens in the Worker.
type Publisher struct {
	Store  store.DeliveryStore
	URL    string
	Secret string
	Log    *zap.Logger
}

func NewPublisher(s store.DeliveryStore, url, secret string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{Store: s, URL: url, Secret: secret, Log: log}
}

type dispatchEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Partition model.Partition `json:"partition"`
	RunDate   string          `json:"runDate"`
	TS        string          `json:"ts"`
	Data      map[string]any  `json:"data"`
}

// Dispatch queues run for live dispatch. The event id is the run id, so a
// repeated handoff of the same run is deduplicated by the store.
func (p *Publisher) Dispatch(ctx context.Context, run model.ShadowRun) error {
	if p.URL == "" {
		return ErrNoEndpoint
	}
	if run.Result == nil {
		return fmt.Errorf("run %s has no result", run.ID)
	}
	evt := dispatchEvent{
		ID:        run.ID,
		Type:      EventRunDispatched,
		Partition: run.Partition,
		RunDate:   run.RunDate,
		TS:        time.Now().UTC().Format(time.RFC3339),
		Data: map[string]any{
			"assignments": run.Result.Assignments,
			"unassigned":  run.Result.Unassigned,
			"summary":     run.Result.Summary,
		},
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	id, err := p.Store.EnqueueWebhook(ctx, run.Partition.Key(), EventRunDispatched, p.URL, p.Secret, body)
	if err != nil {
		return fmt.Errorf("enqueue live dispatch: %w", err)
	}
	p.Log.Info("live dispatch queued", zap.String("run", run.ID), zap.String("delivery", id))
	return nil
}
