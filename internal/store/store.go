package store

import (
	"context"
	"errors"
	"time"

	"nemtdispatch/internal/model"
)

// RunStore persists shadow runs. A run is created pending and completed
// exactly once. After completion only the live dispatch flag may change.
type RunStore interface {
	CreateShadowRun(ctx context.Context, run model.ShadowRun) error
	// CompleteShadowRun writes the result fields of run. It fails with
	// ErrRunCompleted when the stored run is no longer pending.
	CompleteShadowRun(ctx context.Context, run model.ShadowRun) error
	// MarkLiveDispatched records that a completed run was handed to live
	// dispatch. It fails with ErrRunPending while the run is still pending.
	MarkLiveDispatched(ctx context.Context, p model.Partition, id string) error
	GetShadowRun(ctx context.Context, p model.Partition, id string) (model.ShadowRun, error)
	ListShadowRuns(ctx context.Context, p model.Partition, runDate, cursor string, limit int) ([]model.ShadowRun, string, error)
}

// ReferenceStore is the read side of the driver, vehicle, template and pay
// rule registries. Every lookup is partition scoped.
type ReferenceStore interface {
	ListDrivers(ctx context.Context, p model.Partition) ([]model.Driver, error)
	ListVehicles(ctx context.Context, p model.Partition) ([]model.Vehicle, error)
	ListRouteTemplates(ctx context.Context, p model.Partition, serviceDate string) ([]model.RouteTemplate, error)
	ListPayRules(ctx context.Context, p model.Partition) ([]model.PayRule, error)
}

// Seeder loads reference data, used by fixtures and the operator CLI.
type Seeder interface {
	PutDrivers(ctx context.Context, ds []model.Driver) error
	PutVehicles(ctx context.Context, vs []model.Vehicle) error
	PutRouteTemplates(ctx context.Context, ts []model.RouteTemplate) error
	PutPayRules(ctx context.Context, p model.Partition, rs []model.PayRule) error
}

// DeliveryStore queues outbound webhook deliveries.
type DeliveryStore interface {
	EnqueueWebhook(ctx context.Context, partitionKey, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, partitionKey, status string) ([]WebhookDelivery, error)
}

// Store is the persistence interface used by the API server.
type Store interface {
	RunStore
	ReferenceStore
	Seeder
	DeliveryStore
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNotFound     = errors.New("not found")
	ErrRunCompleted = errors.New("shadow run already completed")
	ErrRunExists    = errors.New("shadow run already exists")
	ErrRunPending   = errors.New("shadow run not completed")

	errMissingRunID = errors.New("shadow run id is required")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
