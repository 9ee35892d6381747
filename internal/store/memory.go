package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nemtdispatch/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	runs      map[string]model.ShadowRun // id -> run
	drivers   map[string]map[string]model.Driver
	vehicles  map[string]map[string]model.Vehicle
	templates map[string]map[string]model.RouteTemplate // partition -> date/driver -> template
	rules     map[string]map[string]model.PayRule
	// Webhooks queue state
	deliveries map[string]*WebhookDelivery
	order      []string
	dedup      map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		runs:       map[string]model.ShadowRun{},
		drivers:    map[string]map[string]model.Driver{},
		vehicles:   map[string]map[string]model.Vehicle{},
		templates:  map[string]map[string]model.RouteTemplate{},
		rules:      map[string]map[string]model.PayRule{},
		deliveries: map[string]*WebhookDelivery{},
		dedup:      map[string]string{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// Shadow runs

func (m *Memory) CreateShadowRun(_ context.Context, run model.ShadowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		return errMissingRunID
	}
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunExists
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *Memory) CompleteShadowRun(_ context.Context, run model.ShadowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok || cur.Partition != run.Partition {
		return ErrNotFound
	}
	if cur.Status != model.RunPending {
		return ErrRunCompleted
	}
	cur.Status = model.RunCompleted
	cur.Result = run.Result
	cur.LockViolations = run.LockViolations
	cur.SolveDurationMs = run.SolveDurationMs
	cur.LiveDispatched = run.LiveDispatched
	cur.CompletedAt = run.CompletedAt
	m.runs[run.ID] = cloneRun(cur)
	return nil
}

func (m *Memory) MarkLiveDispatched(_ context.Context, p model.Partition, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[id]
	if !ok || cur.Partition != p {
		return ErrNotFound
	}
	if cur.Status != model.RunCompleted {
		return ErrRunPending
	}
	cur.LiveDispatched = true
	m.runs[id] = cur
	return nil
}

func (m *Memory) GetShadowRun(_ context.Context, p model.Partition, id string) (model.ShadowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Partition != p {
		return model.ShadowRun{}, ErrNotFound
	}
	return cloneRun(r), nil
}

// ListShadowRuns pages newest first. The cursor is the id of the last run
// on the previous page.
func (m *Memory) ListShadowRuns(_ context.Context, p model.Partition, runDate, cursor string, limit int) ([]model.ShadowRun, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	var all []model.ShadowRun
	for _, r := range m.runs {
		if r.Partition != p || (runDate != "" && r.RunDate != runDate) {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	start := 0
	if cursor != "" {
		for i, r := range all {
			if r.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.ShadowRun{}
	for i := start; i < len(all) && len(out) < limit; i++ {
		out = append(out, cloneRun(all[i]))
	}
	next := ""
	if start+len(out) < len(all) && len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// cloneRun copies the slices and result of r so stored runs cannot be
// changed through values handed to callers.
func cloneRun(r model.ShadowRun) model.ShadowRun {
	c := r
	c.Input.Trips = append([]model.Trip(nil), r.Input.Trips...)
	c.Input.DriverIDs = append([]string(nil), r.Input.DriverIDs...)
	c.Input.VehicleIDs = append([]string(nil), r.Input.VehicleIDs...)
	c.Input.Warnings = append([]model.IngestWarning(nil), r.Input.Warnings...)
	if r.Result != nil {
		res := *r.Result
		res.Assignments = append([]model.TripAssignment(nil), r.Result.Assignments...)
		res.Unassigned = append([]model.UnassignedTrip(nil), r.Result.Unassigned...)
		res.PayRows = append([]model.PredictedPayRow(nil), r.Result.PayRows...)
		res.Notes = append([]string(nil), r.Result.Notes...)
		c.Result = &res
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Reference data

func (m *Memory) ListDrivers(_ context.Context, p model.Partition) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Driver{}
	for _, d := range m.drivers[p.Key()] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListVehicles(_ context.Context, p model.Partition) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, v := range m.vehicles[p.Key()] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRouteTemplates(_ context.Context, p model.Partition, serviceDate string) ([]model.RouteTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RouteTemplate{}
	for _, t := range m.templates[p.Key()] {
		if t.ServiceDate != serviceDate {
			continue
		}
		t.Slots = append([]model.Slot(nil), t.Slots...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *Memory) ListPayRules(_ context.Context, p model.Partition) ([]model.PayRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PayRule{}
	for _, r := range m.rules[p.Key()] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (m *Memory) PutDrivers(_ context.Context, ds []model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		k := d.Partition.Key()
		if m.drivers[k] == nil {
			m.drivers[k] = map[string]model.Driver{}
		}
		m.drivers[k][d.ID] = d
	}
	return nil
}

func (m *Memory) PutVehicles(_ context.Context, vs []model.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		k := v.Partition.Key()
		if m.vehicles[k] == nil {
			m.vehicles[k] = map[string]model.Vehicle{}
		}
		m.vehicles[k][v.ID] = v
	}
	return nil
}

func (m *Memory) PutRouteTemplates(_ context.Context, ts []model.RouteTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		k := t.Partition.Key()
		if m.templates[k] == nil {
			m.templates[k] = map[string]model.RouteTemplate{}
		}
		t.Slots = append([]model.Slot(nil), t.Slots...)
		m.templates[k][t.ServiceDate+"/"+t.DriverID] = t
	}
	return nil
}

func (m *Memory) PutPayRules(_ context.Context, p model.Partition, rs []model.PayRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := p.Key()
	if m.rules[k] == nil {
		m.rules[k] = map[string]model.PayRule{}
	}
	for _, r := range rs {
		m.rules[k][r.DriverID] = r
	}
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(_ context.Context, partitionKey, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := partitionKey + "|" + eventType + "|" + url + "|" + computeDedupKey(payload)
	if id, ok := m.dedup[dk]; ok {
		return id, nil
	}
	id := uuid.New().String()
	m.deliveries[id] = &WebhookDelivery{
		ID: id, PartitionKey: partitionKey, EventType: eventType, URL: url, Secret: secret,
		Payload: payload, Status: DeliveryPending, NextAttemptAt: time.Now(),
	}
	m.order = append(m.order, id)
	m.dedup[dk] = id
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(_ context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(_ context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	if success {
		d.Status = DeliveryDelivered
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(_ context.Context, id string, lastError string, responseCode int, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	return nil
}

func (m *Memory) ListWebhookDeliveries(_ context.Context, partitionKey, status string) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if d.PartitionKey == partitionKey && (status == "" || d.Status == status) {
			out = append(out, *d)
		}
	}
	return out, nil
}
