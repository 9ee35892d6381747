package scoring

import (
	"context"
	"sync"

	"nemtdispatch/internal/model"
)

// Memory keeps scores in process. A per-driver mutex serializes updates.
type Memory struct {
	mu      sync.Mutex
	scores  map[string]float64
	drivers map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{scores: map[string]float64{}, drivers: map[string]*sync.Mutex{}}
}

func memKey(p model.Partition, driverID string) string { return p.Key() + "#" + driverID }

func (m *Memory) Scores(_ context.Context, p model.Partition, ids []string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if v, ok := m.scores[memKey(p, id)]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, p model.Partition, driverID string, fn func(float64, bool) float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := memKey(p, driverID)
	m.mu.Lock()
	lk, ok := m.drivers[k]
	if !ok {
		lk = &sync.Mutex{}
		m.drivers[k] = lk
	}
	m.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()
	m.mu.Lock()
	old, known := m.scores[k]
	m.mu.Unlock()
	v := fn(old, known)
	m.mu.Lock()
	m.scores[k] = v
	m.mu.Unlock()
	return nil
}

// Set seeds a score directly.
func (m *Memory) Set(p model.Partition, driverID string, v float64) {
	m.mu.Lock()
	m.scores[memKey(p, driverID)] = v
	m.mu.Unlock()
}
