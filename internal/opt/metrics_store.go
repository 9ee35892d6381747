package opt

import (
	"sync"

	"nemtdispatch/internal/model"
)

type key struct {
	Partition string
	RunDate   string
	Algo      string
}

var (
	mu    sync.Mutex
	store = map[key]Metrics{}
)

// RecordMetrics keeps the latest solve metrics per partition, run date and
// algorithm for the admin endpoint.
func RecordMetrics(p model.Partition, runDate, algo string, m Metrics) {
	mu.Lock()
	store[key{Partition: p.Key(), RunDate: runDate, Algo: algo}] = m
	mu.Unlock()
}

func GetMetrics(p model.Partition, runDate string) map[string]Metrics {
	mu.Lock()
	defer mu.Unlock()
	out := map[string]Metrics{}
	for k, v := range store {
		if k.Partition == p.Key() && k.RunDate == runDate {
			out[k.Algo] = v
		}
	}
	return out
}
