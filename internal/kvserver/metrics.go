package kvserver

import "sync/atomic"

type Metrics struct {
	gets            atomic.Uint64
	puts            atomic.Uint64
	appends         atomic.Uint64
	dedupHits       atomic.Uint64
	wrongShard      atomic.Uint64
	replicated      atomic.Uint64
	replicateFailed atomic.Uint64
	updatesApplied  atomic.Uint64
	staleUpdates    atomic.Uint64
}

type MetricsSnapshot struct {
	GetTotal        uint64 `json:"get_total"`
	PutTotal        uint64 `json:"put_total"`
	AppendTotal     uint64 `json:"append_total"`
	DedupHits       uint64 `json:"dedup_hits"`
	WrongShard      uint64 `json:"wrong_shard"`
	Replicated      uint64 `json:"replicated"`
	ReplicateFailed uint64 `json:"replicate_failed"`
	UpdatesApplied  uint64 `json:"updates_applied"`
	StaleUpdates    uint64 `json:"stale_updates"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		GetTotal:        m.gets.Load(),
		PutTotal:        m.puts.Load(),
		AppendTotal:     m.appends.Load(),
		DedupHits:       m.dedupHits.Load(),
		WrongShard:      m.wrongShard.Load(),
		Replicated:      m.replicated.Load(),
		ReplicateFailed: m.replicateFailed.Load(),
		UpdatesApplied:  m.updatesApplied.Load(),
		StaleUpdates:    m.staleUpdates.Load(),
	}
}
