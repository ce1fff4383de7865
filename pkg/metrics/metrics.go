package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	PutsTotal         = "aggregator_puts_total"
	GetsTotal         = "aggregator_gets_total"
	ExpiredTotal      = "aggregator_expired_total"
	WALRetriesTotal   = "aggregator_wal_append_retries_total"
	RejectedTotal     = "aggregator_rejected_total"
	Sources           = "aggregator_sources"
	Clock             = "aggregator_clock"
	CheckpointSeconds = "aggregator_checkpoint_seconds"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}
