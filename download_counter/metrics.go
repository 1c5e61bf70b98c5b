package download_counter

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opInitialize     = "initialize"
	opRecordDownload = "record_download"

	pathRemote  = "remote"
	pathCreated = "created"
	pathLocal   = "local"
)

// Metrics exports Reconciler activity to Prometheus.
type Metrics struct {
	operations *prometheus.CounterVec
}

// NewMetrics creates the Reconciler metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalog",
			Name:      "counter_operations_total",
			Help:      "Counter operations by operation and the path that resolved them.",
		}, []string{"operation", "path"}),
	}
	if err := reg.Register(m.operations); err != nil {
		return nil, err
	}
	return m, nil
}

// observe is a no-op on a nil receiver so callers need not check.
func (m *Metrics) observe(operation, path string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, path).Inc()
}
