package usecase

// Metrics receives counters from the use cases. The HTTP layer wires a
// Prometheus implementation; NopMetrics is the default.
type Metrics interface {
	Launch(outcome string)
	StoreRequest(op, status string)
	SideEffectFailed(kind string)
	NotificationPublished()
}

type NopMetrics struct{}

func (NopMetrics) Launch(string)               {}
func (NopMetrics) StoreRequest(string, string) {}
func (NopMetrics) SideEffectFailed(string)     {}
func (NopMetrics) NotificationPublished()      {}
