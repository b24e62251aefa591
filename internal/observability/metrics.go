package observability

// Metrics provides counter and gauge recording primitives.
type Metrics interface {
	IncCounter(name string, value float64)
	SetGauge(name string, value float64)
}

// Metric names emitted by the gateway core.
const (
	MetricOrdersSubmitted     = "venuegate_orders_submitted_total"
	MetricOrdersRejected      = "venuegate_orders_rejected_total"
	MetricReconnectAttempts   = "venuegate_reconnect_attempts_total"
	MetricConnectionStatus    = "venuegate_connection_status"
	MetricConditionalTriggers = "venuegate_conditional_triggers_total"
	MetricRiskRejections      = "venuegate_risk_rejections_total"
	MetricEventsDropped       = "venuegate_events_dropped_total"
)

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64) {}
func (noopMetrics) SetGauge(string, float64)   {}
