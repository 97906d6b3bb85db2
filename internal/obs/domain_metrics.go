package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// GiftTransitionTotal counts state-engine transition outcomes.
	GiftTransitionTotal *prometheus.CounterVec
	// CartCallTotal counts cart gateway calls by action and result.
	CartCallTotal *prometheus.CounterVec
	// NotificationDroppedTotal counts ignored cart notifications by reason.
	NotificationDroppedTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers widget-specific
// Prometheus collectors. Safe to call more than once.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		GiftTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gift_transition_total",
			Help:      "Count of gift state transitions by action and result.",
		}, []string{"action", "result"})
		CartCallTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_call_total",
			Help:      "Count of cart gateway calls by action and result.",
		}, []string{"action", "result"})
		NotificationDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_dropped_total",
			Help:      "Count of cart notifications ignored by the engine.",
		}, []string{"reason"})

		mustRegisterCollector(reg, GiftTransitionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				GiftTransitionTotal = v
			}
		})
		mustRegisterCollector(reg, CartCallTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartCallTotal = v
			}
		})
		mustRegisterCollector(reg, NotificationDroppedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NotificationDroppedTotal = v
			}
		})
	})
}

// ObserveTransition records a transition outcome when metrics are registered.
func ObserveTransition(action, result string) {
	if GiftTransitionTotal != nil {
		GiftTransitionTotal.WithLabelValues(action, result).Inc()
	}
}

// ObserveCartCall records a gateway call outcome when metrics are registered.
func ObserveCartCall(action, result string) {
	if CartCallTotal != nil {
		CartCallTotal.WithLabelValues(action, result).Inc()
	}
}

// ObserveNotificationDrop records an ignored notification when metrics are
// registered.
func ObserveNotificationDrop(reason string) {
	if NotificationDroppedTotal != nil {
		NotificationDroppedTotal.WithLabelValues(reason).Inc()
	}
}
