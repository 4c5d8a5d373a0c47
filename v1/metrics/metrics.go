package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockCounter tracks the number of locks acquired.
	LockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmlock_locks_acquired_total",
		Help: "Total number of machine locks acquired",
	})
	// ContentionCounter tracks lock attempts rejected because another
	// session held the machine.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmlock_lock_contention_total",
		Help: "Total number of lock attempts that found the machine held",
	})
	// UnlockCounter tracks the number of sessions released.
	UnlockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmlock_unlocks_total",
		Help: "Total number of machine locks released",
	})
	// NotRegisteredCounter tracks lookups suppressed because the machine was
	// not registered.
	NotRegisteredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vmlock_not_registered_total",
		Help: "Total number of operations skipped on unregistered machines",
	})
	// SessionGauge reports the number of sessions currently holding a lock.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmlock_active_sessions",
		Help: "Current number of sessions holding a machine lock",
	})
	// HoldHistogram observes how long locks were held.
	HoldHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vmlock_lock_hold_seconds",
		Help:    "Time between lock acquisition and release",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoordinatorMetrics registers the coordinator metrics on the
// provided registry.
func RegisterCoordinatorMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockCounter, ContentionCounter, UnlockCounter, NotRegisteredCounter, SessionGauge, HoldHistogram)
}
