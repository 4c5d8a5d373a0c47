package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoordinatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoordinatorMetrics(reg)
	LockCounter.Inc()
	ContentionCounter.Inc()
	UnlockCounter.Inc()
	NotRegisteredCounter.Inc()
	SessionGauge.Set(3)
	HoldHistogram.Observe(0.25)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 6 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
}

func TestRegisterCoordinatorMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoordinatorMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoordinatorMetrics(reg)
}
