package health

import (
	"testing"

	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// baseline is a connected, idle, low-memory system
func sampleReport(mutate func(*v1.HealthReport)) *v1.HealthReport {
	r := &v1.HealthReport{
		Store:  v1.StoreHealth{Connected: true, LatencyMs: 2},
		Memory: v1.MemoryHealth{Fraction: 0.1},
	}
	if mutate != nil {
		mutate(r)
	}
	return r
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*v1.HealthReport)
		want   int
	}{
		{"baseline", nil, 100},
		{"memory warn", func(r *v1.HealthReport) { r.Memory.Fraction = 0.8 }, 80},
		{"memory high", func(r *v1.HealthReport) { r.Memory.Fraction = 0.95 }, 60},
		{"memory at warn threshold", func(r *v1.HealthReport) { r.Memory.Fraction = 0.75 }, 100},
		{"memory at high threshold", func(r *v1.HealthReport) { r.Memory.Fraction = 0.9 }, 80},
		{"stalled workers", func(r *v1.HealthReport) { r.Workers.Stalled = 2 }, 80},
		{"stale backlog", func(r *v1.HealthReport) { r.Queue.OldestPendingMs = 61_000 }, 80},
		{"backlog at threshold", func(r *v1.HealthReport) { r.Queue.OldestPendingMs = 60_000 }, 100},
		{"slow store", func(r *v1.HealthReport) { r.Store.LatencyMs = 501 }, 85},
		{"store latency at threshold", func(r *v1.HealthReport) { r.Store.LatencyMs = 500 }, 100},
		{"deductions stack", func(r *v1.HealthReport) {
			r.Memory.Fraction = 0.8
			r.Workers.Stalled = 1
			r.Store.LatencyMs = 600
		}, 55},
		{"floor at zero", func(r *v1.HealthReport) {
			r.Memory.Fraction = 0.95
			r.Workers.Stalled = 5
			r.Queue.OldestPendingMs = 120_000
			r.Store.LatencyMs = 900
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(sampleReport(tt.mutate)); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*v1.HealthReport)
		want   v1.HealthStatus
	}{
		{"baseline", nil, v1.HealthStatusHealthy},
		{"store disconnected", func(r *v1.HealthReport) { r.Store.Connected = false }, v1.HealthStatusUnhealthy},
		{"memory pressure", func(r *v1.HealthReport) { r.Memory.Fraction = 0.91 }, v1.HealthStatusUnhealthy},
		{"old backlog", func(r *v1.HealthReport) { r.Queue.OldestPendingMs = 31_000 }, v1.HealthStatusDegraded},
		{"backlog at threshold", func(r *v1.HealthReport) { r.Queue.OldestPendingMs = 30_000 }, v1.HealthStatusHealthy},
		{"stalled worker", func(r *v1.HealthReport) { r.Workers.Stalled = 1 }, v1.HealthStatusDegraded},
		{"unhealthy wins over degraded", func(r *v1.HealthReport) {
			r.Store.Connected = false
			r.Workers.Stalled = 3
		}, v1.HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveStatus(sampleReport(tt.mutate)); got != tt.want {
				t.Errorf("deriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}
