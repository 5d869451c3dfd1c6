package v1

// HealthStatus is the coarse health classification of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// StoreHealth reports persistence reachability and latency
type StoreHealth struct {
	Connected bool  `json:"connected"`
	LatencyMs int64 `json:"latencyMs"`
}

// QueueHealth reports queue backlog depth and staleness
type QueueHealth struct {
	Pending         int64 `json:"pending"`
	OldestPendingMs int64 `json:"oldestPendingMs"`
}

// WorkerHealth reports pool slot utilization
type WorkerHealth struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Stalled int `json:"stalled"`
}

// MemoryHealth reports heap pressure
type MemoryHealth struct {
	HeapUsed  uint64  `json:"heapUsed"`
	HeapTotal uint64  `json:"heapTotal"`
	Fraction  float64 `json:"fraction"`
}

// HealthReport is one sampled snapshot of system health. Score is 0-100
// and is derived independently of Status.
type HealthReport struct {
	Status    HealthStatus `json:"status"`
	Score     int          `json:"score"`
	Store     StoreHealth  `json:"store"`
	Queue     QueueHealth  `json:"queue"`
	Workers   WorkerHealth `json:"workers"`
	Memory    MemoryHealth `json:"memory"`
	SampledAt int64        `json:"sampledAt"`
}
