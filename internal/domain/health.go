package domain

import "time"

// HealthBand grades the overall connection fleet.
type HealthBand string

const (
	HealthHealthy  HealthBand = "HEALTHY"
	HealthDegraded HealthBand = "DEGRADED"
	HealthCritical HealthBand = "CRITICAL"
)

// BandForRatio maps a healthy/total ratio to a band.
// Healthy at 90% and above, Degraded at 70% and above, Critical below.
func BandForRatio(ratio float64) HealthBand {
	switch {
	case ratio >= 0.9:
		return HealthHealthy
	case ratio >= 0.7:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// BrokerHealth is one broker's slice of the health summary.
type BrokerHealth struct {
	Broker      BrokerKind       `json:"broker"`
	Status      ConnectionStatus `json:"status"`
	LastProbeAt *time.Time       `json:"last_probe_at,omitempty"`
	LastProbeOK bool             `json:"last_probe_ok"`
	LatencyMs   float64          `json:"latency_ms,omitempty"`
}

// HealthSummary is the fleet-wide connection health view.
type HealthSummary struct {
	Band         HealthBand     `json:"band"`
	Total        int            `json:"total"`
	Connected    int            `json:"connected"`
	Healthy      int            `json:"healthy"`
	Degraded     int            `json:"degraded"`
	HealthyRatio float64        `json:"healthy_ratio"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	P95LatencyMs float64        `json:"p95_latency_ms"`
	Brokers      []BrokerHealth `json:"brokers"`
	CheckedAt    time.Time      `json:"checked_at"`
}
