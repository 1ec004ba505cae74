package db

import (
	"testing"
)

func TestPoolStats_HealthyFlag(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	if !stats.Healthy {
		t.Error("expected Healthy to be true")
	}
	if stats.TotalConns != 10 {
		t.Errorf("expected TotalConns 10, got %d", stats.TotalConns)
	}

	down := &PoolStats{MaxConns: 20}
	if down.Healthy {
		t.Error("expected zero-conn stats to be unhealthy")
	}
}
