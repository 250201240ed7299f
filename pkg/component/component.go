// Package component holds clients for the infrastructure studymate talks to.
package component

import (
	"context"
	"time"
)

// Client is implemented by every infrastructure client.
type Client interface {
	// Name returns the component type identifier.
	Name() string
	// Ping checks if the connection is alive.
	Ping(ctx context.Context) error
}

// HealthStatus is the result of checking one component.
type HealthStatus struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckHealth pings each client and reports their status. A nil client is skipped.
func CheckHealth(ctx context.Context, clients ...Client) []HealthStatus {
	out := make([]HealthStatus, 0, len(clients))
	for _, c := range clients {
		if c == nil {
			continue
		}
		start := time.Now()
		err := c.Ping(ctx)
		st := HealthStatus{Name: c.Name(), Healthy: err == nil, Latency: time.Since(start)}
		if err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}
