package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"edgegate/internal/audit"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	LatencyMs int64                  `json:"latency_ms,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Ready returns readiness check over the configured dependencies. Nil
// dependencies are skipped, so a memory-store deployment with no broker
// reports ready with an empty check set.
func Ready(db *sql.DB, rdb *redis.Client, broker *audit.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		type namedResult struct {
			name   string
			result HealthCheckResult
		}

		var checks []func() namedResult
		if db != nil {
			checks = append(checks, func() namedResult {
				return namedResult{"database", checkDatabase(ctx, db)}
			})
		}
		if rdb != nil {
			checks = append(checks, func() namedResult {
				return namedResult{"redis", checkRedis(ctx, rdb)}
			})
		}
		if broker != nil {
			checks = append(checks, func() namedResult {
				return namedResult{"rabbitmq", checkBroker(broker)}
			})
		}

		// Check dependencies in parallel
		results := make(chan namedResult, len(checks))
		for _, check := range checks {
			go func(run func() namedResult) {
				results <- run()
			}(check)
		}

		ready := true
		byName := make(map[string]HealthCheckResult, len(checks))
		for range checks {
			nr := <-results
			byName[nr.name] = nr.result
			if nr.result.Status != "up" {
				ready = false
			}
		}

		response := map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"checks":    byName,
		}

		w.Header().Set("Content-Type", "application/json")
		if ready {
			response["status"] = "ready"
			w.WriteHeader(http.StatusOK)
		} else {
			response["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// checkDatabase verifies database connectivity
func checkDatabase(ctx context.Context, db *sql.DB) HealthCheckResult {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	stats := db.Stats()

	if err != nil {
		return HealthCheckResult{
			Status:    "down",
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		}
	}

	return HealthCheckResult{
		Status:    "up",
		LatencyMs: latency.Milliseconds(),
		Metadata: map[string]interface{}{
			"connections_open":   stats.OpenConnections,
			"connections_in_use": stats.InUse,
			"connections_idle":   stats.Idle,
			"max_open":           stats.MaxOpenConnections,
		},
	}
}

// checkRedis verifies redis connectivity
func checkRedis(ctx context.Context, rdb *redis.Client) HealthCheckResult {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	if err != nil {
		return HealthCheckResult{
			Status:    "down",
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		}
	}

	return HealthCheckResult{
		Status:    "up",
		LatencyMs: latency.Milliseconds(),
	}
}

// checkBroker verifies the audit broker connection
func checkBroker(broker *audit.Publisher) HealthCheckResult {
	if broker.IsClosed() {
		return HealthCheckResult{
			Status: "down",
			Error:  "connection closed",
		}
	}

	return HealthCheckResult{
		Status: "up",
	}
}
