package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestRegistry_Check(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checkers", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, s := range tt.statuses {
				registry.Register(staticChecker(string(rune('a'+i)), s))
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()
	registry.Register(staticChecker("a", StatusUnhealthy))
	registry.Unregister("a")

	assert.Equal(t, StatusHealthy, registry.Check(context.Background()).Status)
}

func TestRegistry_Timeout(t *testing.T) {
	registry := NewRegistry()
	release := make(chan struct{})
	defer close(release)

	registry.Register(staticChecker("fast", StatusHealthy))
	registry.Register(NewCheckerFunc("slow", func(context.Context) CheckResult {
		<-release
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report := registry.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Contains(t, report.Checks, "slow")
	assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
}

func TestHandler_ServeHTTP(t *testing.T) {
	t.Run("Healthy returns 200 with metadata", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusHealthy))
		registry.SetMetadata("service", "listeners")

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Equal(t, "listeners", report.Metadata["service"])
	})

	t.Run("Degraded still returns 200", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Unhealthy returns 503", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("a", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("Only GET is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServeMux(t *testing.T) {
	registry := NewRegistry()
	registry.Register(staticChecker("a", StatusUnhealthy))
	server := httptest.NewServer(NewServeMux(registry, time.Second))
	defer server.Close()

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusServiceUnavailable},
		{"/ready", http.StatusServiceUnavailable},
		{"/live", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(server.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}
