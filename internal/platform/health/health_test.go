package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Checker
		want   Status
	}{
		{
			name: "no checks",
			want: StatusHealthy,
		},
		{
			name: "all healthy",
			checks: map[string]Checker{
				"clickhouse": func(context.Context) error { return nil },
				"postgres":   func(context.Context) error { return nil },
			},
			want: StatusHealthy,
		},
		{
			name: "one failing",
			checks: map[string]Checker{
				"clickhouse": func(context.Context) error { return nil },
				"redis":      func(context.Context) error { return errors.New("connection refused") },
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("asyncmigration", "dev")
			for name, checker := range tt.checks {
				h.AddCheck(name, checker)
			}

			resp := h.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestAddCheckIgnoresNil(t *testing.T) {
	h := NewHandler("asyncmigration", "dev")
	h.AddCheck("kafka", nil)

	assert.Empty(t, h.Check(context.Background()).Checks)
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler("asyncmigration", "dev")
	h.AddCheck("redis", func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Checks, "redis")
	assert.Equal(t, "down", resp.Checks["redis"].Message)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler("asyncmigration", "dev").LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
