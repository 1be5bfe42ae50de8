package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"microgrid-sim/internal/audit"
	"microgrid-sim/internal/config"
	"microgrid-sim/internal/market"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubProvider struct{}

func (stubProvider) MarketSnapshot() map[string]*market.Info {
	return map[string]*market.Info{
		"0:7": {Prices: []float64{30}, Amounts: []float64{10}, Round: 1},
	}
}

func (stubProvider) BillsSnapshot() map[string]string {
	return map[string]string{"u1": "123.45"}
}

func (stubProvider) AuditSnapshot() audit.Snapshot {
	return audit.Snapshot{SlotsClosed: 8, TradesTotal: 21}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://grid.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "grid.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()
	h := NewHandlers(stubProvider{}, config.DashboardConfig{}, NewHub(testLogger()), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Bills["u1"] != "123.45" || snap.Audit.SlotsClosed != 8 {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, ok := snap.Market["0:7"]; !ok {
		t.Error("market record missing from snapshot")
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := NewHandlers(stubProvider{}, config.DashboardConfig{}, NewHub(testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
