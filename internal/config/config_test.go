package config

import (
	"strings"
	"testing"
	"time"
)

func validGateway() *Gateway {
	return &Gateway{
		Addr:               ":3010",
		JWTSecret:          "secret",
		IdleTimeout:        10 * time.Minute,
		MaxSessionAge:      4 * time.Hour,
		PresenceInterval:   30 * time.Second,
		MaxConnections:     5000,
		CPURejectThreshold: 85,
		StoreTimeout:       5 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestGatewayValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Gateway)
		wantErr string
	}{
		{"valid", func(c *Gateway) {}, ""},
		{"missing secret", func(c *Gateway) { c.JWTSecret = "" }, "MC_JWT_SECRET"},
		{"missing addr", func(c *Gateway) { c.Addr = "" }, "MC_ADDR"},
		{"zero connections", func(c *Gateway) { c.MaxConnections = 0 }, "MC_MAX_CONNECTIONS"},
		{"idle too short", func(c *Gateway) { c.IdleTimeout = time.Second }, "MC_IDLE_TIMEOUT"},
		{"session shorter than idle", func(c *Gateway) { c.MaxSessionAge = time.Minute }, "MC_MAX_SESSION_AGE"},
		{"cpu threshold out of range", func(c *Gateway) { c.CPURejectThreshold = 150 }, "MC_CPU_REJECT_THRESHOLD"},
		{"bad log level", func(c *Gateway) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Gateway) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validGateway()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tc.wantErr)
			}
		})
	}
}

func TestWorkerValidate(t *testing.T) {
	valid := func() *Worker {
		return &Worker{
			Interval:     time.Hour,
			CacheTTL:     65 * time.Minute,
			CycleTimeout: 30 * time.Minute,
			LogLevel:     "info",
			LogFormat:    "json",
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Worker)
		wantErr string
	}{
		{"valid", func(c *Worker) {}, ""},
		{"interval too short", func(c *Worker) { c.Interval = 30 * time.Second }, "MC_TRUST_INTERVAL"},
		{"ttl not exceeding interval", func(c *Worker) { c.CacheTTL = c.Interval }, "MC_TRUST_CACHE_TTL"},
		{"zero cycle timeout", func(c *Worker) { c.CycleTimeout = 0 }, "MC_TRUST_CYCLE_TIMEOUT"},
		{"bad log level", func(c *Worker) { c.LogLevel = "trace" }, "LOG_LEVEL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tc.wantErr)
			}
		})
	}
}
