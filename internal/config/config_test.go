package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	cases := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 9*60 + 30, false},
		{"23:59", 23*60 + 59, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"9h30", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseClock("t", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q) = %d, want error", tc.raw, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseClock(%q) = %d, %v; want %d", tc.raw, got, err, tc.want)
		}
	}
}

func TestParseWindow(t *testing.T) {
	start, end, err := ParseWindow("t", "22:00-06:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if start != 22*60 || end != 6*60 {
		t.Fatalf("got %d-%d", start, end)
	}
	if _, _, err := ParseWindow("t", "10:00-10:00"); err == nil {
		t.Fatal("empty window accepted")
	}
	if _, _, err := ParseWindow("t", "10:00"); err == nil {
		t.Fatal("missing end accepted")
	}
}

func TestDurationRangeResolve(t *testing.T) {
	min, max, err := DurationRange{Min: "4s", Max: "8s"}.Resolve("t", time.Second, 2*time.Second)
	if err != nil || min != 4*time.Second || max != 8*time.Second {
		t.Fatalf("got %v-%v, %v", min, max, err)
	}

	// Omitted bounds fall back to defaults.
	min, max, err = DurationRange{}.Resolve("t", time.Second, 2*time.Second)
	if err != nil || min != time.Second || max != 2*time.Second {
		t.Fatalf("defaults: got %v-%v, %v", min, max, err)
	}

	if _, _, err := (DurationRange{Min: "10s", Max: "5s"}).Resolve("t", 0, 0); err == nil {
		t.Fatal("max < min accepted")
	}
	if _, _, err := (DurationRange{Min: "soon"}).Resolve("t", 0, 0); err == nil {
		t.Fatal("garbage duration accepted")
	}
}

const sampleYAML = `
http:
  addr: ":8420"
  auth_token: "sekrit"
  enqueue_per_sec: 5
logging:
  level: debug
  console: true
dispatch:
  ratio: { priority: 3, normal: 2 }
  typing_delay: { min: 4s, max: 8s }
  message_gap: { min: 45s, max: 90s }
  rest: { min: 8m, max: 20m }
  streak_limit: { min: 8, max: 14 }
  active_hours: { start: "09:00", end: "21:00" }
  after_hours: hold
  country_code: "52"
journal:
  driver: file
  path: /var/lib/repartibot/journal
rotator:
  check_every: 1m
  verify_fallback: true
identities:
  - name: morning
    store: /var/lib/repartibot/morning.db
    windows: ["06:00-15:00"]
  - name: evening
    store: /var/lib/repartibot/evening.db
    windows: ["15:00-06:00"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8420" || cfg.HTTP.EnqueuePerSec != 5 {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Dispatch.Ratio.Priority != 3 || cfg.Dispatch.Ratio.Normal != 2 {
		t.Fatalf("ratio = %+v", cfg.Dispatch.Ratio)
	}
	if len(cfg.Identities) != 2 || cfg.Identities[1].Name != "evening" {
		t.Fatalf("identities = %+v", cfg.Identities)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get returned a different config than Load committed")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "dispatch:\n  turbo_mode: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad after_hours",
			mutate: func(c *Config) { c.Dispatch.AfterHours = "panic" },
			want:   "after_hours",
		},
		{
			name:   "bad streak range",
			mutate: func(c *Config) { c.Dispatch.StreakLimit = IntRange{Min: 10, Max: 4} },
			want:   "streak_limit",
		},
		{
			name:   "duplicate identity",
			mutate: func(c *Config) { c.Identities[1].Name = "morning" },
			want:   "duplicate",
		},
		{
			name:   "identity without store",
			mutate: func(c *Config) { c.Identities[0].Store = " " },
			want:   "store",
		},
		{
			name:   "bad window",
			mutate: func(c *Config) { c.Identities[0].Windows = []string{"6-15"} },
			want:   "window",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewConfigManager(writeConfig(t, sampleYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
