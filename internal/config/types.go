package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`

	// Dispatch controls queueing, pacing and destination normalization.
	Dispatch DispatchConfig `json:"dispatch"`

	// Journal controls where pending deliveries are snapshotted so a
	// restart does not lose queued work.
	Journal JournalConfig `json:"journal"`

	Rotator    RotatorConfig    `json:"rotator"`
	Identities []IdentityConfig `json:"identities"`

	Render RenderConfig `json:"render,omitempty"`
}

// RenderConfig customizes generated receipt documents.
type RenderConfig struct {
	// Issuer is the business name printed on receipt headers.
	Issuer string `json:"issuer,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
	// AuthToken protects all mutating routes. Empty disables auth
	// (local/dev only; the server logs a warning).
	AuthToken     string `json:"auth_token,omitempty"`
	EnqueuePerSec int    `json:"enqueue_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig mirrors the pacing profile of the account being protected.
//
// All durations are Go duration strings (e.g. "45s", "8m").
// Ranges are inclusive; each draw is uniform over [min, max].
type DispatchConfig struct {
	Ratio       RatioConfig   `json:"ratio"`
	TypingDelay DurationRange `json:"typing_delay"`
	MessageGap  DurationRange `json:"message_gap"`
	Rest        DurationRange `json:"rest"`
	StreakLimit IntRange      `json:"streak_limit"`
	ActiveHours HoursConfig   `json:"active_hours"`

	// AfterHours is what happens to normal-class items already queued when
	// the active window closes: "hold" keeps them for the next window,
	// "discard" drops them. Default "hold".
	AfterHours string `json:"after_hours,omitempty"`

	CountryCode string `json:"country_code"`
	LocalDigits int    `json:"local_digits,omitempty"`
}

// RatioConfig is the weighted interleave P:N between the priority and
// normal queues (e.g. 3:2 sends at most 3 priority items per 2 normal ones
// before the cycle resets).
type RatioConfig struct {
	Priority int `json:"priority"`
	Normal   int `json:"normal"`
}

type DurationRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type IntRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// HoursConfig is a daily active window in local wall-clock time, "HH:MM".
// Start == End means always active.
type HoursConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type JournalConfig struct {
	// Driver: "file" (atomic JSON snapshot) or "sqlite". Empty or "none"
	// disables persistence.
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type RotatorConfig struct {
	// CheckEvery is the window-supervision interval (Go duration string).
	CheckEvery string `json:"check_every,omitempty"`

	// VerifyFallback: when an unattended activation hits a verification
	// challenge, try the alternate identity once (single hop). Pointer so
	// "omitted" defaults to true.
	VerifyFallback *bool `json:"verify_fallback,omitempty"`

	PurgeOnAuthFailure bool `json:"purge_on_auth_failure,omitempty"`

	// ManualRetryMax bounds how long a manual activation waits for the
	// operator to complete verification (number of QR refreshes).
	ManualRetryMax int `json:"manual_retry_max,omitempty"`
}

type IdentityConfig struct {
	Name string `json:"name"`
	// Store is the credential store path for this identity's session.
	Store string `json:"store"`
	// Windows are daily wall-clock intervals "HH:MM-HH:MM" during which
	// this identity owns the channel. An interval may wrap midnight.
	Windows []string `json:"windows"`
}

// ---- parse helpers shared by the services ----

// ParseDurationField parses a Go duration string. Empty means zero; the
// caller decides whether zero falls back to a default.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(path, raw string) (int, error) {
	s := strings.TrimSpace(raw)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%s: invalid clock time %q (want HH:MM)", path, raw)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%s: invalid hour in %q", path, raw)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%s: invalid minute in %q", path, raw)
	}
	return h*60 + m, nil
}

// ParseWindow parses "HH:MM-HH:MM" into start/end minutes since midnight.
// Start == End is rejected (use a single all-day window instead).
func ParseWindow(path, raw string) (start, end int, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return 0, 0, fmt.Errorf("%s: invalid window %q (want HH:MM-HH:MM)", path, raw)
	}
	if start, err = ParseClock(path, a); err != nil {
		return 0, 0, err
	}
	if end, err = ParseClock(path, b); err != nil {
		return 0, 0, err
	}
	if start == end {
		return 0, 0, fmt.Errorf("%s: window %q is empty", path, raw)
	}
	return start, end, nil
}

// Validate checks everything that later Apply() calls would choke on, so the
// config watcher can reject a bad file before publishing it.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, _, err := c.Dispatch.TypingDelay.Resolve("dispatch.typing_delay", 0, 0); err != nil {
		return err
	}
	if _, _, err := c.Dispatch.MessageGap.Resolve("dispatch.message_gap", 0, 0); err != nil {
		return err
	}
	if _, _, err := c.Dispatch.Rest.Resolve("dispatch.rest", 0, 0); err != nil {
		return err
	}
	if c.Dispatch.StreakLimit.Min < 0 || c.Dispatch.StreakLimit.Max < c.Dispatch.StreakLimit.Min {
		return errors.New("dispatch.streak_limit: want 0 <= min <= max")
	}
	switch strings.ToLower(strings.TrimSpace(c.Dispatch.AfterHours)) {
	case "", "hold", "discard":
	default:
		return fmt.Errorf("dispatch.after_hours: unknown policy %q", c.Dispatch.AfterHours)
	}
	if s := strings.TrimSpace(c.Dispatch.ActiveHours.Start); s != "" {
		if _, err := ParseClock("dispatch.active_hours.start", s); err != nil {
			return err
		}
	}
	if s := strings.TrimSpace(c.Dispatch.ActiveHours.End); s != "" {
		if _, err := ParseClock("dispatch.active_hours.end", s); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("rotator.check_every", c.Rotator.CheckEvery); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, id := range c.Identities {
		name := strings.TrimSpace(id.Name)
		if name == "" {
			return fmt.Errorf("identities[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("identities[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(id.Store) == "" {
			return fmt.Errorf("identities[%d]: store is required", i)
		}
		for _, w := range id.Windows {
			if _, _, err := ParseWindow(fmt.Sprintf("identities[%d].windows", i), w); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve parses the range, applying defaults for omitted bounds.
// Min > Max is an error.
func (r DurationRange) Resolve(path string, defMin, defMax time.Duration) (min, max time.Duration, err error) {
	min, err = ParseDurationField(path+".min", r.Min)
	if err != nil {
		return 0, 0, err
	}
	max, err = ParseDurationField(path+".max", r.Max)
	if err != nil {
		return 0, 0, err
	}
	if strings.TrimSpace(r.Min) == "" {
		min = defMin
	}
	if strings.TrimSpace(r.Max) == "" {
		max = defMax
	}
	if max < min {
		return 0, 0, fmt.Errorf("%s: max < min", path)
	}
	return min, max, nil
}
