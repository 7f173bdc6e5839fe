package app

import (
	"strings"
	"time"

	"repartibot/internal/config"
	"repartibot/internal/dispatch"
	"repartibot/internal/journal"
	"repartibot/internal/rotator"
)

// Pacing defaults applied when the config omits a range bound. They mirror
// the conservative profile of a person answering messages by hand.
const (
	defTypingMin = 4 * time.Second
	defTypingMax = 8 * time.Second
	defGapMin    = 45 * time.Second
	defGapMax    = 90 * time.Second
	defRestMin   = 8 * time.Minute
	defRestMax   = 20 * time.Minute
	defStreakMin = 8
	defStreakMax = 14
)

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch

	typingMin, typingMax, err := d.TypingDelay.Resolve("dispatch.typing_delay", defTypingMin, defTypingMax)
	if err != nil {
		return dispatch.Config{}, err
	}
	gapMin, gapMax, err := d.MessageGap.Resolve("dispatch.message_gap", defGapMin, defGapMax)
	if err != nil {
		return dispatch.Config{}, err
	}
	restMin, restMax, err := d.Rest.Resolve("dispatch.rest", defRestMin, defRestMax)
	if err != nil {
		return dispatch.Config{}, err
	}

	streakMin, streakMax := d.StreakLimit.Min, d.StreakLimit.Max
	if streakMin <= 0 {
		streakMin = defStreakMin
	}
	if streakMax <= 0 {
		streakMax = defStreakMax
	}

	var activeStart, activeEnd int
	if s := strings.TrimSpace(d.ActiveHours.Start); s != "" {
		if activeStart, err = config.ParseClock("dispatch.active_hours.start", s); err != nil {
			return dispatch.Config{}, err
		}
	}
	if s := strings.TrimSpace(d.ActiveHours.End); s != "" {
		if activeEnd, err = config.ParseClock("dispatch.active_hours.end", s); err != nil {
			return dispatch.Config{}, err
		}
	}

	return dispatch.Config{
		RatioPriority:  d.Ratio.Priority,
		RatioNormal:    d.Ratio.Normal,
		TypingDelayMin: typingMin,
		TypingDelayMax: typingMax,
		MessageGapMin:  gapMin,
		MessageGapMax:  gapMax,
		RestMin:        restMin,
		RestMax:        restMax,
		StreakMin:      streakMin,
		StreakMax:      streakMax,
		ActiveStart:    activeStart,
		ActiveEnd:      activeEnd,
		AfterHours:     strings.ToLower(strings.TrimSpace(d.AfterHours)),
		CountryCode:    strings.TrimSpace(d.CountryCode),
		LocalDigits:    d.LocalDigits,
	}, nil
}

func mapRotatorConfig(cfg *config.Config) (rotator.Config, error) {
	checkEvery, err := config.ParseDurationField("rotator.check_every", cfg.Rotator.CheckEvery)
	if err != nil {
		return rotator.Config{}, err
	}
	verifyFallback := true
	if cfg.Rotator.VerifyFallback != nil {
		verifyFallback = *cfg.Rotator.VerifyFallback
	}
	return rotator.Config{
		CheckEvery:         checkEvery,
		VerifyFallback:     verifyFallback,
		PurgeOnAuthFailure: cfg.Rotator.PurgeOnAuthFailure,
		ManualRetryMax:     cfg.Rotator.ManualRetryMax,
	}, nil
}

func mapJournalConfig(cfg *config.Config) journal.Config {
	return journal.Config{
		Driver: cfg.Journal.Driver,
		Path:   cfg.Journal.Path,
	}
}
