package dispatch

import (
	"errors"
	"sync"
	"time"

	"repartibot/internal/render"
	"repartibot/internal/transport"
)

type Class string

const (
	ClassPriority Class = "priority"
	ClassNormal   Class = "normal"
)

// Payload kinds. Kept as strings so the journal schema stays readable.
const (
	KindText     = "text"
	KindMedia    = "media"
	KindDocument = "document"
)

// Payload is a tagged union; Kind selects which fields are meaningful.
type Payload struct {
	Kind     string
	Body     string       // KindText
	MediaURL string       // KindMedia
	Caption  string       // KindMedia, KindDocument
	Document *render.Spec // KindDocument
}

type ResultCode string

const (
	ResultSent          ResultCode = "sent"
	ResultSentDegraded  ResultCode = "sent_degraded"
	ResultMalformed     ResultCode = "malformed_destination"
	ResultNotRegistered ResultCode = "not_registered"
	ResultSendFailed    ResultCode = "send_failed"
	ResultCanceled      ResultCode = "canceled"
	ResultDropped       ResultCode = "dropped"
)

type Result struct {
	Code   ResultCode
	Detail string
	At     time.Time
}

// Item is one unit of outbound work. It is owned by exactly one queue until
// the loop dequeues it, executes it once, and discards it — items are never
// re-enqueued automatically.
type Item struct {
	ID          string
	Destination string // raw, caller-supplied
	Class       Class
	Payload     Payload
	EnqueuedAt  time.Time

	// done receives the result exactly once. nil for items restored from
	// the journal: their original callers are gone, so they resolve into
	// the history ring only.
	done chan Result
	once sync.Once
}

func (it *Item) resolve(res Result) {
	it.once.Do(func() {
		if it.done != nil {
			it.done <- res
		}
	})
}

// Done exposes the completion channel (may be nil for restored items).
func (it *Item) Done() <-chan Result { return it.done }

var (
	ErrNotReady     = errors.New("dispatch: no identity is ready")
	ErrOutsideHours = errors.New("dispatch: outside active hours")
	ErrUnknownKind  = errors.New("dispatch: unknown payload kind")
)

// Config is the resolved pacing profile. All ranges are inclusive and drawn
// uniformly per use; they come from configuration, never constants.
type Config struct {
	RatioPriority int
	RatioNormal   int

	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
	MessageGapMin  time.Duration
	MessageGapMax  time.Duration
	RestMin        time.Duration
	RestMax        time.Duration
	StreakMin      int
	StreakMax      int

	// ActiveStart/ActiveEnd are minutes since midnight, local time.
	// Equal values mean always active. Start > End wraps past midnight.
	ActiveStart int
	ActiveEnd   int

	// AfterHours: "hold" keeps queued normal items for the next window,
	// "discard" drops them once the window closes.
	AfterHours string

	CountryCode string
	LocalDigits int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RatioPriority <= 0 {
		c.RatioPriority = 3
	}
	if c.RatioNormal <= 0 {
		c.RatioNormal = 2
	}
	if c.StreakMin <= 0 {
		c.StreakMin = 8
	}
	if c.StreakMax < c.StreakMin {
		c.StreakMax = c.StreakMin
	}
	if c.AfterHours == "" {
		c.AfterHours = "hold"
	}
	if c.CountryCode == "" {
		c.CountryCode = "52"
	}
	if c.LocalDigits <= 0 {
		c.LocalDigits = 10
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// SessionProvider is the rotator's face toward the scheduler: the live
// session (if any) and the identity that owns it.
type SessionProvider interface {
	Active() (sess transport.Session, identity string, ok bool)
}

// HistoryEntry records a completed item for status polling; callers that
// outlive a restart cannot await the original completion handle.
type HistoryEntry struct {
	ID          string     `json:"id"`
	Destination string     `json:"destination"`
	Class       Class      `json:"class"`
	Code        ResultCode `json:"code"`
	Detail      string     `json:"detail,omitempty"`
	At          time.Time  `json:"at"`
}

// Status is the read-only snapshot served to the control surface.
type Status struct {
	ActiveIdentity string         `json:"active_identity"`
	Ready          bool           `json:"ready"`
	Busy           bool           `json:"busy"`
	QueuePriority  int            `json:"queue_priority"`
	QueueNormal    int            `json:"queue_normal"`
	CycleP         int            `json:"cycle_p"`
	CycleN         int            `json:"cycle_n"`
	Streak         int            `json:"streak"`
	StreakLimit    int            `json:"streak_limit"`
	Resting        bool           `json:"resting"`
	RestUntil      time.Time      `json:"rest_until,omitzero"`
	NextSendAt     time.Time      `json:"next_send_at,omitzero"`
	History        []HistoryEntry `json:"history,omitempty"`
}
