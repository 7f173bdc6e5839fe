package journal

import (
	"errors"
	"time"

	"repartibot/internal/render"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the journal.
//
// Driver values:
//   - "file": dependency-free snapshot file (tmp + rename)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled and queued work
// does not survive a restart.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Snapshot is the durable image of the two delivery queues plus the
// interleave cycle counters. It deliberately carries payload content only —
// completion handles cannot be reattached across a restart.
type Snapshot struct {
	SavedAt  time.Time    `json:"saved_at"`
	Priority []ItemRecord `json:"priority"`
	Normal   []ItemRecord `json:"normal"`
	CycleP   int          `json:"cycle_p"`
	CycleN   int          `json:"cycle_n"`
}

// ItemRecord is one queued delivery, schema-stable.
// Kind: "text" | "media" | "document".
type ItemRecord struct {
	ID          string       `json:"id"`
	Destination string       `json:"destination"`
	Kind        string       `json:"kind"`
	Body        string       `json:"body,omitempty"`
	MediaURL    string       `json:"media_url,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	Document    *render.Spec `json:"document,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}
