// Package rotator decides which messaging identity owns the channel at any
// moment. Identities declare daily ownership windows; a cron-driven
// supervision pass hands the live session from one identity to the next when
// the wall clock crosses a window boundary. At most one session exists at a
// time, and a handoff always tears the old session down before bringing the
// new one up.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "repartibot/pkg/logx"

	"repartibot/internal/config"
	"repartibot/internal/metrics"
	"repartibot/internal/transport"
)

type State string

const (
	// StateUninitialized: never activated since process start.
	StateUninitialized State = "uninitialized"
	// StateAwaitingVerification: a manual activation is waiting for the
	// operator to complete the pairing challenge.
	StateAwaitingVerification State = "awaiting_verification"
	StateReady                State = "ready"
	// StateDegraded: the last activation or session failed; unattended
	// supervision will not retry it until the next window boundary.
	StateDegraded State = "degraded"
	// StateRetired: taken out of rotation by an operator. Sticky until
	// forced active again or the process restarts.
	StateRetired State = "retired"
)

// Window is a daily ownership interval in minutes since midnight.
// Start > End wraps past midnight.
type Window struct {
	Start int
	End   int
}

func (w Window) contains(m int) bool {
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

type Identity struct {
	Name    string
	Store   string
	Windows []Window

	state     State
	lastError string
	// qr is the current pairing challenge while awaiting verification.
	qr string
}

// FromConfig builds the identity set from validated configuration.
func FromConfig(cfgs []config.IdentityConfig) ([]*Identity, error) {
	ids := make([]*Identity, 0, len(cfgs))
	for i, c := range cfgs {
		id := &Identity{
			Name:  strings.TrimSpace(c.Name),
			Store: c.Store,
			state: StateUninitialized,
		}
		for _, w := range c.Windows {
			start, end, err := config.ParseWindow(fmt.Sprintf("identities[%d].windows", i), w)
			if err != nil {
				return nil, err
			}
			id.Windows = append(id.Windows, Window{Start: start, End: end})
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("rotator: at least one identity is required")
	}
	return ids, nil
}

// ErrUnknownIdentity: the named identity is not in the configured set.
var ErrUnknownIdentity = errors.New("rotator: unknown identity")

// Scheduler is the slice of the dispatch service the rotator drives: fresh
// pacing on every activation, and a nudge whenever readiness may have
// changed.
type Scheduler interface {
	ResetPacing()
	Kick()
}

type Config struct {
	CheckEvery     time.Duration
	VerifyFallback bool
	// PurgeOnAuthFailure removes the credential store after a server-side
	// logout so the next activation starts a clean pairing.
	PurgeOnAuthFailure bool
	ManualRetryMax     int
}

func (c Config) withDefaults() Config {
	if c.CheckEvery <= 0 {
		c.CheckEvery = time.Minute
	}
	return c
}

type Service struct {
	cfg       Config
	log       logx.Logger
	connector transport.Connector
	sched     Scheduler
	met       *metrics.Metrics // nil when metrics are disabled

	mu         sync.Mutex
	identities []*Identity
	active     *Identity
	session    transport.Session
	pumpDone   chan struct{}

	cron *cron.Cron
	// now is injectable for tests.
	now func() time.Time
}

func New(cfg Config, ids []*Identity, connector transport.Connector, sched Scheduler, log logx.Logger) *Service {
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log,
		connector:  connector,
		sched:      sched,
		identities: ids,
		now:        time.Now,
	}
}

// SetMetrics installs the shared instruments. Optional.
func (s *Service) SetMetrics(met *metrics.Metrics) { s.met = met }

func (s *Service) markActiveMetricLocked() {
	if s.met == nil {
		return
	}
	s.met.ActiveIdentity.Reset()
	if s.active != nil {
		s.met.ActiveIdentity.WithLabelValues(s.active.Name).Set(1)
	}
}

// Start runs the first supervision pass and schedules the periodic ones.
func (s *Service) Start(ctx context.Context) error {
	s.Supervise(ctx)

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.CheckEvery)
	if _, err := s.cron.AddFunc(spec, func() { s.Supervise(context.Background()) }); err != nil {
		return fmt.Errorf("rotator: schedule supervision: %w", err)
	}
	s.cron.Start()
	s.log.Info("rotator started",
		logx.Int("identities", len(s.identities)),
		logx.Duration("check_every", s.cfg.CheckEvery),
	)
	return nil
}

// Stop halts supervision and tears down the live session.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	s.teardownLocked("shutdown")
	s.mu.Unlock()
	s.log.Info("rotator stopped")
}

// Active implements the session provider consumed by the scheduler.
func (s *Service) Active() (transport.Session, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.active == nil || s.active.state != StateReady {
		return nil, "", false
	}
	return s.session, s.active.Name, true
}

// Supervise runs one ownership check: if the wall clock says a different
// identity owns the channel now, hand the session over.
func (s *Service) Supervise(ctx context.Context) {
	s.mu.Lock()
	desired := s.windowOwnerLocked()
	current := s.active
	healthy := s.session != nil && current != nil && current.state == StateReady
	s.mu.Unlock()

	if desired == nil {
		// Nobody claims this time of day; whoever holds the session keeps
		// it rather than going dark.
		return
	}
	if desired == current && healthy {
		return
	}
	if desired == current && !healthy {
		// Session died or degraded since the last pass; bring it back.
		s.tryActivate(ctx, desired, false)
		return
	}

	if !storeProvisioned(desired.Store) {
		// An unattended activation of a blank store can only end in a
		// verification challenge. Keep the current owner and tell the
		// operator instead of burning the handoff.
		s.log.Warn("handoff skipped: target store not provisioned",
			logx.String("identity", desired.Name),
			logx.String("store", desired.Store),
		)
		return
	}

	s.log.Info("window handoff",
		logx.String("to", desired.Name),
		logx.String("from", identityName(current)),
	)
	s.tryActivate(ctx, desired, false)
}

// ForceActivate brings one identity up on operator request. Manual
// activations may wait for verification and clear the retired flag.
func (s *Service) ForceActivate(ctx context.Context, name string) error {
	id := s.find(name)
	if id == nil {
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, name)
	}
	s.mu.Lock()
	if id.state == StateRetired {
		id.state = StateUninitialized
	}
	s.mu.Unlock()
	return s.activate(ctx, id, true)
}

// ForceRetire takes an identity out of rotation until ForceActivate or a
// process restart. Retiring the active identity tears its session down.
func (s *Service) ForceRetire(name string) error {
	id := s.find(name)
	if id == nil {
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, name)
	}
	s.mu.Lock()
	// Mark retired before the teardown: teardown briefly drops mu while
	// waiting for the event pump, and an activation landing in that window
	// must see the flag and back out.
	id.state = StateRetired
	id.qr = ""
	if s.active == id {
		s.teardownLocked("retired by operator")
	}
	s.mu.Unlock()
	s.log.Info("identity retired", logx.String("identity", name))
	s.sched.Kick()
	return nil
}

// tryActivate is the unattended path: failures degrade the identity and, if
// enabled, fall back to one alternate identity. Single hop only, so two bad
// stores cannot ping-pong activations forever.
func (s *Service) tryActivate(ctx context.Context, id *Identity, alreadyFellBack bool) {
	err := s.activate(ctx, id, false)
	if err == nil {
		return
	}
	s.log.Error("activation failed", logx.String("identity", id.Name), logx.Err(err))

	if alreadyFellBack || !s.cfg.VerifyFallback {
		return
	}
	alt := s.fallbackFor(id)
	if alt == nil {
		return
	}
	s.log.Warn("falling back to alternate identity",
		logx.String("failed", id.Name),
		logx.String("fallback", alt.Name),
	)
	s.tryActivate(ctx, alt, true)
}

func (s *Service) activate(ctx context.Context, id *Identity, manual bool) error {
	s.mu.Lock()
	if id.state == StateRetired {
		s.mu.Unlock()
		return fmt.Errorf("rotator: identity %q is retired", id.Name)
	}
	// Old session down before the new one comes up.
	s.teardownLocked("handoff")
	if manual {
		id.state = StateAwaitingVerification
	}
	s.mu.Unlock()

	sess, err := s.connector.Connect(ctx, transport.ConnectOptions{
		StorePath:      id.Store,
		Manual:         manual,
		ManualRetryMax: s.cfg.ManualRetryMax,
	})

	s.mu.Lock()
	if err != nil {
		// A retire that raced the connect wins; don't overwrite it.
		if id.state != StateRetired {
			id.lastError = err.Error()
			id.qr = ""
			if errors.Is(err, transport.ErrVerificationRequired) {
				id.state = StateAwaitingVerification
			} else {
				id.state = StateDegraded
			}
		}
		s.mu.Unlock()
		return err
	}
	// A concurrent activation may have installed a session while our
	// connect was in flight; at most one session may exist.
	if s.session != nil {
		s.teardownLocked("superseded")
	}
	if id.state == StateRetired {
		s.mu.Unlock()
		sess.Close()
		return fmt.Errorf("rotator: identity %q retired during activation", id.Name)
	}

	id.state = StateReady
	id.lastError = ""
	id.qr = ""
	s.active = id
	s.session = sess
	s.markActiveMetricLocked()
	s.pumpDone = make(chan struct{})
	go s.pumpEvents(id, sess, s.pumpDone)
	s.mu.Unlock()

	s.log.Info("identity activated", logx.String("identity", id.Name), logx.Bool("manual", manual))
	// ResetPacing takes the scheduler's lock; never call it holding mu, the
	// scheduler queries Active() under that lock.
	s.sched.ResetPacing()
	return nil
}

// pumpEvents follows one session's lifecycle channel until it closes.
func (s *Service) pumpEvents(id *Identity, sess transport.Session, done chan struct{}) {
	defer close(done)
	for ev := range sess.Events() {
		switch ev.Kind {
		case transport.EventVerification:
			s.mu.Lock()
			id.state = StateAwaitingVerification
			id.qr = ev.Code
			s.mu.Unlock()
			s.log.Warn("verification required", logx.String("identity", id.Name))

		case transport.EventReady:
			s.mu.Lock()
			if id.state != StateRetired {
				id.state = StateReady
				id.lastError = ""
				id.qr = ""
			}
			s.mu.Unlock()
			s.sched.Kick()

		case transport.EventDisconnected:
			// Halt deliveries until the transport reconnects; Active()
			// refuses non-ready identities, so the executor never touches
			// the dead socket.
			s.mu.Lock()
			if id.state == StateReady {
				id.state = StateDegraded
				id.lastError = "disconnected"
				if ev.Reason != "" {
					id.lastError = "disconnected: " + ev.Reason
				}
			}
			s.mu.Unlock()
			s.log.Warn("session disconnected",
				logx.String("identity", id.Name),
				logx.String("reason", ev.Reason),
			)

		case transport.EventLoggedOut:
			s.log.Error("server-side logout", logx.String("identity", id.Name), logx.String("reason", ev.Reason))
			s.mu.Lock()
			id.state = StateDegraded
			id.lastError = "logged out: " + ev.Reason
			if s.active == id {
				s.active = nil
				if s.session == sess {
					s.session = nil
				}
				s.markActiveMetricLocked()
			}
			purge := s.cfg.PurgeOnAuthFailure
			s.mu.Unlock()
			sess.Close()
			if purge {
				if err := os.RemoveAll(id.Store); err != nil {
					s.log.Error("purge credential store", logx.String("identity", id.Name), logx.Err(err))
				} else {
					s.log.Warn("credential store purged", logx.String("identity", id.Name))
				}
			}
		}
	}
}

// Status reporting for the control surface.

type IdentityStatus struct {
	Name      string   `json:"name"`
	State     State    `json:"state"`
	Active    bool     `json:"active"`
	Windows   []string `json:"windows,omitempty"`
	QR        string   `json:"qr,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}

func (s *Service) Status() []IdentityStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IdentityStatus, 0, len(s.identities))
	for _, id := range s.identities {
		st := IdentityStatus{
			Name:      id.Name,
			State:     id.state,
			Active:    id == s.active,
			QR:        id.qr,
			LastError: id.lastError,
		}
		for _, w := range id.Windows {
			st.Windows = append(st.Windows, fmt.Sprintf("%02d:%02d-%02d:%02d",
				w.Start/60, w.Start%60, w.End/60, w.End%60))
		}
		out = append(out, st)
	}
	return out
}

// ---- internals ----

func (s *Service) find(name string) *Identity {
	for _, id := range s.identities {
		if id.Name == name {
			return id
		}
	}
	return nil
}

// windowOwnerLocked returns the first non-retired identity whose window
// covers the current wall-clock minute.
func (s *Service) windowOwnerLocked() *Identity {
	now := s.now()
	m := now.Hour()*60 + now.Minute()
	for _, id := range s.identities {
		if id.state == StateRetired {
			continue
		}
		for _, w := range id.Windows {
			if w.contains(m) {
				return id
			}
		}
	}
	return nil
}

// fallbackFor picks one alternate identity with a provisioned store.
func (s *Service) fallbackFor(failed *Identity) *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.identities {
		if id == failed || id.state == StateRetired || id.state == StateDegraded {
			continue
		}
		if storeProvisioned(id.Store) {
			return id
		}
	}
	return nil
}

func (s *Service) teardownLocked(reason string) {
	if s.session == nil {
		s.active = nil
		s.markActiveMetricLocked()
		return
	}
	sess, done := s.session, s.pumpDone
	s.session = nil
	s.active = nil
	s.pumpDone = nil
	s.markActiveMetricLocked()

	// Close outside would be nicer, but teardown is always quick: Close only
	// signals the adapter, it does not wait for in-flight sends.
	sess.Close()
	if done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		s.mu.Lock()
	}
	s.log.Info("session torn down", logx.String("reason", reason))
}

func storeProvisioned(path string) bool {
	info, err := os.Stat(path)
	return err == nil && (info.IsDir() || info.Size() > 0)
}

func identityName(id *Identity) string {
	if id == nil {
		return ""
	}
	return id.Name
}
