package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "repartibot/pkg/logx"

	"repartibot/internal/journal"
	"repartibot/internal/metrics"
	"repartibot/internal/render"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	store    journal.Store // nil when the journal is disabled
	renderer render.Renderer
	sessions SessionProvider
	met      *metrics.Metrics // nil when metrics are disabled

	// now is injectable for tests.
	now func() time.Time
	rng *rand.Rand

	q        queueSet
	inflight *Item

	streak      int
	streakLimit int
	resting     bool
	restUntil   time.Time
	restTimer   *time.Timer

	nextSendAt time.Time
	wakeTimer  *time.Timer

	history []HistoryEntry

	// kick requests a tick; buffer of one collapses bursts. Only the Run
	// loop consumes it, which is what makes "at most one delivery in
	// flight" structural instead of flag-based.
	kick chan struct{}

	fatalFn func(error)
}

func New(cfg Config, log logx.Logger, sessions SessionProvider, renderer render.Renderer, store journal.Store, met *metrics.Metrics) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		renderer: renderer,
		sessions: sessions,
		met:      met,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		kick:     make(chan struct{}, 1),
	}
	s.streakLimit = s.drawStreakLimitLocked()
	return s
}

// OnFatal installs the hook invoked when the transport dies beyond per-item
// recovery. Typically supervisor.Fail.
func (s *Service) OnFatal(fn func(error)) { s.fatalFn = fn }

// SetSessions installs the session provider. The rotator needs the service
// first (for pacing resets), so this breaks the construction cycle. Must be
// called before Run or Enqueue.
func (s *Service) SetSessions(p SessionProvider) { s.sessions = p }

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Keep the current limit inside the new range.
	if s.streakLimit < cfg.StreakMin || s.streakLimit > cfg.StreakMax {
		s.streakLimit = s.drawStreakLimitLocked()
	}
	s.mu.Unlock()
	s.Kick()
}

// Kick schedules a tick. Never runs one inline; safe from any goroutine.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Restore repopulates the queues from the last journal snapshot. Restored
// items carry no completion handle; their outcomes land in history only.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, ok, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	for _, r := range snap.Priority {
		s.q.prio = append(s.q.prio, itemFromRecord(r, ClassPriority))
	}
	for _, r := range snap.Normal {
		s.q.normal = append(s.q.normal, itemFromRecord(r, ClassNormal))
	}
	s.q.cycleP, s.q.cycleN = snap.CycleP, snap.CycleN
	p, n := s.q.depths()
	s.updateDepthsLocked()
	s.mu.Unlock()

	s.log.Info("journal restored",
		logx.Int("priority", p),
		logx.Int("normal", n),
		logx.Time("saved_at", snap.SavedAt),
	)
	return nil
}

// Run is the scheduler loop. It owns all queue and pacing state; everything
// else only ever requests a tick.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("dispatch loop started")
	s.Kick()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopTimersLocked()
			s.snapshotLocked()
			s.mu.Unlock()
			s.log.Info("dispatch loop stopped")
			return nil
		case <-s.kick:
			s.tick(ctx)
		}
	}
}

type EnqueueRequest struct {
	Destination string
	Class       Class
	// Urgent priority items jump the head of the priority queue.
	Urgent  bool
	Payload Payload
}

func validate(req EnqueueRequest) error {
	if strings.TrimSpace(req.Destination) == "" {
		return errors.New("dispatch: destination is required")
	}
	switch req.Payload.Kind {
	case KindText:
		if strings.TrimSpace(req.Payload.Body) == "" {
			return errors.New("dispatch: text payload requires a body")
		}
	case KindMedia:
		if strings.TrimSpace(req.Payload.MediaURL) == "" {
			return errors.New("dispatch: media payload requires a url")
		}
	case KindDocument:
		if req.Payload.Document == nil || strings.TrimSpace(req.Payload.Document.Folio) == "" {
			return errors.New("dispatch: document payload requires a render spec with folio")
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Enqueue accepts a new work item and schedules a tick. The returned item's
// Done() channel resolves exactly once with the delivery outcome.
func (s *Service) Enqueue(req EnqueueRequest) (*Item, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if _, _, ok := s.sessions.Active(); !ok {
		return nil, ErrNotReady
	}

	class := req.Class
	if class != ClassPriority {
		class = ClassNormal
	}

	s.mu.Lock()
	if !s.withinHoursLocked(s.now()) && s.cfg.AfterHours == "discard" {
		// Under the discard policy there is no point accepting work that
		// would be dropped when the tick sees it.
		s.mu.Unlock()
		return nil, ErrOutsideHours
	}
	it := &Item{
		ID:          uuid.NewString(),
		Destination: req.Destination,
		Class:       class,
		Payload:     req.Payload,
		EnqueuedAt:  s.now(),
		done:        make(chan Result, 1),
	}
	s.q.push(it, req.Urgent)
	s.updateDepthsLocked()
	s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("item enqueued",
		logx.String("item", it.ID),
		logx.String("class", string(class)),
		logx.String("kind", it.Payload.Kind),
		logx.Bool("urgent", req.Urgent),
	)
	s.Kick()
	return it, nil
}

// Cancel removes a not-yet-dequeued item. There is no cancellation once
// execution has started.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	it := s.q.remove(id)
	if it != nil {
		s.updateDepthsLocked()
		s.appendHistoryLocked(it, Result{Code: ResultCanceled, At: s.now()})
		s.snapshotLocked()
	}
	s.mu.Unlock()
	if it == nil {
		return false
	}
	it.resolve(Result{Code: ResultCanceled})
	s.log.Info("item canceled", logx.String("item", id))
	return true
}

// ResetPacing starts a fresh pacing state. Called by the rotator whenever a
// new identity becomes active.
func (s *Service) ResetPacing() {
	s.mu.Lock()
	s.streak = 0
	s.streakLimit = s.drawStreakLimitLocked()
	s.resting = false
	s.restUntil = time.Time{}
	if s.restTimer != nil {
		s.restTimer.Stop()
		s.restTimer = nil
	}
	s.nextSendAt = time.Time{}
	if s.met != nil {
		s.met.Streak.Set(0)
	}
	s.mu.Unlock()
	s.log.Info("pacing state reset")
	s.Kick()
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ident, ready := s.sessions.Active()
	p, n := s.q.depths()
	hist := make([]HistoryEntry, len(s.history))
	copy(hist, s.history)

	return Status{
		ActiveIdentity: ident,
		Ready:          ready,
		Busy:           s.inflight != nil,
		QueuePriority:  p,
		QueueNormal:    n,
		CycleP:         s.q.cycleP,
		CycleN:         s.q.cycleN,
		Streak:         s.streak,
		StreakLimit:    s.streakLimit,
		Resting:        s.resting,
		RestUntil:      s.restUntil,
		NextSendAt:     s.nextSendAt,
		History:        hist,
	}
}

// ---- tick ----

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()

	// Resting wins over everything; the wake timer re-kicks.
	if s.resting {
		s.mu.Unlock()
		return
	}

	sess, _, ok := s.sessions.Active()
	if !ok {
		// The rotator kicks again once an identity is up.
		s.mu.Unlock()
		return
	}

	now := s.now()
	if !s.withinHoursLocked(now) {
		dropped := []*Item(nil)
		if s.cfg.AfterHours == "discard" {
			dropped = s.q.drainNormal()
			if len(dropped) > 0 {
				for _, it := range dropped {
					s.appendHistoryLocked(it, Result{Code: ResultDropped, Detail: "outside active hours", At: now})
					if s.met != nil {
						s.met.Failed.WithLabelValues(string(ResultDropped)).Inc()
					}
				}
				s.updateDepthsLocked()
				s.snapshotLocked()
			}
		}
		s.scheduleHoursWakeLocked(now)
		s.mu.Unlock()
		for _, it := range dropped {
			it.resolve(Result{Code: ResultDropped, Detail: "outside active hours"})
		}
		if len(dropped) > 0 {
			s.log.Warn("normal queue discarded outside active hours", logx.Int("dropped", len(dropped)))
		}
		return
	}

	if now.Before(s.nextSendAt) {
		s.scheduleWakeLocked(s.nextSendAt.Sub(now))
		s.mu.Unlock()
		return
	}

	it, ok := s.q.next(s.cfg.RatioPriority, s.cfg.RatioNormal)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.inflight = it
	s.updateDepthsLocked()
	s.mu.Unlock()

	res, fatal := s.executeOne(ctx, sess, it)

	s.mu.Lock()
	s.inflight = nil

	if fatal != nil {
		// Put the item back at the head of its queue so the post-restart
		// snapshot still carries it, then hand control to the supervisor.
		// The item is deliberately not resolved: its fate belongs to the
		// next process.
		if it.Class == ClassPriority {
			s.q.prio = append([]*Item{it}, s.q.prio...)
		} else {
			s.q.normal = append([]*Item{it}, s.q.normal...)
		}
		s.updateDepthsLocked()
		s.snapshotLocked()
		s.mu.Unlock()

		if errors.Is(fatal, context.Canceled) || errors.Is(fatal, context.DeadlineExceeded) {
			return
		}
		s.log.Error("fatal transport failure", logx.String("item", it.ID), logx.Err(fatal))
		if s.fatalFn != nil {
			s.fatalFn(fatal)
		}
		return
	}

	res.At = s.now()
	s.q.completed(it.Class, s.cfg.RatioPriority, s.cfg.RatioNormal)
	s.appendHistoryLocked(it, res)
	s.updateDepthsLocked()
	s.recordResultMetricsLocked(it, res)
	s.snapshotLocked()

	if res.Code == ResultMalformed {
		// Never contacted the transport, so it neither consumes streak
		// budget nor earns a pacing gap.
		s.mu.Unlock()
		it.resolve(res)
		s.log.Warn("destination rejected", logx.String("item", it.ID), logx.String("detail", res.Detail))
		s.Kick()
		return
	}

	// Streak counts every attempt that touched the transport, successful
	// or not; the account looks equally busy either way.
	s.streak++
	if s.met != nil {
		s.met.Streak.Set(float64(s.streak))
	}

	if s.streak >= s.streakLimit {
		s.enterRestLocked()
		s.mu.Unlock()
		it.resolve(res)
		return
	}

	gap := s.drawDurationLocked(s.cfg.MessageGapMin, s.cfg.MessageGapMax)
	s.nextSendAt = s.now().Add(gap)
	p, n := s.q.depths()
	if p+n > 0 {
		s.scheduleWakeLocked(gap)
	}
	s.mu.Unlock()

	it.resolve(res)
	s.log.Info("item resolved",
		logx.String("item", it.ID),
		logx.String("code", string(res.Code)),
		logx.Duration("gap", gap),
	)
	if gap <= 0 {
		s.Kick()
	}
}

// ---- pacing internals (mu held) ----

func (s *Service) enterRestLocked() {
	d := s.drawDurationLocked(s.cfg.RestMin, s.cfg.RestMax)
	s.resting = true
	s.restUntil = s.now().Add(d)
	if s.met != nil {
		s.met.Rests.Inc()
	}
	s.log.Info("entering rest",
		logx.Int("streak", s.streak),
		logx.Int("limit", s.streakLimit),
		logx.Duration("rest", d),
	)
	if s.restTimer != nil {
		s.restTimer.Stop()
	}
	s.restTimer = time.AfterFunc(d, s.wakeFromRest)
}

func (s *Service) wakeFromRest() {
	s.mu.Lock()
	s.resting = false
	s.restUntil = time.Time{}
	s.streak = 0
	s.streakLimit = s.drawStreakLimitLocked()
	s.nextSendAt = time.Time{}
	limit := s.streakLimit
	if s.met != nil {
		s.met.Streak.Set(0)
	}
	s.mu.Unlock()
	s.log.Info("rest over", logx.Int("new_limit", limit))
	s.Kick()
}

func (s *Service) drawStreakLimitLocked() int {
	min, max := s.cfg.StreakMin, s.cfg.StreakMax
	if min <= 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	return min + s.rng.Intn(max-min+1)
}

func (s *Service) drawDurationLocked(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)+1))
}

// drawTypingDelay is called from the executor (outside the lock).
func (s *Service) drawTypingDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawDurationLocked(s.cfg.TypingDelayMin, s.cfg.TypingDelayMax)
}

func (s *Service) countryCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CountryCode
}

func (s *Service) localDigits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LocalDigits
}

func (s *Service) withinHoursLocked(now time.Time) bool {
	start, end := s.cfg.ActiveStart, s.cfg.ActiveEnd
	if start == end {
		return true
	}
	m := now.Hour()*60 + now.Minute()
	if start < end {
		return m >= start && m < end
	}
	// window wraps midnight
	return m >= start || m < end
}

func (s *Service) scheduleWakeLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
	}
	s.wakeTimer = time.AfterFunc(d, s.Kick)
}

// scheduleHoursWakeLocked arms a wake for the next window opening so held
// items resume without outside help.
func (s *Service) scheduleHoursWakeLocked(now time.Time) {
	start, end := s.cfg.ActiveStart, s.cfg.ActiveEnd
	if start == end {
		return
	}
	m := now.Hour()*60 + now.Minute()
	delta := (start - m + 24*60) % (24 * 60)
	if delta == 0 {
		delta = 24 * 60
	}
	s.scheduleWakeLocked(time.Duration(delta) * time.Minute)
}

func (s *Service) stopTimersLocked() {
	if s.restTimer != nil {
		s.restTimer.Stop()
		s.restTimer = nil
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
}

func (s *Service) appendHistoryLocked(it *Item, res Result) {
	s.history = append(s.history, HistoryEntry{
		ID:          it.ID,
		Destination: it.Destination,
		Class:       it.Class,
		Code:        res.Code,
		Detail:      res.Detail,
		At:          res.At,
	})
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) updateDepthsLocked() {
	if s.met == nil {
		return
	}
	p, n := s.q.depths()
	s.met.QueueDepthPriority.Set(float64(p))
	s.met.QueueDepthNormal.Set(float64(n))
}

func (s *Service) recordResultMetricsLocked(it *Item, res Result) {
	if s.met == nil {
		return
	}
	switch res.Code {
	case ResultSent:
		s.met.Sent.WithLabelValues(string(it.Class)).Inc()
	case ResultSentDegraded:
		s.met.Sent.WithLabelValues(string(it.Class)).Inc()
		s.met.Degraded.Inc()
	default:
		s.met.Failed.WithLabelValues(string(res.Code)).Inc()
	}
}
