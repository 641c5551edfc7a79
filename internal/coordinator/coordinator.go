// Package coordinator drives the device-pairing handshake: it requests a
// pairing code, tracks its expiry, reconciles live-channel events against
// the backend record, and exposes one current status per (session, subject)
// key with at most one handshake in flight.
//
// Three sources of truth can disagree here: the live channel, the backend
// record, and local state. The merge policy is singular and deliberate: the
// backend record always wins over an absent or stale live signal. The
// coordinator reads the record right after the channel connects and again
// before declaring a code expired; if the record says linked, local state
// short-circuits to Linked no matter what the socket said.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/channel"
)

// DefaultCodeTTL is the wall-clock validity of a pairing code. It is reset
// only by issuance of a new code, never refreshed by activity.
const DefaultCodeTTL = 120 * time.Second

// DefaultMaxRetries bounds explicit Retry calls after the initial attempt.
const DefaultMaxRetries = 3

const reconcileTimeout = 10 * time.Second

// Gateway is the slice of the backend client the coordinator drives.
type Gateway interface {
	RequestPairingCode(ctx context.Context, subjectID string) (backend.Ack, error)
	GetLinkStatus(ctx context.Context, subjectID string) (backend.LinkStatus, error)
	PersistLink(ctx context.Context, subjectID, identity string) error
}

// TokenSource supplies the channel auth token.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Options tunes the coordinator. Zero values get production defaults.
type Options struct {
	CodeTTL    time.Duration
	MaxRetries int
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Coordinator owns the pairing state machines, one per (session, subject)
// key. Safe for concurrent use; Status never blocks.
type Coordinator struct {
	gw       Gateway
	creds    TokenSource
	channels *channel.Manager

	codeTTL    time.Duration
	maxRetries int
	tracer     trace.Tracer
	now        func() time.Time

	mu       sync.Mutex
	sessions map[channel.Key]*session
}

// New creates a coordinator over the given collaborators.
func New(gw Gateway, creds TokenSource, channels *channel.Manager, opts Options) *Coordinator {
	codeTTL := opts.CodeTTL
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("botlink")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		gw:         gw,
		creds:      creds,
		channels:   channels,
		codeTTL:    codeTTL,
		maxRetries: maxRetries,
		tracer:     tracer,
		now:        now,
		sessions:   make(map[channel.Key]*session),
	}
}

// MaxAttempts returns the total attempt budget (initial try plus retries).
func (c *Coordinator) MaxAttempts() int { return 1 + c.maxRetries }

// Status returns a read-only snapshot for the key. Non-blocking; a key that
// was never started reports Idle.
func (c *Coordinator) Status(sessionID, subjectID string) Snapshot {
	key := channel.Key{SessionID: sessionID, SubjectID: subjectID}
	c.mu.Lock()
	s := c.sessions[key]
	c.mu.Unlock()
	if s == nil {
		return Snapshot{SessionID: sessionID, SubjectID: subjectID, State: StateIdle}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// BeginPairing starts a handshake for the key. Returns ErrPairingInProgress
// while the per-key lock is held; at most one caller wins a race.
func (c *Coordinator) BeginPairing(ctx context.Context, sessionID, subjectID string) error {
	s, err := c.getOrCreate(sessionID, subjectID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.inFlight() {
		return ErrPairingInProgress
	}
	if s.state != StateIdle {
		return fmt.Errorf("%w: BeginPairing from %s", ErrInvalidTransition, s.state)
	}
	c.startAttemptLocked(ctx, s, 1)
	return nil
}

// Retry re-enters Requesting from Expired or Failed with a brand-new code;
// old codes are single-use and never reused. After the retry budget is
// spent it returns ErrRetriesExhausted and the session stays terminal.
func (c *Coordinator) Retry(ctx context.Context, sessionID, subjectID string) error {
	key, err := makeKey(sessionID, subjectID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := c.sessions[key]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: Retry before BeginPairing", ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateExpired, StateFailed:
	default:
		return fmt.Errorf("%w: Retry from %s", ErrInvalidTransition, s.state)
	}
	if s.attempts >= c.MaxAttempts() {
		s.lastError = "pairing retries exhausted, contact support"
		return ErrRetriesExhausted
	}
	c.startAttemptLocked(ctx, s, s.attempts+1)
	return nil
}

// Cancel forces Idle from any state, closing the channel and releasing the
// lock unconditionally. Effective even mid-flight: the generation bump
// turns any in-progress token fetch or channel open into a no-op.
func (c *Coordinator) Cancel(sessionID, subjectID string) {
	key, err := makeKey(sessionID, subjectID)
	if err != nil {
		return
	}
	c.mu.Lock()
	s := c.sessions[key]
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.stopTimerLocked()
	s.closeHandleLocked()
	s.state = StateIdle
	s.code = ""
	s.linkedIdentity = ""
	s.lastError = ""
	s.attempts = 0
	slog.Info("pairing: cancelled", "key", key.String())
}

// startAttemptLocked transitions to Requesting and launches the attempt.
// Caller holds s.mu.
func (c *Coordinator) startAttemptLocked(ctx context.Context, s *session, attempt int) {
	s.state = StateRequesting
	s.code = ""
	s.linkedIdentity = ""
	s.lastError = ""
	s.attempts = attempt
	s.gen++
	gen := s.gen

	// The attempt outlives the caller's request context; Cancel owns its
	// lifetime instead.
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	slog.Info("pairing: attempt started", "key", s.key.String(), "attempt", attempt)
	go c.runAttempt(actx, s, gen)
}

// runAttempt performs the I/O side of one handshake attempt: token fetch,
// channel open, connect-time reconciliation read, code request, trigger.
// Every re-entry into session state checks the generation first.
func (c *Coordinator) runAttempt(ctx context.Context, s *session, gen uint64) {
	ctx, span := c.tracer.Start(ctx, "pairing.attempt", trace.WithAttributes(
		attribute.String("pairing.subject", s.key.SubjectID),
		attribute.String("pairing.session", s.key.SessionID),
	))
	defer span.End()

	token, err := c.creds.GetToken(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "credential fetch failed")
		c.failAttempt(s, gen, fmt.Errorf("credential unavailable: %w", err))
		return
	}

	h, err := c.channels.Open(ctx, s.key, token)
	if err != nil {
		span.SetStatus(codes.Error, "channel open failed")
		c.failAttempt(s, gen, err)
		return
	}
	if !c.adoptHandle(s, gen, h) {
		return
	}

	// The channel is Connected: one-shot confirmation read against the
	// backend record. A link committed while no channel was listening must
	// not be missed.
	if st, err := c.gw.GetLinkStatus(ctx, s.key.SubjectID); err == nil && st.Linked {
		span.AddEvent("reconciled to linked at connect")
		c.completeLink(s, gen, st.Identity)
		return
	}

	if _, err := c.gw.RequestPairingCode(ctx, s.key.SubjectID); err != nil {
		span.SetStatus(codes.Error, "pairing request rejected")
		c.failAttempt(s, gen, err)
		return
	}
	if err := h.TriggerPairing(); err != nil {
		c.failAttempt(s, gen, fmt.Errorf("trigger pairing: %w", err))
		return
	}

	c.pumpEvents(s, gen, h)
}

// adoptHandle stores the freshly opened channel on the session, unless the
// attempt went stale (Cancel or a newer attempt) while the dial was in
// flight, in which case the channel is closed and the attempt abandoned.
func (c *Coordinator) adoptHandle(s *session, gen uint64, h *channel.Handle) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		h.Close()
		return false
	}
	s.handle = h
	s.mu.Unlock()
	return true
}

// pumpEvents feeds normalized channel events into the state machine until
// the channel closes.
func (c *Coordinator) pumpEvents(s *session, gen uint64, h *channel.Handle) {
	for ev := range h.Events() {
		c.handleEvent(s, gen, ev)
	}
}

func (c *Coordinator) handleEvent(s *session, gen uint64, ev channel.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}

	switch ev.Kind {
	case channel.KindCodeIssued:
		if !s.state.inFlight() {
			return
		}
		s.state = StateAwaitingScan
		s.code = ev.Code
		s.expiresAt = c.now().Add(c.codeTTL)
		s.stopTimerLocked()
		s.timer = time.AfterFunc(c.codeTTL, func() { c.onExpiry(s, gen) })
		slog.Info("pairing: code issued", "key", s.key.String(), "expires_at", s.expiresAt)

	case channel.KindLinked:
		if !s.state.inFlight() {
			return
		}
		c.completeLinkLocked(s, ev.Identity)

	case channel.KindFailed:
		if !s.state.inFlight() {
			return
		}
		c.failLocked(s, fmt.Errorf("%s", ev.Reason))
	}
}

// onExpiry fires when the 120s code timer lapses. Before declaring Expired
// it performs the second reconciliation read: the backend may have
// committed the link while the channel silently missed the event.
func (c *Coordinator) onExpiry(s *session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateAwaitingScan {
		s.mu.Unlock()
		return
	}
	subject := s.key.SubjectID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	st, err := c.gw.GetLinkStatus(ctx, subject)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateAwaitingScan {
		return
	}
	if err == nil && st.Linked {
		slog.Info("pairing: reconciled to linked at expiry", "key", s.key.String())
		c.completeLinkLocked(s, st.Identity)
		return
	}

	s.state = StateExpired
	s.code = ""
	s.lastError = "pairing code expired"
	s.stopTimerLocked()
	s.closeHandleLocked()
	slog.Info("pairing: code expired", "key", s.key.String(), "attempt", s.attempts)
}

// completeLink is the unlocked entry for the connect-time short-circuit.
func (c *Coordinator) completeLink(s *session, gen uint64, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.state.inFlight() {
		return
	}
	c.completeLinkLocked(s, identity)
}

// completeLinkLocked transitions to Linked: terminal for this session
// instance. Stops the timer, releases the lock, closes the channel, and
// hands the durable write to the backend. Caller holds s.mu.
func (c *Coordinator) completeLinkLocked(s *session, identity string) {
	s.stopTimerLocked()
	s.state = StateLinked
	s.code = ""
	s.linkedIdentity = identity
	s.lastError = ""
	s.closeHandleLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	subject := s.key.SubjectID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		if err := c.gw.PersistLink(ctx, subject, identity); err != nil {
			slog.Warn("pairing: persist link failed", "subject", subject, "error", err)
		}
	}()
	slog.Info("pairing: linked", "key", s.key.String(), "identity", identity)
}

func (c *Coordinator) failAttempt(s *session, gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.state.inFlight() {
		return
	}
	c.failLocked(s, err)
}

// failLocked transitions to Failed, releasing the lock and the channel.
// Caller holds s.mu.
func (c *Coordinator) failLocked(s *session, err error) {
	s.stopTimerLocked()
	s.closeHandleLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateFailed
	s.code = ""
	s.lastError = err.Error()
	if s.attempts >= c.MaxAttempts() {
		s.lastError = err.Error() + " (retries exhausted, contact support)"
	}
	slog.Warn("pairing: attempt failed", "key", s.key.String(), "attempt", s.attempts, "error", err)
}

func (c *Coordinator) getOrCreate(sessionID, subjectID string) (*session, error) {
	key, err := makeKey(sessionID, subjectID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[key]
	if s == nil {
		s = &session{key: key, state: StateIdle}
		c.sessions[key] = s
	}
	return s, nil
}

func makeKey(sessionID, subjectID string) (channel.Key, error) {
	if sessionID == "" || subjectID == "" {
		return channel.Key{}, ErrInvalidKey
	}
	return channel.Key{SessionID: sessionID, SubjectID: subjectID}, nil
}
