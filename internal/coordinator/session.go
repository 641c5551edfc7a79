package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/channel"
)

// State is the pairing session state, distinct from the transport state of
// the underlying channel.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateAwaitingScan
	StateLinked
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAwaitingScan:
		return "awaiting-scan"
	case StateLinked:
		return "linked"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// inFlight reports whether the state holds the per-key handshake lock.
func (s State) inFlight() bool {
	return s == StateRequesting || s == StateAwaitingScan
}

// Snapshot is a read-only copy of a pairing session, cheap enough for the
// presentation layer to poll.
type Snapshot struct {
	SessionID      string
	SubjectID      string
	State          State
	Code           string    // non-empty iff State == AwaitingScan
	ExpiresAt      time.Time // meaningful only while AwaitingScan
	LinkedIdentity string    // set once Linked
	LastError      string
	Attempts       int
}

// session is the coordinator's per-key mutable state. Every transition runs
// under mu, so within one key the state machine processes one event at a
// time; channel events, timer firings, and caller invocations all serialize
// here.
type session struct {
	mu  sync.Mutex
	key channel.Key

	state          State
	code           string
	expiresAt      time.Time
	linkedIdentity string
	lastError      string
	attempts       int

	// gen invalidates in-flight work: a stale token fetch, channel open, or
	// timer firing that completes after Cancel (or a newer attempt) compares
	// its generation and becomes a no-op instead of resurrecting the session.
	gen uint64

	timer  *time.Timer
	handle *channel.Handle
	cancel context.CancelFunc
}

func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:      s.key.SessionID,
		SubjectID:      s.key.SubjectID,
		State:          s.state,
		Code:           s.code,
		ExpiresAt:      s.expiresAt,
		LinkedIdentity: s.linkedIdentity,
		LastError:      s.lastError,
		Attempts:       s.attempts,
	}
}

func (s *session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) closeHandleLocked() {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
}
