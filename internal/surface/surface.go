// Package surface is the read-only, presentation-facing projection of
// coordinator state. It never mutates a session; it only snapshots and
// renders.
package surface

import (
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/botlink/internal/coordinator"
)

// Surface projects coordinator snapshots into render-ready views.
type Surface struct {
	coord *coordinator.Coordinator
	now   func() time.Time
}

// New creates a surface over the coordinator.
func New(coord *coordinator.Coordinator) *Surface {
	return &Surface{coord: coord, now: time.Now}
}

// View is one render-ready status projection.
type View struct {
	coordinator.Snapshot
	Remaining time.Duration // code validity left; zero unless AwaitingScan
	Message   string        // human-readable status line
	Terminal  bool          // no further automatic progress possible
}

// View snapshots the key's session. Safe for frequent polling.
func (s *Surface) View(sessionID, subjectID string) View {
	snap := s.coord.Status(sessionID, subjectID)
	return viewFrom(snap, s.coord.MaxAttempts(), s.now())
}

func viewFrom(snap coordinator.Snapshot, maxAttempts int, now time.Time) View {
	v := View{Snapshot: snap}
	switch snap.State {
	case coordinator.StateIdle:
		v.Message = "not linked"
	case coordinator.StateRequesting:
		v.Message = "requesting pairing code..."
	case coordinator.StateAwaitingScan:
		v.Remaining = snap.ExpiresAt.Sub(now)
		if v.Remaining < 0 {
			v.Remaining = 0
		}
		v.Message = fmt.Sprintf("scan the code within %ds", int(v.Remaining.Seconds()))
	case coordinator.StateLinked:
		v.Terminal = true
		v.Message = "linked as " + snap.LinkedIdentity
		if snap.LinkedIdentity == "" {
			v.Message = "linked"
		}
	case coordinator.StateExpired:
		v.Message = "pairing code expired; run retry to request a new one"
	case coordinator.StateFailed:
		if snap.Attempts >= maxAttempts {
			v.Terminal = true
			v.Message = fmt.Sprintf("pairing failed after %d attempts, contact support", snap.Attempts)
		} else {
			v.Message = "pairing failed: " + snap.LastError + " (retry available)"
		}
	}
	return v
}

// QRPNG renders the current pairing code as a PNG. Errors if no code is on
// display.
func (s *Surface) QRPNG(v View, size int) ([]byte, error) {
	if v.Code == "" {
		return nil, fmt.Errorf("surface: no pairing code to render in state %s", v.State)
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(v.Code, qrcode.Medium, size)
}

// QRTerminal renders the current pairing code as terminal block art.
func (s *Surface) QRTerminal(v View) (string, error) {
	if v.Code == "" {
		return "", fmt.Errorf("surface: no pairing code to render in state %s", v.State)
	}
	q, err := qrcode.New(v.Code, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
