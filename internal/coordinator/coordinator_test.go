package coordinator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/channel"
)

// --- fakes ---

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	if messageType == 1 {
		c.mu.Lock()
		c.written = append(c.written, data)
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeGateway struct {
	mu           sync.Mutex
	statusFn     func(call int) (backend.LinkStatus, error)
	statusCalls  int
	requestErr   error
	requestCalls atomic.Int64
	persisted    []string
}

func (g *fakeGateway) RequestPairingCode(ctx context.Context, subjectID string) (backend.Ack, error) {
	g.requestCalls.Add(1)
	if g.requestErr != nil {
		return backend.Ack{}, g.requestErr
	}
	return backend.Ack{Accepted: true}, nil
}

func (g *fakeGateway) GetLinkStatus(ctx context.Context, subjectID string) (backend.LinkStatus, error) {
	g.mu.Lock()
	g.statusCalls++
	call := g.statusCalls
	fn := g.statusFn
	g.mu.Unlock()
	if fn == nil {
		return backend.LinkStatus{}, nil
	}
	return fn(call)
}

func (g *fakeGateway) PersistLink(ctx context.Context, subjectID, identity string) error {
	g.mu.Lock()
	g.persisted = append(g.persisted, identity)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) persistedIdentities() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.persisted...)
}

type fakeTokens struct {
	gate chan struct{} // if non-nil, GetToken blocks until closed
	err  error
}

func (f *fakeTokens) GetToken(ctx context.Context) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

func testCoordinator(gw *fakeGateway, tokens *fakeTokens, dialer *fakeDialer, opts Options) *Coordinator {
	mgr := channel.NewManager("ws://backend/channel", channel.Options{
		Dialer:   dialer,
		Debounce: time.Millisecond,
	})
	return New(gw, tokens, mgr, opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pushEvent(conn *fakeConn, frame string) {
	conn.in <- []byte(frame)
}

// --- tests ---

// Full walk: code event moves the machine to AwaitingScan with the code and
// a running expiry window; the linked event completes the handshake, closes
// the channel, releases the lock, and delegates persistence.
func TestScenarioCodeThenLinked(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}

	// The trigger frame marks the attempt as fully wired up.
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	conn := dialer.lastConn()

	before := time.Now()
	pushEvent(conn, `{"type":"event","event":"qr","payload":{"qr":"abc"}}`)

	waitFor(t, "awaiting-scan", func() bool {
		snap := c.Status("sess-1", "bot-1")
		return snap.State == StateAwaitingScan && snap.Code == "abc"
	})
	snap := c.Status("sess-1", "bot-1")
	min := before.Add(DefaultCodeTTL - 2*time.Second)
	max := time.Now().Add(DefaultCodeTTL)
	if snap.ExpiresAt.Before(min) || snap.ExpiresAt.After(max) {
		t.Errorf("expiresAt %v outside [%v, %v]", snap.ExpiresAt, min, max)
	}

	pushEvent(conn, `{"type":"event","event":"device.linked","payload":{"linked":true,"phone":"+15551234567"}}`)

	waitFor(t, "linked", func() bool {
		return c.Status("sess-1", "bot-1").State == StateLinked
	})
	snap = c.Status("sess-1", "bot-1")
	if snap.LinkedIdentity != "+15551234567" {
		t.Errorf("linked identity %q, want +15551234567", snap.LinkedIdentity)
	}
	if snap.Code != "" {
		t.Errorf("code %q must be cleared outside AwaitingScan", snap.Code)
	}
	waitFor(t, "channel closed", conn.isClosed)
	waitFor(t, "persisted link", func() bool {
		ids := gw.persistedIdentities()
		return len(ids) == 1 && ids[0] == "+15551234567"
	})

	// Linked is terminal for this session instance.
	err := c.BeginPairing(context.Background(), "sess-1", "bot-1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginPairing from Linked: got %v, want ErrInvalidTransition", err)
	}
}

// At most one session per key may hold the handshake lock: racing
// BeginPairing calls yield exactly one winner.
func TestConcurrentBeginPairingSingleWinner(t *testing.T) {
	gw := &fakeGateway{}
	tokens := &fakeTokens{gate: make(chan struct{})}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, tokens, dialer, Options{})

	const callers = 10
	var winners, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.BeginPairing(context.Background(), "sess-1", "bot-1")
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrPairingInProgress):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(tokens.gate)

	if winners.Load() != 1 {
		t.Errorf("got %d winners, want exactly 1", winners.Load())
	}
	if rejected.Load() != callers-1 {
		t.Errorf("got %d rejections, want %d", rejected.Load(), callers-1)
	}
}

// A session with no linked event within the code TTL expires and closes its
// channel even though the transport is still nominally connected.
func TestExpiryClosesChannel(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{CodeTTL: 60 * time.Millisecond})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	conn := dialer.lastConn()
	pushEvent(conn, `{"type":"event","event":"qr","payload":{"qr":"abc"}}`)

	waitFor(t, "expired", func() bool {
		return c.Status("sess-1", "bot-1").State == StateExpired
	})
	snap := c.Status("sess-1", "bot-1")
	if snap.Code != "" {
		t.Errorf("code %q must be cleared on expiry", snap.Code)
	}
	if snap.LastError == "" {
		t.Error("expected a lastError describing the expiry")
	}
	waitFor(t, "channel closed", conn.isClosed)
}

// Backend record wins at connect time: a subject already linked
// short-circuits straight to Linked without a code or channel event.
func TestReconciliationShortCircuitAtConnect(t *testing.T) {
	gw := &fakeGateway{statusFn: func(int) (backend.LinkStatus, error) {
		return backend.LinkStatus{Linked: true, Identity: "+15550009999"}, nil
	}}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "linked", func() bool {
		return c.Status("sess-1", "bot-1").State == StateLinked
	})
	snap := c.Status("sess-1", "bot-1")
	if snap.LinkedIdentity != "+15550009999" {
		t.Errorf("identity %q, want the record's +15550009999", snap.LinkedIdentity)
	}
	if n := gw.requestCalls.Load(); n != 0 {
		t.Errorf("no code should be requested for an already-linked subject, got %d requests", n)
	}
	waitFor(t, "channel closed", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.isClosed()
	})
}

// Backend record wins at expiry: if the read says linked while local state
// is still AwaitingScan, the session resolves Linked, not Expired.
func TestReconciliationBeforeExpiry(t *testing.T) {
	gw := &fakeGateway{statusFn: func(call int) (backend.LinkStatus, error) {
		if call == 1 { // connect-time read
			return backend.LinkStatus{}, nil
		}
		return backend.LinkStatus{Linked: true, Identity: "+15550001111"}, nil
	}}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{CodeTTL: 60 * time.Millisecond})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	pushEvent(dialer.lastConn(), `{"type":"event","event":"qr","payload":{"qr":"abc"}}`)

	waitFor(t, "linked via reconciliation", func() bool {
		return c.Status("sess-1", "bot-1").State == StateLinked
	})
	if got := c.Status("sess-1", "bot-1").LinkedIdentity; got != "+15550001111" {
		t.Errorf("identity %q, want the record's +15550001111", got)
	}
}

// Cancel issued while the token fetch is still in flight must leave the
// system Idle once the fetch resolves, not resurrect Requesting.
func TestCancelBeforeTokenFetchResolves(t *testing.T) {
	gw := &fakeGateway{}
	tokens := &fakeTokens{gate: make(chan struct{})}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, tokens, dialer, Options{})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	if got := c.Status("sess-1", "bot-1").State; got != StateRequesting {
		t.Fatalf("state before cancel = %s, want requesting", got)
	}

	c.Cancel("sess-1", "bot-1")
	close(tokens.gate)

	// Give the stale fetch time to resolve; the state must stay Idle.
	time.Sleep(100 * time.Millisecond)
	if got := c.Status("sess-1", "bot-1").State; got != StateIdle {
		t.Errorf("state after stale fetch resolved = %s, want idle", got)
	}
	if n := dialer.dialCount(); n != 0 {
		t.Errorf("cancelled attempt dialed %d times, want 0", n)
	}
}

// A late code event from a cancelled attempt's channel must not resurrect
// the session.
func TestCancelInvalidatesLateChannelEvents(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	conn := dialer.lastConn()

	c.Cancel("sess-1", "bot-1")
	waitFor(t, "channel closed", conn.isClosed)

	if got := c.Status("sess-1", "bot-1").State; got != StateIdle {
		t.Errorf("state after cancel = %s, want idle", got)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{err: errors.New("refused")}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{})

	ctx := context.Background()
	if err := c.BeginPairing(ctx, "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "attempt 1 failed", func() bool {
		s := c.Status("sess-1", "bot-1")
		return s.State == StateFailed && s.Attempts == 1
	})

	for i := 2; i <= 4; i++ {
		if err := c.Retry(ctx, "sess-1", "bot-1"); err != nil {
			t.Fatalf("retry %d rejected: %v", i-1, err)
		}
		waitFor(t, "attempt failed", func() bool {
			s := c.Status("sess-1", "bot-1")
			return s.State == StateFailed && s.Attempts == i
		})
	}

	err := c.Retry(ctx, "sess-1", "bot-1")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("got %v, want ErrRetriesExhausted", err)
	}
	if s := c.Status("sess-1", "bot-1"); !strings.Contains(s.LastError, "contact support") {
		t.Errorf("lastError %q should direct the user to support", s.LastError)
	}
}

func TestRetryRequestsFreshCode(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{CodeTTL: 50 * time.Millisecond})

	ctx := context.Background()
	if err := c.BeginPairing(ctx, "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	pushEvent(dialer.lastConn(), `{"type":"event","event":"qr","payload":{"qr":"old-code"}}`)
	waitFor(t, "expired", func() bool {
		return c.Status("sess-1", "bot-1").State == StateExpired
	})

	if err := c.Retry(ctx, "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second code request", func() bool {
		return gw.requestCalls.Load() == 2
	})
	waitFor(t, "new channel trigger", func() bool {
		conn := dialer.conn(1)
		return conn != nil && conn.writeCount() > 0
	})
	pushEvent(dialer.conn(1), `{"type":"event","event":"qr","payload":{"qr":"new-code"}}`)
	waitFor(t, "awaiting-scan with new code", func() bool {
		s := c.Status("sess-1", "bot-1")
		return s.State == StateAwaitingScan && s.Code == "new-code"
	})
}

func TestContractViolations(t *testing.T) {
	gw := &fakeGateway{}
	c := testCoordinator(gw, &fakeTokens{}, &fakeDialer{}, Options{})

	if err := c.Retry(context.Background(), "sess-1", "bot-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry before BeginPairing: got %v, want ErrInvalidTransition", err)
	}
	if err := c.BeginPairing(context.Background(), "", "bot-1"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty session ID: got %v, want ErrInvalidKey", err)
	}
	if err := c.BeginPairing(context.Background(), "sess-1", ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty subject ID: got %v, want ErrInvalidKey", err)
	}
}

func TestChannelFailureEventFailsSession(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	pushEvent(dialer.lastConn(), `{"type":"event","event":"pairing.failed","payload":{"reason":"session conflict"}}`)

	waitFor(t, "failed", func() bool {
		return c.Status("sess-1", "bot-1").State == StateFailed
	})
	if s := c.Status("sess-1", "bot-1"); !strings.Contains(s.LastError, "session conflict") {
		t.Errorf("lastError %q should carry the backend reason", s.LastError)
	}
}

func TestReissuedCodeReplacesAndRearms(t *testing.T) {
	gw := &fakeGateway{}
	dialer := &fakeDialer{}
	c := testCoordinator(gw, &fakeTokens{}, dialer, Options{})

	if err := c.BeginPairing(context.Background(), "sess-1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trigger frame", func() bool {
		conn := dialer.lastConn()
		return conn != nil && conn.writeCount() > 0
	})
	conn := dialer.lastConn()

	pushEvent(conn, `{"type":"event","event":"qr","payload":{"qr":"first"}}`)
	waitFor(t, "first code", func() bool {
		return c.Status("sess-1", "bot-1").Code == "first"
	})
	firstDeadline := c.Status("sess-1", "bot-1").ExpiresAt

	time.Sleep(20 * time.Millisecond)
	pushEvent(conn, `{"type":"event","event":"qr","payload":{"qr":"second"}}`)
	waitFor(t, "second code", func() bool {
		return c.Status("sess-1", "bot-1").Code == "second"
	})
	if got := c.Status("sess-1", "bot-1").ExpiresAt; !got.After(firstDeadline) {
		t.Errorf("a newly issued code must restart the expiry window (%v vs %v)", got, firstDeadline)
	}
}
