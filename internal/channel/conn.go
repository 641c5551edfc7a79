package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the transport surface the manager needs from a websocket.
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens the websocket to the backend.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct {
	d *websocket.Dialer
}

// NewWSDialer returns the production gorilla/websocket dialer.
func NewWSDialer() Dialer {
	return wsDialer{d: &websocket.Dialer{HandshakeTimeout: 15 * time.Second}}
}

func (w wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}
