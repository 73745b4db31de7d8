package connectivity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketWatcher keeps a heartbeat connection to the authority. The device
// is online while the connection answers pings.
type WebSocketWatcher struct {
	URL          string
	Token        string
	PingInterval time.Duration
	PingTimeout  time.Duration
	RedialDelay  time.Duration

	// primed is a connection opened by Prime and handed to the first session.
	primed *websocket.Conn
}

func NewWebSocketWatcher(url, token string, interval time.Duration) *WebSocketWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &WebSocketWatcher{
		URL:          strings.TrimSpace(url),
		Token:        strings.TrimSpace(token),
		PingInterval: interval,
		PingTimeout:  interval,
		RedialDelay:  interval,
	}
}

func (w *WebSocketWatcher) Run(ctx context.Context, m *Monitor) {
	for {
		w.session(ctx, m)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.RedialDelay):
		}
	}
}

// Prime dials once and returns the state it observed. Call it before Run;
// an open connection is kept for Run's first session.
func (w *WebSocketWatcher) Prime(ctx context.Context) State {
	conn, err := w.dial(ctx)
	if err != nil {
		return Offline
	}
	w.primed = conn
	return Online
}

func (w *WebSocketWatcher) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.PingTimeout)
	defer cancel()
	header := http.Header{}
	if w.Token != "" {
		header.Set("Authorization", "Bearer "+w.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, w.URL, &websocket.DialOptions{HTTPHeader: header})
	return conn, err
}

// session dials once and pings until the connection fails.
func (w *WebSocketWatcher) session(ctx context.Context, m *Monitor) {
	conn := w.primed
	w.primed = nil
	if conn == nil {
		var err error
		conn, err = w.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("connectivity dial failed", "url", w.URL, "error", err)
				m.Report(Offline, "websocket")
			}
			return
		}
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx := conn.CloseRead(ctx)
	m.Report(Online, "websocket")

	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readCtx.Done():
			if ctx.Err() == nil {
				m.Report(Offline, "websocket")
			}
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, w.PingTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("connectivity ping failed", "url", w.URL, "error", err)
				m.Report(Offline, "websocket")
			}
			return
		}
	}
}
