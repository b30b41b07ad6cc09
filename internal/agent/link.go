package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	linkWriteWait  = 10 * time.Second
	linkReadWait   = 95 * time.Second
	linkMaxMessage = 64 * 1024
	linkSendBuffer = 32
)

// relayLink maintains the agent's WebSocket to the relay: dial, read, write,
// and redial with exponential backoff from 3 s to 60 s. Messages sent while
// the link is down are dropped; the watchdog's dedup flags clear on
// reconnect, so droppable alerts re-fire once the relay can hear them.
type relayLink struct {
	log    zerolog.Logger
	url    string
	onMsg  func(data []byte)
	onOpen func()

	mu   sync.Mutex
	send chan []byte

	up atomic.Bool
}

// relayWSURL builds the agent leg URL from the configured relay base.
// http(s) schemes are mapped to ws(s) so operators can paste either form.
func relayWSURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		return "", fmt.Errorf("relay url %q has no scheme", base)
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/church"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func newRelayLink(log zerolog.Logger, wsURL string, onMsg func([]byte), onOpen func()) *relayLink {
	return &relayLink{
		log:    log.With().Str("component", "relay-link").Logger(),
		url:    wsURL,
		onMsg:  onMsg,
		onOpen: onOpen,
	}
}

// Connected reports whether the relay socket is currently open.
func (l *relayLink) Connected() bool { return l.up.Load() }

// Send marshals v and queues it. Returns false when the link is down or the
// value cannot be marshalled.
func (l *relayLink) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		l.log.Error().Err(err).Msg("marshal outbound message")
		return false
	}
	return l.sendRaw(data)
}

// sendRaw queues bytes for the writer, dropping the oldest queued message on
// overflow. Safe against a concurrently closing channel.
func (l *relayLink) sendRaw(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	l.mu.Lock()
	ch := l.send
	l.mu.Unlock()
	if ch == nil {
		return false
	}
	for {
		select {
		case ch <- data:
			return true
		default:
			select {
			case <-ch: // drop oldest
			default:
			}
		}
	}
}

// Run dials and re-dials until ctx is cancelled. Each successful connection
// resets the backoff.
func (l *relayLink) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 3 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			wait := b.NextBackOff()
			l.log.Warn().Err(err).Dur("retry_in", wait).Msg("relay dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		l.log.Info().Msg("relay connected")
		l.runConn(ctx, conn)
		l.log.Warn().Msg("relay connection lost")
	}
}

// runConn services one live connection until it drops or ctx ends.
func (l *relayLink) runConn(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, linkSendBuffer)
	l.mu.Lock()
	l.send = send
	l.mu.Unlock()
	l.up.Store(true)

	defer func() {
		l.mu.Lock()
		l.send = nil
		l.mu.Unlock()
		l.up.Store(false)
		close(send)
		conn.Close()
	}()

	// Unblock the read loop when the agent shuts down.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(linkWriteWait))
			conn.Close()
		case <-stop:
		}
	}()

	// Writer. Exits when the connection dies; remaining queued messages
	// are dropped with it.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg, ok := <-send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	if l.onOpen != nil {
		l.onOpen()
	}

	conn.SetReadLimit(linkMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(linkReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(linkReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(linkWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.log.Debug().Err(err).Msg("relay read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(linkReadWait))
		l.onMsg(data)
	}
}
