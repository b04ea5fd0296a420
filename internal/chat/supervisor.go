package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// maxFrameBytes caps a single inbound frame. online_users and chat
	// messages are small; anything larger is a misbehaving server.
	maxFrameBytes = 1024 * 1024

	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// dialFunc opens a socket. Swapped out in tests.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

// supervisor is the connection half of the engine's loop-owned state.
//
// gen increments on every dial and every termination. Timer callbacks,
// dial results and reader events carry the gen they were created under
// and are dropped when it no longer matches, so a superseded connection
// can never be resurrected by a stale callback.
type supervisor struct {
	state           ConnState
	conn            wsConn
	connID          string
	connCtx         context.Context
	connCancel      context.CancelFunc
	gen             uint64
	shouldReconnect bool
	heartbeat       *time.Timer
	reconnect       *time.Timer
}

type (
	dialEvent struct {
		gen  uint64
		conn wsConn
		err  error
	}
	frameEvent struct {
		gen  uint64
		typ  websocket.MessageType
		data []byte
	}
	closedEvent struct {
		gen uint64
		err error
	}
	heartbeatEvent struct{ gen uint64 }
	reconnectEvent struct{ gen uint64 }
)

// socketURL derives ws(s)://host[/prefix]/ws/{username}?token={token}
// from the http(s) server URL.
func socketURL(serverURL, username, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	scheme := "ws"

	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	return fmt.Sprintf("%s://%s%s/ws/%s?%s",
		scheme,
		u.Host,
		strings.TrimRight(u.Path, "/"),
		url.PathEscape(username),
		url.Values{"token": {token}}.Encode(),
	), nil
}

// dialWebSocket is the production dialer. A handshake refused with 401
// or 403 is how the server rejects a bad token before accepting, so it
// is reported as a terminated session rather than a transport failure.
func dialWebSocket(ctx context.Context, u string) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", chaterrors.ErrSessionTerminated, resp.StatusCode)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

func (e *Engine) setState(s ConnState) {
	if e.sup.state == s {
		return
	}

	prev := e.sup.state
	e.sup.state = s

	e.logger.Debug("connection state",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
		slog.String("conn_id", e.sup.connID),
	)
	e.publish()

	if e.onState != nil {
		e.onState(s)
	}
}

// connect starts a dial for the current session. The previous socket,
// if any, must already be closed.
func (e *Engine) connect(ctx context.Context) {
	e.stopTimers()

	u, err := socketURL(e.serverURL, e.session.Username, e.session.Token)
	if err != nil {
		e.logger.Error("cannot build socket url", slog.String("error", err.Error()))
		e.terminate(websocket.StatusNormalClosure, "bad server url")

		return
	}

	e.sup.gen++
	gen := e.sup.gen
	e.sup.connID = uuid.NewString()
	e.sup.connCtx, e.sup.connCancel = context.WithCancel(ctx)

	e.setState(Connecting)
	e.logger.Debug("dialing", slog.String("conn_id", e.sup.connID))

	connCtx := e.sup.connCtx

	go func() {
		dctx, cancel := context.WithTimeout(connCtx, dialTimeout)
		conn, err := e.dial(dctx, u)

		cancel()

		if !e.post(dialEvent{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close(websocket.StatusGoingAway, "engine stopped")
		}
	}()
}

func (e *Engine) handleDial(ev dialEvent) {
	if ev.gen != e.sup.gen {
		if ev.conn != nil {
			ev.conn.Close(websocket.StatusNormalClosure, "superseded")
		}

		return
	}

	if ev.err != nil {
		e.logger.Warn("dial failed",
			slog.String("conn_id", e.sup.connID),
			slog.String("error", ev.err.Error()),
		)
		e.connectionLost(ev.err)

		return
	}

	e.sup.conn = ev.conn
	e.sup.conn.SetReadLimit(maxFrameBytes)
	e.setState(Connected)
	e.logger.Info("connected",
		slog.String("username", e.session.Username),
		slog.String("conn_id", e.sup.connID),
	)

	e.armHeartbeat()
	e.startReader(e.sup.connCtx, ev.conn, ev.gen)
}

// startReader launches a goroutine that reads from conn and posts each
// frame to the loop. The final post is the read error. conn and gen are
// captured by value so a reader for an old connection can only ever
// post events the loop will discard.
func (e *Engine) startReader(connCtx context.Context, conn wsConn, gen uint64) {
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)

			var ev any = frameEvent{gen: gen, typ: typ, data: data}
			if err != nil {
				ev = closedEvent{gen: gen, err: err}
			}

			select {
			case e.events <- ev:
			case <-connCtx.Done():
				return
			case <-e.done:
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

func (e *Engine) handleClosed(ev closedEvent) {
	if ev.gen != e.sup.gen {
		return
	}

	e.logger.Info("connection closed",
		slog.String("conn_id", e.sup.connID),
		slog.Int("code", int(websocket.CloseStatus(ev.err))),
		slog.String("error", ev.err.Error()),
	)
	e.connectionLost(ev.err)
}

// connectionLost handles a closed socket or failed dial. A policy
// violation close (1008) means the server ended the session and is
// terminal; anything else schedules a reconnect.
func (e *Engine) connectionLost(err error) {
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation ||
		errors.Is(err, chaterrors.ErrSessionTerminated) {
		e.logger.Warn("session rejected by server", slog.String("error", err.Error()))
		e.evict("policy violation")

		return
	}

	e.stopTimers()
	e.sup.conn = nil

	if e.sup.connCancel != nil {
		e.sup.connCancel()
		e.sup.connCancel = nil
	}

	e.setState(Disconnected)

	if e.sup.shouldReconnect && e.session != nil {
		e.scheduleReconnect()
	}
}

// terminate stops both timers, closes the socket and clears the
// reconnect flag before anything else so the resulting close is never
// mistaken for one that should reconnect.
func (e *Engine) terminate(code websocket.StatusCode, reason string) {
	e.sup.shouldReconnect = false
	e.stopTimers()
	e.sup.gen++

	if e.sup.conn != nil {
		if err := e.sup.conn.Close(code, reason); err != nil {
			e.logger.Debug("closing socket", slog.String("error", err.Error()))
		}

		e.sup.conn = nil
	}

	if e.sup.connCancel != nil {
		e.sup.connCancel()
		e.sup.connCancel = nil
	}

	e.persistIfDirty()

	if e.session != nil || e.sup.state != Disconnected {
		e.setState(Terminated)
	}
}

func (e *Engine) armHeartbeat() {
	if e.sup.heartbeat != nil {
		e.sup.heartbeat.Stop()
	}

	gen := e.sup.gen
	e.sup.heartbeat = time.AfterFunc(e.heartbeatInterval, func() {
		e.post(heartbeatEvent{gen: gen})
	})
}

// handleHeartbeat sends a fire-and-forget ping. A failed write is left
// to the reader to notice.
func (e *Engine) handleHeartbeat(ctx context.Context, ev heartbeatEvent) {
	if ev.gen != e.sup.gen || e.sup.state != Connected || e.sup.conn == nil {
		return
	}

	if err := e.write(ctx, encodePing()); err != nil {
		e.logger.Debug("ping failed", slog.String("error", err.Error()))
	}

	e.persistIfDirty()
	e.armHeartbeat()
}

func (e *Engine) scheduleReconnect() {
	if e.sup.reconnect != nil {
		e.sup.reconnect.Stop()
	}

	gen := e.sup.gen
	e.sup.reconnect = time.AfterFunc(e.reconnectDelay, func() {
		e.post(reconnectEvent{gen: gen})
	})

	e.logger.Info("reconnecting", slog.Duration("delay", e.reconnectDelay))
}

func (e *Engine) handleReconnect(ctx context.Context, ev reconnectEvent) {
	if ev.gen != e.sup.gen || !e.sup.shouldReconnect || e.session == nil || e.sup.state != Disconnected {
		return
	}

	e.connect(ctx)
}

func (e *Engine) stopTimers() {
	if e.sup.heartbeat != nil {
		e.sup.heartbeat.Stop()
		e.sup.heartbeat = nil
	}

	if e.sup.reconnect != nil {
		e.sup.reconnect.Stop()
		e.sup.reconnect = nil
	}
}

// write sends a text frame. Only called from the loop.
func (e *Engine) write(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return e.sup.conn.Write(wctx, websocket.MessageText, data)
}
