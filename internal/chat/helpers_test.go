package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/mock/gomock"
)

var errConnClosed = errors.New("use of closed connection")

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeConn is a channel-backed wsConn. Frames pushed by the test are
// returned from Read in order; peerClose makes Read fail with a close
// frame carrying the given code.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	readErr   error
	writes    [][]byte
	closeCode websocket.StatusCode
	readLimit int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:    make(chan []byte, 16),
		closed:    make(chan struct{}),
		closeCode: -1,
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.MessageText, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()

		return 0, nil, c.readErr
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.writes = append(c.writes, append([]byte(nil), p...))

	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.shut(code, errConnClosed)
	return nil
}

func (c *fakeConn) SetReadLimit(n int64) {
	c.mu.Lock()
	c.readLimit = n
	c.mu.Unlock()
}

// push queues a frame as if the server sent it.
func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

// peerClose simulates the server closing the socket with code.
func (c *fakeConn) peerClose(code websocket.StatusCode) {
	c.shut(-1, websocket.CloseError{Code: code, Reason: "test"})
}

func (c *fakeConn) shut(localCode websocket.StatusCode, readErr error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = localCode
		c.readErr = readErr
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}

	return out
}

// localCloseCode is the code the engine closed with, or -1.
func (c *fakeConn) localCloseCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCode
}

// fakeDialer hands out a new fakeConn per dial, or a queued error.
type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	errs  []error
}

func (d *fakeDialer) dial(_ context.Context, u string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, u)

	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]

		return nil, err
	}

	c := newFakeConn()
	d.conns = append(d.conns, c)

	return c, nil
}

func (d *fakeDialer) failNext(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

// fakeProvider never emits sessions itself; tests call SetSession.
type fakeProvider struct {
	mu      sync.Mutex
	logouts []string
}

func (p *fakeProvider) Watch(ctx context.Context, _ func(*Session)) error {
	<-ctx.Done()
	return nil
}

func (p *fakeProvider) Logout(reason string) error {
	p.mu.Lock()
	p.logouts = append(p.logouts, reason)
	p.mu.Unlock()

	return nil
}

func (p *fakeProvider) loggedOut() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.logouts...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) record(s ConnState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) count(s ConnState) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, got := range r.states {
		if got == s {
			n++
		}
	}

	return n
}

type harness struct {
	e        *Engine
	api      *MockAPI
	dialer   *fakeDialer
	provider *fakeProvider
	states   *stateRecorder
	done     chan error
}

const (
	testHeartbeat = 30 * time.Second
	testReconnect = 3 * time.Second
)

// newHarness builds an engine wired to fakes. Must be called inside the
// synctest bubble when the test relies on fake time.
func newHarness(t *testing.T) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{
		api:      NewMockAPI(ctrl),
		dialer:   &fakeDialer{},
		provider: &fakeProvider{},
		states:   &stateRecorder{},
		done:     make(chan error, 1),
	}

	h.e = NewEngine(Config{
		ServerURL:         "http://chat.test",
		HeartbeatInterval: testHeartbeat,
		ReconnectDelay:    testReconnect,
		API:               h.api,
		Provider:          h.provider,
		OnState:           h.states.record,
	}, testLogger())
	h.e.dial = h.dialer.dial

	return h
}

func (h *harness) expectSnapshot(user string, fl *FriendList, blocked []string, history []HistoryEntry) {
	if fl == nil {
		fl = &FriendList{}
	}

	h.api.EXPECT().FriendList(gomock.Any(), user).Return(fl, nil).AnyTimes()
	h.api.EXPECT().Blocked(gomock.Any(), user).Return(blocked, nil).AnyTimes()
	h.api.EXPECT().History(gomock.Any(), user).Return(history, nil).AnyTimes()
}

// start runs the engine until the test's context is cancelled.
func (h *harness) start(ctx context.Context) {
	go func() { h.done <- h.e.Run(ctx) }()
}
