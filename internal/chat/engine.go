package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectDelay    = 3 * time.Second

	// eventQueueSize is the buffer of the single queue every producer
	// (reader, dialer, snapshot, timers, API callers) posts to.
	eventQueueSize = 64
)

// Config holds the parameters an Engine runs with.
type Config struct {
	// ServerURL is the http(s) base the socket endpoint is derived from.
	ServerURL         string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	API      API
	Provider SessionProvider

	// State is the optional best-effort mirror.
	State *state.State

	// OnState is called from the engine goroutine on every connection
	// state change. It must not block.
	OnState func(ConnState)
}

// Engine keeps a live model of one user's chat state.
//
// Architecture: one goroutine (the loop started by Run) owns the model,
// the socket and both timers. Everything else posts events to e.events:
// the per-connection reader, the dialer, the snapshot fetch, timer
// callbacks and public API calls. Readers outside the loop get a deep
// copy through View.
type Engine struct {
	logger    *slog.Logger
	api       API
	provider  SessionProvider
	store     *state.State
	dial      dialFunc
	now       func() time.Time
	serverURL string
	onState   func(ConnState)

	heartbeatInterval time.Duration
	reconnectDelay    time.Duration

	events chan any
	done   chan struct{}

	// Loop-owned state. Never touched outside the loop goroutine.
	session       *Session
	sessionCancel context.CancelFunc
	// epoch increments on every session start and end. Snapshot results
	// and friend mutations carry the epoch they were issued under.
	epoch uint64
	model *model
	// loaded is false until the REST snapshot for the current session
	// has been applied. Until then live mutations queue in deferred.
	loaded   bool
	deferred []func()
	dirty    bool

	sup supervisor

	mu           sync.RWMutex
	view         View
	current      *Session
	currentEpoch uint64
}

// Events posted to the loop.
type (
	sessionEvent  struct{ session *Session }
	snapshotEvent struct {
		epoch uint64
		snap  *Snapshot
		err   error
	}
	opEvent struct {
		fn     func(ctx context.Context) error
		result chan error
	}
)

// NewEngine creates an Engine from the given config. Run must be called
// to start it.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	e := &Engine{
		logger:            logger,
		api:               cfg.API,
		provider:          cfg.Provider,
		store:             cfg.State,
		dial:              dialWebSocket,
		now:               time.Now,
		serverURL:         cfg.ServerURL,
		onState:           cfg.OnState,
		heartbeatInterval: cfg.HeartbeatInterval,
		reconnectDelay:    cfg.ReconnectDelay,
		events:            make(chan any, eventQueueSize),
		done:              make(chan struct{}),
		model:             newModel(),
	}
	e.publish()

	return e
}

// Run starts the engine loop and the session provider watch. It returns
// nil when ctx is cancelled, or the first error from the provider.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.loop(gctx) })
	g.Go(func() error {
		if err := e.provider.Watch(gctx, e.SetSession); err != nil {
			return fmt.Errorf("session provider: %w", err)
		}

		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	return err
}

// SetSession hands the engine a new session, or nil for logout. It is
// the callback given to SessionProvider.Watch.
func (e *Engine) SetSession(s *Session) {
	var cp *Session

	if s != nil {
		c := *s
		cp = &c
	}

	e.post(sessionEvent{session: cp})
}

// post delivers ev to the loop, or drops it if the loop has exited.
func (e *Engine) post(ev any) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case sessionEvent:
		e.handleSession(ctx, ev.session)
	case snapshotEvent:
		e.handleSnapshot(ev)
	case dialEvent:
		e.handleDial(ev)
	case frameEvent:
		e.handleFrame(ev)
	case closedEvent:
		e.handleClosed(ev)
	case heartbeatEvent:
		e.handleHeartbeat(ctx, ev)
	case reconnectEvent:
		e.handleReconnect(ctx, ev)
	case opEvent:
		ev.result <- ev.fn(ctx)
	default:
		e.logger.Warn("unknown engine event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (e *Engine) handleSession(ctx context.Context, s *Session) {
	if s == nil {
		if e.session == nil {
			return
		}

		e.logger.Info("session cleared", slog.String("username", e.session.Username))
		e.endSession(websocket.StatusNormalClosure, "logout")

		return
	}

	if e.session != nil && *e.session == *s {
		return
	}

	if e.session != nil {
		e.logger.Info("session replaced",
			slog.String("from", e.session.Username),
			slog.String("to", s.Username),
		)
		e.endSession(websocket.StatusNormalClosure, "session changed")
	}

	e.startSession(ctx, *s)
}

// startSession resets the model, kicks off the REST snapshot and dials
// the socket. Both run concurrently; live events that arrive first are
// deferred until the snapshot lands.
func (e *Engine) startSession(ctx context.Context, s Session) {
	e.session = &s
	e.epoch++
	e.model = newModel()
	e.loaded = false
	e.deferred = nil
	e.dirty = false

	sctx, cancel := context.WithCancel(ctx)
	e.sessionCancel = cancel

	e.logger.Info("session started", slog.String("username", s.Username))
	e.publish()

	epoch := e.epoch

	go func() {
		snap, err := fetchSnapshot(sctx, e.api, s.Username)
		e.post(snapshotEvent{epoch: epoch, snap: snap, err: err})
	}()

	e.sup.shouldReconnect = true
	e.connect(ctx)
}

// endSession terminates the connection and drops the session and its
// model. The mirror is flushed first.
func (e *Engine) endSession(code websocket.StatusCode, reason string) {
	e.terminate(code, reason)

	if e.sessionCancel != nil {
		e.sessionCancel()
		e.sessionCancel = nil
	}

	e.session = nil
	e.epoch++
	e.model = newModel()
	e.loaded = false
	e.deferred = nil
	e.dirty = false
	e.publish()
}

// evict ends the session on the server's authority and tells the
// provider so it does not hand the same session back.
func (e *Engine) evict(reason string) {
	e.endSession(websocket.StatusNormalClosure, reason)

	if err := e.provider.Logout(reason); err != nil {
		e.logger.Warn("session provider logout failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) shutdown() {
	e.terminate(websocket.StatusNormalClosure, "bye")

	if e.sessionCancel != nil {
		e.sessionCancel()
		e.sessionCancel = nil
	}
}

// fetchSnapshot issues the three session reads concurrently. Each read
// stands alone: a failed history fetch still returns the friend list and
// blocked users, with the failures joined into the error.
func fetchSnapshot(ctx context.Context, api API, username string) (*Snapshot, error) {
	var snap Snapshot
	var friendsErr, blockedErr, historyErr error
	var g errgroup.Group

	g.Go(func() error {
		fl, err := api.FriendList(ctx, username)
		if err != nil {
			friendsErr = err
			return nil
		}

		snap.Friends = fl.Friends
		snap.Pending = fl.Pending

		return nil
	})
	g.Go(func() error {
		snap.Blocked, blockedErr = api.Blocked(ctx, username)
		return nil
	})
	g.Go(func() error {
		snap.History, historyErr = api.History(ctx, username)
		return nil
	})

	_ = g.Wait()

	if err := errors.Join(friendsErr, blockedErr, historyErr); err != nil {
		return &snap, fmt.Errorf("loading snapshot: %w", err)
	}

	return &snap, nil
}

func (e *Engine) handleSnapshot(ev snapshotEvent) {
	if ev.epoch != e.epoch || e.session == nil {
		return
	}

	if ev.err != nil {
		// Whatever did load is still applied; the rest fills in from the
		// socket.
		e.logger.Warn("snapshot incomplete",
			slog.String("error", ev.err.Error()),
		)
	}

	if ev.snap != nil {
		e.model.applySnapshot(e.session.Username, ev.snap)
	}

	e.loaded = true

	replayed := len(e.deferred)
	for _, fn := range e.deferred {
		fn()
	}

	e.deferred = nil
	e.dirty = true

	e.logger.Info("snapshot applied",
		slog.Int("contacts", len(e.model.contacts)),
		slog.Int("pending", len(e.model.pending)),
		slog.Int("replayed", replayed),
	)
	e.publish()
}

func (e *Engine) handleFrame(ev frameEvent) {
	if ev.gen != e.sup.gen {
		return
	}

	if ev.typ != websocket.MessageText {
		e.logger.Debug("ignoring binary frame", slog.Int("bytes", len(ev.data)))
		return
	}

	evt, err := ParseFrame(ev.data)
	if err != nil {
		e.logger.Warn("dropping malformed frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(ev.data)),
		)

		return
	}

	switch evt.Kind {
	case EventForceLogout:
		reason := evt.Message
		if reason == "" {
			reason = "force_logout"
		}

		e.logger.Warn("server forced logout", slog.String("reason", reason))
		e.evict(reason)

		return

	case EventUnknown:
		e.logger.Debug("ignoring frame", slog.String("type", evt.Type))
		return
	}

	// Stamp at receipt, not at replay.
	if evt.Timestamp == "" {
		evt.Timestamp = nowTimestamp(e.now())
	}

	e.applyOrDefer(func() { e.applyEvent(evt) })
}

func (e *Engine) applyEvent(evt Event) {
	switch evt.Kind {
	case EventOnlineUsers:
		e.model.setOnline(evt.Users)
	case EventFriendRequest:
		e.model.addPending(evt.From, evt.Timestamp)
	case EventFriendAccepted:
		e.model.addContact(evt.From)
	case EventDirectMessage:
		e.model.receive(evt.From, evt.Message, evt.Timestamp)
	}
}

// applyOrDefer runs fn against the model now, or after the snapshot if
// it has not been applied yet.
func (e *Engine) applyOrDefer(fn func()) {
	if !e.loaded {
		e.deferred = append(e.deferred, fn)
		return
	}

	fn()

	e.dirty = true
	e.publish()
}

// submit runs fn on the loop goroutine and waits for its result.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	op := opEvent{fn: fn, result: make(chan error, 1)}

	select {
	case e.events <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return chaterrors.ErrEngineStopped
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return chaterrors.ErrEngineStopped
	}
}

// Send writes a chat message to the socket and appends it to the
// recipient's log. It fails with ErrNotConnected unless the connection
// is up; nothing is queued. There is no delivery acknowledgement in the
// protocol, so a nil error only means the frame was written.
func (e *Engine) Send(ctx context.Context, to, text string) error {
	frame := chatFrame{To: to, Message: text}
	if err := validate.Struct(frame); err != nil {
		return fmt.Errorf("%w: %w", chaterrors.ErrInvalidMessage, err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return e.submit(ctx, func(loopCtx context.Context) error {
		if e.sup.state != Connected || e.sup.conn == nil || e.session == nil {
			return chaterrors.ErrNotConnected
		}

		if err := e.write(loopCtx, data); err != nil {
			// The reader will see the broken socket and drive reconnect.
			return fmt.Errorf("%w: %w", chaterrors.ErrNotConnected, err)
		}

		msg := Message{
			Sender:    e.session.Username,
			Content:   text,
			Direction: Sent,
			Timestamp: nowTimestamp(e.now()),
		}
		e.applyOrDefer(func() { e.model.appendMessage(to, msg) })

		return nil
	})
}

// Logout ends the current session with a normal closure and tells the
// provider to forget it.
func (e *Engine) Logout(ctx context.Context) error {
	return e.submit(ctx, func(context.Context) error {
		if e.session == nil {
			return chaterrors.ErrNoSession
		}

		e.logger.Info("logging out", slog.String("username", e.session.Username))
		e.evict("logout")

		return nil
	})
}

// publish refreshes the copy handed to readers. Called from the loop
// after every change.
func (e *Engine) publish() {
	v := e.model.view()
	v.State = e.sup.state
	v.Loaded = e.loaded

	var cur *Session

	if e.session != nil {
		v.Username = e.session.Username
		c := *e.session
		cur = &c
	}

	e.mu.Lock()
	e.view = v
	e.current = cur
	e.currentEpoch = e.epoch
	e.mu.Unlock()
}

// View returns a deep copy of the current model.
func (e *Engine) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return cloneView(e.view)
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.view.State
}

// activeSession returns the session API calls should act as, and the
// epoch to tag resulting mutations with.
func (e *Engine) activeSession() (Session, uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.current == nil {
		return Session{}, 0, chaterrors.ErrNoSession
	}

	return *e.current, e.currentEpoch, nil
}

func cloneView(v View) View {
	out := v
	out.Contacts = slices.Clone(v.Contacts)
	out.Blocked = slices.Clone(v.Blocked)
	out.Pending = slices.Clone(v.Pending)
	out.Online = slices.Clone(v.Online)

	out.Messages = make(map[string][]Message, len(v.Messages))
	for k, msgs := range v.Messages {
		out.Messages[k] = slices.Clone(msgs)
	}

	return out
}
